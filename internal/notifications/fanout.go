package notifications

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SubscriberSource lists the users subscribed to an entity.
type SubscriberSource interface {
	SubscriberIDs(ctx context.Context, sourceType, sourceID string) ([]string, error)
}

// TaskSink accepts notification tasks; satisfied by Queue.
type TaskSink interface {
	Enqueue(ctx context.Context, task Task) error
}

// Fanout turns a new comment into notification tasks for the thread's
// subscribers and the comment author's followers.
type Fanout struct {
	source SubscriberSource
	sink   TaskSink
}

func NewFanout(source SubscriberSource, sink TaskSink) *Fanout {
	return &Fanout{source: source, sink: sink}
}

// Comment describes the event being fanned out.
type Comment struct {
	ThreadID    string
	ThreadTitle string
	CourseID    string
	CommentID   string
	ActorID     string
}

// CommentCreated resolves the recipient set and submits one task per
// recipient. The acting user never notifies themselves, and a user
// subscribed through both paths gets a single task.
func (f *Fanout) CommentCreated(ctx context.Context, event Comment) error {
	recipients, err := f.Recipients(ctx, event)
	if err != nil {
		return err
	}

	createdAt := time.Now().UTC().Format(time.RFC3339)
	for _, recipient := range recipients {
		task := Task{
			RecipientID: recipient,
			ThreadID:    event.ThreadID,
			ThreadTitle: event.ThreadTitle,
			CourseID:    event.CourseID,
			CommentID:   event.CommentID,
			ActorID:     event.ActorID,
			CreatedAt:   createdAt,
		}
		if err := f.sink.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("fan out to %s: %w", recipient, err)
		}
	}
	return nil
}

// Recipients returns the deduplicated subscriber set for a comment
// event, sorted for deterministic submission order.
func (f *Fanout) Recipients(ctx context.Context, event Comment) ([]string, error) {
	threadSubs, err := f.source.SubscriberIDs(ctx, "thread", event.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread subscribers: %w", err)
	}
	var followers []string
	if event.ActorID != "" {
		followers, err = f.source.SubscriberIDs(ctx, "user", event.ActorID)
		if err != nil {
			return nil, fmt.Errorf("resolve followers: %w", err)
		}
	}

	seen := map[string]struct{}{}
	recipients := make([]string, 0, len(threadSubs)+len(followers))
	for _, id := range append(threadSubs, followers...) {
		if id == event.ActorID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)
	return recipients, nil
}
