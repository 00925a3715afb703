// Package notifications resolves comment subscribers and hands one
// notification task per recipient to the external job runner, a Redis
// list drained by the notifier worker.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "notifications:queue"

// Task is one unit of notification work. Delivery and retry of the
// notification itself belong to the worker popping the queue.
type Task struct {
	RecipientID string `json:"recipient_id"`
	ThreadID    string `json:"thread_id"`
	ThreadTitle string `json:"thread_title"`
	CourseID    string `json:"course_id"`
	CommentID   string `json:"comment_id"`
	ActorID     string `json:"actor_id"`
	CreatedAt   string `json:"created_at"`
}

// Queue submits notification tasks to Redis.
type Queue struct {
	client *redis.Client
}

func NewQueue(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue submits one task. The push is retried once on transient
// failure; a duplicate delivery is acceptable (at-least-once).
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		if retryErr := q.client.LPush(ctx, queueKey, payload).Err(); retryErr != nil {
			return fmt.Errorf("enqueue notification: %w", retryErr)
		}
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. ok is false when the
// wait timed out with nothing queued.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	values, err := q.client.BRPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("dequeue notification: %w", err)
	}
	// BRPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
		return Task{}, false, fmt.Errorf("unmarshal task: %w", err)
	}
	return task, true, nil
}

// Depth reports the number of queued tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
