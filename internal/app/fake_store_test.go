package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/smartdec/cs-comments-service/internal/moderation"
	"github.com/smartdec/cs-comments-service/internal/notifications"
	"github.com/smartdec/cs-comments-service/internal/search"
	"github.com/smartdec/cs-comments-service/internal/store"
)

// fakeStore implements Store with overridable behavior per method.
// Unset methods behave like an empty database.
type fakeStore struct {
	pingFn func(ctx context.Context) error

	upsertUserFn     func(ctx context.Context, id, username string) (store.User, error)
	getUserFn        func(ctx context.Context, id string) (store.User, error)
	usernamesByIDsFn func(ctx context.Context, ids []string) (map[string]string, error)

	insertThreadFn               func(ctx context.Context, t store.Thread) (store.Thread, error)
	getThreadFn                  func(ctx context.Context, id string) (store.Thread, error)
	listThreadsByCommentableFn   func(ctx context.Context, commentableID string) ([]store.Thread, error)
	updateThreadContentFn        func(ctx context.Context, id, title, body string) (store.Thread, error)
	deleteThreadFn               func(ctx context.Context, id string) ([]string, error)
	deleteThreadsByCommentableFn func(ctx context.Context, commentableID string) ([]string, []string, error)

	insertCommentFn           func(ctx context.Context, c store.Comment) (store.Comment, error)
	getCommentFn              func(ctx context.Context, id string) (store.Comment, error)
	updateCommentContentFn    func(ctx context.Context, id, body string, endorsed *bool) (store.Comment, error)
	deleteCommentFn           func(ctx context.Context, id string) ([]string, error)
	fetchRootCommentsFn       func(ctx context.Context, threadID string, skip, limit int) (store.CommentPage, error)
	commentCountFn            func(ctx context.Context, threadID string) (int, error)
	countCommentsReadBeforeFn func(ctx context.Context, threadID, userID string, readDate time.Time) (int, error)

	castVoteFn     func(ctx context.Context, contentType, contentID, userID, direction string) (store.Votes, error)
	removeVoteFn   func(ctx context.Context, contentType, contentID, userID string) (store.Votes, error)
	setAbuseFlagFn func(ctx context.Context, contentType, contentID, userID string, flagged bool) error

	markReadFn     func(ctx context.Context, userID, courseID, threadID string, at time.Time) error
	lastReadTimeFn func(ctx context.Context, userID, courseID, threadID string) (time.Time, bool, error)

	subscribeFn   func(ctx context.Context, sub store.Subscription) error
	unsubscribeFn func(ctx context.Context, sub store.Subscription) error

	addBlockedHashFn func(ctx context.Context, hash string) error

	allThreadsFn  func(ctx context.Context) ([]store.Thread, error)
	allCommentsFn func(ctx context.Context) ([]store.Comment, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) UpsertUser(ctx context.Context, id, username string) (store.User, error) {
	if f.upsertUserFn != nil {
		return f.upsertUserFn(ctx, id, username)
	}
	return store.User{ID: id, ExternalID: id, Username: username}, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UsernamesByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	if f.usernamesByIDsFn != nil {
		return f.usernamesByIDsFn(ctx, ids)
	}
	return map[string]string{}, nil
}

func (f *fakeStore) InsertThread(ctx context.Context, t store.Thread) (store.Thread, error) {
	if f.insertThreadFn != nil {
		return f.insertThreadFn(ctx, t)
	}
	return t, nil
}

func (f *fakeStore) GetThread(ctx context.Context, id string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, id)
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) ListThreadsByCommentable(ctx context.Context, commentableID string) ([]store.Thread, error) {
	if f.listThreadsByCommentableFn != nil {
		return f.listThreadsByCommentableFn(ctx, commentableID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateThreadContent(ctx context.Context, id, title, body string) (store.Thread, error) {
	if f.updateThreadContentFn != nil {
		return f.updateThreadContentFn(ctx, id, title, body)
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteThread(ctx context.Context, id string) ([]string, error) {
	if f.deleteThreadFn != nil {
		return f.deleteThreadFn(ctx, id)
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) DeleteThreadsByCommentable(ctx context.Context, commentableID string) ([]string, []string, error) {
	if f.deleteThreadsByCommentableFn != nil {
		return f.deleteThreadsByCommentableFn(ctx, commentableID)
	}
	return nil, nil, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c store.Comment) (store.Comment, error) {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, c)
	}
	return c, nil
}

func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateCommentContent(ctx context.Context, id, body string, endorsed *bool) (store.Comment, error) {
	if f.updateCommentContentFn != nil {
		return f.updateCommentContentFn(ctx, id, body, endorsed)
	}
	return store.Comment{}, sql.ErrNoRows
}

func (f *fakeStore) DeleteComment(ctx context.Context, id string) ([]string, error) {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, id)
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) FetchRootComments(ctx context.Context, threadID string, skip, limit int) (store.CommentPage, error) {
	if f.fetchRootCommentsFn != nil {
		return f.fetchRootCommentsFn(ctx, threadID, skip, limit)
	}
	return store.CommentPage{}, nil
}

func (f *fakeStore) CommentCount(ctx context.Context, threadID string) (int, error) {
	if f.commentCountFn != nil {
		return f.commentCountFn(ctx, threadID)
	}
	return 0, nil
}

func (f *fakeStore) CountCommentsReadBefore(ctx context.Context, threadID, userID string, readDate time.Time) (int, error) {
	if f.countCommentsReadBeforeFn != nil {
		return f.countCommentsReadBeforeFn(ctx, threadID, userID, readDate)
	}
	return 0, nil
}

func (f *fakeStore) CastVote(ctx context.Context, contentType, contentID, userID, direction string) (store.Votes, error) {
	if f.castVoteFn != nil {
		return f.castVoteFn(ctx, contentType, contentID, userID, direction)
	}
	return store.Votes{}, sql.ErrNoRows
}

func (f *fakeStore) RemoveVote(ctx context.Context, contentType, contentID, userID string) (store.Votes, error) {
	if f.removeVoteFn != nil {
		return f.removeVoteFn(ctx, contentType, contentID, userID)
	}
	return store.Votes{}, sql.ErrNoRows
}

func (f *fakeStore) SetAbuseFlag(ctx context.Context, contentType, contentID, userID string, flagged bool) error {
	if f.setAbuseFlagFn != nil {
		return f.setAbuseFlagFn(ctx, contentType, contentID, userID, flagged)
	}
	return sql.ErrNoRows
}

func (f *fakeStore) MarkRead(ctx context.Context, userID, courseID, threadID string, at time.Time) error {
	if f.markReadFn != nil {
		return f.markReadFn(ctx, userID, courseID, threadID, at)
	}
	return nil
}

func (f *fakeStore) LastReadTime(ctx context.Context, userID, courseID, threadID string) (time.Time, bool, error) {
	if f.lastReadTimeFn != nil {
		return f.lastReadTimeFn(ctx, userID, courseID, threadID)
	}
	return time.Time{}, false, nil
}

func (f *fakeStore) Subscribe(ctx context.Context, sub store.Subscription) error {
	if f.subscribeFn != nil {
		return f.subscribeFn(ctx, sub)
	}
	return nil
}

func (f *fakeStore) Unsubscribe(ctx context.Context, sub store.Subscription) error {
	if f.unsubscribeFn != nil {
		return f.unsubscribeFn(ctx, sub)
	}
	return nil
}

func (f *fakeStore) AddBlockedHash(ctx context.Context, hash string) error {
	if f.addBlockedHashFn != nil {
		return f.addBlockedHashFn(ctx, hash)
	}
	return nil
}

func (f *fakeStore) AllThreads(ctx context.Context) ([]store.Thread, error) {
	if f.allThreadsFn != nil {
		return f.allThreadsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) AllComments(ctx context.Context) ([]store.Comment, error) {
	if f.allCommentsFn != nil {
		return f.allCommentsFn(ctx)
	}
	return nil, nil
}

// fakeHashSource feeds the moderation blocklist in tests.
type fakeHashSource struct {
	hashes []string
}

func (f *fakeHashSource) BlockedHashes(ctx context.Context) ([]string, error) {
	return f.hashes, nil
}

// fakeSubscribers backs the fan-out with fixed subscriber sets.
type fakeSubscribers struct {
	byKey map[string][]string
}

func (f *fakeSubscribers) SubscriberIDs(ctx context.Context, sourceType, sourceID string) ([]string, error) {
	if f.byKey == nil {
		return nil, nil
	}
	return f.byKey[sourceType+"/"+sourceID], nil
}

// fakeSink collects notification tasks on a channel so tests can wait
// for the detached fan-out goroutine.
type fakeSink struct {
	tasks chan notifications.Task
}

func newFakeSink() *fakeSink {
	return &fakeSink{tasks: make(chan notifications.Task, 16)}
}

func (f *fakeSink) Enqueue(ctx context.Context, task notifications.Task) error {
	f.tasks <- task
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return newTestServiceWith(fs, &fakeHashSource{}, &fakeSubscribers{}, newFakeSink())
}

func newTestServiceWith(fs *fakeStore, hashes *fakeHashSource, subs *fakeSubscribers, sink *fakeSink) *Service {
	blocklist := moderation.NewBlocklist(hashes)
	_ = blocklist.Load(context.Background())
	searchSvc := search.NewService(nil, 8, time.Millisecond, 1)
	fanout := notifications.NewFanout(subs, sink)
	return New(fs, searchSvc, blocklist, fanout, "")
}

func strptr(s string) *string { return &s }
