package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/smartdec/cs-comments-service/internal/moderation"
	"github.com/smartdec/cs-comments-service/internal/notifications"
	"github.com/smartdec/cs-comments-service/internal/search"
	"github.com/smartdec/cs-comments-service/internal/store"
	"github.com/smartdec/cs-comments-service/internal/util"
)

// Store is everything the facade needs from the primary store.
type Store interface {
	Ping(ctx context.Context) error

	UpsertUser(ctx context.Context, id, username string) (store.User, error)
	GetUser(ctx context.Context, id string) (store.User, error)
	UsernamesByIDs(ctx context.Context, ids []string) (map[string]string, error)

	InsertThread(ctx context.Context, t store.Thread) (store.Thread, error)
	GetThread(ctx context.Context, id string) (store.Thread, error)
	ListThreadsByCommentable(ctx context.Context, commentableID string) ([]store.Thread, error)
	UpdateThreadContent(ctx context.Context, id, title, body string) (store.Thread, error)
	DeleteThread(ctx context.Context, id string) ([]string, error)
	DeleteThreadsByCommentable(ctx context.Context, commentableID string) ([]string, []string, error)

	InsertComment(ctx context.Context, c store.Comment) (store.Comment, error)
	GetComment(ctx context.Context, id string) (store.Comment, error)
	UpdateCommentContent(ctx context.Context, id, body string, endorsed *bool) (store.Comment, error)
	DeleteComment(ctx context.Context, id string) ([]string, error)
	FetchRootComments(ctx context.Context, threadID string, skip, limit int) (store.CommentPage, error)
	CommentCount(ctx context.Context, threadID string) (int, error)
	CountCommentsReadBefore(ctx context.Context, threadID, userID string, readDate time.Time) (int, error)

	CastVote(ctx context.Context, contentType, contentID, userID, direction string) (store.Votes, error)
	RemoveVote(ctx context.Context, contentType, contentID, userID string) (store.Votes, error)
	SetAbuseFlag(ctx context.Context, contentType, contentID, userID string, flagged bool) error

	MarkRead(ctx context.Context, userID, courseID, threadID string, at time.Time) error
	LastReadTime(ctx context.Context, userID, courseID, threadID string) (time.Time, bool, error)

	Subscribe(ctx context.Context, sub store.Subscription) error
	Unsubscribe(ctx context.Context, sub store.Subscription) error

	AddBlockedHash(ctx context.Context, hash string) error

	AllThreads(ctx context.Context) ([]store.Thread, error)
	AllComments(ctx context.Context) ([]store.Comment, error)
}

// Service composes the store, moderation gate, search synchronizer and
// notification fan-out behind the operations the HTTP layer calls.
type Service struct {
	store     Store
	search    *search.Service
	blocklist *moderation.Blocklist
	fanout    *notifications.Fanout
	apiKey    string
}

func New(st Store, searchSvc *search.Service, blocklist *moderation.Blocklist, fanout *notifications.Fanout, apiKey string) *Service {
	return &Service{
		store:     st,
		search:    searchSvc,
		blocklist: blocklist,
		fanout:    fanout,
		apiKey:    apiKey,
	}
}

func (s *Service) APIKey() string {
	return s.apiKey
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SearchHealthy() bool {
	return s.search.Healthy()
}

func (s *Service) PendingIndexWrites() int {
	return s.search.PendingWrites()
}

// --- Users ---

func (s *Service) UpsertUser(ctx context.Context, id, username string) (*UserView, error) {
	if err := requirePresent(map[string]string{"id": id, "username": username}); err != nil {
		return nil, err
	}
	user, err := s.store.UpsertUser(ctx, strings.TrimSpace(id), strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	return &UserView{ID: user.ID, ExternalID: user.ExternalID, Username: user.Username}, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*UserView, error) {
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("user")
	}
	if err != nil {
		return nil, err
	}
	return &UserView{ID: user.ID, ExternalID: user.ExternalID, Username: user.Username}, nil
}

// --- Threads ---

type ThreadRequest struct {
	Title            string   `json:"title"`
	Body             string   `json:"body"`
	CourseID         string   `json:"course_id"`
	UserID           string   `json:"user_id"`
	Anonymous        bool     `json:"anonymous"`
	AnonymousToPeers bool     `json:"anonymous_to_peers"`
	GroupID          *string  `json:"group_id"`
	Tags             []string `json:"tags"`
}

// CreateThread validates, applies the moderation gate, persists the
// thread and schedules its index projection. The commentable springs
// into being with its first thread; the author is not auto-subscribed.
func (s *Service) CreateThread(ctx context.Context, commentableID string, req ThreadRequest) (*ThreadView, error) {
	if err := requirePresent(map[string]string{
		"title":     req.Title,
		"body":      req.Body,
		"course_id": req.CourseID,
		"user_id":   req.UserID,
	}); err != nil {
		return nil, err
	}
	if hash, blocked := s.blocklist.Check(req.Body); blocked {
		return nil, blockedContentError(hash)
	}

	author, err := s.store.GetUser(ctx, req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, validationError("user_id")
	}
	if err != nil {
		return nil, err
	}

	thread, err := s.store.InsertThread(ctx, store.Thread{
		ID:               util.NewID(),
		Title:            req.Title,
		Body:             req.Body,
		CourseID:         req.CourseID,
		CommentableID:    commentableID,
		AuthorID:         &author.ID,
		Anonymous:        req.Anonymous,
		AnonymousToPeers: req.AnonymousToPeers,
		GroupID:          req.GroupID,
		Tags:             req.Tags,
	})
	if err != nil {
		return nil, err
	}

	s.search.IndexThread(threadDocument(thread))

	return s.presentThread(ctx, thread, req.UserID)
}

func (s *Service) GetThread(ctx context.Context, threadID, userID string, respSkip, respLimit int, markAsRead bool) (*ThreadView, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("thread")
	}
	if err != nil {
		return nil, err
	}

	if markAsRead && userID != "" {
		if err := s.MarkThreadRead(ctx, userID, threadID); err != nil {
			return nil, err
		}
		// re-read so the unread figures reflect the fresh mark
		thread, err = s.store.GetThread(ctx, threadID)
		if err != nil {
			return nil, err
		}
	}

	if respSkip < 0 {
		respSkip = 0
	}
	page, err := s.store.FetchRootComments(ctx, threadID, respSkip, respLimit)
	if err != nil {
		return nil, err
	}

	usernames, err := s.usernamesFor(ctx, thread, page)
	if err != nil {
		return nil, err
	}

	unread, read, err := s.computeUnread(ctx, userID, thread)
	if err != nil {
		return nil, err
	}

	view := threadView(thread, usernames, unread, read)
	view.Children = buildCommentTree(page, usernames)
	view.RespSkip = &respSkip
	if respLimit >= 0 {
		view.RespLimit = &respLimit
	}
	view.RespTotal = &page.Total
	return view, nil
}

func (s *Service) UpdateThread(ctx context.Context, threadID, title, body string) (*ThreadView, error) {
	if err := requirePresent(map[string]string{"title": title, "body": body}); err != nil {
		return nil, err
	}
	if hash, blocked := s.blocklist.Check(body); blocked {
		return nil, blockedContentError(hash)
	}
	thread, err := s.store.UpdateThreadContent(ctx, threadID, title, body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("thread")
	}
	if err != nil {
		return nil, err
	}
	s.search.IndexThread(threadDocument(thread))
	return s.presentThread(ctx, thread, "")
}

func (s *Service) DeleteThread(ctx context.Context, threadID string) error {
	commentIDs, err := s.store.DeleteThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("thread")
	}
	if err != nil {
		return err
	}
	s.search.DeleteThread(threadID)
	for _, id := range commentIDs {
		s.search.DeleteComment(id)
	}
	return nil
}

func (s *Service) ListCommentableThreads(ctx context.Context, commentableID, userID string) (map[string]any, error) {
	threads, err := s.store.ListThreadsByCommentable(ctx, commentableID)
	if err != nil {
		return nil, err
	}

	authorIDs := make([]string, 0, len(threads))
	for _, t := range threads {
		if t.AuthorID != nil {
			authorIDs = append(authorIDs, *t.AuthorID)
		}
	}
	usernames, err := s.store.UsernamesByIDs(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	collection := make([]*ThreadView, 0, len(threads))
	for _, t := range threads {
		unread, read, err := s.computeUnread(ctx, userID, t)
		if err != nil {
			return nil, err
		}
		collection = append(collection, threadView(t, usernames, unread, read))
	}
	return map[string]any{"collection": collection}, nil
}

// DeleteCommentableThreads cascades every thread of a commentable. An
// unknown commentable deletes nothing and succeeds.
func (s *Service) DeleteCommentableThreads(ctx context.Context, commentableID string) error {
	threadIDs, commentIDs, err := s.store.DeleteThreadsByCommentable(ctx, commentableID)
	if err != nil {
		return err
	}
	for _, id := range threadIDs {
		s.search.DeleteThread(id)
	}
	for _, id := range commentIDs {
		s.search.DeleteComment(id)
	}
	return nil
}

// --- Comments ---

type CommentRequest struct {
	Body             string `json:"body"`
	CourseID         string `json:"course_id"`
	UserID           string `json:"user_id"`
	Anonymous        bool   `json:"anonymous"`
	AnonymousToPeers bool   `json:"anonymous_to_peers"`
}

// CreateResponse creates a root comment on a thread.
func (s *Service) CreateResponse(ctx context.Context, threadID string, req CommentRequest) (*CommentView, error) {
	return s.createComment(ctx, threadID, nil, req)
}

// CreateReply creates a child comment under an existing comment.
func (s *Service) CreateReply(ctx context.Context, parentID string, req CommentRequest) (*CommentView, error) {
	parent, err := s.store.GetComment(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("comment")
	}
	if err != nil {
		return nil, err
	}
	return s.createComment(ctx, parent.ThreadID, &parent.ID, req)
}

func (s *Service) createComment(ctx context.Context, threadID string, parentID *string, req CommentRequest) (*CommentView, error) {
	if err := requirePresent(map[string]string{
		"body":      req.Body,
		"course_id": req.CourseID,
		"user_id":   req.UserID,
	}); err != nil {
		return nil, err
	}
	if hash, blocked := s.blocklist.Check(req.Body); blocked {
		return nil, blockedContentError(hash)
	}

	author, err := s.store.GetUser(ctx, req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, validationError("user_id")
	}
	if err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("thread")
	}
	if err != nil {
		return nil, err
	}

	comment, err := s.store.InsertComment(ctx, store.Comment{
		ID:               util.NewID(),
		Body:             req.Body,
		CourseID:         req.CourseID,
		ThreadID:         threadID,
		ParentID:         parentID,
		AuthorID:         &author.ID,
		Anonymous:        req.Anonymous,
		AnonymousToPeers: req.AnonymousToPeers,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("thread")
	}
	if err != nil {
		return nil, err
	}

	s.search.IndexComment(commentDocument(comment, thread.CommentableID))
	s.notifyCommentCreated(thread, comment)

	usernames := map[string]string{author.ID: author.Username}
	return commentView(comment, usernames), nil
}

// notifyCommentCreated fans out on a detached context: the comment is
// already committed, so the caller's deadline must not cancel the
// submission, but it still gets a bound of its own.
func (s *Service) notifyCommentCreated(thread store.Thread, comment store.Comment) {
	actorID := ""
	if comment.AuthorID != nil {
		actorID = *comment.AuthorID
	}
	event := notifications.Comment{
		ThreadID:    thread.ID,
		ThreadTitle: thread.Title,
		CourseID:    thread.CourseID,
		CommentID:   comment.ID,
		ActorID:     actorID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.fanout.CommentCreated(ctx, event); err != nil {
			log.Printf("notifications: fan-out for comment %s: %v", comment.ID, err)
		}
	}()
}

func (s *Service) GetComment(ctx context.Context, commentID string) (*CommentView, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("comment")
	}
	if err != nil {
		return nil, err
	}
	usernames, err := s.store.UsernamesByIDs(ctx, authorList(comment.AuthorID))
	if err != nil {
		return nil, err
	}
	return commentView(comment, usernames), nil
}

func (s *Service) UpdateComment(ctx context.Context, commentID, body string, endorsed *bool) (*CommentView, error) {
	if err := requirePresent(map[string]string{"body": body}); err != nil {
		return nil, err
	}
	if hash, blocked := s.blocklist.Check(body); blocked {
		return nil, blockedContentError(hash)
	}
	comment, err := s.store.UpdateCommentContent(ctx, commentID, body, endorsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError("comment")
	}
	if err != nil {
		return nil, err
	}

	thread, err := s.store.GetThread(ctx, comment.ThreadID)
	if err != nil {
		log.Printf("comment %s updated but not reindexed, thread lookup failed: %v", comment.ID, err)
	} else {
		s.search.IndexComment(commentDocument(comment, thread.CommentableID))
	}

	usernames, err := s.store.UsernamesByIDs(ctx, authorList(comment.AuthorID))
	if err != nil {
		return nil, err
	}
	return commentView(comment, usernames), nil
}

func (s *Service) DeleteComment(ctx context.Context, commentID string) error {
	deleted, err := s.store.DeleteComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("comment")
	}
	if err != nil {
		return err
	}
	for _, id := range deleted {
		s.search.DeleteComment(id)
	}
	return nil
}

// --- Votes ---

func (s *Service) Vote(ctx context.Context, contentType, contentID, userID, value string) (*VotesView, error) {
	if value != store.VoteUp && value != store.VoteDown {
		return nil, domainError(400, "VALIDATION_ERROR", "value must be 'up' or 'down'", nil)
	}
	if err := requirePresent(map[string]string{"user_id": userID}); err != nil {
		return nil, err
	}
	votes, err := s.store.CastVote(ctx, contentType, contentID, userID, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(contentType)
	}
	if err != nil {
		return nil, err
	}
	view := votesView(votes)
	return &view, nil
}

func (s *Service) Unvote(ctx context.Context, contentType, contentID, userID string) (*VotesView, error) {
	if err := requirePresent(map[string]string{"user_id": userID}); err != nil {
		return nil, err
	}
	votes, err := s.store.RemoveVote(ctx, contentType, contentID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundError(contentType)
	}
	if err != nil {
		return nil, err
	}
	view := votesView(votes)
	return &view, nil
}

// --- Abuse flags ---

func (s *Service) SetAbuseFlag(ctx context.Context, contentType, contentID, userID string, flagged bool) error {
	if err := requirePresent(map[string]string{"user_id": userID}); err != nil {
		return err
	}
	err := s.store.SetAbuseFlag(ctx, contentType, contentID, userID, flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError(contentType)
	}
	return err
}

// --- Read state ---

func (s *Service) MarkThreadRead(ctx context.Context, userID, threadID string) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("thread")
	}
	if err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, userID); errors.Is(err, sql.ErrNoRows) {
		return notFoundError("user")
	} else if err != nil {
		return err
	}
	return s.store.MarkRead(ctx, userID, thread.CourseID, threadID, time.Now())
}

// computeUnread derives the unread count for a viewer: with no read
// state the whole thread is unread; otherwise a comment counts as
// read when someone else wrote it and it was last touched before the
// mark, and the thread is read when the mark is no older than the
// thread's own updated_at.
func (s *Service) computeUnread(ctx context.Context, userID string, thread store.Thread) (int, bool, error) {
	if userID == "" {
		return thread.CommentsCount, false, nil
	}
	readDate, ok, err := s.store.LastReadTime(ctx, userID, thread.CourseID, thread.ID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return thread.CommentsCount, false, nil
	}
	readCount, err := s.store.CountCommentsReadBefore(ctx, thread.ID, userID, readDate)
	if err != nil {
		return 0, false, err
	}
	return thread.CommentsCount - readCount, !readDate.Before(thread.UpdatedAt), nil
}

// --- Subscriptions ---

func (s *Service) Subscribe(ctx context.Context, userID, sourceType, sourceID string) error {
	if err := validSubscription(userID, sourceType, sourceID); err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, userID); errors.Is(err, sql.ErrNoRows) {
		return notFoundError("user")
	} else if err != nil {
		return err
	}
	return s.store.Subscribe(ctx, store.Subscription{
		SubscriberID: userID,
		SourceType:   sourceType,
		SourceID:     sourceID,
	})
}

func (s *Service) Unsubscribe(ctx context.Context, userID, sourceType, sourceID string) error {
	if err := validSubscription(userID, sourceType, sourceID); err != nil {
		return err
	}
	return s.store.Unsubscribe(ctx, store.Subscription{
		SubscriberID: userID,
		SourceType:   sourceType,
		SourceID:     sourceID,
	})
}

func validSubscription(userID, sourceType, sourceID string) error {
	if err := requirePresent(map[string]string{
		"user_id":     userID,
		"source_type": sourceType,
		"source_id":   sourceID,
	}); err != nil {
		return err
	}
	switch sourceType {
	case store.SourceThread, store.SourceCommentable, store.SourceUser:
		return nil
	}
	return domainError(400, "VALIDATION_ERROR", "source_type must be thread, commentable or user", nil)
}

// --- Search ---

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(q)
}

// RebuildIndex synchronously projects the whole primary store into the
// search index.
func (s *Service) RebuildIndex(ctx context.Context) error {
	threads, err := s.store.AllThreads(ctx)
	if err != nil {
		return err
	}
	comments, err := s.store.AllComments(ctx)
	if err != nil {
		return err
	}

	commentableByThread := make(map[string]string, len(threads))
	threadDocs := make([]search.ThreadDocument, 0, len(threads))
	for _, t := range threads {
		commentableByThread[t.ID] = t.CommentableID
		threadDocs = append(threadDocs, threadDocument(t))
	}
	commentDocs := make([]search.CommentDocument, 0, len(comments))
	for _, c := range comments {
		commentDocs = append(commentDocs, commentDocument(c, commentableByThread[c.ThreadID]))
	}
	return s.search.RebuildIndex(ctx, threadDocs, commentDocs)
}

// --- Moderation ---

func (s *Service) RefreshBlocklist(ctx context.Context) error {
	return s.blocklist.Refresh(ctx)
}

// BlockContent persists the hash of a body and refreshes the snapshot,
// so the ban takes effect without waiting for an explicit refresh.
func (s *Service) BlockContent(ctx context.Context, body string) (string, error) {
	if err := requirePresent(map[string]string{"body": body}); err != nil {
		return "", err
	}
	hash := moderation.Hash(body)
	if err := s.store.AddBlockedHash(ctx, hash); err != nil {
		return "", err
	}
	return hash, s.blocklist.Refresh(ctx)
}

// --- helpers ---

func (s *Service) presentThread(ctx context.Context, thread store.Thread, viewerID string) (*ThreadView, error) {
	usernames, err := s.store.UsernamesByIDs(ctx, authorList(thread.AuthorID))
	if err != nil {
		return nil, err
	}
	unread, read, err := s.computeUnread(ctx, viewerID, thread)
	if err != nil {
		return nil, err
	}
	return threadView(thread, usernames, unread, read), nil
}

func (s *Service) usernamesFor(ctx context.Context, thread store.Thread, page store.CommentPage) (map[string]string, error) {
	ids := authorList(thread.AuthorID)
	for _, c := range page.Roots {
		ids = append(ids, authorList(c.AuthorID)...)
	}
	for _, c := range page.Descendants {
		ids = append(ids, authorList(c.AuthorID)...)
	}
	return s.store.UsernamesByIDs(ctx, ids)
}

func authorList(id *string) []string {
	if id == nil {
		return nil
	}
	return []string{*id}
}

// requirePresent enforces the required-field and blank-after-trim
// checks in one pass, naming every offending field.
func requirePresent(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return validationError(sorted(missing)...)
	}
	return nil
}

func sorted(values []string) []string {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
	return values
}

func threadDocument(t store.Thread) search.ThreadDocument {
	groupID := ""
	if t.GroupID != nil {
		groupID = *t.GroupID
	}
	return search.ThreadDocument{
		ID:            t.ID,
		Title:         t.Title,
		Body:          t.Body,
		CourseID:      t.CourseID,
		CommentableID: t.CommentableID,
		GroupID:       groupID,
		CreatedAt:     formatTime(t.CreatedAt),
		UpdatedAt:     formatTime(t.UpdatedAt),
	}
}

func commentDocument(c store.Comment, commentableID string) search.CommentDocument {
	return search.CommentDocument{
		ID:            c.ID,
		Body:          c.Body,
		CourseID:      c.CourseID,
		ThreadID:      c.ThreadID,
		CommentableID: commentableID,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
	}
}
