package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smartdec/cs-comments-service/internal/sortkey"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

func (s *PostgresStore) UpsertUser(ctx context.Context, id, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, external_id, username)
		VALUES ($1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET username=EXCLUDED.username, updated_at=NOW()
		RETURNING id, external_id, username, created_at, updated_at
	`, id, username).Scan(&user.ID, &user.ExternalID, &user.Username, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, username, created_at, updated_at FROM users WHERE id=$1
	`, id).Scan(&user.ID, &user.ExternalID, &user.Username, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UsernamesByIDs resolves usernames for a set of user ids. Unknown ids
// are simply absent from the result.
func (s *PostgresStore) UsernamesByIDs(ctx context.Context, ids []string) (map[string]string, error) {
	usernames := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return usernames, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username FROM users WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup usernames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, username string
		if err := rows.Scan(&id, &username); err != nil {
			return nil, fmt.Errorf("scan username: %w", err)
		}
		usernames[id] = username
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usernames: %w", err)
	}
	return usernames, nil
}

// --- Threads ---

const threadColumns = `
	t.id, t.title, t.body, t.course_id, t.commentable_id, t.author_id,
	t.anonymous, t.anonymous_to_peers, t.closed, t.pinned, t.group_id,
	t.tags, t.at_position_list, t.abuse_flaggers, t.up_count, t.down_count,
	t.created_at, t.updated_at,
	(SELECT COUNT(*) FROM comments c WHERE c.thread_id = t.id),
	EXISTS(SELECT 1 FROM comments c WHERE c.thread_id = t.id AND c.endorsed)
`

func scanThread(row interface{ Scan(...any) error }) (Thread, error) {
	var t Thread
	var tags, positions, flaggers []byte
	err := row.Scan(
		&t.ID, &t.Title, &t.Body, &t.CourseID, &t.CommentableID, &t.AuthorID,
		&t.Anonymous, &t.AnonymousToPeers, &t.Closed, &t.Pinned, &t.GroupID,
		&tags, &positions, &flaggers, &t.Votes.UpCount, &t.Votes.DownCount,
		&t.CreatedAt, &t.UpdatedAt, &t.CommentsCount, &t.Endorsed,
	)
	if err != nil {
		return Thread{}, err
	}
	if err := json.Unmarshal(tags, &t.Tags); err != nil {
		return Thread{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(positions, &t.AtPositionList); err != nil {
		return Thread{}, fmt.Errorf("decode at_position_list: %w", err)
	}
	if err := json.Unmarshal(flaggers, &t.AbuseFlaggers); err != nil {
		return Thread{}, fmt.Errorf("decode abuse_flaggers: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, t Thread) (Thread, error) {
	tags, err := encodeList(t.Tags)
	if err != nil {
		return Thread{}, err
	}
	positions, err := encodeList(t.AtPositionList)
	if err != nil {
		return Thread{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO threads (id, title, body, course_id, commentable_id, author_id,
			anonymous, anonymous_to_peers, group_id, tags, at_position_list)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Body, t.CourseID, t.CommentableID, t.AuthorID,
		t.Anonymous, t.AnonymousToPeers, t.GroupID, tags, positions,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.id=$1`, id)
	return scanThread(row)
}

func (s *PostgresStore) ListThreadsByCommentable(ctx context.Context, commentableID string) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+` FROM threads t
		WHERE t.commentable_id=$1
		ORDER BY t.created_at DESC, t.id
	`, commentableID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateThreadContent(ctx context.Context, id, title, body string) (Thread, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET title=$2, body=$3, updated_at=NOW() WHERE id=$1
	`, id, title, body)
	if err != nil {
		return Thread{}, fmt.Errorf("update thread: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return Thread{}, sql.ErrNoRows
	}
	return s.GetThread(ctx, id)
}

// DeleteThread removes a thread and every descendant comment, plus their
// votes and the thread's subscriptions, in one transaction. Returns the
// ids of the deleted comments so the search projections can be removed.
func (s *PostgresStore) DeleteThread(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	commentIDs, err := deleteThreadTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete thread: %w", err)
	}
	return commentIDs, nil
}

// DeleteThreadsByCommentable cascades over every thread of a commentable.
// Unknown commentables delete nothing and are not an error.
func (s *PostgresStore) DeleteThreadsByCommentable(ctx context.Context, commentableID string) (threadIDs, commentIDs []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin delete commentable threads: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM threads WHERE commentable_id=$1`, commentableID)
	if err != nil {
		return nil, nil, fmt.Errorf("list commentable threads: %w", err)
	}
	threadIDs = make([]string, 0)
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan thread id: %w", err)
		}
		threadIDs = append(threadIDs, threadID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate thread ids: %w", err)
	}

	commentIDs = make([]string, 0)
	for _, threadID := range threadIDs {
		deleted, err := deleteThreadTx(ctx, tx, threadID)
		if err != nil {
			return nil, nil, err
		}
		commentIDs = append(commentIDs, deleted...)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit delete commentable threads: %w", err)
	}
	return threadIDs, commentIDs, nil
}

func deleteThreadTx(ctx context.Context, tx *sql.Tx, threadID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM comments WHERE thread_id=$1`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread comments: %w", err)
	}
	commentIDs := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan comment id: %w", err)
		}
		commentIDs = append(commentIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment ids: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM votes WHERE content_type='comment'
			AND content_id IN (SELECT id FROM comments WHERE thread_id=$1)
	`, threadID); err != nil {
		return nil, fmt.Errorf("delete comment votes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE thread_id=$1`, threadID); err != nil {
		return nil, fmt.Errorf("delete comments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM votes WHERE content_type='thread' AND content_id=$1
	`, threadID); err != nil {
		return nil, fmt.Errorf("delete thread votes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE source_type='thread' AND source_id=$1
	`, threadID); err != nil {
		return nil, fmt.Errorf("delete thread subscriptions: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID)
	if err != nil {
		return nil, fmt.Errorf("delete thread: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, sql.ErrNoRows
	}
	return commentIDs, nil
}

// --- Comments ---

const commentColumns = `
	id, body, course_id, thread_id, parent_id, author_id, sort_key, position,
	endorsed, anonymous, anonymous_to_peers, abuse_flaggers, up_count, down_count,
	created_at, updated_at
`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var c Comment
	var flaggers []byte
	err := row.Scan(
		&c.ID, &c.Body, &c.CourseID, &c.ThreadID, &c.ParentID, &c.AuthorID,
		&c.SortKey, &c.Position, &c.Endorsed, &c.Anonymous, &c.AnonymousToPeers,
		&flaggers, &c.Votes.UpCount, &c.Votes.DownCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	if err := json.Unmarshal(flaggers, &c.AbuseFlaggers); err != nil {
		return Comment{}, fmt.Errorf("decode abuse_flaggers: %w", err)
	}
	return c, nil
}

// InsertComment allocates the comment's sort key and persists it. The
// thread row is locked so concurrent inserts cannot claim the same
// sibling position, and the thread's updated_at advances with the new
// comment (read flags compare against it).
func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin insert comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var threadID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE id=$1 FOR UPDATE`, c.ThreadID).Scan(&threadID)
	if err != nil {
		return Comment{}, err
	}

	parentKey := ""
	if c.ParentID != nil {
		var parentThreadID string
		err = tx.QueryRowContext(ctx, `
			SELECT thread_id, sort_key FROM comments WHERE id=$1
		`, *c.ParentID).Scan(&parentThreadID, &parentKey)
		if err != nil {
			return Comment{}, err
		}
		if parentThreadID != c.ThreadID {
			return Comment{}, fmt.Errorf("parent comment %s belongs to thread %s, not %s", *c.ParentID, parentThreadID, c.ThreadID)
		}
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position)+1, 0) FROM comments
		WHERE thread_id=$1 AND parent_id IS NOT DISTINCT FROM $2
	`, c.ThreadID, c.ParentID).Scan(&c.Position)
	if err != nil {
		return Comment{}, fmt.Errorf("allocate position: %w", err)
	}
	c.SortKey = sortkey.Key(parentKey, c.Position)

	flaggers, err := encodeList(c.AbuseFlaggers)
	if err != nil {
		return Comment{}, err
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO comments (id, body, course_id, thread_id, parent_id, author_id,
			sort_key, position, anonymous, anonymous_to_peers, abuse_flaggers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, c.ID, c.Body, c.CourseID, c.ThreadID, c.ParentID, c.AuthorID,
		c.SortKey, c.Position, c.Anonymous, c.AnonymousToPeers, flaggers,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at=NOW() WHERE id=$1`, c.ThreadID); err != nil {
		return Comment{}, fmt.Errorf("touch thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit insert comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id)
	return scanComment(row)
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, id, body string, endorsed *bool) (Comment, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET body=$2, endorsed=COALESCE($3, endorsed), updated_at=NOW()
		WHERE id=$1
	`, id, body, endorsed)
	if err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return Comment{}, sql.ErrNoRows
	}
	return s.GetComment(ctx, id)
}

// DeleteComment removes a comment and its whole subtree, identified by
// the sort-key prefix, along with the subtree's votes.
func (s *PostgresStore) DeleteComment(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var threadID, key string
	err = tx.QueryRowContext(ctx, `SELECT thread_id, sort_key FROM comments WHERE id=$1`, id).Scan(&threadID, &key)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM comments
		WHERE thread_id=$1 AND (sort_key=$2 OR sort_key LIKE $2 || '.%')
	`, threadID, key)
	if err != nil {
		return nil, fmt.Errorf("list subtree: %w", err)
	}
	deleted := make([]string, 0)
	for rows.Next() {
		var commentID string
		if err := rows.Scan(&commentID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan subtree id: %w", err)
		}
		deleted = append(deleted, commentID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtree: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM votes WHERE content_type='comment' AND content_id IN (
			SELECT id FROM comments WHERE thread_id=$1 AND (sort_key=$2 OR sort_key LIKE $2 || '.%')
		)
	`, threadID, key); err != nil {
		return nil, fmt.Errorf("delete subtree votes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM comments WHERE thread_id=$1 AND (sort_key=$2 OR sort_key LIKE $2 || '.%')
	`, threadID, key); err != nil {
		return nil, fmt.Errorf("delete subtree: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete comment: %w", err)
	}
	return deleted, nil
}

// FetchRootComments pages the thread's root comments by sort key. Every
// descendant of the returned roots comes back too: the page of roots is
// a contiguous range of leading sort-key segments, so one range query
// collects all of their subtrees.
func (s *PostgresStore) FetchRootComments(ctx context.Context, threadID string, skip, limit int) (CommentPage, error) {
	var page CommentPage

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments WHERE thread_id=$1 AND parent_id IS NULL
	`, threadID).Scan(&page.Total)
	if err != nil {
		return CommentPage{}, fmt.Errorf("count root comments: %w", err)
	}

	query := `
		SELECT ` + commentColumns + ` FROM comments
		WHERE thread_id=$1 AND parent_id IS NULL
		ORDER BY sort_key
		OFFSET $2
	`
	args := []any{threadID, skip}
	if limit >= 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return CommentPage{}, fmt.Errorf("fetch root comments: %w", err)
	}
	page.Roots = make([]Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			rows.Close()
			return CommentPage{}, fmt.Errorf("scan root comment: %w", err)
		}
		page.Roots = append(page.Roots, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return CommentPage{}, fmt.Errorf("iterate root comments: %w", err)
	}

	page.Descendants = make([]Comment, 0)
	if len(page.Roots) == 0 {
		return page, nil
	}

	firstSegment := page.Roots[0].SortKey
	lastSegment := page.Roots[len(page.Roots)-1].SortKey
	rows, err = s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE thread_id=$1 AND parent_id IS NOT NULL
			AND left(sort_key, $2) BETWEEN $3 AND $4
		ORDER BY sort_key
	`, threadID, sortkey.SegmentWidth, firstSegment, lastSegment)
	if err != nil {
		return CommentPage{}, fmt.Errorf("fetch descendants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return CommentPage{}, fmt.Errorf("scan descendant: %w", err)
		}
		page.Descendants = append(page.Descendants, c)
	}
	if err := rows.Err(); err != nil {
		return CommentPage{}, fmt.Errorf("iterate descendants: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) CommentCount(ctx context.Context, threadID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE thread_id=$1`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	return count, nil
}

// CountCommentsReadBefore counts the comments considered read against a
// last-read timestamp: authored by someone else and last touched before
// the mark. The reader's own comments never count as read here; the
// unread count treats them as pending alongside anything newer.
func (s *PostgresStore) CountCommentsReadBefore(ctx context.Context, threadID, userID string, readDate time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments
		WHERE thread_id=$1 AND author_id IS DISTINCT FROM $2 AND updated_at < $3
	`, threadID, userID, readDate).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count read comments: %w", err)
	}
	return count, nil
}

// --- Votes ---

var ErrUnknownContent = errors.New("unknown vote target")

// CastVote upserts the user's vote and recomputes the cached aggregate
// from the vote rows inside the same transaction. Voting the same
// direction twice is a no-op; the opposite direction moves the user
// between the sets.
func (s *PostgresStore) CastVote(ctx context.Context, contentType, contentID, userID, direction string) (Votes, error) {
	return s.mutateVote(ctx, contentType, contentID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO votes (content_type, content_id, user_id, direction)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (content_type, content_id, user_id)
			DO UPDATE SET direction=EXCLUDED.direction
		`, contentType, contentID, userID, direction)
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		return nil
	})
}

// RemoveVote drops the user's vote if present and recomputes the
// aggregate. Removing an absent vote is a no-op.
func (s *PostgresStore) RemoveVote(ctx context.Context, contentType, contentID, userID string) (Votes, error) {
	return s.mutateVote(ctx, contentType, contentID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM votes WHERE content_type=$1 AND content_id=$2 AND user_id=$3
		`, contentType, contentID, userID)
		if err != nil {
			return fmt.Errorf("delete vote: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) mutateVote(ctx context.Context, contentType, contentID string, mutate func(*sql.Tx) error) (Votes, error) {
	table, err := contentTable(contentType)
	if err != nil {
		return Votes{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Votes{}, fmt.Errorf("begin vote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the target row so the aggregate rewrite serializes with
	// concurrent voters on the same entity.
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE id=$1 FOR UPDATE`, contentID).Scan(&id)
	if err != nil {
		return Votes{}, err
	}

	if err := mutate(tx); err != nil {
		return Votes{}, err
	}

	var votes Votes
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction='up'),
			COUNT(*) FILTER (WHERE direction='down')
		FROM votes WHERE content_type=$1 AND content_id=$2
	`, contentType, contentID).Scan(&votes.UpCount, &votes.DownCount)
	if err != nil {
		return Votes{}, fmt.Errorf("recompute votes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+table+` SET up_count=$2, down_count=$3 WHERE id=$1
	`, contentID, votes.UpCount, votes.DownCount); err != nil {
		return Votes{}, fmt.Errorf("store vote aggregate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Votes{}, fmt.Errorf("commit vote: %w", err)
	}
	return votes, nil
}

func contentTable(contentType string) (string, error) {
	switch contentType {
	case ContentThread:
		return "threads", nil
	case ContentComment:
		return "comments", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContent, contentType)
	}
}

// --- Read states ---

func (s *PostgresStore) MarkRead(ctx context.Context, userID, courseID, threadID string, at time.Time) error {
	entry, err := json.Marshal(map[string]string{threadID: at.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return fmt.Errorf("encode read time: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO read_states (user_id, course_id, last_read_times)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, course_id)
		DO UPDATE SET last_read_times = read_states.last_read_times || EXCLUDED.last_read_times,
			updated_at = NOW()
	`, userID, courseID, entry)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// LastReadTime reports when the user last marked the thread read within
// the course, or ok=false if they never did.
func (s *PostgresStore) LastReadTime(ctx context.Context, userID, courseID, threadID string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_times->>$3 FROM read_states WHERE user_id=$1 AND course_id=$2
	`, userID, courseID, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last-read time: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last-read time: %w", err)
	}
	return at, true, nil
}

// --- Subscriptions ---

func (s *PostgresStore) Subscribe(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (subscriber_id, source_type, source_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscriber_id, source_type, source_id) DO NOTHING
	`, sub.SubscriberID, sub.SourceType, sub.SourceID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unsubscribe(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE subscriber_id=$1 AND source_type=$2 AND source_id=$3
	`, sub.SubscriberID, sub.SourceType, sub.SourceID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (s *PostgresStore) SubscriberIDs(ctx context.Context, sourceType, sourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscriber_id FROM subscriptions WHERE source_type=$1 AND source_id=$2
	`, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return ids, nil
}

// --- Abuse flags ---

func (s *PostgresStore) SetAbuseFlag(ctx context.Context, contentType, contentID, userID string, flagged bool) error {
	table, err := contentTable(contentType)
	if err != nil {
		return err
	}
	var query string
	if flagged {
		query = `
			UPDATE ` + table + ` SET abuse_flaggers = (
				SELECT COALESCE(jsonb_agg(DISTINCT flagger), '[]'::jsonb)
				FROM jsonb_array_elements_text(abuse_flaggers || to_jsonb($2::text)) AS flagger
			), updated_at=NOW()
			WHERE id=$1
		`
	} else {
		query = `
			UPDATE ` + table + ` SET abuse_flaggers = abuse_flaggers - $2, updated_at=NOW()
			WHERE id=$1
		`
	}
	result, err := s.db.ExecContext(ctx, query, contentID, userID)
	if err != nil {
		return fmt.Errorf("set abuse flag: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Moderation blocklist ---

func (s *PostgresStore) BlockedHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM blocked_hashes`)
	if err != nil {
		return nil, fmt.Errorf("list blocked hashes: %w", err)
	}
	defer rows.Close()

	hashes := make([]string, 0)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan blocked hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocked hashes: %w", err)
	}
	return hashes, nil
}

func (s *PostgresStore) AddBlockedHash(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_hashes (hash) VALUES ($1) ON CONFLICT (hash) DO NOTHING
	`, hash)
	if err != nil {
		return fmt.Errorf("add blocked hash: %w", err)
	}
	return nil
}

// --- Index rebuild ---

func (s *PostgresStore) AllThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+threadColumns+` FROM threads t ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("load all threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate all threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AllComments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` FROM comments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load all comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate all comments: %w", err)
	}
	return items, nil
}

func encodeList(list any) ([]byte, error) {
	switch v := list.(type) {
	case []string:
		if v == nil {
			return []byte("[]"), nil
		}
	case []int:
		if v == nil {
			return []byte("[]"), nil
		}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode list: %w", err)
	}
	return raw, nil
}
