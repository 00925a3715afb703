package app

import (
	"time"

	"github.com/smartdec/cs-comments-service/internal/store"
)

// Wire timestamps are ISO-8601 UTC at second precision.
const timeLayout = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

type VotesView struct {
	UpCount   int `json:"up_count"`
	DownCount int `json:"down_count"`
	Count     int `json:"count"`
	Point     int `json:"point"`
}

func votesView(v store.Votes) VotesView {
	return VotesView{
		UpCount:   v.UpCount,
		DownCount: v.DownCount,
		Count:     v.Count(),
		Point:     v.Point(),
	}
}

type ThreadView struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title"`
	Body                string         `json:"body"`
	CourseID            string         `json:"course_id"`
	CommentableID       string         `json:"commentable_id"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
	Anonymous           bool           `json:"anonymous"`
	AnonymousToPeers    bool           `json:"anonymous_to_peers"`
	AtPositionList      []int          `json:"at_position_list"`
	Closed              bool           `json:"closed"`
	UserID              *string        `json:"user_id"`
	Username            *string        `json:"username"`
	Votes               VotesView      `json:"votes"`
	AbuseFlaggers       []string       `json:"abuse_flaggers"`
	Tags                []string       `json:"tags"`
	Type                string         `json:"type"`
	GroupID             *string        `json:"group_id"`
	Pinned              bool           `json:"pinned"`
	Endorsed            bool           `json:"endorsed"`
	CommentsCount       int            `json:"comments_count"`
	UnreadCommentsCount int            `json:"unread_comments_count"`
	Read                bool           `json:"read"`
	HighlightedTitle    string         `json:"highlighted_title,omitempty"`
	HighlightedBody     string         `json:"highlighted_body,omitempty"`
	Children            []*CommentView `json:"children,omitempty"`
	RespSkip            *int           `json:"resp_skip,omitempty"`
	RespLimit           *int           `json:"resp_limit,omitempty"`
	RespTotal           *int           `json:"resp_total,omitempty"`
}

type CommentView struct {
	ID               string         `json:"id"`
	Body             string         `json:"body"`
	CourseID         string         `json:"course_id"`
	ThreadID         string         `json:"comment_thread_id"`
	ParentID         *string        `json:"parent_id"`
	UserID           *string        `json:"user_id"`
	Username         *string        `json:"username"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
	Endorsed         bool           `json:"endorsed"`
	Anonymous        bool           `json:"anonymous"`
	AnonymousToPeers bool           `json:"anonymous_to_peers"`
	Votes            VotesView      `json:"votes"`
	AbuseFlaggers    []string       `json:"abuse_flaggers"`
	Type             string         `json:"type"`
	Children         []*CommentView `json:"children"`
}

// authorIdentity hides the author on anonymous content.
func authorIdentity(authorID *string, anonymous bool, usernames map[string]string) (*string, *string) {
	if anonymous || authorID == nil {
		return nil, nil
	}
	userID := *authorID
	if name, ok := usernames[userID]; ok {
		return &userID, &name
	}
	return &userID, nil
}

func threadView(t store.Thread, usernames map[string]string, unread int, read bool) *ThreadView {
	userID, username := authorIdentity(t.AuthorID, t.Anonymous, usernames)
	return &ThreadView{
		ID:                  t.ID,
		Title:               t.Title,
		Body:                t.Body,
		CourseID:            t.CourseID,
		CommentableID:       t.CommentableID,
		CreatedAt:           formatTime(t.CreatedAt),
		UpdatedAt:           formatTime(t.UpdatedAt),
		Anonymous:           t.Anonymous,
		AnonymousToPeers:    t.AnonymousToPeers,
		AtPositionList:      orEmptyInts(t.AtPositionList),
		Closed:              t.Closed,
		UserID:              userID,
		Username:            username,
		Votes:               votesView(t.Votes),
		AbuseFlaggers:       orEmptyStrings(t.AbuseFlaggers),
		Tags:                orEmptyStrings(t.Tags),
		Type:                "thread",
		GroupID:             t.GroupID,
		Pinned:              t.Pinned,
		Endorsed:            t.Endorsed,
		CommentsCount:       t.CommentsCount,
		UnreadCommentsCount: unread,
		Read:                read,
	}
}

func commentView(c store.Comment, usernames map[string]string) *CommentView {
	userID, username := authorIdentity(c.AuthorID, c.Anonymous, usernames)
	return &CommentView{
		ID:               c.ID,
		Body:             c.Body,
		CourseID:         c.CourseID,
		ThreadID:         c.ThreadID,
		ParentID:         c.ParentID,
		UserID:           userID,
		Username:         username,
		CreatedAt:        formatTime(c.CreatedAt),
		UpdatedAt:        formatTime(c.UpdatedAt),
		Endorsed:         c.Endorsed,
		Anonymous:        c.Anonymous,
		AnonymousToPeers: c.AnonymousToPeers,
		Votes:            votesView(c.Votes),
		AbuseFlaggers:    orEmptyStrings(c.AbuseFlaggers),
		Type:             "comment",
		Children:         []*CommentView{},
	}
}

// buildCommentTree nests a sort-key-ordered comment page by parent_id.
// Descendants arrive in pre-order, so every parent is indexed before
// its children show up.
func buildCommentTree(page store.CommentPage, usernames map[string]string) []*CommentView {
	index := make(map[string]*CommentView, len(page.Roots)+len(page.Descendants))
	roots := make([]*CommentView, 0, len(page.Roots))
	for _, c := range page.Roots {
		v := commentView(c, usernames)
		index[c.ID] = v
		roots = append(roots, v)
	}
	for _, c := range page.Descendants {
		v := commentView(c, usernames)
		index[c.ID] = v
		if c.ParentID == nil {
			continue
		}
		if parent, ok := index[*c.ParentID]; ok {
			parent.Children = append(parent.Children, v)
		}
	}
	return roots
}

type UserView struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
