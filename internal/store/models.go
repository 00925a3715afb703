package store

import "time"

// Votes is the cached vote aggregate carried on threads and comments.
// UpCount and DownCount mirror the voter sets in the votes table; the
// derived figures are methods so they can never drift from the counts.
type Votes struct {
	UpCount   int
	DownCount int
}

func (v Votes) Count() int { return v.UpCount + v.DownCount }
func (v Votes) Point() int { return v.UpCount - v.DownCount }

const (
	ContentThread  = "thread"
	ContentComment = "comment"
)

const (
	VoteUp   = "up"
	VoteDown = "down"
)

type User struct {
	ID         string
	ExternalID string
	Username   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Thread struct {
	ID               string
	Title            string
	Body             string
	CourseID         string
	CommentableID    string
	AuthorID         *string
	Anonymous        bool
	AnonymousToPeers bool
	Closed           bool
	Pinned           bool
	GroupID          *string
	Tags             []string
	AtPositionList   []int
	AbuseFlaggers    []string
	Votes            Votes
	// CommentsCount and Endorsed are filled on read paths.
	CommentsCount int
	Endorsed      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Comment struct {
	ID               string
	Body             string
	CourseID         string
	ThreadID         string
	ParentID         *string
	AuthorID         *string
	SortKey          string
	Position         int
	Endorsed         bool
	Anonymous        bool
	AnonymousToPeers bool
	AbuseFlaggers    []string
	Votes            Votes
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Subscription struct {
	SubscriberID string
	SourceType   string
	SourceID     string
	CreatedAt    time.Time
}

const (
	SourceThread      = "thread"
	SourceCommentable = "commentable"
	SourceUser        = "user"
)

// CommentPage is one page of a thread's root comments plus every
// descendant of those roots, both in sort-key order.
type CommentPage struct {
	Roots       []Comment
	Descendants []Comment
	Total       int
}
