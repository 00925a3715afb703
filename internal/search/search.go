package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultThread  ResultType = "thread"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller. Highlighted
// fields carry the index's match markup; the plain fields are the
// stored values.
type Result struct {
	Type             ResultType `json:"type"`
	ID               string     `json:"id"`
	ThreadID         string     `json:"comment_thread_id,omitempty"`
	CourseID         string     `json:"course_id"`
	CommentableID    string     `json:"commentable_id,omitempty"`
	Title            string     `json:"title,omitempty"`
	Body             string     `json:"body"`
	HighlightedTitle string     `json:"highlighted_title,omitempty"`
	HighlightedBody  string     `json:"highlighted_body,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = threads and comments
	CourseID      string
	CommentableID string
	GroupID       string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Collection []Result `json:"collection"`
	Total      int      `json:"total"`
	Query      string   `json:"query"`
}

// Searcher can execute a keyword search over the index.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push content projections into a search index. The
// projections carry the same ids as the primary records, so every
// write is an idempotent upsert.
type Indexer interface {
	IndexThread(t ThreadDocument) error
	IndexComment(c CommentDocument) error
	DeleteThread(id string) error
	DeleteComment(id string) error
	IndexThreads(threads []ThreadDocument) error
	IndexComments(comments []CommentDocument) error
}

// ThreadDocument is the denormalized projection of a thread.
type ThreadDocument struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	CourseID      string `json:"course_id"`
	CommentableID string `json:"commentable_id"`
	GroupID       string `json:"group_id,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// CommentDocument is the denormalized projection of a comment.
type CommentDocument struct {
	ID            string `json:"id"`
	Body          string `json:"body"`
	CourseID      string `json:"course_id"`
	ThreadID      string `json:"comment_thread_id"`
	CommentableID string `json:"commentable_id"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}
