package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxThreads  = "comment_threads"
	idxComments = "comments"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The
// client starts unhealthy if the initial connection fails; the health
// loop reconfigures indexes once the engine comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxThreads,
			filterable: []string{"course_id", "commentable_id", "group_id"},
			searchable: []string{"title", "body"},
		},
		{
			uid:        idxComments,
			filterable: []string{"course_id", "commentable_id", "comment_thread_id"},
			searchable: []string{"body"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the thread and comment indexes (or a filtered subset)
// and merges results, ranking delegated to the engine.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxThreads, ResultThread},
		{idxComments, ResultComment},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<highlight>",
			HighlightPostTag:      "</highlight>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.CourseID != "" {
			filters = append(filters, fmt.Sprintf("course_id = %q", q.CourseID))
		}
		if q.CommentableID != "" {
			filters = append(filters, fmt.Sprintf("commentable_id = %q", q.CommentableID))
		}
		if q.GroupID != "" && ti.rtyp == ResultThread {
			filters = append(filters, fmt.Sprintf("group_id = %q", q.GroupID))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxThreads:
		return ResultThread
	case idxComments:
		return ResultComment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.CourseID = decodeString(hit, "course_id")
	r.CommentableID = decodeString(hit, "commentable_id")
	r.Body = decodeString(hit, "body")
	r.HighlightedBody = decodeFormattedString(hit, "body")

	switch rtyp {
	case ResultThread:
		r.ThreadID = r.ID
		r.Title = decodeString(hit, "title")
		r.HighlightedTitle = decodeFormattedString(hit, "title")
	case ResultComment:
		r.ThreadID = decodeString(hit, "comment_thread_id")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

// IndexThread adds or updates a thread projection.
func (m *Meili) IndexThread(t ThreadDocument) error {
	_, err := m.client.Index(idxThreads).AddDocuments([]ThreadDocument{t}, nil)
	return err
}

// IndexComment adds or updates a comment projection.
func (m *Meili) IndexComment(c CommentDocument) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentDocument{c}, nil)
	return err
}

// DeleteThread removes a thread projection.
func (m *Meili) DeleteThread(id string) error {
	_, err := m.client.Index(idxThreads).DeleteDocument(id, nil)
	return err
}

// DeleteComment removes a comment projection.
func (m *Meili) DeleteComment(id string) error {
	_, err := m.client.Index(idxComments).DeleteDocument(id, nil)
	return err
}

// IndexThreads bulk-indexes thread projections.
func (m *Meili) IndexThreads(threads []ThreadDocument) error {
	if len(threads) == 0 {
		return nil
	}
	_, err := m.client.Index(idxThreads).AddDocuments(threads, nil)
	return err
}

// IndexComments bulk-indexes comment projections.
func (m *Meili) IndexComments(comments []CommentDocument) error {
	if len(comments) == 0 {
		return nil
	}
	_, err := m.client.Index(idxComments).AddDocuments(comments, nil)
	return err
}
