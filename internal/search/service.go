package search

import (
	"context"
	"log"
	"time"
)

// Backend is the index the Service synchronizes against.
type Backend interface {
	Searcher
	Indexer
}

type opKind int

const (
	opIndexThread opKind = iota
	opIndexComment
	opDeleteThread
	opDeleteComment
)

type writeOp struct {
	kind     opKind
	thread   ThreadDocument
	comment  CommentDocument
	id       string
	attempts int
}

// Service mirrors primary-store writes into the search index. Writes
// are enqueued on a bounded in-memory queue and drained by a single
// worker that retries with exponential backoff, so API calls never
// block on index propagation. The queue depth is observable for
// health checks.
type Service struct {
	backend    Backend
	queue      chan writeOp
	done       chan struct{}
	stopped    chan struct{}
	backoff    time.Duration
	maxRetries int
}

// NewService starts the synchronizer. backend may be nil when no search
// engine is configured; every operation is then a no-op. A nil *Meili
// is treated the same as a nil interface so callers can wire an
// optional client straight through.
func NewService(backend Backend, queueSize int, backoff time.Duration, maxRetries int) *Service {
	if m, ok := backend.(*Meili); ok && m == nil {
		backend = nil
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	s := &Service{
		backend:    backend,
		queue:      make(chan writeOp, queueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		backoff:    backoff,
		maxRetries: maxRetries,
	}
	go s.worker()
	return s
}

// Close stops the worker after draining already-queued writes.
func (s *Service) Close() {
	close(s.done)
	<-s.stopped
}

// PendingWrites reports the depth of the retry queue.
func (s *Service) PendingWrites() int {
	return len(s.queue)
}

// Healthy reports whether the index backend is reachable.
func (s *Service) Healthy() bool {
	return s.backend != nil && s.backend.Healthy()
}

// Search queries the index. When the engine is down results degrade to
// empty rather than erroring the read path.
func (s *Service) Search(q Query) Response {
	if s.backend == nil {
		return Response{Collection: []Result{}, Query: q.Text}
	}
	results, total, err := s.backend.Search(q)
	if err != nil {
		log.Printf("search: query failed: %v", err)
		return Response{Collection: []Result{}, Query: q.Text}
	}
	if results == nil {
		results = []Result{}
	}
	return Response{Collection: results, Total: total, Query: q.Text}
}

// IndexThread enqueues a thread upsert.
func (s *Service) IndexThread(t ThreadDocument) {
	s.enqueue(writeOp{kind: opIndexThread, thread: t, id: t.ID})
}

// IndexComment enqueues a comment upsert.
func (s *Service) IndexComment(c CommentDocument) {
	s.enqueue(writeOp{kind: opIndexComment, comment: c, id: c.ID})
}

// DeleteThread enqueues removal of a thread projection.
func (s *Service) DeleteThread(id string) {
	s.enqueue(writeOp{kind: opDeleteThread, id: id})
}

// DeleteComment enqueues removal of a comment projection.
func (s *Service) DeleteComment(id string) {
	s.enqueue(writeOp{kind: opDeleteComment, id: id})
}

func (s *Service) enqueue(op writeOp) {
	if s.backend == nil {
		return
	}
	select {
	case s.queue <- op:
	default:
		// The queue is bounded; shedding here is an observability
		// concern, not a correctness one. The rebuild endpoint
		// restores convergence.
		log.Printf("search: pending-write queue full, dropping %s", opName(op.kind))
	}
}

func (s *Service) worker() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			for {
				select {
				case op := <-s.queue:
					s.apply(op)
				default:
					return
				}
			}
		case op := <-s.queue:
			s.apply(op)
		}
	}
}

func (s *Service) apply(op writeOp) {
	for {
		err := s.write(op)
		if err == nil {
			return
		}
		op.attempts++
		if op.attempts >= s.maxRetries {
			log.Printf("search: %s %s failed after %d attempts: %v", opName(op.kind), op.id, op.attempts, err)
			return
		}
		delay := s.backoff << (op.attempts - 1)
		select {
		case <-s.done:
			log.Printf("search: %s %s dropped at shutdown: %v", opName(op.kind), op.id, err)
			return
		case <-time.After(delay):
		}
	}
}

func (s *Service) write(op writeOp) error {
	switch op.kind {
	case opIndexThread:
		return s.backend.IndexThread(op.thread)
	case opIndexComment:
		return s.backend.IndexComment(op.comment)
	case opDeleteThread:
		return s.backend.DeleteThread(op.id)
	case opDeleteComment:
		return s.backend.DeleteComment(op.id)
	}
	return nil
}

func opName(kind opKind) string {
	switch kind {
	case opIndexThread:
		return "index thread"
	case opIndexComment:
		return "index comment"
	case opDeleteThread:
		return "delete thread"
	case opDeleteComment:
		return "delete comment"
	}
	return "unknown"
}

// RebuildIndex pushes every thread and comment projection into the
// index, blocking until the bulk writes are submitted. Used by the
// administrative rebuild endpoint.
func (s *Service) RebuildIndex(ctx context.Context, threads []ThreadDocument, comments []CommentDocument) error {
	if s.backend == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.backend.IndexThreads(threads); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.IndexComments(comments)
}
