package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu          sync.Mutex
	failuresPer int // fail this many times per op before succeeding
	failures    map[string]int
	threads     map[string]ThreadDocument
	comments    map[string]CommentDocument
	searchErr   error
	results     []Result
	total       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failures: map[string]int{},
		threads:  map[string]ThreadDocument{},
		comments: map[string]CommentDocument{},
	}
}

func (f *fakeBackend) Healthy() bool { return true }

func (f *fakeBackend) Search(Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, f.total, nil
}

func (f *fakeBackend) maybeFail(id string) error {
	if f.failures[id] < f.failuresPer {
		f.failures[id]++
		return errors.New("transient index failure")
	}
	return nil
}

func (f *fakeBackend) IndexThread(t ThreadDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(t.ID); err != nil {
		return err
	}
	f.threads[t.ID] = t
	return nil
}

func (f *fakeBackend) IndexComment(c CommentDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(c.ID); err != nil {
		return err
	}
	f.comments[c.ID] = c
	return nil
}

func (f *fakeBackend) DeleteThread(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(id); err != nil {
		return err
	}
	delete(f.threads, id)
	return nil
}

func (f *fakeBackend) DeleteComment(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(id); err != nil {
		return err
	}
	delete(f.comments, id)
	return nil
}

func (f *fakeBackend) IndexThreads(threads []ThreadDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range threads {
		f.threads[t.ID] = t
	}
	return nil
}

func (f *fakeBackend) IndexComments(comments []CommentDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range comments {
		f.comments[c.ID] = c
	}
	return nil
}

func (f *fakeBackend) threadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}

func TestIndexThreadEventuallyWritten(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, 16, time.Millisecond, 5)
	defer svc.Close()

	svc.IndexThread(ThreadDocument{ID: "t1", Title: "question", Body: "help"})

	deadline := time.Now().Add(2 * time.Second)
	for backend.threadCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("thread never indexed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.failuresPer = 2
	svc := NewService(backend, 16, time.Millisecond, 5)
	defer svc.Close()

	svc.IndexThread(ThreadDocument{ID: "flaky"})

	deadline := time.Now().Add(2 * time.Second)
	for backend.threadCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("write not retried to success")
		}
		time.Sleep(5 * time.Millisecond)
	}
	backend.mu.Lock()
	attempts := backend.failures["flaky"]
	backend.mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected 2 transient failures before success, saw %d", attempts)
	}
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.failuresPer = 100
	svc := NewService(backend, 16, time.Millisecond, 3)

	svc.IndexThread(ThreadDocument{ID: "doomed"})
	time.Sleep(50 * time.Millisecond)
	svc.Close()

	if backend.threadCount() != 0 {
		t.Error("doomed write should have been dropped")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, 64, time.Millisecond, 3)

	for i := 0; i < 20; i++ {
		svc.IndexThread(ThreadDocument{ID: string(rune('a' + i))})
	}
	svc.Close()

	if got := backend.threadCount(); got != 20 {
		t.Errorf("after Close, %d of 20 threads indexed", got)
	}
	if svc.PendingWrites() != 0 {
		t.Errorf("PendingWrites = %d after drain", svc.PendingWrites())
	}
}

func TestSearchDegradesToEmpty(t *testing.T) {
	backend := newFakeBackend()
	backend.searchErr = errors.New("engine down")
	svc := NewService(backend, 16, time.Millisecond, 3)
	defer svc.Close()

	resp := svc.Search(Query{Text: "anything"})
	if resp.Collection == nil || len(resp.Collection) != 0 {
		t.Errorf("expected empty collection, got %#v", resp.Collection)
	}
	if resp.Query != "anything" {
		t.Errorf("query echo = %q", resp.Query)
	}
}

func TestNilBackendNoOps(t *testing.T) {
	svc := NewService(nil, 16, time.Millisecond, 3)
	defer svc.Close()

	svc.IndexThread(ThreadDocument{ID: "x"})
	svc.DeleteComment("y")
	if svc.Healthy() {
		t.Error("nil backend should report unhealthy")
	}
	resp := svc.Search(Query{Text: "q"})
	if len(resp.Collection) != 0 {
		t.Error("nil backend search should be empty")
	}
	if err := svc.RebuildIndex(context.Background(), nil, nil); err != nil {
		t.Errorf("rebuild on nil backend: %v", err)
	}
}

func TestNilMeiliClientNoOps(t *testing.T) {
	// A nil *Meili arriving through the Backend interface is non-nil as
	// an interface value; the service must still treat it as absent.
	svc := NewService((*Meili)(nil), 16, time.Millisecond, 3)
	defer svc.Close()

	if svc.Healthy() {
		t.Error("nil client should report unhealthy")
	}
	svc.IndexThread(ThreadDocument{ID: "x"})
	svc.DeleteThread("x")
	resp := svc.Search(Query{Text: "q"})
	if len(resp.Collection) != 0 {
		t.Error("nil client search should be empty")
	}
}
