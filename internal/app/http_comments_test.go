package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smartdec/cs-comments-service/internal/store"
)

func commentFixtureStore() *fakeStore {
	return &fakeStore{
		getUserFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Username: "avery"}, nil
		},
		getThreadFn: func(_ context.Context, id string) (store.Thread, error) {
			return store.Thread{ID: id, Title: "Week 1", CourseID: "c", CommentableID: "unit-1"}, nil
		},
	}
}

func TestCreateResponseNotifiesSubscribers(t *testing.T) {
	fs := commentFixtureStore()
	sink := newFakeSink()
	subs := &fakeSubscribers{byKey: map[string][]string{
		"thread/t1":  {"u2", "u3", "actor"},
		"user/actor": {"u3", "u4"},
	}}
	service := newTestServiceWith(fs, &fakeHashSource{}, subs, sink)
	server := NewHTTPServer(service)

	body := `{"body":"I agree","course_id":"c","user_id":"actor"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/threads/t1/comments", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// fan-out runs detached; recipients arrive sorted with the actor
	// excluded and the double-subscribed u3 delivered once
	want := []string{"u2", "u3", "u4"}
	for _, recipient := range want {
		select {
		case task := <-sink.tasks:
			if task.RecipientID != recipient {
				t.Fatalf("expected recipient %s, got %s", recipient, task.RecipientID)
			}
			if task.ThreadTitle != "Week 1" {
				t.Fatalf("expected thread title on task, got %q", task.ThreadTitle)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for notification to %s", recipient)
		}
	}
	select {
	case task := <-sink.tasks:
		t.Fatalf("unexpected extra notification to %s", task.RecipientID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateReplyUnknownParentReturns404(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}))

	body := `{"body":"hi","course_id":"c","user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/comments/nope", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateReplyInheritsThread(t *testing.T) {
	fs := commentFixtureStore()
	fs.getCommentFn = func(_ context.Context, id string) (store.Comment, error) {
		return store.Comment{ID: id, ThreadID: "t1", SortKey: "0000000001"}, nil
	}
	var inserted store.Comment
	fs.insertCommentFn = func(_ context.Context, c store.Comment) (store.Comment, error) {
		inserted = c
		return c, nil
	}
	server := NewHTTPServer(newTestService(fs))

	body := `{"body":"nested","course_id":"c","user_id":"u1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/comments/c1", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if inserted.ThreadID != "t1" {
		t.Fatalf("expected reply to inherit thread t1, got %q", inserted.ThreadID)
	}
	if inserted.ParentID == nil || *inserted.ParentID != "c1" {
		t.Fatalf("expected parent c1, got %v", inserted.ParentID)
	}
}

func TestVoteReturnsAggregate(t *testing.T) {
	fs := &fakeStore{
		castVoteFn: func(_ context.Context, contentType, contentID, userID, direction string) (store.Votes, error) {
			if contentType != store.ContentComment || contentID != "c1" || userID != "u1" || direction != "up" {
				t.Fatalf("unexpected vote %s/%s by %s dir=%s", contentType, contentID, userID, direction)
			}
			return store.Votes{UpCount: 3, DownCount: 1}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/comments/c1/votes", bytes.NewBufferString(`{"user_id":"u1","value":"up"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["up_count"] != float64(3) || payload["down_count"] != float64(1) {
		t.Fatalf("unexpected counts: %v", payload)
	}
	if payload["count"] != float64(4) || payload["point"] != float64(2) {
		t.Fatalf("expected count=4 point=2, got %v", payload)
	}
}

func TestVoteRejectsUnknownValue(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/threads/t1/votes", bytes.NewBufferString(`{"user_id":"u1","value":"sideways"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUnvoteReadsUserFromQuery(t *testing.T) {
	var removed string
	fs := &fakeStore{
		removeVoteFn: func(_ context.Context, contentType, contentID, userID string) (store.Votes, error) {
			removed = userID
			return store.Votes{}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/threads/t1/votes?user_id=u1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if removed != "u1" {
		t.Fatalf("expected removal for u1, got %q", removed)
	}
}

func TestUpdateCommentBlockedReturns503(t *testing.T) {
	fs := commentFixtureStore()
	hash := "c6050216228831c598280982cf409243" // md5("blocked post")
	service := newTestServiceWith(fs, &fakeHashSource{hashes: []string{hash}}, &fakeSubscribers{}, newFakeSink())
	server := NewHTTPServer(service)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/comments/c1", bytes.NewBufferString(`{"body":"blocked post"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUpdateCommentSucceedsWhenThreadLookupFails(t *testing.T) {
	// The search reindex needs the owning thread; when that lookup
	// fails the update itself must still land.
	fs := &fakeStore{
		updateCommentContentFn: func(_ context.Context, id, body string, _ *bool) (store.Comment, error) {
			return store.Comment{ID: id, ThreadID: "t1", AuthorID: strptr("u1"), Body: body}, nil
		},
		getThreadFn: func(context.Context, string) (store.Thread, error) {
			return store.Thread{}, errors.New("connection reset")
		},
		usernamesByIDsFn: func(context.Context, []string) (map[string]string, error) {
			return map[string]string{"u1": "sal"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs))

	req := httptest.NewRequest(http.MethodPut, "/api/v1/comments/c1", bytes.NewBufferString(`{"body":"edited"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var view map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view["body"] != "edited" {
		t.Errorf("expected edited body, got %v", view["body"])
	}
}

func TestDeleteCommentRemovesSubtree(t *testing.T) {
	fs := &fakeStore{
		deleteCommentFn: func(_ context.Context, id string) ([]string, error) {
			return []string{id, "child-1", "child-2"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/comments/c1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAbuseFlagRoundTrip(t *testing.T) {
	type call struct {
		contentType string
		flagged     bool
	}
	var calls []call
	fs := &fakeStore{
		setAbuseFlagFn: func(_ context.Context, contentType, contentID, userID string, flagged bool) error {
			calls = append(calls, call{contentType, flagged})
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs))

	for _, tc := range []struct {
		path    string
		flagged bool
	}{
		{"/api/v1/threads/t1/abuse_flag", true},
		{"/api/v1/comments/c1/abuse_unflag", false},
	} {
		req := httptest.NewRequest(http.MethodPut, tc.path, bytes.NewBufferString(`{"user_id":"u1"}`))
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d body=%s", tc.path, rr.Code, rr.Body.String())
		}
	}
	if len(calls) != 2 || calls[0].contentType != store.ContentThread || !calls[0].flagged {
		t.Fatalf("unexpected first call: %+v", calls)
	}
	if calls[1].contentType != store.ContentComment || calls[1].flagged {
		t.Fatalf("unexpected second call: %+v", calls)
	}
}
