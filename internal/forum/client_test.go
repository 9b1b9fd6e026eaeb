package forum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL + "/", Token: "tok"})
}

func TestListThreadsSendsPaginationAndAuth(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(Page[Thread]{Items: []Thread{{ID: 7, Title: "hello"}}, Total: 1})
	})

	page, err := client.ListThreads(context.Background(), 0, 500, "tech")
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if gotPath != "/api/threads" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	// Page defaults to 1 and page size is capped at 50.
	if gotQuery != "category=tech&page=1&page_size=50" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(page.Items) != 1 || page.Items[0].ID != 7 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestListThreadsIgnoresUnknownCategory(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(Page[Thread]{})
	})
	if _, err := client.ListThreads(context.Background(), 1, 10, "bogus"); err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if gotQuery != "page=1&page_size=10" {
		t.Fatalf("expected unknown category dropped, got query %q", gotQuery)
	}
}

func TestUnauthorizedBecomesAuthError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.ListThreads(context.Background(), 1, 10, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestEmptyTokenFailsWithoutRequest(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Token: ""})
	_, err := client.Profile(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error for missing token, got %v", err)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Token: "tok"})
	if _, err := client.CreateThread(context.Background(), CreateThreadRequest{Title: "x", Content: "long enough"}); err == nil {
		t.Fatal("expected error for short title")
	}
	if _, err := client.CreateThread(context.Background(), CreateThreadRequest{Title: "title ok", Content: "shrt"}); err == nil {
		t.Fatal("expected error for short content")
	}
}

func TestCreateThreadFallsBackToChatCategory(t *testing.T) {
	var gotCategory string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CreateThreadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotCategory = req.Category
		_ = json.NewEncoder(w).Encode(Thread{ID: 1, Title: req.Title})
	})
	_, err := client.CreateThread(context.Background(), CreateThreadRequest{Title: "a title", Content: "some content", Category: "nope"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if gotCategory != "chat" {
		t.Fatalf("expected fallback category 'chat', got %q", gotCategory)
	}
}

func TestReplyThreadRejectsEmptyContent(t *testing.T) {
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Token: "tok"})
	if _, err := client.ReplyThread(context.Background(), 1, "   "); err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestRateLimitedReplies(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(Reply{ID: int64(calls)})
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimitedClient(ClientConfig{BaseURL: srv.URL, Token: "tok"})
	rl.now = func() time.Time { return now }

	if _, err := rl.ReplyThread(context.Background(), 1, "first"); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if _, err := rl.ReplyThread(context.Background(), 1, "second"); err == nil {
		t.Fatal("expected cooldown error for immediate second reply")
	}
	if calls != 1 {
		t.Fatalf("expected 1 request, got %d", calls)
	}

	now = now.Add(replyCooldown + time.Second)
	if _, err := rl.ReplyFloor(context.Background(), 5, "third"); err != nil {
		t.Fatalf("reply after cooldown: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 requests, got %d", calls)
	}
}

func TestConcurrentRepliesClaimOneSlot(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(Reply{ID: 1})
	}))
	defer srv.Close()

	rl := NewRateLimitedClient(ClientConfig{BaseURL: srv.URL, Token: "tok"})
	rl.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	var wg sync.WaitGroup
	var successes, limited int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rl.ReplyThread(context.Background(), 1, "hello there"); err != nil {
				atomic.AddInt32(&limited, 1)
			} else {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || limited != 1 {
		t.Fatalf("expected exactly one reply through, got %d successes, %d limited", successes, limited)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one request on the wire, got %d", calls)
	}
}

func TestFailedReplyReleasesCooldownSlot(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(Reply{ID: 2})
	}))
	defer srv.Close()

	rl := NewRateLimitedClient(ClientConfig{BaseURL: srv.URL, Token: "tok"})
	rl.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	if _, err := rl.ReplyThread(context.Background(), 1, "first try"); err == nil {
		t.Fatal("expected server error on first attempt")
	}
	// The failed attempt must not consume the cooldown slot.
	if _, err := rl.ReplyThread(context.Background(), 1, "second try"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}
