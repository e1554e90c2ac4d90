package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCall_SubstitutesUserIDAndEncodesQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("max_results")
		w.Header().Set("x-rate-limit-remaining", "42")
		w.Header().Set("x-rate-limit-reset", "1700000000")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	res, err := client.Call(context.Background(), "tok", http.MethodGet, "/users/:id/bookmarks", "111", map[string]any{"max_results": 25})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if gotPath != "/2/users/111/bookmarks" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotQuery != "25" {
		t.Fatalf("max_results = %s", gotQuery)
	}
	if string(res.Body) != `{"data":[]}` {
		t.Fatalf("body = %s", res.Body)
	}
	if res.RateLimit == nil || res.RateLimit.Remaining != 42 {
		t.Fatalf("rate limit = %+v", res.RateLimit)
	}
	if got := res.RateLimit.ResetAt.Unix(); got != 1700000000 {
		t.Fatalf("reset = %d", got)
	}
}

func TestCall_ParsesRateLimitOnErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", "1700000000")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests"}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	res, err := client.Call(context.Background(), "tok", http.MethodGet, "/tweets", "111", nil)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 StatusError, got %v", err)
	}
	// Quota headers must still flow back on error responses.
	if res == nil || res.RateLimit == nil || res.RateLimit.Remaining != 0 {
		t.Fatalf("rate limit on error = %+v", res)
	}
}

func TestCall_RetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	res, err := client.Call(context.Background(), "tok", http.MethodGet, "/tweets", "111", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("body = %s", res.Body)
	}
}

func TestCall_FailedRetryKeepsRateLimitHeaders(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-rate-limit-remaining", "3")
			w.Header().Set("x-rate-limit-reset", "1700000000")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		panic(http.ErrAbortHandler) // retry dies on the wire
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	res, err := client.Call(context.Background(), "tok", http.MethodGet, "/tweets", "111", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	// Upstream decremented quota on the first attempt; the headers it sent
	// must survive the failed retry so the tracker can observe them.
	if res == nil || res.RateLimit == nil {
		t.Fatalf("result with rate-limit headers lost: %+v", res)
	}
	if res.RateLimit.Remaining != 3 {
		t.Fatalf("remaining = %d, want 3", res.RateLimit.Remaining)
	}
}

func TestCall_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"title":"Not Found"}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	_, err := client.Call(context.Background(), "tok", http.MethodGet, "/nope", "111", nil)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", got)
	}
}

func TestCall_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	if _, err := client.Call(context.Background(), "secret-token", http.MethodGet, "/tweets", "111", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestTimeline_BuildsReverseChronologicalURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	if _, err := client.Timeline(context.Background(), "tok", "42", nil); err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if gotPath != "/2/users/42/timelines/reverse_chronological" {
		t.Fatalf("path = %s", gotPath)
	}
}

func TestUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"id":"12345","name":"someone"}}`))
	}))
	defer srv.Close()

	client := NewClientWithBaseURL(srv.URL)
	id, err := client.UserID(context.Background(), "tok")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if id != "12345" {
		t.Fatalf("id = %s", id)
	}
}

func TestCall_DeadlineAbandonsRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClientWithBaseURL(srv.URL)
	start := time.Now()
	_, err := client.Call(ctx, "tok", http.MethodGet, "/tweets", "111", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call did not respect the deadline, took %s", elapsed)
	}
}
