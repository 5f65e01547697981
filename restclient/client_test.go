package restclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestDoJSON_RetriesServerErrorsThenDecodes(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"name":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "Token", "secret", nil, nil)
	c.SetRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	var out struct {
		Name string `json:"name"`
	}
	if err := c.DoJSON(context.Background(), http.MethodGet, "/x", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "ok" {
		t.Fatalf("unexpected body %+v", out)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoJSON_NotFoundIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"missing","message":"no such message"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "Bearer", "t", nil, nil)
	err := c.DoJSON(context.Background(), http.MethodGet, "/x", nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "missing" {
		t.Fatalf("expected HTTPError with code, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	c := New("http://example.invalid", "Bearer", "", nil, nil)
	c.SetRetryPolicy(3, 100*time.Millisecond, time.Second)
	if got := c.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: %s", got)
	}
	if got := c.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("attempt 3: %s", got)
	}
	if got := c.retryDelay(10, ""); got != time.Second {
		t.Fatalf("attempt 10 should cap: %s", got)
	}
	if got := c.retryDelay(1, "2"); got != time.Second {
		t.Fatalf("retry-after should cap at max: %s", got)
	}
}
