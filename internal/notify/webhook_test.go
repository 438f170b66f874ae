package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dcaud/dcaud/internal/notify"
	"github.com/dcaud/dcaud/internal/resilience"
)

func TestNewWebhook_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "localhost:8080/hook", "ftp://example.com/x", "http://"} {
		if _, err := notify.NewWebhook(raw); err == nil {
			t.Errorf("NewWebhook(%q) accepted", raw)
		}
	}
}

func TestWebhook_PostsPayload(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		got     map[string]any
		ctype   string
		method  string
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, ctype, gotPath = r.Method, r.Header.Get("Content-Type"), r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := notify.NewWebhook(srv.URL + "/speaking")
	if err != nil {
		t.Fatalf("NewWebhook: %v", err)
	}
	if err := w.Notify(context.Background(), notify.Update{Username: "alice", Speaking: true, UserID: "u1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPost || ctype != "application/json" || gotPath != "/speaking" {
		t.Errorf("method=%s content-type=%s path=%s", method, ctype, gotPath)
	}
	if len(got) != 2 || got["username"] != "alice" || got["speaking"] != true {
		t.Errorf("body = %v, want exactly username and speaking", got)
	}
}

func TestWebhook_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w, err := notify.NewWebhook(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Notify(context.Background(), notify.Update{Username: "a"}); !errors.Is(err, notify.ErrDelivery) {
		t.Errorf("err = %v, want ErrDelivery", err)
	}
}

func TestWebhook_BreakerOpens(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "webhook",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	w, err := notify.NewWebhook(srv.URL, notify.WithBreaker(cb), notify.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		_ = w.Notify(context.Background(), notify.Update{Username: "a"})
	}
	err = w.Notify(context.Background(), notify.Update{Username: "a"})
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, notify.ErrDelivery) {
		t.Errorf("err = %v, want ErrDelivery wrapping ErrCircuitOpen", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("server hits = %d, want 2", hits)
	}
}
