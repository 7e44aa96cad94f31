package grammar

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lamim/cirforge/internal/config"
)

func newTestChecker(url string) *LanguageTool {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	lt := NewLanguageTool(config.PostProcessConfig{
		GrammarURL:         url,
		Language:           "en-US",
		RateLimitPerMinute: 6000,
	}, 5*time.Second, logger)
	lt.baseRetryDelay = time.Millisecond
	return lt
}

func TestCheckParsesMatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/check" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("text") != "He go home." || r.PostForm.Get("language") != "en-US" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"matches":[{"message":"Possible agreement error","offset":3,"length":2,
			"replacements":[{"value":"goes"}],"rule":{"id":"HE_VERB_AGR"}}]}`))
	}))
	defer server.Close()

	issues, err := newTestChecker(server.URL+"/v2").Check(context.Background(), "He go home.")
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	want := []Issue{{
		RuleID:       "HE_VERB_AGR",
		Message:      "Possible agreement error",
		Offset:       3,
		Length:       2,
		Replacements: []string{"goes"},
	}}
	if diff := cmp.Diff(want, issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckCleanText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"matches":[]}`))
	}))
	defer server.Close()

	issues, err := newTestChecker(server.URL).Check(context.Background(), "The cup is red.")
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestCheckRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"matches":[]}`))
	}))
	defer server.Close()

	if _, err := newTestChecker(server.URL).Check(context.Background(), "Fine."); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestCheckFailsOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("unsupported language"))
	}))
	defer server.Close()

	if _, err := newTestChecker(server.URL).Check(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("client errors must not be retried, got %d attempts", calls.Load())
	}
}
