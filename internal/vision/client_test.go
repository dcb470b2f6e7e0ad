package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, Retryable: IsRetryable}
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
}

func TestAnalyze_SendsImageAndPrompt(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatal(err)
		}
		chatReply(t, w, "analysis text")
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "sk-test", "gpt-4o-mini", fastRetry(1))
	got, err := c.Analyze(context.Background(), []byte("fake-image"))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got != "analysis text" {
		t.Errorf("Analyze() = %q", got)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 || len(gotBody.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", gotBody.Messages)
	}
	if !strings.Contains(gotBody.Messages[0].Content[0].Text, "田") {
		t.Error("prompt does not mention the mark glyph")
	}
	if !strings.HasPrefix(gotBody.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image URL = %q", gotBody.Messages[0].Content[1].ImageURL.URL)
	}
}

func TestAnalyze_RetriesTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		chatReply(t, w, "ok after retries")
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "k", "m", fastRetry(3))
	got, err := c.Analyze(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got != "ok after retries" {
		t.Errorf("Analyze() = %q", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestAnalyze_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "k", "m", fastRetry(3))
	if _, err := c.Analyze(context.Background(), []byte("img")); err == nil {
		t.Fatal("Analyze() error = nil, want failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestAnalyze_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, "k", "m", fastRetry(3))
	if _, err := c.Analyze(context.Background(), []byte("img")); err == nil {
		t.Fatal("Analyze() error = nil, want failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(&APIError{Status: 400}) {
		t.Error("400 should not be retryable")
	}
	if !IsRetryable(&APIError{Status: 429}) {
		t.Error("429 should be retryable")
	}
	if !IsRetryable(&APIError{Status: 503}) {
		t.Error("503 should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
}
