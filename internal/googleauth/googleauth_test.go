package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeToken(t *testing.T, tok token) string {
	t.Helper()
	data, err := json.Marshal(tok)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "token_haha.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestToken_ValidTokenReturnedDirectly(t *testing.T) {
	path := writeToken(t, token{
		AccessToken: "ya29.valid",
		Expiry:      time.Now().Add(time.Hour),
	})

	s := NewSource(path)
	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "ya29.valid" {
		t.Errorf("Token() = %q", got)
	}
}

func TestToken_RefreshesExpiredAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("refresh_token") != "1//refresh" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.fresh",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)

	path := writeToken(t, token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//refresh",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		TokenURI:     srv.URL,
		Expiry:       time.Now().Add(-time.Hour),
	})

	s := NewSource(path)
	got, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "ya29.fresh" {
		t.Errorf("Token() = %q", got)
	}

	// The refreshed token is written back to disk.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var persisted token
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.AccessToken != "ya29.fresh" {
		t.Errorf("persisted access_token = %q", persisted.AccessToken)
	}
	if persisted.RefreshToken != "1//refresh" {
		t.Errorf("persisted refresh_token = %q", persisted.RefreshToken)
	}
}

func TestToken_MissingFileIsAuthError(t *testing.T) {
	s := NewSource(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("Token() error = %v, want ErrAuth", err)
	}
}

func TestToken_ExpiredWithoutRefreshCredentials(t *testing.T) {
	path := writeToken(t, token{
		AccessToken: "ya29.stale",
		Expiry:      time.Now().Add(-time.Hour),
	})

	s := NewSource(path)
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("Token() error = %v, want ErrAuth", err)
	}
}

func TestToken_RefreshRejectionIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	path := writeToken(t, token{
		AccessToken:  "ya29.stale",
		RefreshToken: "1//revoked",
		ClientID:     "client-id",
		TokenURI:     srv.URL,
		Expiry:       time.Now().Add(-time.Hour),
	})

	s := NewSource(path)
	if _, err := s.Token(context.Background()); !errors.Is(err, ErrAuth) {
		t.Errorf("Token() error = %v, want ErrAuth", err)
	}
}
