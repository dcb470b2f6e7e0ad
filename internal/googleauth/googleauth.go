// Package googleauth provides file-backed OAuth2 token sources for the Google
// Calendar and Gmail clients. Each account gets one source built up front and
// reused for the whole run.
package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// expirySkew refreshes tokens slightly before their stated expiry.
const expirySkew = time.Minute

// ErrAuth marks authentication failures so callers can treat them as
// account-fatal rather than date-local.
var ErrAuth = errors.New("authentication failed")

// token mirrors the stored token file (the format the original OAuth flow
// writes: access/refresh token plus the client credentials to refresh with).
type token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	TokenURI     string    `json:"token_uri"`
	Expiry       time.Time `json:"expiry"`
}

func (t token) valid() bool {
	if t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return time.Now().Add(expirySkew).Before(t.Expiry)
}

// Source yields valid bearer tokens for one account, refreshing and persisting
// as needed. Not safe for concurrent use; the pipeline is single-threaded.
type Source struct {
	path       string
	tok        token
	loaded     bool
	httpClient *http.Client
}

// NewSource returns a Source backed by the token file at path. The file is
// read lazily on first use so construction never fails.
func NewSource(path string) *Source {
	return &Source{
		path:       path,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Token returns a bearer token that is valid now, refreshing through the OAuth
// token endpoint when the stored one has expired.
func (s *Source) Token(ctx context.Context) (string, error) {
	if !s.loaded {
		if err := s.load(); err != nil {
			return "", err
		}
	}
	if s.tok.valid() {
		return s.tok.AccessToken, nil
	}
	if err := s.refresh(ctx); err != nil {
		return "", err
	}
	return s.tok.AccessToken, nil
}

func (s *Source) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: reading token file %s: %v", ErrAuth, s.path, err)
	}
	if err := json.Unmarshal(data, &s.tok); err != nil {
		return fmt.Errorf("%w: parsing token file %s: %v", ErrAuth, s.path, err)
	}
	if s.tok.AccessToken == "" && s.tok.RefreshToken == "" {
		return fmt.Errorf("%w: token file %s has no usable token", ErrAuth, s.path)
	}
	s.loaded = true
	return nil
}

func (s *Source) refresh(ctx context.Context) error {
	if s.tok.RefreshToken == "" || s.tok.ClientID == "" {
		return fmt.Errorf("%w: token expired and no refresh credentials in %s", ErrAuth, s.path)
	}

	endpoint := s.tok.TokenURI
	if endpoint == "" {
		endpoint = defaultTokenEndpoint
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.tok.RefreshToken)
	form.Set("client_id", s.tok.ClientID)
	form.Set("client_secret", s.tok.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: refresh request: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decoding refresh response: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("%w: token endpoint returned no access token", ErrAuth)
	}

	s.tok.AccessToken = body.AccessToken
	s.tok.Expiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	s.persist()
	return nil
}

// persist writes the refreshed token back so the next process start skips the
// refresh. Failure is non-fatal; the in-memory token still works.
func (s *Source) persist() {
	data, err := json.MarshalIndent(s.tok, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, data, 0o600)
}
