// Package notify sends the run completion mail over the Gmail REST API.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/oyanagi/dencal/internal/googleauth"
)

const defaultBaseURL = "https://gmail.googleapis.com"

type tokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Mailer sends mail as the authenticated user via users.messages.send.
type Mailer struct {
	baseURL    string
	source     tokenSource
	from       string
	to         string
	httpClient *http.Client
}

// NewMailer builds a mailer using the Gmail token at tokenFile. Mail is sent
// from and to the configured addresses; with an empty to, Send is a no-op.
func NewMailer(tokenFile, from, to string) *Mailer {
	return &Mailer{
		baseURL:    defaultBaseURL,
		source:     googleauth.NewSource(tokenFile),
		from:       from,
		to:         to,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewMailerWithBaseURL points the mailer at a custom endpoint (for testing).
func NewMailerWithBaseURL(tokenFile, from, to, baseURL string) *Mailer {
	m := NewMailer(tokenFile, from, to)
	m.baseURL = strings.TrimRight(baseURL, "/")
	return m
}

// Send delivers one plain-text mail. The message is assembled as RFC 2822
// with the subject MIME-encoded and the body base64, then wrapped in the
// base64url "raw" field the API expects.
func (m *Mailer) Send(ctx context.Context, subject, body string) error {
	if m.to == "" {
		return nil
	}

	token, err := m.source.Token(ctx)
	if err != nil {
		return fmt.Errorf("gmail token: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", m.to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(`Content-Type: text/plain; charset="UTF-8"` + "\r\n")
	msg.WriteString("Content-Transfer-Encoding: base64\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(base64.StdEncoding.EncodeToString([]byte(body)))

	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(msg.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	url := m.baseURL + "/gmail/v1/users/me/messages/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gmail API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
