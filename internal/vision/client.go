// Package vision sends calendar photographs to an OpenAI-compatible vision
// model and returns the raw textual answer for parsing.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 1024
)

// RetryPolicy bounds the retry loop around a vision call.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Retryable decides whether an attempt error is worth another try.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries rate limits, server errors, and connection
// failures three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Retryable:      IsRetryable,
	}
}

// APIError is a non-2xx response from the vision endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vision API returned %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether err is a transient provider failure: HTTP 429,
// any 5xx, or a transport-level error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	// Anything that never produced a status line is a connection problem.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client calls the chat-completions endpoint with an image payload.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	retry      RetryPolicy
	httpClient *http.Client
}

// New creates a vision client. Zero-valued retry fields fall back to the
// default policy.
func New(baseURL, apiKey, model string, retry RetryPolicy) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = DefaultRetryPolicy().InitialBackoff
	}
	if retry.Retryable == nil {
		retry.Retryable = IsRetryable
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		retry:      retry,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type chatRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	MaxCompletionTokens int       `json:"max_completion_tokens"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze submits the image and returns the model's answer text. Transient
// provider failures are retried per the policy before surfacing.
func (c *Client) Analyze(ctx context.Context, imageBytes []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(imageBytes)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: detectionPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + encoded}},
			},
		}},
		MaxCompletionTokens: 2000,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling vision request: %w", err)
	}

	var lastErr error
	for attempt := range c.retry.MaxAttempts {
		text, err := c.doAnalyze(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if !c.retry.Retryable(err) {
			return "", err
		}
		if attempt < c.retry.MaxAttempts-1 {
			backoff := time.Duration(float64(c.retry.InitialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", fmt.Errorf("vision call failed after %d attempts: %w", c.retry.MaxAttempts, lastErr)
}

func (c *Client) doAnalyze(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding vision response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("vision response has no choices")
	}
	return result.Choices[0].Message.Content, nil
}
