package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no provider webhook is set. Sends
// against an unconfigured provider cannot succeed on retry.
var ErrNotConfigured = errors.New("email provider not configured")

// Message is one rendered notification ready for delivery.
type Message struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Template string `json:"template"`
}

// Sender delivers rendered messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendError is a non-2xx reply from the provider.
type SendError struct {
	Status int
	Detail string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("email provider returned %d: %s", e.Status, e.Detail)
}

// Temporary reports whether a retry can help: rate limiting, timeouts,
// and provider-side failures.
func (e *SendError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// HTTPSender posts messages as JSON to the provider webhook, with an
// optional bearer token.
type HTTPSender struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSender builds a sender for the given webhook URL. An empty URL
// is allowed; Send then reports ErrNotConfigured.
func NewHTTPSender(url, token string) *HTTPSender {
	return &HTTPSender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if s.url == "" {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to email provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &SendError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
}
