package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// LogSender writes notifications to the structured log. It is the default
// when no webhook is configured.
type LogSender struct{}

func (LogSender) Init(context.Context) error { return nil }

func (LogSender) Send(_ context.Context, msg Message) error {
	log.Info().
		Str("owner_id", msg.OwnerID).
		Str("title", msg.Title).
		Str("body", msg.Body).
		Msg("notification")
	return nil
}

// WebhookSender POSTs each message as JSON to URL. The receiving service is
// responsible for device lookup and channel fan-out.
type WebhookSender struct {
	URL  string
	HTTP *http.Client
}

// NewWebhookSender returns a WebhookSender with a bounded client timeout.
func NewWebhookSender(rawURL string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{URL: rawURL, HTTP: &http.Client{Timeout: timeout}}
}

// Init validates the target URL.
func (w *WebhookSender) Init(context.Context) error {
	u, err := url.Parse(w.URL)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url must be absolute http(s), got %q", w.URL)
	}
	return nil
}

// Send delivers msg once.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &webhookError{status: resp.StatusCode}
	}
	return nil
}

type webhookError struct{ status int }

func (e *webhookError) Error() string   { return fmt.Sprintf("webhook returned HTTP %d", e.status) }
func (e *webhookError) HTTPStatus() int { return e.status }
