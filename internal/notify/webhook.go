package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Webhook posts each message as JSON to an HTTP endpoint, typically a mail relay.
type Webhook struct {
	client *resty.Client
	url    string
}

// NewWebhook builds a webhook sender. A non-empty token is sent as a bearer token.
func NewWebhook(url, token string, timeout time.Duration) (*Webhook, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	r := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		r.SetAuthToken(token)
	}
	return &Webhook{client: r, url: url}, nil
}

// Send posts msg. Any non-2xx answer is an error.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	resp, err := w.client.R().SetContext(ctx).SetBody(msg).Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post webhook: status %d", resp.StatusCode())
	}
	return nil
}
