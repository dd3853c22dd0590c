package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"replyguard/internal/httpx"
)

// Webhook POSTs the alert as JSON to an arbitrary endpoint, retrying 5xx
// and 429 responses through the shared retrier.
type Webhook struct {
	url     string
	headers map[string]string
	retrier *httpx.Retrier
}

func NewWebhook(url string, headers map[string]string, retrier *httpx.Retrier) *Webhook {
	if retrier == nil {
		retrier = httpx.NewRetrier(nil, nil)
	}
	return &Webhook{url: url, headers: headers, retrier: retrier}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookBody struct {
	Event string `json:"event"`
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

func (w *Webhook) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookBody{Event: "security.alert", Text: a.Summary(), Alert: a})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	resp, err := w.retrier.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("alert webhook %s: %w", w.url, err)
	}
	resp.Body.Close()
	return nil
}
