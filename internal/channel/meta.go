package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"replyguard/internal/domain"
	"replyguard/internal/httpx"
)

const defaultGraphBase = "https://graph.facebook.com/v21.0"

// MetaAPI selects the Graph endpoint family a MetaDriver talks to.
type MetaAPI int

const (
	// MetaWhatsApp posts to /{phone-number-id}/messages (Cloud API).
	MetaWhatsApp MetaAPI = iota
	// MetaPage posts to /me/messages (Messenger and Instagram Send API).
	MetaPage
)

type MetaDriverConfig struct {
	API           MetaAPI
	APIBase       string
	AccessToken   string
	PhoneNumberID string  // WhatsApp only
	RatePerSecond float64 // outbound request rate, 0 = unlimited
	Burst         int
	Retrier       *httpx.Retrier
	Logger        *slog.Logger
}

// MetaDriver delivers through the Meta Graph API.
type MetaDriver struct {
	cfg     MetaDriverConfig
	limiter *rate.Limiter
	retrier *httpx.Retrier
	logger  *slog.Logger
}

func NewMetaDriver(cfg MetaDriverConfig) *MetaDriver {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultGraphBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retrier == nil {
		cfg.Retrier = httpx.NewRetrier(httpx.NewClient(0), cfg.Logger)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &MetaDriver{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		retrier: cfg.Retrier,
		logger:  cfg.Logger,
	}
}

func (m *MetaDriver) Name() string { return DriverMeta }

func (m *MetaDriver) Send(ctx context.Context, to, text string, media *domain.Media) (string, error) {
	if m.cfg.AccessToken == "" {
		return "", fmt.Errorf("meta driver: access token not configured")
	}
	if m.cfg.API == MetaWhatsApp && m.cfg.PhoneNumberID == "" {
		return "", fmt.Errorf("meta driver: phone number id not configured")
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("meta rate limit: %w", err)
	}

	var (
		url     string
		payload any
	)
	switch m.cfg.API {
	case MetaPage:
		url = m.cfg.APIBase + "/me/messages"
		payload = pageMessagePayload(to, text, media)
	default:
		url = fmt.Sprintf("%s/%s/messages", m.cfg.APIBase, m.cfg.PhoneNumberID)
		payload = whatsappMessagePayload(to, text, media)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	resp, err := m.retrier.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("graph send: %w", err)
	}
	defer resp.Body.Close()

	var out graphSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode graph response: %w", err)
	}
	id := out.messageID()
	if id == "" {
		return "", fmt.Errorf("graph response carried no message id")
	}
	return id, nil
}

func whatsappMessagePayload(to, text string, media *domain.Media) map[string]any {
	p := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	if media != nil && media.URL != "" {
		kind := mediaKind(media.Type)
		obj := map[string]string{"link": media.URL}
		if text != "" && kind != "audio" {
			obj["caption"] = text
		}
		p["type"] = kind
		p[kind] = obj
		return p
	}
	p["type"] = "text"
	p["text"] = map[string]any{"preview_url": false, "body": text}
	return p
}

func pageMessagePayload(to, text string, media *domain.Media) map[string]any {
	msg := map[string]any{}
	if media != nil && media.URL != "" {
		kind := mediaKind(media.Type)
		if kind == "document" {
			kind = "file"
		}
		msg["attachment"] = map[string]any{
			"type":    kind,
			"payload": map[string]any{"url": media.URL, "is_reusable": true},
		}
	} else {
		msg["text"] = text
	}
	return map[string]any{
		"recipient":      map[string]string{"id": to},
		"messaging_type": "RESPONSE",
		"message":        msg,
	}
}

func mediaKind(t string) string {
	switch t {
	case "image", "audio", "video", "document":
		return t
	}
	return "document"
}

type graphSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	MessageID string `json:"message_id"`
}

func (r graphSendResponse) messageID() string {
	if len(r.Messages) > 0 && r.Messages[0].ID != "" {
		return r.Messages[0].ID
	}
	return r.MessageID
}
