package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"replyguard/internal/domain"
)

const maxWebhookBody = 1 << 20 // 1MB

// ReceiptHandler applies a delivery receipt for a provider message id. It
// reports whether a message changed state.
type ReceiptHandler interface {
	HandleReceipt(ctx context.Context, externalID string, status domain.MessageStatus) (bool, error)
}

// WebhookConfig configures the generic inbound and receipt endpoints.
type WebhookConfig struct {
	Secret        string // HMAC secret for X-Signature-256, empty disables
	DefaultTenant string
	Bus           domain.MessageBus
	Receipts      ReceiptHandler
	Logger        *slog.Logger
}

// Webhook accepts normalized envelopes from transports that have no
// dedicated handler here.
type Webhook struct {
	secret        string
	defaultTenant string
	bus           domain.MessageBus
	receipts      ReceiptHandler
	logger        *slog.Logger
}

// InboundPayload is the JSON body of POST /webhook/inbound.
type InboundPayload struct {
	TenantID   string `json:"tenant_id"`
	Channel    string `json:"channel"`
	SenderID   string `json:"sender_id"`
	Content    string `json:"content"`
	ExternalID string `json:"external_id,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
}

// ReceiptPayload is the JSON body of POST /webhook/receipt.
type ReceiptPayload struct {
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		secret:        cfg.Secret,
		defaultTenant: cfg.DefaultTenant,
		bus:           cfg.Bus,
		receipts:      cfg.Receipts,
		logger:        cfg.Logger,
	}
}

func (w *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/inbound", w.handleInbound)
	mux.HandleFunc("POST /webhook/receipt", w.handleReceipt)
}

// readSigned reads the body and checks its signature. It writes the error
// response itself and returns ok=false on failure.
func (w *Webhook) readSigned(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return nil, false
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return nil, false
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return nil, false
		}
	}
	return body, true
}

func (w *Webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.readSigned(rw, r)
	if !ok {
		return
	}

	var payload InboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	payload.Content = strings.TrimSpace(payload.Content)
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.SenderID == "" {
		http.Error(rw, "sender_id is required", http.StatusBadRequest)
		return
	}
	if payload.TenantID == "" {
		payload.TenantID = w.defaultTenant
	}
	if payload.Channel == "" {
		payload.Channel = ChannelWhatsApp
	}

	w.logger.Info("webhook received",
		"tenant", payload.TenantID,
		"channel", payload.Channel,
		"sender_id", payload.SenderID,
		"content_len", len(payload.Content),
	)

	w.bus.Publish(domain.InboundMessage{
		TenantID:   payload.TenantID,
		Channel:    payload.Channel,
		SenderID:   payload.SenderID,
		Content:    payload.Content,
		ExternalID: payload.ExternalID,
		MediaURL:   payload.MediaURL,
		MediaType:  payload.MediaType,
		Timestamp:  time.Now().UTC(),
	})

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{
		"status": "accepted",
	})
}

func (w *Webhook) handleReceipt(rw http.ResponseWriter, r *http.Request) {
	body, ok := w.readSigned(rw, r)
	if !ok {
		return
	}

	var payload ReceiptPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	status, ok := receiptStatus(payload.Status)
	if payload.ExternalID == "" || !ok {
		http.Error(rw, "external_id and a status of delivered, read or failed are required", http.StatusBadRequest)
		return
	}
	if w.receipts == nil {
		http.Error(rw, "Receipts not enabled", http.StatusServiceUnavailable)
		return
	}

	applied, err := w.receipts.HandleReceipt(r.Context(), payload.ExternalID, status)
	if err != nil {
		w.logger.Error("receipt failed", "external_id", payload.ExternalID, "err", err)
		http.Error(rw, "Internal error", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"external_id": payload.ExternalID,
		"applied":     applied,
	})
}

// verifyHMAC verifies a "sha256=<hex>" HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
