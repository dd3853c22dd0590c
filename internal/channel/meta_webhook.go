package channel

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"replyguard/internal/domain"
)

// MetaWebhookConfig configures the shared Graph webhook endpoint for
// WhatsApp, Messenger and Instagram.
type MetaWebhookConfig struct {
	TenantID    string // default tenant; ?tenant= on the callback URL overrides
	VerifyToken string
	AppSecret   string // empty skips X-Hub-Signature-256 verification
	Bus         domain.MessageBus
	Receipts    ReceiptHandler
	Logger      *slog.Logger
}

type MetaWebhook struct {
	cfg    MetaWebhookConfig
	logger *slog.Logger
}

func NewMetaWebhook(cfg MetaWebhookConfig) *MetaWebhook {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MetaWebhook{cfg: cfg, logger: cfg.Logger}
}

// Register mounts the verification and event handlers on path.
func (w *MetaWebhook) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc("GET "+path, w.handleVerification)
	mux.HandleFunc("POST "+path, w.handleIncoming)
}

// handleVerification answers the hub.challenge subscription handshake.
func (w *MetaWebhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && token == w.cfg.VerifyToken {
		w.logger.Info("meta webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	w.logger.Warn("meta webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *MetaWebhook) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("meta webhook invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload metaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("meta webhook bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = w.cfg.TenantID
	}

	inbound, receipts := payload.normalize(tenant)
	for _, msg := range inbound {
		w.logger.Info("meta message received", "channel", msg.Channel, "from", msg.SenderID, "text_len", len(msg.Content))
		if w.cfg.Bus != nil {
			w.cfg.Bus.Publish(msg)
		}
	}
	for _, rc := range receipts {
		w.applyReceipt(r, rc)
	}

	// Meta retries anything that is not a 200.
	rw.WriteHeader(http.StatusOK)
}

func (w *MetaWebhook) applyReceipt(r *http.Request, rc receipt) {
	if w.cfg.Receipts == nil {
		return
	}
	applied, err := w.cfg.Receipts.HandleReceipt(r.Context(), rc.externalID, rc.status)
	if err != nil {
		w.logger.Warn("receipt not applied", "external_id", rc.externalID, "status", rc.status, "err", err)
		return
	}
	w.logger.Debug("receipt processed", "external_id", rc.externalID, "status", rc.status, "applied", applied)
}

type receipt struct {
	externalID string
	status     domain.MessageStatus
}

// receiptStatus maps a provider status onto the message lifecycle.
// "sent" and unknown values carry no transition.
func receiptStatus(s string) (domain.MessageStatus, bool) {
	switch s {
	case "delivered", "read":
		return domain.StatusDelivered, true
	case "failed", "undelivered":
		return domain.StatusFailed, true
	}
	return "", false
}

// --- Graph webhook payload types ---

type metaPayload struct {
	Object string      `json:"object"` // whatsapp_business_account | page | instagram
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Changes   []waChange      `json:"changes"`
	Messaging []pageMessaging `json:"messaging"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption,omitempty"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // sent | delivered | read | failed
	RecipientID string `json:"recipient_id"`
}

type pageMessaging struct {
	Sender    pageUser     `json:"sender"`
	Recipient pageUser     `json:"recipient"`
	Timestamp int64        `json:"timestamp"` // ms
	Message   *pageMessage `json:"message,omitempty"`
	Delivery  *struct {
		Mids []string `json:"mids"`
	} `json:"delivery,omitempty"`
}

type pageUser struct {
	ID string `json:"id"`
}

type pageMessage struct {
	Mid    string `json:"mid"`
	Text   string `json:"text"`
	IsEcho bool   `json:"is_echo"`
}

func (p metaPayload) normalize(tenant string) ([]domain.InboundMessage, []receipt) {
	var (
		inbound  []domain.InboundMessage
		receipts []receipt
	)
	now := time.Now().UTC()

	pageChannel := ChannelMessenger
	if p.Object == "instagram" {
		pageChannel = ChannelInstagram
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				text, mediaType := msg.content()
				if text == "" {
					continue
				}
				inbound = append(inbound, domain.InboundMessage{
					TenantID:   tenant,
					Channel:    ChannelWhatsApp,
					SenderID:   msg.From,
					Content:    text,
					ExternalID: msg.ID,
					MediaType:  mediaType,
					Timestamp:  now,
				})
			}
			for _, st := range change.Value.Statuses {
				if status, ok := receiptStatus(st.Status); ok && st.ID != "" {
					receipts = append(receipts, receipt{externalID: st.ID, status: status})
				}
			}
		}

		for _, m := range entry.Messaging {
			if m.Message != nil && !m.Message.IsEcho && m.Message.Text != "" {
				ts := now
				if m.Timestamp > 0 {
					ts = time.UnixMilli(m.Timestamp).UTC()
				}
				inbound = append(inbound, domain.InboundMessage{
					TenantID:   tenant,
					Channel:    pageChannel,
					SenderID:   m.Sender.ID,
					Content:    m.Message.Text,
					ExternalID: m.Message.Mid,
					Timestamp:  ts,
				})
			}
			if m.Delivery != nil {
				for _, mid := range m.Delivery.Mids {
					receipts = append(receipts, receipt{externalID: mid, status: domain.StatusDelivered})
				}
			}
		}
	}
	return inbound, receipts
}

// content returns the customer text of a WhatsApp message; media messages
// contribute their caption.
func (m waMessage) content() (string, string) {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body, ""
		}
	case "image":
		if m.Image != nil {
			return m.Image.Caption, "image"
		}
	case "document":
		if m.Document != nil {
			return m.Document.Caption, "document"
		}
	case "video":
		if m.Video != nil {
			return m.Video.Caption, "video"
		}
	}
	return "", ""
}
