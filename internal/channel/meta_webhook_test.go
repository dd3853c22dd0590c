package channel

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"replyguard/internal/domain"
)

func newTestMetaWebhook(secret string) (*fakeBus, *fakeReceipts, *http.ServeMux) {
	bus := &fakeBus{}
	receipts := &fakeReceipts{}
	w := NewMetaWebhook(MetaWebhookConfig{
		TenantID:    "default",
		VerifyToken: "verify-me",
		AppSecret:   secret,
		Bus:         bus,
		Receipts:    receipts,
		Logger:      testLogger(),
	})
	mux := http.NewServeMux()
	w.Register(mux, "/webhook/meta")
	return bus, receipts, mux
}

func TestMetaWebhook_Verification(t *testing.T) {
	_, _, mux := newTestMetaWebhook("")

	req := httptest.NewRequest("GET", "/webhook/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "1158201444" {
		t.Fatalf("expected challenge echo, got %d %q", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", "/webhook/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong token, got %d", rr.Code)
	}
}

const waMessagePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "messages": [
          {"from": "50688880000", "id": "wamid.IN1", "timestamp": "1700000000", "type": "text", "text": {"body": "¿Tienen talla M?"}},
          {"from": "50688880000", "id": "wamid.IN2", "type": "image", "image": {"id": "media-1", "caption": "esta camisa"}},
          {"from": "50688880000", "id": "wamid.IN3", "type": "sticker"}
        ],
        "statuses": [
          {"id": "wamid.OUT1", "status": "delivered", "recipient_id": "50688880000"},
          {"id": "wamid.OUT2", "status": "sent", "recipient_id": "50688880000"},
          {"id": "wamid.OUT3", "status": "failed", "recipient_id": "50688880000"}
        ]
      }
    }]
  }]
}`

func TestMetaWebhook_WhatsAppMessagesAndStatuses(t *testing.T) {
	bus, receipts, mux := newTestMetaWebhook("")

	req := httptest.NewRequest("POST", "/webhook/meta?tenant=acme", bytes.NewBufferString(waMessagePayload))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	msgs := bus.published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 inbound messages, got %d", len(msgs))
	}
	if msgs[0].TenantID != "acme" || msgs[0].Channel != ChannelWhatsApp || msgs[0].Content != "¿Tienen talla M?" || msgs[0].ExternalID != "wamid.IN1" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Content != "esta camisa" || msgs[1].MediaType != "image" {
		t.Fatalf("unexpected media message: %+v", msgs[1])
	}

	if len(receipts.applied) != 2 {
		t.Fatalf("expected 2 receipts (sent ignored), got %v", receipts.applied)
	}
	if receipts.applied["wamid.OUT1"] != domain.StatusDelivered || receipts.applied["wamid.OUT3"] != domain.StatusFailed {
		t.Fatalf("unexpected receipt mapping: %v", receipts.applied)
	}
}

func TestMetaWebhook_MessengerAndInstagram(t *testing.T) {
	bus, receipts, mux := newTestMetaWebhook("")

	page := `{"object":"page","entry":[{"id":"PAGE","messaging":[
		{"sender":{"id":"psid-1"},"recipient":{"id":"PAGE"},"timestamp":1700000000000,"message":{"mid":"m_1","text":"hola"}},
		{"sender":{"id":"PAGE"},"recipient":{"id":"psid-1"},"message":{"mid":"m_2","text":"echo","is_echo":true}},
		{"sender":{"id":"psid-1"},"recipient":{"id":"PAGE"},"delivery":{"mids":["m_out"]}}
	]}]}`
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/webhook/meta", bytes.NewBufferString(page)))

	ig := `{"object":"instagram","entry":[{"id":"IG","messaging":[
		{"sender":{"id":"igsid-9"},"recipient":{"id":"IG"},"message":{"mid":"ig_1","text":"precio?"}}
	]}]}`
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/webhook/meta", bytes.NewBufferString(ig)))

	msgs := bus.published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (echo skipped), got %d", len(msgs))
	}
	if msgs[0].Channel != ChannelMessenger || msgs[0].SenderID != "psid-1" || msgs[0].TenantID != "default" {
		t.Fatalf("unexpected messenger envelope: %+v", msgs[0])
	}
	if msgs[0].Timestamp.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp: %v", msgs[0].Timestamp)
	}
	if msgs[1].Channel != ChannelInstagram || msgs[1].Content != "precio?" {
		t.Fatalf("unexpected instagram envelope: %+v", msgs[1])
	}
	if receipts.applied["m_out"] != domain.StatusDelivered {
		t.Fatalf("delivery receipt not applied: %v", receipts.applied)
	}
}

func TestMetaWebhook_Signature(t *testing.T) {
	bus, _, mux := newTestMetaWebhook("app-secret")

	body := []byte(waMessagePayload)
	req := httptest.NewRequest("POST", "/webhook/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rr.Code)
	}

	req = httptest.NewRequest("POST", "/webhook/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", rr.Code)
	}
	if len(bus.published()) != 2 {
		t.Fatal("signed payload should publish")
	}
}

func TestMetaWebhook_BadPayload(t *testing.T) {
	_, _, mux := newTestMetaWebhook("")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/webhook/meta", bytes.NewBufferString("{")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
