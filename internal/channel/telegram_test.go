package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeBotAPI answers getMe and sendMessage like the Bot API.
type fakeBotAPI struct {
	mu    sync.Mutex
	texts []string
	next  int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"shop","username":"shop_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		r.ParseForm()
		f.mu.Lock()
		f.texts = append(f.texts, r.PostForm.Get("text"))
		f.next++
		id := f.next
		f.mu.Unlock()
		chat := r.PostForm.Get("chat_id")
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%s,"type":"private"},"text":"x"}}`, id, chat)
	default:
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: unknown method"}`)
	}
}

func newTestTelegram(t *testing.T, api http.Handler) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tg, err := NewTelegram(TelegramConfig{
		Token:       "123:abc",
		APIEndpoint: srv.URL + "/bot%s/%s",
		TenantID:    "acme",
		Client:      srv.Client(),
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	return tg
}

func TestTelegram_Send(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	id, err := tg.Send(context.Background(), "4242", "hola", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "4242:1" {
		t.Fatalf("expected 4242:1, got %q", id)
	}
	if len(api.texts) != 1 || api.texts[0] != "hola" {
		t.Fatalf("unexpected texts: %v", api.texts)
	}
}

func TestTelegram_SendSplitsLongText(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api)

	long := strings.Repeat("palabra ", 1200) // ~9600 bytes
	id, err := tg.Send(context.Background(), "7", long, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(api.texts) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(api.texts))
	}
	if id != fmt.Sprintf("7:%d", len(api.texts)) {
		t.Fatalf("id should reference last chunk, got %q", id)
	}
}

func TestTelegram_SendInvalidChatID(t *testing.T) {
	tg := newTestTelegram(t, &fakeBotAPI{})
	if _, err := tg.Send(context.Background(), "not-a-number", "x", nil); err == nil {
		t.Fatal("expected error for invalid chat id")
	}
}

func TestTelegram_APIRejectionNotRetried(t *testing.T) {
	var sends int
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"b","username":"b"}}`)
			return
		}
		sends++
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	})
	tg := newTestTelegram(t, api)

	if _, err := tg.Send(context.Background(), "1", "x", nil); err == nil {
		t.Fatal("expected error")
	}
	if sends != 1 {
		t.Fatalf("expected a single attempt, got %d", sends)
	}
}

func TestTelegram_ToInbound(t *testing.T) {
	tg := newTelegram(nil, TelegramConfig{TenantID: "acme", Logger: testLogger()})

	msg, ok := tg.toInbound(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 10,
		Date:      1700000000,
		Chat:      &tgbotapi.Chat{ID: 555},
		Text:      "  ¿tienen envío?  ",
	}})
	if !ok {
		t.Fatal("expected message to be accepted")
	}
	if msg.TenantID != "acme" || msg.Channel != ChannelTelegram || msg.SenderID != "555" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.Content != "¿tienen envío?" || msg.ExternalID != "10" {
		t.Fatalf("unexpected content/id: %+v", msg)
	}
}

func TestTelegram_ToInboundAllowList(t *testing.T) {
	tg := newTelegram(nil, TelegramConfig{AllowFrom: []string{"1", " 2 "}, Logger: testLogger()})

	if _, ok := tg.toInbound(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 3}, Text: "hi"}}); ok {
		t.Fatal("chat 3 should be rejected")
	}
	if _, ok := tg.toInbound(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 2}, Text: "hi"}}); !ok {
		t.Fatal("chat 2 should be accepted")
	}
}

func TestTelegram_ToInboundSkipsEmptyAndNil(t *testing.T) {
	tg := newTelegram(nil, TelegramConfig{Logger: testLogger()})
	if _, ok := tg.toInbound(tgbotapi.Update{}); ok {
		t.Fatal("nil message should be skipped")
	}
	if _, ok := tg.toInbound(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}}); ok {
		t.Fatal("empty text should be skipped")
	}
}

// --- splitMessage ---

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
}

func TestSplitMessage_NoBreakpoints(t *testing.T) {
	chunks := splitMessage(strings.Repeat("x", 120), 50)
	if len(chunks) != 3 || len(chunks[0]) != 50 || len(chunks[2]) != 20 {
		t.Fatalf("unexpected chunks: %d", len(chunks))
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}
