package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"replyguard/internal/domain"
	"replyguard/internal/httpx"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

type TelegramConfig struct {
	Token       string
	APIEndpoint string   // default tgbotapi.APIEndpoint
	TenantID    string   // tenant for inbound updates
	AllowFrom   []string // chat ids, empty = everyone
	Client      *http.Client
	Logger      *slog.Logger
}

// Telegram is both the "bot" driver of the telegram channel and, when
// Listen runs, an inbound source publishing customer messages to the bus.
type Telegram struct {
	bot       *tgbotapi.BotAPI
	tenantID  string
	allowFrom map[int64]bool
	logger    *slog.Logger
}

// NewTelegram connects to the Bot API (a getMe round trip).
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = httpx.NewClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.Client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return newTelegram(bot, cfg), nil
}

func newTelegram(bot *tgbotapi.BotAPI, cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = true
		}
	}
	return &Telegram{bot: bot, tenantID: cfg.TenantID, allowFrom: allowed, logger: cfg.Logger}
}

func (t *Telegram) Name() string { return DriverBot }

// Send delivers text (split at the Bot API size limit) or a media item
// with text as caption. The id is "<chat>:<message>" of the last part.
func (t *Telegram) Send(ctx context.Context, to, text string, media *domain.Media) (string, error) {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram chat id %q: %w", to, err)
	}

	if media != nil && media.URL != "" {
		msgID, err := t.sendWithRetry(ctx, telegramMedia(chatID, text, media))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d:%d", chatID, msgID), nil
	}

	var last int
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		msgID, err := t.sendWithRetry(ctx, tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			return "", err
		}
		last = msgID
	}
	return fmt.Sprintf("%d:%d", chatID, last), nil
}

func telegramMedia(chatID int64, caption string, media *domain.Media) tgbotapi.Chattable {
	file := tgbotapi.FileURL(media.URL)
	switch media.Type {
	case "image":
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption = caption
		return m
	case "video":
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption = caption
		return m
	case "audio":
		m := tgbotapi.NewAudio(chatID, file)
		m.Caption = caption
		return m
	default:
		m := tgbotapi.NewDocument(chatID, file)
		m.Caption = caption
		return m
	}
}

// sendWithRetry backs off on rate limiting and transient errors.
func (t *Telegram) sendWithRetry(ctx context.Context, c tgbotapi.Chattable) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			if isTelegramRateLimit(lastErr) {
				backoff = time.Duration(attempt) * 3 * time.Second
			}
			t.logger.Warn("telegram send error, retrying", "err", lastErr, "backoff", backoff, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		msg, err := t.bot.Send(c)
		if err == nil {
			return msg.MessageID, nil
		}
		lastErr = err
		if !isTelegramTransient(err) {
			break
		}
	}
	return 0, fmt.Errorf("telegram send: %w", lastErr)
}

func isTelegramRateLimit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}

// isTelegramTransient treats Bot API rejections (bad chat, blocked bot) as
// final and everything else as retryable.
func isTelegramTransient(err error) bool {
	if isTelegramRateLimit(err) {
		return true
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return true
}

// Listen polls for updates and publishes customer text messages until ctx
// is cancelled.
func (t *Telegram) Listen(ctx context.Context, bus domain.MessageBus) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := t.toInbound(update); ok {
				bus.Publish(msg)
			}
		}
	}
}

func (t *Telegram) toInbound(update tgbotapi.Update) (domain.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	chatID := m.Chat.ID
	if len(t.allowFrom) > 0 && !t.allowFrom[chatID] {
		t.logger.Warn("telegram chat not in allow list", "chat_id", chatID)
		return domain.InboundMessage{}, false
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" || m.IsCommand() {
		return domain.InboundMessage{}, false
	}

	t.logger.Info("telegram message received", "chat_id", chatID, "text_len", len(text))

	return domain.InboundMessage{
		TenantID:   t.tenantID,
		Channel:    ChannelTelegram,
		SenderID:   strconv.FormatInt(chatID, 10),
		Content:    text,
		ExternalID: strconv.Itoa(m.MessageID),
		Timestamp:  time.Unix(int64(m.Date), 0).UTC(),
	}, true
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = strings.LastIndex(text[:maxLen], " ")
		}
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = strings.TrimLeft(text[cutAt:], "\n ")
	}
	return chunks
}
