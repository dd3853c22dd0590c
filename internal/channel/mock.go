package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"replyguard/internal/domain"
)

// SentMessage is one delivery recorded by a MockDriver.
type SentMessage struct {
	To         string
	Text       string
	Media      *domain.Media
	ExternalID string
}

// MockDriver never leaves the process. It always succeeds and returns a
// unique synthetic id so receipts can still be matched.
type MockDriver struct {
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	sent []SentMessage
}

func NewMockDriver(channel string, logger *slog.Logger) *MockDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockDriver{channel: channel, logger: logger}
}

func (m *MockDriver) Name() string { return DriverMock }

func (m *MockDriver) Send(_ context.Context, to, text string, media *domain.Media) (string, error) {
	id := m.channel + "_mock_" + uuid.NewString()

	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{To: to, Text: text, Media: media, ExternalID: id})
	m.mu.Unlock()

	m.logger.Info("mock send", "channel", m.channel, "to", to, "text_len", len(text), "external_id", id)
	return id, nil
}

// Sent returns a copy of everything sent so far.
func (m *MockDriver) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
