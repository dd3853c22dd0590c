package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/domain"
	"replyguard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sweep.db"), testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addMessage(t *testing.T, s *store.SQLiteStore, convID string, status domain.MessageStatus, created time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ConversationID: convID,
		Sender:         domain.SenderAgent,
		Content:        "respuesta",
		Status:         status,
		Classification: domain.ClassInScope,
		CreatedAt:      created,
	}
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func TestSweep_ExpiresOnlyStalePending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	conv, _ := s.GetOrCreateConversation(ctx, "acme", "whatsapp", "+50688887777")

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	stale := addMessage(t, s, conv.ID, domain.StatusPending, now.Add(-25*time.Hour))
	fresh := addMessage(t, s, conv.ID, domain.StatusPending, now.Add(-23*time.Hour))
	sentOld := addMessage(t, s, conv.ID, domain.StatusSent, now.Add(-48*time.Hour))

	events := bus.NewEventBus(testLogger())
	var got []bus.Event
	events.On(bus.EventMessagesExpired, func(e bus.Event) { got = append(got, e) })

	sw := NewSweeper(Config{Enabled: true, Events: events, Logger: testLogger()}, s)
	sw.now = func() time.Time { return now }

	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	want := map[int64]domain.MessageStatus{
		stale.ID:   domain.StatusExpired,
		fresh.ID:   domain.StatusPending,
		sentOld.ID: domain.StatusSent,
	}
	for id, status := range want {
		m, _ := s.GetMessage(ctx, id)
		if m.Status != status {
			t.Errorf("message %d status = %s, want %s", id, m.Status, status)
		}
	}

	if len(got) != 1 || got[0].Payload["count"] != int64(1) {
		t.Errorf("events = %+v", got)
	}
	entries, _ := s.ListAudit(ctx, 10)
	if len(entries) != 1 || entries[0].Action != domain.ActionExpire || entries[0].Actor != domain.ActorSweeper {
		t.Errorf("audit = %+v", entries)
	}

	// Second sweep is a no-op.
	if n, _ := sw.Sweep(ctx); n != 0 {
		t.Errorf("second sweep expired %d", n)
	}
	if len(got) != 1 {
		t.Error("event emitted for an empty sweep")
	}
}

// flakyStore fails ExpirePending as scripted: "panic" panics, "error"
// returns an error, anything else succeeds. done is closed on the first
// call past the script.
type flakyStore struct {
	mu     sync.Mutex
	calls  int
	script []string
	done   chan struct{}
}

func (f *flakyStore) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == len(f.script)+1 {
		close(f.done)
	}
	if f.calls <= len(f.script) {
		switch f.script[f.calls-1] {
		case "panic":
			panic("database gone")
		case "error":
			return 0, errors.New("database is locked")
		}
	}
	return 0, nil
}

func (f *flakyStore) LogAudit(context.Context, domain.AuditEntry) error { return nil }

// runUntil starts sw and waits for fs.done, then stops it.
func runUntil(t *testing.T, sw *Sweeper, fs *flakyStore, failMsg string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(stopped)
	}()

	select {
	case <-fs.done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal(failMsg)
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_RetriesAfterPanic(t *testing.T) {
	fs := &flakyStore{script: []string{"panic"}, done: make(chan struct{})}
	sw := NewSweeper(Config{
		Enabled:  true,
		Interval: time.Hour,
		Retry:    5 * time.Millisecond,
		Logger:   testLogger(),
	}, fs)

	runUntil(t, sw, fs, "sweeper did not retry after a panic")
}

func TestStart_StoreErrorWaitsForInterval(t *testing.T) {
	fs := &flakyStore{script: []string{"error"}, done: make(chan struct{})}
	sw := NewSweeper(Config{
		Enabled:  true,
		Interval: 10 * time.Millisecond,
		Retry:    time.Hour,
		Logger:   testLogger(),
	}, fs)

	runUntil(t, sw, fs, "sweeper did not run again on the next interval")
}

func TestStart_StoreErrorSkipsRetryDelay(t *testing.T) {
	fs := &flakyStore{script: []string{"error"}, done: make(chan struct{})}
	sw := NewSweeper(Config{
		Enabled:  true,
		Interval: time.Hour,
		Retry:    5 * time.Millisecond,
		Logger:   testLogger(),
	}, fs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Start(ctx)

	select {
	case <-fs.done:
		t.Fatal("store error was retried before the interval elapsed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStart_Disabled(t *testing.T) {
	fs := &flakyStore{done: make(chan struct{})}
	sw := NewSweeper(Config{Enabled: false, Logger: testLogger()}, fs)
	sw.Start(context.Background())
	if fs.calls != 0 {
		t.Error("disabled sweeper ran")
	}
}
