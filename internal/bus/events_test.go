package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"replyguard/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- EventBus ---

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var received int32
	eb.On(EventMessageCreated, func(e Event) {
		if e.Payload["id"] == int64(7) {
			atomic.AddInt32(&received, 1)
		}
	})

	eb.Emit(Event{Type: EventMessageCreated, Payload: map[string]any{"id": int64(7)}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On("*", func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventMessageCreated})
	eb.Emit(Event{Type: EventSecurityAlert})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_OffUsesUniqueIDs(t *testing.T) {
	eb := NewEventBus(testLogger())

	var a, b int32
	idA := eb.On("x", func(Event) { atomic.AddInt32(&a, 1) })
	eb.Off("x", idA)
	eb.On("x", func(Event) { atomic.AddInt32(&b, 1) })
	idC := eb.On("x", func(Event) {})
	eb.Off("x", idC)

	eb.Emit(Event{Type: "x"})

	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("unexpected counts a=%d b=%d", a, b)
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: EventMessageUpdated})
	eb.Emit(Event{Type: EventMessageCreated})

	if got := eb.Replay(ReplayFilter{Since: threshold}); len(got) != 2 {
		t.Errorf("expected 2 events since threshold, got %d", len(got))
	}
	if got := eb.Replay(ReplayFilter{Type: EventMessageUpdated}); len(got) != 1 {
		t.Errorf("expected 1 update event, got %d", len(got))
	}
}

func TestEventBus_ReplayAfterSeq(t *testing.T) {
	eb := NewEventBus(testLogger())

	var seen []uint64
	eb.On("*", func(e Event) { seen = append(seen, e.Seq) })
	for i := 0; i < 4; i++ {
		eb.Emit(Event{Type: EventMessageCreated})
	}
	if len(seen) != 4 || seen[0] != 1 || seen[3] != 4 {
		t.Fatalf("handler saw seqs %v", seen)
	}
	if eb.Seq() != 4 {
		t.Errorf("Seq() = %d, want 4", eb.Seq())
	}

	got := eb.Replay(ReplayFilter{AfterSeq: 2})
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("replay after 2 = %+v", got)
	}
	if got := eb.Replay(ReplayFilter{AfterSeq: 4}); len(got) != 0 {
		t.Errorf("replay after latest = %d events", len(got))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}
	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after int32
	eb.On("panic", func(Event) { panic("boom") })
	eb.On("panic", func(Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})
	if atomic.LoadInt32(&after) != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}

// --- InMemoryBus ---

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(2, testLogger())
	b.Publish(domain.InboundMessage{TenantID: "acme", Content: "hola"})

	if b.Len() != 1 {
		t.Fatalf("expected 1 queued, got %d", b.Len())
	}
	msg := <-b.Subscribe()
	if msg.Content != "hola" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInMemoryBus_CloseStopsSubscribers(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(domain.InboundMessage{Content: "late"})
}
