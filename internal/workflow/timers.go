package workflow

import (
	"context"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
)

const fireTimeout = time.Minute

// Timer is a pending delayed call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// WallClock schedules on real time.
type WallClock struct{}

func (WallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// arm schedules the delayed auto-send of a pending message, replacing any
// timer already armed for it.
func (w *Workflow) arm(id int64, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[id]; ok {
		t.Stop()
	}
	w.timers[id] = w.sched.AfterFunc(d, func() { w.fire(id) })
}

func (w *Workflow) cancel(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[id]; ok {
		t.Stop()
		delete(w.timers, id)
	}
}

// Armed returns the number of outstanding auto-send timers.
func (w *Workflow) Armed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// fire sends a message whose review window elapsed. The status is checked
// again at fire time: a message approved, rejected or expired meanwhile is
// left alone.
func (w *Workflow) fire(id int64) {
	w.mu.Lock()
	delete(w.timers, id)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	msg, conv, err := w.load(ctx, id)
	if err != nil {
		w.logger.Debug("auto-send target gone", "message_id", id, "err", err)
		return
	}
	if msg.Status != domain.StatusPending {
		w.logger.Debug("auto-send skipped, message no longer pending", "message_id", id, "status", msg.Status)
		return
	}
	policy, err := w.policyFor(ctx, conv)
	if err != nil {
		w.logger.Warn("auto-send skipped, policy unavailable", "message_id", id, "err", err)
		return
	}

	ok, err := w.store.TransitionStatus(ctx, id, domain.StatusPending, domain.StatusSent)
	if err != nil {
		w.logger.Error("auto-send transition failed", "message_id", id, "err", err)
		return
	}
	if !ok {
		w.logger.Debug("auto-send lost race", "message_id", id)
		return
	}
	msg.Status = domain.StatusSent
	metrics.AutoSends.Inc()

	w.audit(ctx, domain.ActionDelayedSend, domain.ActorTimer, id,
		"review window elapsed")
	w.emit(bus.EventMessageUpdated, conv, msg)
	w.deliver(ctx, conv, policy, msg)
	w.createOrder(ctx, conv, msg)

	w.logger.Info("pending reply auto-sent", "message_id", id, "conversation", conv.ID)
}

// RestoreTimers re-arms auto-send timers of pending messages persisted by
// a previous process. Overdue timers fire immediately.
func (w *Workflow) RestoreTimers(ctx context.Context) (int, error) {
	pending, err := w.store.ListPending(ctx, 10000)
	if err != nil {
		return 0, err
	}
	now := w.now()
	n := 0
	for _, m := range pending {
		at := m.Metadata.AutoSendAt
		if at == nil {
			continue
		}
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		w.arm(m.ID, d)
		n++
	}
	if n > 0 {
		w.logger.Info("auto-send timers restored", "count", n)
	}
	return n, nil
}

// Close stops every armed timer. Pending messages keep their persisted
// deadline for RestoreTimers.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
