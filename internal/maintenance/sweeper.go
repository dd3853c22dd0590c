// Package maintenance expires pending replies nobody reviewed in time.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"replyguard/internal/bus"
	"replyguard/internal/domain"
	"replyguard/internal/metrics"
)

const (
	defaultInterval = time.Hour
	defaultMaxAge   = 24 * time.Hour
	defaultRetry    = time.Minute
)

var errSweepPanic = errors.New("sweep panic")

// Store is the persistence the sweeper needs.
type Store interface {
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
	auditLogger
}

type auditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Config struct {
	Enabled  bool
	Interval time.Duration      // between sweeps, default 1h
	MaxAge   time.Duration      // pending older than this expire, default 24h
	Retry    time.Duration      // wait after a panicked sweep, default 1m
	Audit    domain.AuditLogger // default: the store
	Events   *bus.EventBus
	Logger   *slog.Logger
}

// Sweeper periodically moves stale pending messages to expired.
type Sweeper struct {
	enabled  bool
	interval time.Duration
	maxAge   time.Duration
	retry    time.Duration
	store    Store
	auditor  auditLogger
	events   *bus.EventBus
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(cfg Config, store Store) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Retry <= 0 {
		cfg.Retry = defaultRetry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var auditor auditLogger = store
	if cfg.Audit != nil {
		auditor = cfg.Audit
	}
	return &Sweeper{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		retry:    cfg.Retry,
		store:    store,
		auditor:  auditor,
		events:   cfg.Events,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Start sweeps once immediately and then every interval until ctx is
// cancelled. A store error waits for the next interval; a recovered
// panic is retried after the shorter retry delay.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.enabled {
		return
	}

	s.logger.Info("maintenance sweeper started",
		"interval", s.interval,
		"max_age", s.maxAge,
	)

	for {
		wait := s.interval
		if _, err := s.safeSweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errSweepPanic) {
				wait = s.retry
			}
			s.logger.Error("maintenance sweep failed", "err", err, "next_in", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("maintenance sweeper stopped")
			return
		case <-timer.C:
		}
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSweepPanic, r)
		}
	}()
	return s.Sweep(ctx)
}

// Sweep expires every pending message older than the max age in one
// transaction and reports how many changed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge).UTC()

	n, err := s.store.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		s.logger.Debug("maintenance sweep: nothing to expire")
		return 0, nil
	}

	metrics.MessagesExpired.Add(n)
	if err := s.auditor.LogAudit(ctx, domain.AuditEntry{
		Action:  domain.ActionExpire,
		Actor:   domain.ActorSweeper,
		Details: fmt.Sprintf("%d pending messages created before %s", n, cutoff.Format(time.RFC3339)),
	}); err != nil {
		s.logger.Error("audit write failed", "action", domain.ActionExpire, "err", err)
	}
	if s.events != nil {
		s.events.Emit(bus.Event{
			Type:   bus.EventMessagesExpired,
			Source: "maintenance",
			Payload: map[string]any{
				"count":  n,
				"cutoff": cutoff,
			},
		})
	}

	s.logger.Info("stale pending messages expired", "count", n, "cutoff", cutoff)
	return n, nil
}
