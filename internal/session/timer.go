package session

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically deactivates idle anonymous sessions. Balances and
// history are retained; only the active flag flips.
type Timer struct {
	registry *Registry
	idleTTL  time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates an idle-session sweep timer. idleTTL of zero
// disables the sweep entirely.
func NewTimer(registry *Registry, idleTTL time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		registry: registry,
		idleTTL:  idleTTL,
		interval: 1 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if t.idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	count, err := t.registry.DeactivateIdle(ctx, t.idleTTL)
	if err != nil {
		t.logger.Warn("failed to sweep idle sessions", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("deactivated idle sessions", "count", count, "idle_ttl", t.idleTTL)
	}
}
