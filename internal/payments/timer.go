package payments

import (
	"context"
	"log/slog"
	"time"
)

// Timer drives periodic reconciliation against the payment provider.
// It is the safety net for lost webhooks: any invoice the provider
// settled while we were down or unreachable gets picked up on the next
// pass.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewTimer creates a reconciliation timer. interval <= 0 falls back to
// one minute.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Start runs an immediate reconciliation pass, then one per interval,
// until Stop is called or ctx is cancelled.
func (t *Timer) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)

		// Startup pass covers webhooks missed while the process was down.
		if _, err := t.service.Reconcile(ctx); err != nil {
			t.logger.Warn("startup reconcile failed", "error", err)
		}

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.service.Reconcile(ctx); err != nil {
					t.logger.Warn("reconcile failed", "error", err)
				}
			}
		}
	}()

	t.logger.Info("payment reconciler started", "interval", t.interval)
}

// Stop halts the timer and waits for the loop to exit.
func (t *Timer) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}
