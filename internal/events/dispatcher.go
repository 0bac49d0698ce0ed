package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/leadmap/mailsync/internal/store"
)

// EventPublisher is what the dispatcher needs from a Publisher; narrowed so
// tests can substitute a recorder.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the transactional outbox into NATS. Messages that fail to
// publish are retried with a fixed backoff; publication order follows outbox
// insertion order.
type Dispatcher struct {
	store   *store.Store
	pub     EventPublisher
	logger  *slog.Logger
	backoff time.Duration
}

func NewDispatcher(s *store.Store, pub EventPublisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, pub: pub, logger: logger, backoff: 10 * time.Second}
}

// Run dispatches until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.Error("outbox dispatch failed", "err", err)
			sleep(ctx, time.Second)
			continue
		}
		if n == 0 {
			sleep(ctx, 500*time.Millisecond)
		}
	}
}

// DispatchOnce publishes one batch of due outbox messages and returns how
// many were dequeued.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.store.DequeueOutbox(ctx, 100)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.logger.Warn("failed to publish outbox message", "id", msg.ID, "err", err)
			if err := d.store.MarkOutboxRetry(ctx, msg.ID, d.backoff); err != nil {
				d.logger.Error("failed to mark outbox retry", "id", msg.ID, "err", err)
			}
			continue
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			d.logger.Error("failed to mark outbox message published", "id", msg.ID, "err", err)
		}
	}

	return len(messages), nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
