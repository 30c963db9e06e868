package transport

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
)

// EnvelopeProcessor normalizes and applies a raw provider envelope.
type EnvelopeProcessor interface {
	HandleEnvelope(ctx context.Context, raw []byte) (lifecycle.Result, error)
}

// EventHandler adapts the processor to a queue Handler. Permanent failures
// are returned like any other so the queue's redrive policy moves the
// message to the dead-letter queue once its receive budget is spent.
func EventHandler(p EnvelopeProcessor, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) error {
		res, err := p.HandleEnvelope(ctx, UnwrapEventBridge(msg.Body))
		if err != nil {
			logger.Warn("queued event failed",
				"message_id", msg.ID,
				"receive_count", msg.ReceiveCount,
				"permanent", lifecycle.IsPermanent(err),
				"error", err)
			return err
		}
		logger.Debug("queued event handled",
			"message_id", msg.ID, "event_id", res.EventID, "tenant_id", res.TenantID, "outcome", res.Status())
		return nil
	}
}
