package notify

import (
	"context"

	"github.com/rs/zerolog"

	"tickwatch/internal/logging"
	"tickwatch/internal/models"
	"tickwatch/internal/performance"
)

// Sender is the part of the Dispatcher the queue drives.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Queue hands triggers to a worker pool so evaluation never waits on delivery.
type Queue struct {
	ctx    context.Context
	pool   *performance.WorkerPool
	sender Sender
	logger zerolog.Logger
}

// NewQueue creates a queue whose sends run under ctx.
func NewQueue(ctx context.Context, pool *performance.WorkerPool, sender Sender, logger zerolog.Logger) *Queue {
	return &Queue{
		ctx:    ctx,
		pool:   pool,
		sender: sender,
		logger: logging.WithComponent(logger, "dispatch_queue"),
	}
}

// Notify enqueues a send for trigger. A full queue drops the trigger with a warning.
func (q *Queue) Notify(trigger models.Trigger) {
	req := Request{
		UserID:    trigger.UserID,
		AlertID:   trigger.AlertID,
		Message:   trigger.Message,
		Emergency: trigger.Emergency,
	}
	if !q.pool.Submit(func() { q.sender.Send(q.ctx, req) }) {
		q.logger.Warn().
			Str("user_id", trigger.UserID).
			Str("alert_id", trigger.AlertID).
			Str("kind", string(trigger.Kind)).
			Msg("Dispatch queue full, trigger dropped")
	}
}
