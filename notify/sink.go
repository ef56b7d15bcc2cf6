/*
Package notify delivers discount lifecycle notifications.

PURPOSE:
  The discount engine publishes a generic.Notification after every
  allocation, approval, rejection and revocation. Delivery is best effort:
  a failing sink is logged and never reaches the caller of the engine.

SINKS:
  LogSink:   writes one structured log line per notification
  AsynqSink: enqueues a "discount:notification" task for a worker
  Multi:     fans out to several sinks, joining their errors

SEE ALSO:
  - notifier.go: the fire-and-forget Publisher the engine calls
  - generic/collaborators.go: Notification and NotificationSink
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// LOG SINK
// =============================================================================

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n generic.Notification) error {
	ids := make([]string, len(n.StudentIDs))
	for i, id := range n.StudentIDs {
		ids[i] = string(id)
	}
	s.logger.Info("discount notification",
		zap.String("kind", string(n.Kind)),
		zap.String("discount_id", string(n.DiscountID)),
		zap.Strings("student_ids", ids),
		zap.String("amount", n.Amount.String()),
		zap.Time("at", n.At),
	)
	return nil
}

// =============================================================================
// ASYNQ SINK
// =============================================================================

// TypeDiscountNotification is the asynq task type workers register for.
const TypeDiscountNotification = "discount:notification"

// Enqueuer is the part of *asynq.Client the sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type AsynqSink struct {
	client Enqueuer
	queue  string
}

// NewAsynqSink enqueues onto queue, or asynq's default queue when empty.
func NewAsynqSink(client Enqueuer, queue string) *AsynqSink {
	return &AsynqSink{client: client, queue: queue}
}

func (s *AsynqSink) Notify(ctx context.Context, n generic.Notification) error {
	task, opts, err := NewNotificationTask(n, s.queue)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", n.Kind, err)
	}
	return nil
}

func NewNotificationTask(n generic.Notification, queue string) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeDiscountNotification, b)
	opts := []asynq.Option{asynq.MaxRetry(5)}
	if queue != "" {
		opts = append(opts, asynq.Queue(queue))
	}
	return task, opts, nil
}

// ParseNotificationTask decodes the payload on the worker side.
func ParseNotificationTask(t *asynq.Task) (generic.Notification, error) {
	var n generic.Notification
	if t.Type() != TypeDiscountNotification {
		return n, fmt.Errorf("unexpected task type %q", t.Type())
	}
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return n, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every sink, even after one fails.
type Multi []generic.NotificationSink

func (m Multi) Notify(ctx context.Context, n generic.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
