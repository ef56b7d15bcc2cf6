package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// Notifier hands each notification to a sink on its own goroutine, bounded
// by a timeout. Failures are logged at Warn and dropped.
type Notifier struct {
	sink    generic.NotificationSink
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewNotifier(sink generic.NotificationSink, timeout time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Notifier{sink: sink, timeout: timeout, logger: logger.Named("notify")}
}

// Publish returns immediately.
func (n *Notifier) Publish(note generic.Notification) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Warn("notification sink panicked",
					zap.String("kind", string(note.Kind)),
					zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sink.Notify(ctx, note); err != nil {
			n.logger.Warn("notification delivery failed",
				zap.String("kind", string(note.Kind)),
				zap.String("discount_id", string(note.DiscountID)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every published notification has been attempted.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
