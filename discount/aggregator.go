/*
aggregator.go - Applies committed ledger events

PURPOSE:
  The single writer of BudgetAccount/ClassRollup counters and of the
  student-directory side effects. The Service calls Flush while holding the
  discount lock, so one discount's events are never applied concurrently.

ORDERING:
  Events are applied in commit order. When an event fails, later events of
  the same student are held back until the next flush, so a refund_remove
  never overtakes the refund_append it undoes. Other students proceed.

STUDENT FLAG:
  hasDiscount belongs to the student, not to one discount, so the discount
  lock does not cover it. The flag is recomputed from the student's approved
  entries and written while holding the "student:<id>" lock, which makes the
  read and the write one step for every discount touching that student.

SEE ALSO:
  - generic/outbox.go: event kinds
  - api/scheduler.go: periodic sweep of failed events
*/
package discount

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

type FlushResult struct {
	Applied int
	Failed  int
	Held    int
	// Skipped counts discounts a sweep could not lock or list.
	Skipped int
}

func (r FlushResult) add(o FlushResult) FlushResult {
	return FlushResult{
		Applied: r.Applied + o.Applied,
		Failed:  r.Failed + o.Failed,
		Held:    r.Held + o.Held,
		Skipped: r.Skipped + o.Skipped,
	}
}

type Aggregator struct {
	store     generic.Store
	directory generic.StudentDirectory
	locker    Locker
	logger    *zap.Logger
}

func NewAggregator(store generic.Store, directory generic.StudentDirectory, locker Locker, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, directory: directory, locker: locker, logger: logger}
}

// Flush applies the discount's pending events. The error is non-nil only
// when pending events could not be listed; per-event failures are recorded
// on the event and counted in the result.
func (a *Aggregator) Flush(ctx context.Context, id generic.DiscountID) (FlushResult, error) {
	events, err := a.store.PendingEvents(ctx, id)
	if err != nil {
		return FlushResult{}, fmt.Errorf("load pending events of %s: %w", id, err)
	}

	var res FlushResult
	blocked := make(map[generic.StudentID]bool)
	for _, ev := range events {
		if blocked[ev.StudentID] {
			res.Held++
			continue
		}
		if err := a.apply(ctx, ev); err != nil {
			blocked[ev.StudentID] = true
			res.Failed++
			a.logger.Error("ledger event failed",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.String("discount_id", string(ev.DiscountID)),
				zap.String("student_id", string(ev.StudentID)),
				zap.Int("attempts", ev.Attempts+1),
				zap.Error(err))
			if merr := a.store.MarkEventFailed(ctx, ev.ID, err.Error()); merr != nil {
				a.logger.Error("record event failure", zap.String("event_id", ev.ID), zap.Error(merr))
			}
			continue
		}
		res.Applied++
	}
	if res.Applied > 0 || res.Failed > 0 {
		a.logger.Debug("outbox flushed",
			zap.String("discount_id", string(id)),
			zap.Int("applied", res.Applied),
			zap.Int("failed", res.Failed),
			zap.Int("held", res.Held))
	}
	return res, nil
}

func (a *Aggregator) apply(ctx context.Context, ev generic.LedgerEvent) error {
	switch ev.Kind {
	case generic.EventCounterDelta:
		return a.store.ApplyCounterEvent(ctx, ev.ID)

	case generic.EventRefundAppend:
		if ev.Refund == nil {
			return generic.NewValidationError("refund", "refund_append event %s has no entry", ev.ID)
		}
		if err := a.directory.AppendRefund(ctx, ev.StudentID, *ev.Refund); err != nil {
			return err
		}

	case generic.EventRefundRemove:
		removed, err := a.directory.RemovePendingRefunds(ctx, ev.StudentID, ev.DiscountID)
		if err != nil {
			return err
		}
		if removed.IsPositive() {
			a.logger.Info("pending refunds removed",
				zap.String("discount_id", string(ev.DiscountID)),
				zap.String("student_id", string(ev.StudentID)),
				zap.String("amount", removed.String()))
		}

	case generic.EventDiscountFlag:
		if err := a.refreshFlag(ctx, ev.StudentID); err != nil {
			return err
		}

	case generic.EventAttachmentsClear:
		if err := a.store.ClearAttachments(ctx, ev.DiscountID, ev.StudentID); err != nil {
			return err
		}

	default:
		return generic.NewValidationError("kind", "unknown event kind %q", ev.Kind)
	}
	return a.store.MarkEventApplied(ctx, ev.ID)
}

// refreshFlag sets hasDiscount from the student's approved entries across
// every discount.
func (a *Aggregator) refreshFlag(ctx context.Context, id generic.StudentID) error {
	unlock, err := a.locker.Lock(ctx, studentLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	has, err := hasApproved(ctx, a.store, id)
	if err != nil {
		return err
	}
	return a.directory.SetHasDiscount(ctx, id, has)
}

func studentLockKey(id generic.StudentID) string { return "student:" + string(id) }

func hasApproved(ctx context.Context, store generic.InstallmentStore, id generic.StudentID) (bool, error) {
	approved, err := store.Installments(ctx, generic.InstallmentFilter{
		StudentID:   id,
		EntryStatus: generic.DiscountApproved,
	})
	if err != nil {
		return false, fmt.Errorf("load approved installments of %s: %w", id, err)
	}
	return len(approved) > 0, nil
}
