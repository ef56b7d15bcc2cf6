/*
outbox.go - Ledger events written alongside installment changes

PURPOSE:
  Installments, budget counters and the student directory are separate
  records. They cannot always be written in one database transaction (the
  directory may be another service). Every lifecycle transition therefore
  commits its installment changes together with a list of ledger events,
  atomically. An aggregator applies the events afterwards and marks each one
  applied. A failed event stays pending and is retried, so a crash between
  the installment write and the counter write never loses an update.

EVENT KINDS:
  counter_delta:     apply a CounterDelta to the BudgetAccount and to each
                     affected ClassRollup
  refund_append:     append a RefundEntry to the student's ledger
  refund_remove:     drop the student's PENDING refunds for the discount
  discount_flag:     recompute the student's hasDiscount flag
  attachments_clear: delete the student's attachments for the discount

IDEMPOTENCY:
  Applying an event twice has the effect of applying it once. Counter events
  are marked applied in the same store transaction that updates counters;
  directory events use operations that are idempotent on their own.

SEE ALSO:
  - discount/aggregator.go: applies pending events
  - store.go: Commit writes installments and events together
*/
package generic

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventCounterDelta     EventKind = "counter_delta"
	EventRefundAppend     EventKind = "refund_append"
	EventRefundRemove     EventKind = "refund_remove"
	EventDiscountFlag     EventKind = "discount_flag"
	EventAttachmentsClear EventKind = "attachments_clear"
)

// RollupChange is a delta addressed to one class rollup.
type RollupChange struct {
	Key   RollupKey    `json:"key"`
	Delta CounterDelta `json:"delta"`
}

// LedgerEvent is one pending side effect of a committed transition.
type LedgerEvent struct {
	ID         string
	DiscountID DiscountID
	StudentID  StudentID
	Kind       EventKind

	// Set for EventCounterDelta.
	Budget  CounterDelta
	Rollups []RollupChange

	// Set for EventRefundAppend.
	Refund *RefundEntry

	// Seq orders events of one discount; assigned by the store on commit.
	Seq       int64
	Attempts  int
	LastError string
	CreatedAt time.Time
	AppliedAt *time.Time
}

func (e LedgerEvent) Applied() bool { return e.AppliedAt != nil }

func newEvent(kind EventKind, discountID DiscountID, studentID StudentID, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:         uuid.NewString(),
		DiscountID: discountID,
		StudentID:  studentID,
		Kind:       kind,
		CreatedAt:  at,
	}
}

// NewCounterEvent carries budget and rollup deltas. Zero rollup deltas are
// dropped.
func NewCounterEvent(discountID DiscountID, studentID StudentID, budget CounterDelta, rollups []RollupChange, at time.Time) LedgerEvent {
	e := newEvent(EventCounterDelta, discountID, studentID, at)
	e.Budget = budget
	for _, rc := range rollups {
		if !rc.Delta.IsZero() {
			e.Rollups = append(e.Rollups, rc)
		}
	}
	return e
}

func NewRefundAppendEvent(entry RefundEntry, at time.Time) LedgerEvent {
	e := newEvent(EventRefundAppend, entry.DiscountID, entry.StudentID, at)
	e.Refund = &entry
	return e
}

func NewRefundRemoveEvent(discountID DiscountID, studentID StudentID, at time.Time) LedgerEvent {
	return newEvent(EventRefundRemove, discountID, studentID, at)
}

func NewDiscountFlagEvent(discountID DiscountID, studentID StudentID, at time.Time) LedgerEvent {
	return newEvent(EventDiscountFlag, discountID, studentID, at)
}

func NewAttachmentsClearEvent(discountID DiscountID, studentID StudentID, at time.Time) LedgerEvent {
	return newEvent(EventAttachmentsClear, discountID, studentID, at)
}

// NewRefundEntry builds a PENDING refund with a fresh id.
func NewRefundEntry(studentID StudentID, discountID DiscountID, rowID RowID, amount Amount, at time.Time) RefundEntry {
	return RefundEntry{
		ID:         uuid.NewString(),
		StudentID:  studentID,
		DiscountID: discountID,
		RowID:      rowID,
		Amount:     amount,
		Date:       at,
		Status:     RefundPending,
	}
}
