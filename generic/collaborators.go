/*
collaborators.go - Contracts for the services around the discount core

PURPOSE:
  Fee-structure generation, the student directory and notification delivery
  live outside the discount engine. The engine talks to them through the
  narrow interfaces below and never assumes more than these methods.

INTERFACES:
  FeeStructureProvider: read-only fee-type rows and schedules
  StudentDirectory:     student section, hasDiscount flag, embedded refunds
  NotificationSink:     fire-and-forget event delivery

SEE ALSO:
  - generic/store/memory.go: in-memory directory and provider
  - store/sqlite/sqlite.go: sqlite-backed directory and provider
  - notify/: sink implementations
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// FEE STRUCTURES
// =============================================================================

// ScheduleItem is one dated slice of a fee-type row.
type ScheduleItem struct {
	Date   TimePoint
	Amount Amount
}

// FeeRow is one fee type within a fee structure (e.g. "Tuition", "Transport").
type FeeRow struct {
	RowID       RowID
	FeeTypeID   FeeTypeID
	Name        string
	TotalAmount Amount
	Schedule    []ScheduleItem
}

type FeeStructure struct {
	ID   FeeStructureID
	Name string
	Rows []FeeRow
}

// Row finds a row by id.
func (fs FeeStructure) Row(id RowID) (FeeRow, bool) {
	for _, r := range fs.Rows {
		if r.RowID == id {
			return r, true
		}
	}
	return FeeRow{}, false
}

type FeeStructureProvider interface {
	// FeeStructure returns ErrNotFound when the structure does not exist.
	FeeStructure(ctx context.Context, id FeeStructureID) (FeeStructure, error)
}

// =============================================================================
// STUDENT DIRECTORY
// =============================================================================

type Student struct {
	ID          StudentID
	Name        string
	SectionID   SectionID
	Gender      string
	HasDiscount bool
	Refunds     RefundLedger
}

type StudentDirectory interface {
	// Students returns the students in the order asked. A missing id is
	// an ErrNotFound.
	Students(ctx context.Context, ids []StudentID) ([]Student, error)

	SetHasDiscount(ctx context.Context, id StudentID, hasDiscount bool) error

	// AppendRefund is idempotent on entry.ID.
	AppendRefund(ctx context.Context, id StudentID, entry RefundEntry) error

	// RemovePendingRefunds drops the student's PENDING refund entries for
	// discountID and returns the amount removed. Idempotent.
	RemovePendingRefunds(ctx context.Context, id StudentID, discountID DiscountID) (Amount, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	NotifyAllocated NotificationKind = "discount.allocated"
	NotifyApproved  NotificationKind = "discount.approved"
	NotifyRejected  NotificationKind = "discount.rejected"
	NotifyRevoked   NotificationKind = "discount.revoked"
)

type Notification struct {
	Kind       NotificationKind `json:"kind"`
	DiscountID DiscountID       `json:"discount_id"`
	StudentIDs []StudentID      `json:"student_ids"`
	Amount     Amount           `json:"amount"`
	At         time.Time        `json:"at"`
}

// NotificationSink delivers notifications. Callers never let a sink failure
// fail the operation that produced the notification.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}
