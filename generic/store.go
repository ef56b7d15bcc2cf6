/*
store.go - Persistence interface for installments, counters and ledger events

PURPOSE:
  Defines the interface between the discount engine and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  InstallmentStore: fee installments with their embedded discount entries
  LedgerStore:      BudgetAccount and ClassRollup counters
  OutboxStore:      atomic commit of installments + ledger events, and
                    idempotent application of those events
  AttachmentStore:  supporting documents uploaded against a discount

OPTIMISTIC CONCURRENCY:
  Every installment carries a Version. Commit writes an installment only if
  the stored version still equals the one the caller read, then bumps it.
  A mismatch fails the whole commit with ErrConcurrentModification and
  nothing is written. The per-discount lock makes this rare; the version
  check catches writers that bypass the lock (payments, other instances).

ATOMIC COMMITS:
  Commit() is all-or-nothing across installments and events. When an
  allocation touches 40 installments and emits 25 events, either all of them
  are written or none are.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - outbox.go: event kinds
  - discount/aggregator.go: applies events
*/
package generic

import "context"

// =============================================================================
// INSTALLMENTS
// =============================================================================

// InstallmentFilter selects installments. Zero fields match everything.
// DiscountID with EntryStatus selects installments carrying an entry of
// that discount in that status; EntryStatus alone matches an entry of any
// discount.
type InstallmentFilter struct {
	StudentID      StudentID
	SectionID      SectionID
	FeeStructureID FeeStructureID
	RowID          RowID
	DiscountID     DiscountID
	EntryStatus    DiscountStatus
}

// Matches reports whether fi passes the filter.
func (f InstallmentFilter) Matches(fi FeeInstallment) bool {
	if f.StudentID != "" && fi.StudentID != f.StudentID {
		return false
	}
	if f.SectionID != "" && fi.SectionID != f.SectionID {
		return false
	}
	if f.FeeStructureID != "" && fi.FeeStructureID != f.FeeStructureID {
		return false
	}
	if f.RowID != "" && fi.RowID != f.RowID {
		return false
	}
	if f.DiscountID == "" && f.EntryStatus == "" {
		return true
	}
	for _, e := range fi.Discounts {
		if f.DiscountID != "" && e.DiscountID != f.DiscountID {
			continue
		}
		if f.EntryStatus != "" && e.Status != f.EntryStatus {
			continue
		}
		return true
	}
	return false
}

type InstallmentStore interface {
	// Installments returns matches ordered by schedule date, then id.
	Installments(ctx context.Context, f InstallmentFilter) ([]FeeInstallment, error)

	// Installment returns ErrNotFound for an unknown id.
	Installment(ctx context.Context, id InstallmentID) (FeeInstallment, error)

	// SaveInstallments inserts or replaces installments without a version
	// check. Provisioning only; the engine writes through Commit.
	SaveInstallments(ctx context.Context, installments []FeeInstallment) error

	// RecordPayment applies a receipt and bumps the version.
	RecordPayment(ctx context.Context, id InstallmentID, amount Amount) (FeeInstallment, error)
}

// =============================================================================
// COUNTERS
// =============================================================================

type LedgerStore interface {
	// CreateBudgetAccount opens an account; ErrValidation if it exists.
	CreateBudgetAccount(ctx context.Context, account BudgetAccount) error

	// BudgetAccount returns ErrNotFound for an unknown discount.
	BudgetAccount(ctx context.Context, id DiscountID) (BudgetAccount, error)

	// BudgetAccounts lists every account.
	BudgetAccounts(ctx context.Context) ([]BudgetAccount, error)

	// ClassRollups lists the rollups of a discount, ordered by key.
	ClassRollups(ctx context.Context, id DiscountID) ([]ClassRollup, error)
}

// =============================================================================
// OUTBOX
// =============================================================================

// Commit is one lifecycle transition's writes.
type Commit struct {
	Installments []FeeInstallment
	Events       []LedgerEvent
}

type OutboxStore interface {
	// Commit writes installments (version-checked) and appends events,
	// atomically.
	Commit(ctx context.Context, c Commit) error

	// PendingEvents returns unapplied events of a discount in commit order.
	PendingEvents(ctx context.Context, id DiscountID) ([]LedgerEvent, error)

	// DiscountsWithPendingEvents lists discounts that have unapplied events.
	DiscountsWithPendingEvents(ctx context.Context) ([]DiscountID, error)

	// ApplyCounterEvent applies a counter_delta event to the budget account
	// and rollups and marks it applied, in one transaction. Applying an
	// already-applied event is a no-op.
	ApplyCounterEvent(ctx context.Context, eventID string) error

	// MarkEventApplied marks a directory-side event done.
	MarkEventApplied(ctx context.Context, eventID string) error

	// MarkEventFailed records a failed attempt; the event stays pending.
	MarkEventFailed(ctx context.Context, eventID string, reason string) error
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// Attachment is a supporting document (e.g. a sibling certificate) uploaded
// for a student's discount application.
type Attachment struct {
	ID         string
	DiscountID DiscountID
	StudentID  StudentID
	Name       string
	URL        string
}

type AttachmentStore interface {
	SaveAttachment(ctx context.Context, a Attachment) error
	Attachments(ctx context.Context, discountID DiscountID, studentID StudentID) ([]Attachment, error)
	// ClearAttachments is idempotent.
	ClearAttachments(ctx context.Context, discountID DiscountID, studentID StudentID) error
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

type Store interface {
	InstallmentStore
	LedgerStore
	OutboxStore
	AttachmentStore
}
