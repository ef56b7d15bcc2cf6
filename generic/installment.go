/*
installment.go - Fee installments and their embedded discount entries

PURPOSE:
  A FeeInstallment is one scheduled due amount for one student, one fee-type
  row and one schedule date. Discount entries live INSIDE the installment
  record (an embedded array, not a separate table). That denormalization is
  deliberate: reads of "what does this student owe" never need a join. The
  price is that BudgetAccount and ClassRollup counters are derived data that
  must be reconciled against these arrays.

CONSERVATION INVARIANT:
  totalAmount = netAmount + totalDiscountAmount
  paidAmount <= netAmount

  Only Approved entries count towards totalDiscountAmount. Pending entries
  reserve budget but do not touch the installment amounts.

ENTRY LIFECYCLE (per installment, per discount):
  Pending --approve(due ok)--------> Approved
  Pending --approve(stale)|reject--> [deleted]
  Approved --revoke(no payments)---> [deleted]
  Approved --payment exists--------> frozen (revoke fails)

SEE ALSO:
  - discount/approval.go: drives Pending -> Approved/deleted
  - discount/revoke.go: drives Approved -> deleted
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUSES
// =============================================================================

type InstallmentStatus string

const (
	InstallmentUpcoming InstallmentStatus = "upcoming"
	InstallmentDue      InstallmentStatus = "due"
	InstallmentLate     InstallmentStatus = "late"
	InstallmentPaid     InstallmentStatus = "paid"
)

// IsSettled reports whether the status means nothing is left to pay.
func (s InstallmentStatus) IsSettled() bool {
	return s == InstallmentLate || s == InstallmentPaid
}

// StatusForSchedule is the open status of an installment scheduled on date:
// Due once the date has arrived, Upcoming before.
func StatusForSchedule(date, now TimePoint) InstallmentStatus {
	if date.BeforeOrEqual(now) {
		return InstallmentDue
	}
	return InstallmentUpcoming
}

type DiscountStatus string

const (
	DiscountPending  DiscountStatus = "pending"
	DiscountApproved DiscountStatus = "approved"
	DiscountRejected DiscountStatus = "rejected"
)

// =============================================================================
// DISCOUNT ENTRY - Embedded in FeeInstallment
// =============================================================================

// DiscountEntry is the share of one discount placed on one installment.
// Value is expressed in the rule's own unit (percent of the installment's
// total, or currency); DiscountAmount is always currency and is the only
// figure the ledger uses.
type DiscountEntry struct {
	DiscountID     DiscountID      `json:"discount_id"`
	IsPercentage   bool            `json:"is_percentage"`
	Value          decimal.Decimal `json:"value"`
	DiscountAmount Amount          `json:"discount_amount"`
	Status         DiscountStatus  `json:"status"`
}

// =============================================================================
// FEE INSTALLMENT
// =============================================================================

type FeeInstallment struct {
	ID             InstallmentID
	StudentID      StudentID
	SectionID      SectionID
	FeeStructureID FeeStructureID
	RowID          RowID
	FeeTypeID      FeeTypeID
	ScheduleDate   TimePoint

	TotalAmount         Amount
	NetAmount           Amount
	PaidAmount          Amount
	TotalDiscountAmount Amount
	Status              InstallmentStatus

	Discounts []DiscountEntry

	// Version is bumped by every write; stores reject stale writes with
	// ErrConcurrentModification.
	Version int64
}

// NewInstallment builds an undiscounted, unpaid installment.
func NewInstallment(id InstallmentID, student StudentID, section SectionID, structure FeeStructureID,
	row RowID, feeType FeeTypeID, date TimePoint, total Amount, now TimePoint) FeeInstallment {
	return FeeInstallment{
		ID:                  id,
		StudentID:           student,
		SectionID:           section,
		FeeStructureID:      structure,
		RowID:               row,
		FeeTypeID:           feeType,
		ScheduleDate:        date,
		TotalAmount:         total,
		NetAmount:           total,
		PaidAmount:          ZeroAmount(),
		TotalDiscountAmount: ZeroAmount(),
		Status:              StatusForSchedule(date, now),
	}
}

// Due is what is still owed: netAmount - paidAmount.
func (fi FeeInstallment) Due() Amount {
	return fi.NetAmount.Sub(fi.PaidAmount)
}

// RollupKey is the class rollup this installment contributes to for discountID.
func (fi FeeInstallment) RollupKey(discountID DiscountID) RollupKey {
	return RollupKey{DiscountID: discountID, SectionID: fi.SectionID, FeeStructureID: fi.FeeStructureID}
}

// Clone returns a copy that shares no slice memory with fi.
func (fi FeeInstallment) Clone() FeeInstallment {
	out := fi
	out.Discounts = append([]DiscountEntry(nil), fi.Discounts...)
	return out
}

// Entry returns the entry for discountID, if any.
func (fi FeeInstallment) Entry(discountID DiscountID) (DiscountEntry, bool) {
	for _, e := range fi.Discounts {
		if e.DiscountID == discountID {
			return e, true
		}
	}
	return DiscountEntry{}, false
}

// HasEntry reports whether an entry for discountID with the given status exists.
func (fi FeeInstallment) HasEntry(discountID DiscountID, status DiscountStatus) bool {
	e, ok := fi.Entry(discountID)
	return ok && e.Status == status
}

// HasAnyApproved reports whether any discount is approved on this installment.
func (fi FeeInstallment) HasAnyApproved() bool {
	for _, e := range fi.Discounts {
		if e.Status == DiscountApproved {
			return true
		}
	}
	return false
}

// AddPending appends a pending entry. There is at most one entry per discount.
func (fi *FeeInstallment) AddPending(entry DiscountEntry) error {
	if _, exists := fi.Entry(entry.DiscountID); exists {
		return fmt.Errorf("installment %s already carries discount %s: %w", fi.ID, entry.DiscountID, ErrValidation)
	}
	if !entry.DiscountAmount.IsPositive() {
		return fmt.Errorf("installment %s: discount amount must be positive: %w", fi.ID, ErrValidation)
	}
	entry.Status = DiscountPending
	fi.Discounts = append(fi.Discounts, entry)
	return nil
}

// Approve confirms the pending entry for discountID against the current due.
// The caller must have checked that the amount fits (see FitsDue). When the
// discount covers everything still due, the installment is settled:
// Due becomes Late and Upcoming becomes Paid.
func (fi *FeeInstallment) Approve(discountID DiscountID) (Amount, error) {
	i := fi.indexOf(discountID)
	if i < 0 || fi.Discounts[i].Status != DiscountPending {
		return Amount{}, NewNotFound("pending discount entry", string(fi.ID)+"/"+string(discountID))
	}
	amount := fi.Discounts[i].DiscountAmount
	due := fi.Due()
	if amount.GreaterThan(due) {
		return Amount{}, &InsufficientDueError{DiscountID: discountID, StudentID: fi.StudentID, Requested: amount, Available: due}
	}

	fi.Discounts[i].Status = DiscountApproved
	fi.TotalDiscountAmount = fi.TotalDiscountAmount.Add(amount)
	fi.NetAmount = fi.NetAmount.Sub(amount)

	if due.Equal(amount) {
		switch fi.Status {
		case InstallmentDue:
			fi.Status = InstallmentLate
		case InstallmentUpcoming:
			fi.Status = InstallmentPaid
		}
	}
	return amount, nil
}

// FitsDue reports whether the entry for discountID can still be approved.
func (fi FeeInstallment) FitsDue(discountID DiscountID) bool {
	e, ok := fi.Entry(discountID)
	if !ok {
		return false
	}
	return !e.DiscountAmount.GreaterThan(fi.Due())
}

// Remove deletes the pending entry for discountID without touching amounts.
func (fi *FeeInstallment) Remove(discountID DiscountID) (DiscountEntry, bool) {
	i := fi.indexOf(discountID)
	if i < 0 {
		return DiscountEntry{}, false
	}
	e := fi.Discounts[i]
	if e.Status == DiscountApproved {
		return DiscountEntry{}, false
	}
	fi.Discounts = append(fi.Discounts[:i], fi.Discounts[i+1:]...)
	return e, true
}

// Revoke deletes the approved entry for discountID and gives its amount back
// to the net. A settled installment reopens with the status its schedule
// date implies.
func (fi *FeeInstallment) Revoke(discountID DiscountID, now TimePoint) (Amount, error) {
	i := fi.indexOf(discountID)
	if i < 0 || fi.Discounts[i].Status != DiscountApproved {
		return Amount{}, NewNotFound("approved discount entry", string(fi.ID)+"/"+string(discountID))
	}
	if fi.PaidAmount.IsPositive() {
		return Amount{}, &ReceiptsExistError{DiscountID: discountID, StudentID: fi.StudentID, Installments: []InstallmentID{fi.ID}}
	}
	amount := fi.Discounts[i].DiscountAmount
	fi.Discounts = append(fi.Discounts[:i], fi.Discounts[i+1:]...)
	fi.TotalDiscountAmount = fi.TotalDiscountAmount.Sub(amount)
	fi.NetAmount = fi.NetAmount.Add(amount)

	if fi.Status.IsSettled() {
		fi.Status = StatusForSchedule(fi.ScheduleDate, now)
	}
	return amount, nil
}

// ApplyPayment records a receipt against the installment. Receipts are what
// freeze approved discounts (see Revoke).
func (fi *FeeInstallment) ApplyPayment(amount Amount) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "payment must be positive")
	}
	if amount.GreaterThan(fi.Due()) {
		return NewValidationError("amount", "payment %s exceeds due %s on installment %s", amount, fi.Due(), fi.ID)
	}
	fi.PaidAmount = fi.PaidAmount.Add(amount)
	if fi.Due().IsZero() {
		fi.Status = InstallmentPaid
	}
	return nil
}

// CheckConservation verifies the amount invariants.
func (fi FeeInstallment) CheckConservation() error {
	if !fi.TotalAmount.Equal(fi.NetAmount.Add(fi.TotalDiscountAmount)) {
		return fmt.Errorf("installment %s: total %s != net %s + discount %s: %w",
			fi.ID, fi.TotalAmount, fi.NetAmount, fi.TotalDiscountAmount, ErrInternalInconsistency)
	}
	if fi.PaidAmount.GreaterThan(fi.NetAmount) {
		return fmt.Errorf("installment %s: paid %s exceeds net %s: %w",
			fi.ID, fi.PaidAmount, fi.NetAmount, ErrInternalInconsistency)
	}
	if fi.Status.IsSettled() && !fi.Due().IsZero() {
		return fmt.Errorf("installment %s: status %s with %s still due: %w",
			fi.ID, fi.Status, fi.Due(), ErrInternalInconsistency)
	}
	approved := ZeroAmount()
	for _, e := range fi.Discounts {
		if e.Status == DiscountApproved {
			approved = approved.Add(e.DiscountAmount)
		}
	}
	if !approved.Equal(fi.TotalDiscountAmount) {
		return fmt.Errorf("installment %s: approved entries %s != total discount %s: %w",
			fi.ID, approved, fi.TotalDiscountAmount, ErrInternalInconsistency)
	}
	return nil
}

func (fi FeeInstallment) indexOf(discountID DiscountID) int {
	for i, e := range fi.Discounts {
		if e.DiscountID == discountID {
			return i
		}
	}
	return -1
}
