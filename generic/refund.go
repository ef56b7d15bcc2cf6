package generic

import "time"

// =============================================================================
// REFUND LEDGER - Overflow that no installment could absorb
// =============================================================================

type RefundStatus string

const (
	RefundPending RefundStatus = "PENDING"
)

// RefundEntry records the part of a discount that exceeded a student's
// outstanding due for one fee-type row. Entries from different rows are
// kept apart, never merged.
type RefundEntry struct {
	ID         string       `json:"id"`
	StudentID  StudentID    `json:"student_id"`
	DiscountID DiscountID   `json:"discount_id"`
	RowID      RowID        `json:"row_id"`
	Amount     Amount       `json:"amount"`
	Date       time.Time    `json:"date"`
	Status     RefundStatus `json:"status"`
}

// RefundLedger is the per-student refund history and running total.
type RefundLedger struct {
	Entries []RefundEntry `json:"entries"`
	Total   Amount        `json:"total"`
}

// Append adds entry unless an entry with the same ID is already present.
// Returns false for a duplicate.
func (rl *RefundLedger) Append(entry RefundEntry) bool {
	for _, e := range rl.Entries {
		if e.ID == entry.ID {
			return false
		}
	}
	rl.Entries = append(rl.Entries, entry)
	rl.Total = rl.Total.Add(entry.Amount)
	return true
}

// RemovePending drops every PENDING entry for discountID and returns the
// amount taken off the total.
func (rl *RefundLedger) RemovePending(discountID DiscountID) Amount {
	removed := ZeroAmount()
	kept := rl.Entries[:0]
	for _, e := range rl.Entries {
		if e.DiscountID == discountID && e.Status == RefundPending {
			removed = removed.Add(e.Amount)
			continue
		}
		kept = append(kept, e)
	}
	rl.Entries = kept
	rl.Total = rl.Total.Sub(removed)
	return removed
}

// PendingFor sums the PENDING entries for discountID.
func (rl RefundLedger) PendingFor(discountID DiscountID) Amount {
	total := ZeroAmount()
	for _, e := range rl.Entries {
		if e.DiscountID == discountID && e.Status == RefundPending {
			total = total.Add(e.Amount)
		}
	}
	return total
}
