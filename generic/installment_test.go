package generic_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/generic"
)

func pending(discount generic.DiscountID, amount float64) generic.DiscountEntry {
	return generic.DiscountEntry{
		DiscountID:     discount,
		Value:          decimal.NewFromFloat(amount),
		DiscountAmount: generic.NewAmount(amount),
	}
}

// =============================================================================
// ENTRY LIFECYCLE
// =============================================================================

func TestInstallment_PendingDoesNotTouchAmounts(t *testing.T) {
	fi := installment("a", time.January, 100)

	require.NoError(t, fi.AddPending(pending("sibling", 40)))

	assert.Equal(t, "100.00", fi.NetAmount.String())
	assert.True(t, fi.TotalDiscountAmount.IsZero())
	assert.True(t, fi.HasEntry("sibling", generic.DiscountPending))
	assert.NoError(t, fi.CheckConservation())
}

func TestInstallment_OneEntryPerDiscount(t *testing.T) {
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))

	err := fi.AddPending(pending("sibling", 10))

	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.NoError(t, fi.AddPending(pending("merit", 10)))
}

func TestInstallment_ApproveMovesAmountIntoDiscount(t *testing.T) {
	// GIVEN: A pending 40 on a 100 installment
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))

	// WHEN: Approving
	amount, err := fi.Approve("sibling")

	// THEN: total = net + discount still holds
	require.NoError(t, err)
	assert.Equal(t, "40.00", amount.String())
	assert.Equal(t, "60.00", fi.NetAmount.String())
	assert.Equal(t, "40.00", fi.TotalDiscountAmount.String())
	assert.Equal(t, generic.InstallmentDue, fi.Status)
	assert.NoError(t, fi.CheckConservation())
}

func TestInstallment_ApproveSettlesWhenCoveringDue(t *testing.T) {
	tests := []struct {
		name  string
		month time.Month
		want  generic.InstallmentStatus
	}{
		{"due becomes late", time.January, generic.InstallmentLate},
		{"upcoming becomes paid", time.December, generic.InstallmentPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi := installment("a", tt.month, 100)
			require.NoError(t, fi.AddPending(pending("sibling", 100)))

			_, err := fi.Approve("sibling")

			require.NoError(t, err)
			assert.Equal(t, tt.want, fi.Status)
			assert.True(t, fi.Due().IsZero())
		})
	}
}

func TestInstallment_ApproveRefusesStaleAmount(t *testing.T) {
	// GIVEN: A pending 80, then a payment of 50 lands
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 80)))
	require.NoError(t, fi.ApplyPayment(generic.NewAmount(50)))

	// WHEN: Approving
	assert.False(t, fi.FitsDue("sibling"))
	_, err := fi.Approve("sibling")

	// THEN: The entry no longer fits the due
	assert.ErrorIs(t, err, generic.ErrInsufficientDue)
	assert.True(t, fi.HasEntry("sibling", generic.DiscountPending))
}

func TestInstallment_RemoveKeepsApproved(t *testing.T) {
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))
	_, err := fi.Approve("sibling")
	require.NoError(t, err)

	_, removed := fi.Remove("sibling")

	assert.False(t, removed)
	assert.True(t, fi.HasAnyApproved())
}

func TestInstallment_RevokeReopens(t *testing.T) {
	// GIVEN: An upcoming installment fully covered by an approved discount
	fi := installment("a", time.December, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 100)))
	_, err := fi.Approve("sibling")
	require.NoError(t, err)
	require.Equal(t, generic.InstallmentPaid, fi.Status)

	// WHEN: Revoking
	amount, err := fi.Revoke("sibling", today)

	// THEN: The amount returns to the net and the schedule status comes back
	require.NoError(t, err)
	assert.Equal(t, "100.00", amount.String())
	assert.Equal(t, "100.00", fi.NetAmount.String())
	assert.Equal(t, generic.InstallmentUpcoming, fi.Status)
	assert.Empty(t, fi.Discounts)
	assert.NoError(t, fi.CheckConservation())
}

func TestInstallment_RevokeFrozenByReceipt(t *testing.T) {
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))
	_, err := fi.Approve("sibling")
	require.NoError(t, err)
	require.NoError(t, fi.ApplyPayment(generic.NewAmount(10)))

	_, err = fi.Revoke("sibling", today)

	assert.ErrorIs(t, err, generic.ErrReceiptsExist)
	assert.True(t, fi.HasEntry("sibling", generic.DiscountApproved))
}

func TestInstallment_PaymentBounds(t *testing.T) {
	fi := installment("a", time.January, 100)

	assert.ErrorIs(t, fi.ApplyPayment(generic.ZeroAmount()), generic.ErrValidation)
	assert.ErrorIs(t, fi.ApplyPayment(generic.NewAmount(101)), generic.ErrValidation)
	require.NoError(t, fi.ApplyPayment(generic.NewAmount(100)))
	assert.Equal(t, generic.InstallmentPaid, fi.Status)
}

func TestInstallment_ConservationViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fi *generic.FeeInstallment)
	}{
		{"net drift", func(fi *generic.FeeInstallment) { fi.NetAmount = generic.NewAmount(90) }},
		{"paid over net", func(fi *generic.FeeInstallment) { fi.PaidAmount = generic.NewAmount(120) }},
		{"settled with due", func(fi *generic.FeeInstallment) { fi.Status = generic.InstallmentPaid }},
		{"orphan discount", func(fi *generic.FeeInstallment) {
			fi.TotalDiscountAmount = generic.NewAmount(10)
			fi.NetAmount = generic.NewAmount(90)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi := installment("a", time.January, 100)
			tt.mutate(&fi)
			assert.ErrorIs(t, fi.CheckConservation(), generic.ErrInternalInconsistency)
		})
	}
}

// =============================================================================
// COUNTER DELTAS
// =============================================================================

func TestBudgetDelta_Transitions(t *testing.T) {
	none := generic.HoldingOf(nil, "sibling")

	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))
	held := generic.HoldingOf([]generic.FeeInstallment{fi}, "sibling")

	approvedFI := fi.Clone()
	_, err := approvedFI.Approve("sibling")
	require.NoError(t, err)
	approved := generic.HoldingOf([]generic.FeeInstallment{approvedFI}, "sibling")

	// Allocation: allotted up, remaining untouched
	d := generic.BudgetDelta(none, held)
	assert.Equal(t, "40.00", d.Allotted.String())
	assert.True(t, d.Remaining.IsZero())
	assert.Equal(t, 1, d.Students)
	assert.Equal(t, 1, d.Pending)

	// Approval: remaining down, pending moves to approved
	d = generic.BudgetDelta(held, approved)
	assert.True(t, d.Allotted.IsZero())
	assert.Equal(t, "-40.00", d.Remaining.String())
	assert.Equal(t, 0, d.Students)
	assert.Equal(t, -1, d.Pending)
	assert.Equal(t, 1, d.Approved)

	// Revocation: everything comes back
	d = generic.BudgetDelta(approved, none)
	assert.Equal(t, "-40.00", d.Allotted.String())
	assert.Equal(t, "40.00", d.Remaining.String())
	assert.Equal(t, -1, d.Students)
	assert.Equal(t, -1, d.Approved)
}

func TestRollupDelta_RemainingTracksPending(t *testing.T) {
	none := generic.HoldingOf(nil, "sibling")
	fi := installment("a", time.January, 100)
	require.NoError(t, fi.AddPending(pending("sibling", 40)))
	held := generic.HoldingOf([]generic.FeeInstallment{fi}, "sibling")

	d := generic.RollupDelta(none, held)

	assert.Equal(t, "40.00", d.Allotted.String())
	assert.Equal(t, "40.00", d.Remaining.String())
}

// =============================================================================
// REFUND LEDGER
// =============================================================================

func TestRefundLedger_AppendIdempotent(t *testing.T) {
	var rl generic.RefundLedger
	entry := generic.NewRefundEntry("stu-1", "sibling", "tuition", generic.NewAmount(25), today.Time)

	assert.True(t, rl.Append(entry))
	assert.False(t, rl.Append(entry))

	assert.Len(t, rl.Entries, 1)
	assert.Equal(t, "25.00", rl.Total.String())
}

func TestRefundLedger_RemovePendingOnlyForDiscount(t *testing.T) {
	var rl generic.RefundLedger
	rl.Append(generic.NewRefundEntry("stu-1", "sibling", "tuition", generic.NewAmount(25), today.Time))
	rl.Append(generic.NewRefundEntry("stu-1", "merit", "tuition", generic.NewAmount(10), today.Time))

	removed := rl.RemovePending("sibling")

	assert.Equal(t, "25.00", removed.String())
	assert.Equal(t, "10.00", rl.Total.String())
	assert.True(t, rl.PendingFor("sibling").IsZero())
	assert.Equal(t, "10.00", rl.PendingFor("merit").String())
}
