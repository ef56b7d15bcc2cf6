package discount_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// WATERFALL TESTS
// =============================================================================

func TestAllocate_Waterfall_FillsEarliestInstallmentsFirst(t *testing.T) {
	// GIVEN: Dues [100, 50, 30], earliest first
	// WHEN: A fixed discount of 120 is allocated
	// THEN: Entries [100, 20, none], no refund

	f := newFixture(t)
	f.student(t, "stu-1", 100, 50, 30)

	res := f.allocate(t, 120, "stu-1")

	assert.Equal(t, 1, res.StudentsAffected)
	assertAmount(t, 120, res.TotalAllotted, "total allotted")
	assert.Empty(t, res.Refunds)

	assertAmount(t, 100, entryAmount(f.installment(t, "stu-1-tuition-1")), "jan entry")
	assertAmount(t, 20, entryAmount(f.installment(t, "stu-1-tuition-2")), "feb entry")
	_, ok := f.installment(t, "stu-1-tuition-3").Entry(testDiscount)
	assert.False(t, ok, "march installment should carry no entry")

	e, _ := f.installment(t, "stu-1-tuition-1").Entry(testDiscount)
	assert.Equal(t, generic.DiscountPending, e.Status)

	// Pending entries do not touch installment amounts.
	jan := f.installment(t, "stu-1-tuition-1")
	assertAmount(t, 100, jan.NetAmount, "jan net")
	assertAmount(t, 0, jan.TotalDiscountAmount, "jan discount")

	assert.Empty(t, f.studentRecord(t, "stu-1").Refunds.Entries)
}

func TestAllocate_Overflow_RecordsRefund(t *testing.T) {
	// GIVEN: Dues [100, 50, 30]
	// WHEN: A fixed discount of 200 is allocated
	// THEN: Entries [100, 50, 30] and a PENDING refund of 20

	f := newFixture(t)
	f.student(t, "stu-1", 100, 50, 30)

	res := f.allocate(t, 200, "stu-1")

	assertAmount(t, 180, res.TotalAllotted, "placed excludes overflow")
	assertAmount(t, 100, entryAmount(f.installment(t, "stu-1-tuition-1")), "jan")
	assertAmount(t, 50, entryAmount(f.installment(t, "stu-1-tuition-2")), "feb")
	assertAmount(t, 30, entryAmount(f.installment(t, "stu-1-tuition-3")), "mar")

	require.Len(t, res.Refunds, 1)
	refunds := f.studentRecord(t, "stu-1").Refunds
	require.Len(t, refunds.Entries, 1)
	assert.Equal(t, generic.RefundPending, refunds.Entries[0].Status)
	assert.Equal(t, tuition, refunds.Entries[0].RowID)
	assertAmount(t, 20, refunds.Entries[0].Amount, "refund entry")
	assertAmount(t, 20, refunds.Total, "refund total")

	acc := f.budget(t)
	assertAmount(t, 180, acc.Allotted, "budget allotted")
}

func TestAllocate_Percentage_UsesRowTotalAndRecordsUnitValue(t *testing.T) {
	// GIVEN: Tuition row total 200 split [100, 100]
	// WHEN: A 60% discount is allocated (nominal 120)
	// THEN: Entries [100, 20]; values are 100% and 20% of each installment

	f := newFixture(t)
	f.student(t, "stu-1", 100, 100)

	req := fixedRequest(0, "stu-1")
	req.Rows = []generic.DiscountRow{{RowID: tuition, IsPercentage: true, Value: decimal.NewFromInt(60)}}
	res, err := f.svc.Allocate(context.Background(), req)
	require.NoError(t, err)

	assertAmount(t, 120, res.TotalAllotted, "nominal")
	jan, _ := f.installment(t, "stu-1-tuition-1").Entry(testDiscount)
	feb, _ := f.installment(t, "stu-1-tuition-2").Entry(testDiscount)
	assert.True(t, jan.IsPercentage)
	assert.True(t, decimal.NewFromInt(100).Equal(jan.Value), "jan value %s", jan.Value)
	assert.True(t, decimal.NewFromInt(20).Equal(feb.Value), "feb value %s", feb.Value)
	assertAmount(t, 20, feb.DiscountAmount, "feb amount is currency")
}

func TestAllocate_MultipleRows_RefundsAreNotMerged(t *testing.T) {
	// GIVEN: Tuition [100] and transport [40]
	// WHEN: Discount is 150 on tuition and 60 on transport
	// THEN: Two separate refunds (50 and 20), total 70

	f := newFixture(t)
	f.feeStructure(map[generic.RowID][]float64{tuition: {100}, transport: {40}})
	f.addStudent(t, "stu-1", testSection, tuition, 100)
	f.addStudent(t, "stu-1", testSection, transport, 40)

	req := fixedRequest(150, "stu-1")
	req.Rows = append(req.Rows, generic.DiscountRow{RowID: transport, Value: decimal.NewFromInt(60)})
	res, err := f.svc.Allocate(context.Background(), req)
	require.NoError(t, err)

	assertAmount(t, 140, res.TotalAllotted, "placed")
	refunds := f.studentRecord(t, "stu-1").Refunds
	require.Len(t, refunds.Entries, 2)
	byRow := map[generic.RowID]generic.Amount{}
	for _, e := range refunds.Entries {
		byRow[e.RowID] = e.Amount
	}
	assertAmount(t, 50, byRow[tuition], "tuition refund")
	assertAmount(t, 20, byRow[transport], "transport refund")
	assertAmount(t, 70, refunds.Total, "refund total")

	// One student, counted once.
	acc := f.budget(t)
	assert.Equal(t, 1, acc.TotalStudents)
	assert.Equal(t, 1, acc.TotalPending)
}

// =============================================================================
// ELIGIBILITY TESTS
// =============================================================================

func TestAllocate_StudentWithNothingDue_Excluded(t *testing.T) {
	// GIVEN: stu-1 owes [100]; stu-2 has paid everything
	// WHEN: Allocating to both
	// THEN: Only stu-1 counts, no refund for stu-2

	f := newFixture(t)
	f.student(t, "stu-1", 100)
	f.student(t, "stu-2", 100)
	_, err := f.store.RecordPayment(context.Background(), "stu-2-tuition-1", generic.NewAmount(100))
	require.NoError(t, err)

	res := f.allocate(t, 40, "stu-1", "stu-2")

	assert.Equal(t, 1, res.StudentsAffected)
	assert.Equal(t, []generic.StudentID{"stu-1"}, res.Students)
	assert.Empty(t, f.studentRecord(t, "stu-2").Refunds.Entries)
	assert.Equal(t, 1, f.budget(t).TotalStudents)
}

func TestAllocate_NobodyHasDue_InsufficientDueAndNothingWritten(t *testing.T) {
	f := newFixture(t)
	f.student(t, "stu-1", 100)
	_, err := f.store.RecordPayment(context.Background(), "stu-1-tuition-1", generic.NewAmount(100))
	require.NoError(t, err)

	_, err = f.svc.Allocate(context.Background(), fixedRequest(40, "stu-1"))

	assert.ErrorIs(t, err, generic.ErrInsufficientDue)
	acc := f.budget(t)
	assertAmount(t, 0, acc.Allotted, "allotted")
	assert.Equal(t, 0, acc.TotalStudents)
	assert.Empty(t, f.published.kinds())
}

func TestAllocate_InsufficientDue_RequestedExcludesSkipped(t *testing.T) {
	// GIVEN: stu-1 already holds the discount, stu-2 has paid everything
	f := newFixture(t)
	f.student(t, "stu-1", 100)
	f.student(t, "stu-2", 100)
	f.allocate(t, 40, "stu-1")
	_, err := f.store.RecordPayment(context.Background(), "stu-2-tuition-1", generic.NewAmount(100))
	require.NoError(t, err)

	// WHEN: Allocating 40 to both
	_, err = f.svc.Allocate(context.Background(), fixedRequest(40, "stu-1", "stu-2"))

	// THEN: Only stu-2's nominal is reported as requested
	var ide *generic.InsufficientDueError
	require.ErrorAs(t, err, &ide)
	assertAmount(t, 40, ide.Requested, "requested")
}

func TestAllocate_StudentAlreadyHoldingDiscount_Skipped(t *testing.T) {
	// GIVEN: stu-1 already holds a pending entry
	// WHEN: Allocating again to stu-1 and stu-2
	// THEN: stu-1 is skipped and not counted twice

	f := newFixture(t)
	f.student(t, "stu-1", 100, 50)
	f.student(t, "stu-2", 100, 50)
	f.allocate(t, 60, "stu-1")

	res := f.allocate(t, 60, "stu-1", "stu-2")

	assert.Equal(t, 1, res.StudentsAffected)
	assert.Equal(t, []generic.StudentID{"stu-1"}, res.Skipped)
	assertAmount(t, 60, entryAmount(f.installment(t, "stu-1-tuition-1")), "stu-1 untouched")
	acc := f.budget(t)
	assert.Equal(t, 2, acc.TotalStudents)
	assertAmount(t, 120, acc.Allotted, "allotted")
}

func TestAllocate_DuplicateStudentIDs_CountedOnce(t *testing.T) {
	f := newFixture(t)
	f.student(t, "stu-1", 100)

	res := f.allocate(t, 40, "stu-1", "stu-1")

	assert.Equal(t, 1, res.StudentsAffected)
	assertAmount(t, 40, res.TotalAllotted, "allotted")
}

// =============================================================================
// GUARD TESTS
// =============================================================================

func TestAllocate_BudgetExceeded_NothingWritten(t *testing.T) {
	// GIVEN: A discount with a budget of 100
	// WHEN: Allocating 60 each to two students (120)
	// THEN: BudgetExceeded, no entry on either student

	f := newFixture(t)
	_, err := f.svc.CreateBudget(context.Background(), "small", generic.NewAmount(100))
	require.NoError(t, err)
	f.student(t, "stu-1", 100)
	f.student(t, "stu-2", 100)

	req := fixedRequest(60, "stu-1", "stu-2")
	req.DiscountID = "small"
	_, err = f.svc.Allocate(context.Background(), req)

	var be *generic.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assertAmount(t, 120, be.Requested, "requested")
	assert.False(t, f.installment(t, "stu-1-tuition-1").HasEntry("small", generic.DiscountPending))
	assert.False(t, f.installment(t, "stu-2-tuition-1").HasEntry("small", generic.DiscountPending))
}

func TestAllocate_BudgetExactlyFilled_Allowed(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBudget(context.Background(), "exact", generic.NewAmount(100))
	require.NoError(t, err)
	f.student(t, "stu-1", 100)

	req := fixedRequest(100, "stu-1")
	req.DiscountID = "exact"
	res, err := f.svc.Allocate(context.Background(), req)

	require.NoError(t, err)
	assertAmount(t, 100, res.TotalAllotted, "allotted")
}

func TestAllocate_StudentInOtherSection_ValidationError(t *testing.T) {
	f := newFixture(t)
	f.feeStructure(map[generic.RowID][]float64{tuition: {100}})
	f.addStudent(t, "stu-1", "grade-4b", tuition, 100)

	_, err := f.svc.Allocate(context.Background(), fixedRequest(40, "stu-1"))

	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAllocate_InvalidInput_RejectedBeforeAnyRead(t *testing.T) {
	f := newFixture(t)
	f.student(t, "stu-1", 100)

	tests := []struct {
		name   string
		mutate func(*discount.AllocateRequest)
	}{
		{"no rows", func(r *discount.AllocateRequest) { r.Rows = nil }},
		{"no students", func(r *discount.AllocateRequest) { r.StudentIDs = nil }},
		{"no section", func(r *discount.AllocateRequest) { r.SectionID = "" }},
		{"zero value", func(r *discount.AllocateRequest) { r.Rows[0].Value = decimal.Zero }},
		{"percentage over 100", func(r *discount.AllocateRequest) {
			r.Rows[0].IsPercentage = true
			r.Rows[0].Value = decimal.NewFromInt(101)
		}},
		{"duplicate row", func(r *discount.AllocateRequest) { r.Rows = append(r.Rows, r.Rows[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := fixedRequest(40, "stu-1")
			tt.mutate(&req)
			_, err := f.svc.Allocate(context.Background(), req)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}
}

func TestAllocate_UnknownDiscountOrStudent_NotFound(t *testing.T) {
	f := newFixture(t)
	f.student(t, "stu-1", 100)

	req := fixedRequest(40, "stu-1")
	req.DiscountID = "nope"
	_, err := f.svc.Allocate(context.Background(), req)
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = f.svc.Allocate(context.Background(), fixedRequest(40, "ghost"))
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

// =============================================================================
// COUNTER TESTS
// =============================================================================

func TestAllocate_UpdatesBudgetAndClassRollup(t *testing.T) {
	f := newFixture(t)
	f.student(t, "stu-1", 100, 50)
	f.student(t, "stu-2", 100, 50)

	f.allocate(t, 120, "stu-1", "stu-2")

	acc := f.budget(t)
	assertAmount(t, 240, acc.Allotted, "budget allotted")
	assertAmount(t, 10000, acc.Remaining, "budget remaining is untouched until approval")
	assert.Equal(t, 2, acc.TotalStudents)
	assert.Equal(t, 2, acc.TotalPending)
	assert.Equal(t, 0, acc.TotalApproved)

	r := f.rollup(t)
	assertAmount(t, 240, r.Allotted, "rollup allotted")
	assertAmount(t, 240, r.Remaining, "rollup remaining")
	assert.Equal(t, 2, r.TotalStudents)
	assert.Equal(t, 2, r.TotalPending)

	assert.Equal(t, []generic.NotificationKind{generic.NotifyAllocated}, f.published.kinds())
}
