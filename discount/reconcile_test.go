package discount_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
	"github.com/warp/fee-engine/generic/store"
)

// =============================================================================
// RECONCILIATION TESTS
// =============================================================================

func TestReconcile_ConsistentAfterMixedLifecycle(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.student(t, generic.StudentID(fmt.Sprintf("stu-%d", i)), 100, 50, 30)
	}
	f.allocate(t, 200, "stu-1", "stu-2", "stu-3", "stu-4")
	f.approve(t, "stu-1")
	f.approve(t, "stu-2")
	_, err := resolve(f, "stu-3", discount.DecisionRejected)
	require.NoError(t, err)
	_, err = revoke(f, "stu-2")
	require.NoError(t, err)

	report, err := f.svc.Reconcile(context.Background(), testDiscount)

	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 2, report.Budget.TotalStudents, "stu-1 approved, stu-4 pending")
	assert.Equal(t, 1, report.Budget.TotalApproved)
	assert.Equal(t, 1, report.Budget.TotalPending)
	assertAmount(t, 360, report.Budget.Allotted, "allotted")
	assertAmount(t, 9820, report.Budget.Remaining, "remaining")
}

func TestReconcile_DriftReportedNotCorrected(t *testing.T) {
	// GIVEN: A budget whose allotted counter was changed behind the engine
	// WHEN: Reconciling
	// THEN: InternalInconsistency naming the field; the counter keeps its bad value

	f := newFixture(t)
	f.student(t, "stu-1", 100)
	f.allocate(t, 40, "stu-1")
	f.store.CorruptBudget(testDiscount, func(c *generic.Counters) {
		c.Allotted = c.Allotted.Add(generic.NewAmount(5))
	})

	report, err := f.svc.Reconcile(context.Background(), testDiscount)

	require.ErrorIs(t, err, generic.ErrInternalInconsistency)
	var ie *generic.InconsistencyError
	require.ErrorAs(t, err, &ie)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, "budget", report.Drifts[0].Scope)
	assert.Equal(t, "allotted", report.Drifts[0].Field)
	assert.Equal(t, "45.00", report.Drifts[0].Recorded)
	assert.Equal(t, "40.00", report.Drifts[0].Computed)

	assertAmount(t, 45, f.budget(t).Allotted, "not silently corrected")
}

func TestReconcileAll_ReturnsOnlyDriftedDiscounts(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBudget(context.Background(), "merit", generic.NewAmount(500))
	require.NoError(t, err)
	f.store.CorruptBudget("merit", func(c *generic.Counters) { c.TotalStudents = 3 })

	drifted, err := f.svc.ReconcileAll(context.Background())

	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, generic.DiscountID("merit"), drifted[0].DiscountID)
}

// =============================================================================
// OUTBOX TESTS
// =============================================================================

func failingRefunds(n int32) func(*store.Directory) generic.StudentDirectory {
	return func(d *store.Directory) generic.StudentDirectory {
		flaky := &flakyDirectory{Directory: d}
		flaky.failures.Store(n)
		return flaky
	}
}

// flakyDirectory fails the first n refund appends.
type flakyDirectory struct {
	*store.Directory
	failures atomic.Int32
}

func (d *flakyDirectory) AppendRefund(ctx context.Context, id generic.StudentID, e generic.RefundEntry) error {
	if d.failures.Add(-1) >= 0 {
		return errors.New("directory unavailable")
	}
	return d.Directory.AppendRefund(ctx, id, e)
}

func TestOutbox_FailedDirectoryEvent_RetriedBySweep(t *testing.T) {
	// GIVEN: The directory rejects the first refund append
	// WHEN: An allocation overflows
	// THEN: Counters still apply; the refund lands on the next sweep, once

	f := newFixtureWith(t, failingRefunds(1))
	f.student(t, "stu-1", 100)

	res := f.allocate(t, 130, "stu-1")
	require.Len(t, res.Refunds, 1)

	assertAmount(t, 100, f.budget(t).Allotted, "counter event applied")
	assert.Empty(t, f.studentRecord(t, "stu-1").Refunds.Entries, "refund still pending")

	pending, err := f.store.PendingEvents(context.Background(), testDiscount)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, generic.EventRefundAppend, pending[0].Kind)
	assert.Equal(t, 1, pending[0].Attempts)

	flushed, err := f.svc.FlushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed.Applied)

	flushed, err = f.svc.FlushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, flushed.Applied)

	refunds := f.studentRecord(t, "stu-1").Refunds
	require.Len(t, refunds.Entries, 1)
	assertAmount(t, 30, refunds.Total, "refund total")
}

func TestOutbox_FailedEventHoldsBackSameStudent(t *testing.T) {
	// GIVEN: Every refund append fails until the sweep
	// WHEN: stu-1 is rejected while the append is still pending
	// THEN: The rejection's events wait behind the append; after the sweep
	//       no refund is left and counters are back to zero

	f := newFixtureWith(t, failingRefunds(3))
	f.student(t, "stu-1", 100)
	f.allocate(t, 130, "stu-1")

	_, err := resolve(f, "stu-1", discount.DecisionRejected)
	require.NoError(t, err)

	assertAmount(t, 100, f.budget(t).Allotted, "rejection delta held back")
	pending, err := f.store.PendingEvents(context.Background(), testDiscount)
	require.NoError(t, err)
	require.Len(t, pending, 4, "append, counter, refund_remove, attachments_clear")

	_, err = f.svc.FlushPending(context.Background())
	require.NoError(t, err)

	st := f.studentRecord(t, "stu-1")
	assert.Empty(t, st.Refunds.Entries)
	assertAmount(t, 0, st.Refunds.Total, "refund total")
	assertAmount(t, 0, f.budget(t).Allotted, "allotted")

	_, err = f.svc.Reconcile(context.Background(), testDiscount)
	assert.NoError(t, err)
}

func TestFlushPending_LockedDiscountDoesNotStopSweep(t *testing.T) {
	// GIVEN: Failed refund appends pending on two discounts
	f := newFixtureWith(t, failingRefunds(2))
	ctx := context.Background()
	_, err := f.svc.CreateBudget(ctx, "merit", generic.NewAmount(1000))
	require.NoError(t, err)
	f.student(t, "stu-1", 100)
	f.student(t, "stu-2", 100)
	f.allocate(t, 130, "stu-1")
	merit := fixedRequest(130, "stu-2")
	merit.DiscountID = "merit"
	_, err = f.svc.Allocate(ctx, merit)
	require.NoError(t, err)

	// WHEN: Sweeping while another caller holds the first discount's lock
	locker := discount.NewKeyedMutex(30 * time.Millisecond)
	unlock, err := locker.Lock(ctx, "discount:"+string(testDiscount))
	require.NoError(t, err)
	defer unlock()
	sweeper := discount.NewService(f.store, f.directory, f.fees, discount.WithLocker(locker))

	flushed, err := sweeper.FlushPending(ctx)

	// THEN: The locked discount is skipped, the other one is flushed
	require.NoError(t, err)
	assert.Equal(t, 1, flushed.Skipped)
	assert.Equal(t, 1, flushed.Applied)
	assert.Len(t, f.studentRecord(t, "stu-2").Refunds.Entries, 1)
	assert.Empty(t, f.studentRecord(t, "stu-1").Refunds.Entries)
}

func TestOutbox_BudgetCheckSeesPendingCounterEvents(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBudget(context.Background(), "small", generic.NewAmount(100))
	require.NoError(t, err)
	f.student(t, "stu-1", 100)
	f.student(t, "stu-2", 100)

	req := fixedRequest(60, "stu-1")
	req.DiscountID = "small"
	_, err = f.svc.Allocate(context.Background(), req)
	require.NoError(t, err)

	req.StudentIDs = []generic.StudentID{"stu-2"}
	_, err = f.svc.Allocate(context.Background(), req)
	assert.ErrorIs(t, err, generic.ErrBudgetExceeded)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentApprovals_SameDiscount_CountersExact(t *testing.T) {
	// GIVEN: 20 students with pending entries on one discount
	// WHEN: All are approved concurrently
	// THEN: Counters match a serial run and reconcile clean

	f := newFixture(t)
	var ids []generic.StudentID
	for i := 0; i < 20; i++ {
		id := generic.StudentID(fmt.Sprintf("stu-%02d", i))
		f.student(t, id, 100, 50)
		ids = append(ids, id)
	}
	f.allocate(t, 120, ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id generic.StudentID) {
			defer wg.Done()
			_, err := resolve(f, id, discount.DecisionApproved)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	acc := f.budget(t)
	assert.Equal(t, 20, acc.TotalApproved)
	assert.Equal(t, 0, acc.TotalPending)
	assertAmount(t, 2400, acc.Allotted, "allotted")
	assertAmount(t, 7600, acc.Remaining, "remaining")

	_, err := f.svc.Reconcile(context.Background(), testDiscount)
	assert.NoError(t, err)
}

func TestConcurrentAllocations_BudgetNeverOverspent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBudget(context.Background(), "tight", generic.NewAmount(500))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, exceeded atomic.Int32
	for i := 0; i < 10; i++ {
		id := generic.StudentID(fmt.Sprintf("stu-%02d", i))
		f.student(t, id, 100)
		wg.Add(1)
		go func(id generic.StudentID) {
			defer wg.Done()
			req := fixedRequest(100, id)
			req.DiscountID = "tight"
			_, err := f.svc.Allocate(context.Background(), req)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, generic.ErrBudgetExceeded):
				exceeded.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(5), exceeded.Load())
	acc, err := f.svc.Budget(context.Background(), "tight")
	require.NoError(t, err)
	assertAmount(t, 500, acc.Allotted, "allotted")
}

func TestReconcile_ReportsWrongDiscountFlag(t *testing.T) {
	// GIVEN: An approved student whose hasDiscount was cleared behind the engine
	f := newFixture(t)
	f.student(t, "stu-1", 100)
	f.allocate(t, 40, "stu-1")
	f.approve(t, "stu-1")
	require.NoError(t, f.directory.SetHasDiscount(context.Background(), "stu-1", false))

	// WHEN: Reconciling
	report, err := f.svc.Reconcile(context.Background(), testDiscount)

	// THEN: The flag shows up as drift and is left as found
	require.ErrorIs(t, err, generic.ErrInternalInconsistency)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, generic.Drift{Scope: "student:stu-1", Field: "has_discount", Recorded: "false", Computed: "true"}, report.Drifts[0])
	assert.False(t, f.studentRecord(t, "stu-1").HasDiscount)
}
