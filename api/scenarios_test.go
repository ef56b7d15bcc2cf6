/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Students, fee structure and installments are created
	- The budget account is opened
	- Allocations made by the loader leave counters consistent

These tests ensure scenarios work correctly and can be used as integration tests.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-engine/generic"
)

func TestScenario_FreshTerm(t *testing.T) {
	// GIVEN: A handler over an empty database
	h := setupTestHandler(t)
	ctx := context.Background()

	// WHEN: Loading the fresh term
	require.NoError(t, h.loadFreshTermScenario(ctx))

	// THEN: Four students in grade-5a, five installments each
	students, err := h.Store.Students(ctx, []generic.StudentID{"stu-001", "stu-002", "stu-003", "stu-004"})
	require.NoError(t, err)
	for _, st := range students {
		assert.Equal(t, demoSection, st.SectionID)
		installments, err := h.Store.Installments(ctx, generic.InstallmentFilter{StudentID: st.ID})
		require.NoError(t, err)
		assert.Len(t, installments, 5)
	}

	fs, err := h.Store.FeeStructure(ctx, demoStructure)
	require.NoError(t, err)
	tuition, ok := fs.Row("tuition")
	require.True(t, ok)
	assert.Equal(t, "1200.00", tuition.TotalAmount.String())

	acc, err := h.Service.Budget(ctx, demoDiscount)
	require.NoError(t, err)
	assert.Equal(t, "2000.00", acc.TotalBudget.String())
	assert.Equal(t, "0.00", acc.Allotted.String())
}

func TestScenario_PendingApproval(t *testing.T) {
	h := setupTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.loadPendingApprovalScenario(ctx))

	acc, err := h.Service.Budget(ctx, demoDiscount)
	require.NoError(t, err)
	assert.Equal(t, "600.00", acc.Allotted.String())
	assert.Equal(t, 2, acc.TotalPending)

	pending, err := h.Store.Installments(ctx, generic.InstallmentFilter{DiscountID: demoDiscount, EntryStatus: generic.DiscountPending})
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
	for _, fi := range pending {
		assert.Contains(t, []generic.StudentID{"stu-001", "stu-002"}, fi.StudentID)
	}
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	// GIVEN: The pending approval scenario is loaded
	_, srv := setupTestRouter(t)
	loadScenario(t, srv, "pending-approval")

	// WHEN: Loading the fresh term over it
	loadScenario(t, srv, "fresh-term")

	// THEN: No allocation survives
	budget := decode[BudgetDTO](t, doRequest(t, srv, http.MethodGet, "/api/discounts/sibling/budget", nil))
	assert.Equal(t, "0.00", budget.Allotted)
	assert.Equal(t, 0, budget.TotalStudents)

	current := decode[ScenarioDTO](t, doRequest(t, srv, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "fresh-term", current.ID)
}

func TestScenario_Unknown(t *testing.T) {
	_, srv := setupTestRouter(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assertErrorKind(t, rec, http.StatusBadRequest, generic.KindValidation)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	listed := decode[[]ScenarioDTO](t, doRequest(t, NewRouter(setupTestHandler(t), DefaultRouterOptions()), http.MethodGet, "/api/scenarios", nil))
	require.Len(t, listed, len(scenarios))

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			h, srv := setupTestRouter(t)
			loadScenario(t, srv, s.ID)

			// Every scenario leaves the ledger consistent.
			report, err := h.Service.Reconcile(context.Background(), demoDiscount)
			require.NoError(t, err)
			assert.True(t, report.Consistent())
		})
	}
}

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func TestScheduler_RunNowSweepsCleanLedger(t *testing.T) {
	// GIVEN: A scenario with allocations, approvals and refunds
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadPartialPaymentsScenario(ctx))

	// WHEN: Sweeping
	rs := NewReconciliationScheduler(h.Service, nil)
	res := rs.RunNow(ctx)

	// THEN: Nothing pending, nothing drifted
	assert.Equal(t, 0, res.Flush.Failed)
	assert.Equal(t, 0, res.Flush.Held)
	assert.Equal(t, 0, res.Drifted)
	assert.Equal(t, res, rs.LastSweep())
}

func TestScheduler_StartStop(t *testing.T) {
	h := setupTestHandler(t)
	rs := NewReconciliationScheduler(h.Service, nil)

	rs.Start()
	rs.Start()
	rs.Stop()
	rs.Stop()

	assert.False(t, rs.LastSweep().StartedAt.IsZero())
}

func TestScheduler_DisabledDoesNotRun(t *testing.T) {
	h := setupTestHandler(t)
	rs := NewReconciliationScheduler(h.Service, nil)
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	assert.True(t, rs.LastSweep().StartedAt.IsZero())
}
