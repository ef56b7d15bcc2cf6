/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a small
	school: one section, a fee structure with installment schedules,
	students, a discount budget and, depending on the scenario, discount
	allocations already in flight.

AVAILABLE SCENARIOS:

	fresh-term:             Students and installments, budget opened, nothing allocated
	pending-approval:       Percentage discount allocated to two students, awaiting approval
	partial-payments:       Fixed discount on a part-paid student, producing a refund entry
	approved-with-receipts: Approved discount with a receipt recorded afterwards (revoke fails)

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the fee structure via factory
 3. Create students and their installments
 4. Open the discount budget
 5. Optionally allocate, approve and record payments through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pending-approval"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/rows.go: Fee structure JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-term",
		Name:        "Fresh Term",
		Description: "Grade 5A with four students, tuition and transport installments, sibling budget opened",
	},
	{
		ID:          "pending-approval",
		Name:        "Pending Approval",
		Description: "25% tuition sibling discount allocated to two students, awaiting approval",
	},
	{
		ID:          "partial-payments",
		Name:        "Partial Payments",
		Description: "Fixed tuition discount on a student who already paid part of the term",
	},
	{
		ID:          "approved-with-receipts",
		Name:        "Approved With Receipts",
		Description: "Approved discount followed by a payment; revoking it is refused",
	},
}

const (
	demoSection   generic.SectionID      = "grade-5a"
	demoStructure generic.FeeStructureID = "fs-standard"
	demoDiscount  generic.DiscountID     = "sibling"
)

var demoStudents = []generic.Student{
	{ID: "stu-001", Name: "Amara Osei", Gender: "female"},
	{ID: "stu-002", Name: "Kofi Osei", Gender: "male"},
	{ID: "stu-003", Name: "Lina Haddad", Gender: "female"},
	{ID: "stu-004", Name: "Tomas Novak", Gender: "male"},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "fresh-term":
		load = h.loadFreshTermScenario
	case "pending-approval":
		load = h.loadPendingApprovalScenario
	case "partial-payments":
		load = h.loadPartialPaymentsScenario
	case "approved-with-receipts":
		load = h.loadApprovedWithReceiptsScenario
	default:
		h.writeError(w, generic.NewValidationError("scenario_id", "unknown scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeError(w, fmt.Errorf("reset database: %w", err))
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.writeError(w, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.currentScenario = req.ScenarioID
	h.logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFreshTermScenario(ctx context.Context) error {
	year := time.Now().Year()
	structureJSON := fmt.Sprintf(`{
		"id": %q,
		"name": "Standard %d",
		"rows": [
			{
				"row_id": "tuition",
				"fee_type_id": "ft-tuition",
				"name": "Tuition",
				"schedule": [
					{"date": "%d-01-10", "amount": 400},
					{"date": "%d-05-10", "amount": 400},
					{"date": "%d-09-10", "amount": 400}
				]
			},
			{
				"row_id": "transport",
				"fee_type_id": "ft-transport",
				"name": "Transport",
				"schedule": [
					{"date": "%d-01-10", "amount": 150},
					{"date": "%d-07-10", "amount": 150}
				]
			}
		]
	}`, demoStructure, year, year, year, year, year, year)

	fs, err := h.Rows.ParseFeeStructure(structureJSON)
	if err != nil {
		return err
	}
	if err := h.Store.SaveFeeStructure(ctx, fs); err != nil {
		return err
	}

	now := generic.Today()
	var installments []generic.FeeInstallment
	for _, st := range demoStudents {
		st.SectionID = demoSection
		if err := h.Store.SaveStudent(ctx, st); err != nil {
			return err
		}
		for _, row := range fs.Rows {
			for i, item := range row.Schedule {
				id := generic.InstallmentID(fmt.Sprintf("inst-%s-%s-%d", st.ID, row.RowID, i+1))
				installments = append(installments, generic.NewInstallment(
					id, st.ID, demoSection, fs.ID, row.RowID, row.FeeTypeID, item.Date, item.Amount, now))
			}
		}
	}
	if err := h.Store.SaveInstallments(ctx, installments); err != nil {
		return err
	}

	_, err = h.Service.CreateBudget(ctx, demoDiscount, generic.NewAmountFromInt(2000))
	return err
}

func (h *Handler) loadPendingApprovalScenario(ctx context.Context) error {
	if err := h.loadFreshTermScenario(ctx); err != nil {
		return err
	}
	rows, err := h.Rows.ParseRows([]byte(`[{"row_id":"tuition","is_percentage":true,"value":25}]`))
	if err != nil {
		return err
	}
	_, err = h.Service.Allocate(ctx, discount.AllocateRequest{
		DiscountID:     demoDiscount,
		SectionID:      demoSection,
		FeeStructureID: demoStructure,
		Rows:           rows,
		StudentIDs:     []generic.StudentID{"stu-001", "stu-002"},
	})
	return err
}

func (h *Handler) loadPartialPaymentsScenario(ctx context.Context) error {
	if err := h.loadFreshTermScenario(ctx); err != nil {
		return err
	}

	// stu-003 settled the first tuition installment and part of the second.
	if _, err := h.Store.RecordPayment(ctx, "inst-stu-003-tuition-1", generic.NewAmountFromInt(400)); err != nil {
		return err
	}
	if _, err := h.Store.RecordPayment(ctx, "inst-stu-003-tuition-2", generic.NewAmountFromInt(300)); err != nil {
		return err
	}

	rows, err := h.Rows.ParseRows([]byte(`[{"row_id":"tuition","value":"900.00"}]`))
	if err != nil {
		return err
	}
	_, err = h.Service.Allocate(ctx, discount.AllocateRequest{
		DiscountID:     demoDiscount,
		SectionID:      demoSection,
		FeeStructureID: demoStructure,
		Rows:           rows,
		StudentIDs:     []generic.StudentID{"stu-003"},
	})
	return err
}

func (h *Handler) loadApprovedWithReceiptsScenario(ctx context.Context) error {
	if err := h.loadFreshTermScenario(ctx); err != nil {
		return err
	}
	rows, err := h.Rows.ParseRows([]byte(`[{"row_id":"tuition","is_percentage":true,"value":10}]`))
	if err != nil {
		return err
	}
	if _, err := h.Service.Allocate(ctx, discount.AllocateRequest{
		DiscountID:     demoDiscount,
		SectionID:      demoSection,
		FeeStructureID: demoStructure,
		Rows:           rows,
		StudentIDs:     []generic.StudentID{"stu-004"},
	}); err != nil {
		return err
	}
	if _, err := h.Service.Resolve(ctx, discount.ResolveRequest{
		DiscountID: demoDiscount,
		StudentID:  "stu-004",
		SectionID:  demoSection,
		Decision:   discount.DecisionApproved,
	}); err != nil {
		return err
	}

	// A receipt after approval freezes the student's discount.
	_, err = h.Store.RecordPayment(ctx, "inst-stu-004-tuition-1", generic.NewAmountFromInt(100))
	return err
}
