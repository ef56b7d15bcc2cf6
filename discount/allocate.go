package discount

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// ALLOCATION ENGINE - Pending entries from a discount rule
// =============================================================================

type AllocateRequest struct {
	DiscountID     generic.DiscountID
	SectionID      generic.SectionID
	FeeStructureID generic.FeeStructureID
	Rows           []generic.DiscountRow
	StudentIDs     []generic.StudentID
}

type AllocationResult struct {
	StudentsAffected int
	TotalAllotted    generic.Amount
	Students         []generic.StudentID
	Refunds          []generic.RefundEntry
	// Skipped lists students that already held this discount.
	Skipped []generic.StudentID
}

func (r AllocateRequest) validate() error {
	if r.DiscountID == "" {
		return generic.NewValidationError("discount_id", "is required")
	}
	if r.SectionID == "" {
		return generic.NewValidationError("section_id", "is required")
	}
	if r.FeeStructureID == "" {
		return generic.NewValidationError("fee_structure_id", "is required")
	}
	if len(r.Rows) == 0 {
		return generic.NewValidationError("rows", "at least one row is required")
	}
	if len(r.StudentIDs) == 0 {
		return generic.NewValidationError("student_ids", "at least one student is required")
	}
	seen := make(map[generic.RowID]bool, len(r.Rows))
	for _, row := range r.Rows {
		if err := row.Validate(); err != nil {
			return err
		}
		if seen[row.RowID] {
			return generic.NewValidationError("rows", "row %s appears twice", row.RowID)
		}
		seen[row.RowID] = true
	}
	for _, id := range r.StudentIDs {
		if id == "" {
			return generic.NewValidationError("student_ids", "empty student id")
		}
	}
	return nil
}

// nominalRow is a rule row with its currency amount resolved.
type nominalRow struct {
	generic.DiscountRow
	Nominal generic.Amount
}

// studentPlan is everything allocation will write for one student.
type studentPlan struct {
	studentID generic.StudentID
	before    []generic.FeeInstallment
	changed   []generic.FeeInstallment
	refunds   []generic.RefundEntry
	placed    generic.Amount
}

// Allocate places pending entries for every row on every eligible student.
// The whole plan is built before anything is written; it fails with
// InsufficientDue when no student receives any amount and BudgetExceeded
// when the placed total would push allotted past the budget.
func (s *Service) Allocate(ctx context.Context, req AllocateRequest) (AllocationResult, error) {
	if err := req.validate(); err != nil {
		return AllocationResult{}, err
	}
	req.StudentIDs = dedupeStudents(req.StudentIDs)
	log := s.logger.Named("allocation").With(zap.String("discount_id", string(req.DiscountID)))

	var result AllocationResult
	err := s.withLock(ctx, req.DiscountID, func() error {
		s.flush(ctx, req.DiscountID)

		account, _, err := s.projectedBudget(ctx, req.DiscountID)
		if err != nil {
			return err
		}
		rows, err := s.resolveRows(ctx, req)
		if err != nil {
			return err
		}
		students, err := s.directory.Students(ctx, req.StudentIDs)
		if err != nil {
			return err
		}
		for _, st := range students {
			if st.SectionID != req.SectionID {
				return generic.NewValidationError("student_ids", "student %s is in section %s, not %s", st.ID, st.SectionID, req.SectionID)
			}
		}

		now := s.clock()
		var plans []studentPlan
		placed := generic.ZeroAmount()
		for _, st := range students {
			plan, skip, err := s.planStudent(ctx, req, rows, st.ID)
			if err != nil {
				return err
			}
			if skip {
				log.Warn("student already holds discount, skipped", zap.String("student_id", string(st.ID)))
				result.Skipped = append(result.Skipped, st.ID)
				continue
			}
			if len(plan.changed) == 0 {
				log.Debug("student has nothing due for discount rows", zap.String("student_id", string(st.ID)))
				continue
			}
			plans = append(plans, plan)
			placed = placed.Add(plan.placed)
		}

		if len(plans) == 0 {
			return &generic.InsufficientDueError{DiscountID: req.DiscountID, Requested: totalNominal(rows, len(students)-len(result.Skipped)), Available: generic.ZeroAmount()}
		}
		if account.Allotted.Add(placed).GreaterThan(account.TotalBudget) {
			return &generic.BudgetExceededError{DiscountID: req.DiscountID, TotalBudget: account.TotalBudget, Allotted: account.Allotted, Requested: placed}
		}

		var c generic.Commit
		for _, p := range plans {
			c.Installments = append(c.Installments, p.changed...)
			c.Events = append(c.Events, counterEvent(req.DiscountID, p.studentID, p.before, replace(p.before, p.changed), now))
			for _, rf := range p.refunds {
				c.Events = append(c.Events, generic.NewRefundAppendEvent(rf, now))
				result.Refunds = append(result.Refunds, rf)
			}
		}
		if err := s.commit(ctx, c); err != nil {
			return err
		}
		s.flush(ctx, req.DiscountID)

		for _, p := range plans {
			result.Students = append(result.Students, p.studentID)
		}
		result.StudentsAffected = len(plans)
		result.TotalAllotted = placed
		return nil
	})
	if err != nil {
		return AllocationResult{}, err
	}

	log.Info("discount allocated",
		zap.Int("students_affected", result.StudentsAffected),
		zap.String("total_allotted", result.TotalAllotted.String()),
		zap.Int("refunds", len(result.Refunds)),
		zap.Int("skipped", len(result.Skipped)))

	s.notify(generic.NotifyAllocated, req.DiscountID, result.Students, result.TotalAllotted)
	return result, nil
}

// resolveRows looks up each rule row in the fee structure and computes its
// nominal amount.
func (s *Service) resolveRows(ctx context.Context, req AllocateRequest) ([]nominalRow, error) {
	fs, err := s.fees.FeeStructure(ctx, req.FeeStructureID)
	if err != nil {
		return nil, err
	}
	out := make([]nominalRow, 0, len(req.Rows))
	for _, r := range req.Rows {
		feeRow, ok := fs.Row(r.RowID)
		if !ok {
			return nil, generic.NewNotFound("fee structure row", string(req.FeeStructureID)+"/"+string(r.RowID))
		}
		if r.FeeTypeID == "" {
			r.FeeTypeID = feeRow.FeeTypeID
		}
		out = append(out, nominalRow{DiscountRow: r, Nominal: r.NominalAmount(feeRow.TotalAmount)})
	}
	return out, nil
}

// planStudent runs the waterfall for every row of one student. skip is true
// when the student already holds the discount.
func (s *Service) planStudent(ctx context.Context, req AllocateRequest, rows []nominalRow, studentID generic.StudentID) (studentPlan, bool, error) {
	held, err := s.store.Installments(ctx, generic.InstallmentFilter{StudentID: studentID, DiscountID: req.DiscountID})
	if err != nil {
		return studentPlan{}, false, fmt.Errorf("load installments of %s: %w", studentID, err)
	}
	if len(held) > 0 {
		return studentPlan{}, true, nil
	}

	plan := studentPlan{studentID: studentID, placed: generic.ZeroAmount()}
	var refunds []generic.RefundEntry
	now := s.clock()

	for _, row := range rows {
		installments, err := s.store.Installments(ctx, generic.InstallmentFilter{
			StudentID:      studentID,
			SectionID:      req.SectionID,
			FeeStructureID: req.FeeStructureID,
			RowID:          row.RowID,
		})
		if err != nil {
			return studentPlan{}, false, fmt.Errorf("load installments of %s: %w", studentID, err)
		}
		plan.before = append(plan.before, installments...)

		dist := s.waterfall.Distribute(installments, row.Nominal, row.IsPercentage)
		byID := make(map[generic.InstallmentID]generic.FeeInstallment, len(installments))
		for _, fi := range installments {
			byID[fi.ID] = fi
		}
		for _, p := range dist.Placements {
			fi := byID[p.InstallmentID].Clone()
			if err := fi.AddPending(generic.DiscountEntry{
				DiscountID:     req.DiscountID,
				IsPercentage:   row.IsPercentage,
				Value:          p.Value,
				DiscountAmount: p.Amount,
			}); err != nil {
				return studentPlan{}, false, err
			}
			plan.changed = append(plan.changed, fi)
		}
		plan.placed = plan.placed.Add(dist.Placed)
		if dist.Leftover.IsPositive() {
			refunds = append(refunds, generic.NewRefundEntry(studentID, req.DiscountID, row.RowID, dist.Leftover, now))
		}
	}

	// Overflow only counts for students the discount actually reached.
	if len(plan.changed) > 0 {
		plan.refunds = refunds
	}
	return plan, false, nil
}

func totalNominal(rows []nominalRow, students int) generic.Amount {
	total := generic.ZeroAmount()
	for _, r := range rows {
		total = total.Add(r.Nominal)
	}
	return total.Mul(decimal.NewFromInt(int64(students)))
}

func dedupeStudents(ids []generic.StudentID) []generic.StudentID {
	seen := make(map[generic.StudentID]bool, len(ids))
	out := make([]generic.StudentID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
