package discount

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// APPROVAL STATE MACHINE - Pending entries to Approved or deleted
// =============================================================================

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

type ResolveRequest struct {
	DiscountID generic.DiscountID
	StudentID  generic.StudentID
	SectionID  generic.SectionID
	Decision   Decision
}

type ResolveResult struct {
	ApprovedSum generic.Amount
	RejectedSum generic.Amount
	// Stale lists installments whose pending amount no longer fit the due
	// and were rejected during an approval.
	Stale []generic.InstallmentID
}

func (r ResolveRequest) validate() error {
	if r.DiscountID == "" {
		return generic.NewValidationError("discount_id", "is required")
	}
	if r.StudentID == "" {
		return generic.NewValidationError("student_id", "is required")
	}
	if !r.Decision.Valid() {
		return generic.NewValidationError("decision", "must be %q or %q, got %q", DecisionApproved, DecisionRejected, r.Decision)
	}
	return nil
}

// Resolve approves or rejects a student's pending entries for a discount.
//
// Each entry is checked against the installment's due as read under the
// lock. On approval an entry that no longer fits is rejected, never clamped.
// If approval was asked for and nothing fits, Resolve fails with
// InsufficientDue and writes nothing.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	if err := req.validate(); err != nil {
		return ResolveResult{}, err
	}
	log := s.logger.Named("approval").With(
		zap.String("discount_id", string(req.DiscountID)),
		zap.String("student_id", string(req.StudentID)),
		zap.String("decision", string(req.Decision)))

	result := ResolveResult{ApprovedSum: generic.ZeroAmount(), RejectedSum: generic.ZeroAmount()}
	err := s.withLock(ctx, req.DiscountID, func() error {
		s.flush(ctx, req.DiscountID)

		if _, err := s.store.BudgetAccount(ctx, req.DiscountID); err != nil {
			return err
		}
		before, err := s.store.Installments(ctx, generic.InstallmentFilter{StudentID: req.StudentID, DiscountID: req.DiscountID})
		if err != nil {
			return fmt.Errorf("load installments of %s: %w", req.StudentID, err)
		}

		var changed []generic.FeeInstallment
		due := generic.ZeroAmount()
		for _, fi := range before {
			if !fi.HasEntry(req.DiscountID, generic.DiscountPending) {
				continue
			}
			if req.SectionID != "" && fi.SectionID != req.SectionID {
				log.Warn("installment section differs from request, using installment's",
					zap.String("installment_id", string(fi.ID)),
					zap.String("installment_section", string(fi.SectionID)),
					zap.String("request_section", string(req.SectionID)))
			}
			next := fi.Clone()
			entry, _ := next.Entry(req.DiscountID)
			due = due.Add(next.Due())

			if req.Decision == DecisionApproved && next.FitsDue(req.DiscountID) {
				amount, err := next.Approve(req.DiscountID)
				if err != nil {
					return err
				}
				result.ApprovedSum = result.ApprovedSum.Add(amount)
			} else {
				if req.Decision == DecisionApproved {
					log.Warn("pending amount exceeds current due, rejecting installment",
						zap.String("installment_id", string(fi.ID)),
						zap.String("discount_amount", entry.DiscountAmount.String()),
						zap.String("due", fi.Due().String()))
					result.Stale = append(result.Stale, fi.ID)
				}
				next.Remove(req.DiscountID)
				result.RejectedSum = result.RejectedSum.Add(entry.DiscountAmount)
			}
			changed = append(changed, next)
		}

		if len(changed) == 0 {
			return generic.NewNotFound("pending discount", string(req.DiscountID)+"/"+string(req.StudentID))
		}
		if req.Decision == DecisionApproved && result.ApprovedSum.IsZero() {
			return &generic.InsufficientDueError{
				DiscountID: req.DiscountID,
				StudentID:  req.StudentID,
				Requested:  result.RejectedSum,
				Available:  due,
			}
		}

		now := s.clock()
		after := replace(before, changed)
		afterHolding := generic.HoldingOf(after, req.DiscountID)
		hadApproval := generic.HoldingOf(before, req.DiscountID).HasApproved()

		c := generic.Commit{Installments: changed}
		c.Events = append(c.Events, counterEvent(req.DiscountID, req.StudentID, before, after, now))
		if result.ApprovedSum.IsPositive() {
			c.Events = append(c.Events, generic.NewDiscountFlagEvent(req.DiscountID, req.StudentID, now))
		}
		if !afterHolding.HasAny() {
			c.Events = append(c.Events, generic.NewRefundRemoveEvent(req.DiscountID, req.StudentID, now))
		}
		if req.Decision == DecisionRejected && !hadApproval {
			c.Events = append(c.Events, generic.NewAttachmentsClearEvent(req.DiscountID, req.StudentID, now))
		}
		if err := s.commit(ctx, c); err != nil {
			return err
		}
		s.flush(ctx, req.DiscountID)
		return nil
	})
	if err != nil {
		if generic.IsClientError(err) {
			log.Info("resolve refused", zap.Error(err))
		}
		return ResolveResult{}, err
	}

	log.Info("discount resolved",
		zap.String("approved_sum", result.ApprovedSum.String()),
		zap.String("rejected_sum", result.RejectedSum.String()),
		zap.Int("stale", len(result.Stale)))

	kind, amount := generic.NotifyApproved, result.ApprovedSum
	if req.Decision == DecisionRejected {
		kind, amount = generic.NotifyRejected, result.RejectedSum
	}
	s.notify(kind, req.DiscountID, []generic.StudentID{req.StudentID}, amount)
	return result, nil
}
