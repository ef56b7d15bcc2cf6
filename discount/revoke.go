package discount

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// REVOCATION PROCESSOR - Approved entries back out
// =============================================================================

type RevokeRequest struct {
	DiscountID generic.DiscountID
	StudentID  generic.StudentID
}

type RevokeResult struct {
	ReversedSum  generic.Amount
	Installments []generic.InstallmentID
}

// Revoke removes every approved entry a student holds for a discount and
// gives the amounts back to the installments. A single receipt on any of
// those installments freezes the whole student: Revoke fails with
// ReceiptsExist and nothing is written.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (RevokeResult, error) {
	if req.DiscountID == "" {
		return RevokeResult{}, generic.NewValidationError("discount_id", "is required")
	}
	if req.StudentID == "" {
		return RevokeResult{}, generic.NewValidationError("student_id", "is required")
	}
	log := s.logger.Named("revocation").With(
		zap.String("discount_id", string(req.DiscountID)),
		zap.String("student_id", string(req.StudentID)))

	result := RevokeResult{ReversedSum: generic.ZeroAmount()}
	err := s.withLock(ctx, req.DiscountID, func() error {
		s.flush(ctx, req.DiscountID)

		if _, err := s.store.BudgetAccount(ctx, req.DiscountID); err != nil {
			return err
		}
		before, err := s.store.Installments(ctx, generic.InstallmentFilter{StudentID: req.StudentID, DiscountID: req.DiscountID})
		if err != nil {
			return fmt.Errorf("load installments of %s: %w", req.StudentID, err)
		}

		var approved []generic.FeeInstallment
		var paid []generic.InstallmentID
		for _, fi := range before {
			if !fi.HasEntry(req.DiscountID, generic.DiscountApproved) {
				continue
			}
			approved = append(approved, fi)
			if fi.PaidAmount.IsPositive() {
				paid = append(paid, fi.ID)
			}
		}
		if len(approved) == 0 {
			return generic.NewNotFound("approved discount", string(req.DiscountID)+"/"+string(req.StudentID))
		}
		if len(paid) > 0 {
			return &generic.ReceiptsExistError{DiscountID: req.DiscountID, StudentID: req.StudentID, Installments: paid}
		}

		now := s.clock()
		today := generic.TimePointOf(now)
		changed := make([]generic.FeeInstallment, 0, len(approved))
		for _, fi := range approved {
			next := fi.Clone()
			amount, err := next.Revoke(req.DiscountID, today)
			if err != nil {
				return err
			}
			result.ReversedSum = result.ReversedSum.Add(amount)
			result.Installments = append(result.Installments, fi.ID)
			changed = append(changed, next)
		}

		after := replace(before, changed)
		c := generic.Commit{Installments: changed}
		c.Events = append(c.Events, counterEvent(req.DiscountID, req.StudentID, before, after, now))
		if !generic.HoldingOf(after, req.DiscountID).HasAny() {
			c.Events = append(c.Events, generic.NewRefundRemoveEvent(req.DiscountID, req.StudentID, now))
		}
		c.Events = append(c.Events, generic.NewDiscountFlagEvent(req.DiscountID, req.StudentID, now))
		if err := s.commit(ctx, c); err != nil {
			return err
		}
		s.flush(ctx, req.DiscountID)
		return nil
	})
	if err != nil {
		if generic.IsClientError(err) {
			log.Info("revoke refused", zap.Error(err))
		}
		return RevokeResult{}, err
	}

	log.Info("discount revoked",
		zap.String("reversed_sum", result.ReversedSum.String()),
		zap.Int("installments", len(result.Installments)))
	s.notify(generic.NotifyRevoked, req.DiscountID, []generic.StudentID{req.StudentID}, result.ReversedSum)
	return result, nil
}
