/*
service.go - The discount engine facade

PURPOSE:
  Service is the one entry point for discount lifecycle operations.
  Each operation runs the same pipeline:

    1. validate input                 (ValidationError, nothing written)
    2. lock the discount              (ErrLockTimeout)
    3. flush the discount's outbox    (counters are current before deciding)
    4. read fresh installments        (never cached across operations)
    5. plan every mutation in memory  (domain errors abort here, nothing written)
    6. check conservation             (InternalInconsistency, nothing written)
    7. Commit installments + events   (atomic, version-checked)
    8. flush the outbox again         (failures stay pending for the sweep)
    9. publish a notification         (fire-and-forget)

OPERATIONS:
  Allocate:  allocate.go
  Resolve:   approval.go
  Revoke:    revoke.go
  Reconcile: reconcile.go

SEE ALSO:
  - aggregator.go: applies ledger events
  - locker.go: per-discount serialization
*/
package discount

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// Publisher hands off notifications without waiting for delivery.
type Publisher interface {
	Publish(n generic.Notification)
}

type noopPublisher struct{}

func (noopPublisher) Publish(generic.Notification) {}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store      generic.Store
	directory  generic.StudentDirectory
	fees       generic.FeeStructureProvider
	locker     Locker
	publisher  Publisher
	aggregator *Aggregator
	reconciler *Reconciler
	logger     *zap.Logger
	clock      generic.Clock
	waterfall  generic.WaterfallDistributor
}

type Option func(*Service)

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(c generic.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(store generic.Store, directory generic.StudentDirectory, fees generic.FeeStructureProvider, opts ...Option) *Service {
	s := &Service{
		store:     store,
		directory: directory,
		fees:      fees,
		locker:    NewKeyedMutex(5 * time.Second),
		publisher: noopPublisher{},
		logger:    zap.NewNop(),
		clock:     generic.SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.aggregator = NewAggregator(store, directory, s.locker, s.logger.Named("aggregator"))
	s.reconciler = NewReconciler(store, directory, s.locker, s.logger.Named("reconciler"))
	return s
}

// CreateBudget opens the BudgetAccount of a discount rule.
func (s *Service) CreateBudget(ctx context.Context, id generic.DiscountID, totalBudget generic.Amount) (generic.BudgetAccount, error) {
	if id == "" {
		return generic.BudgetAccount{}, generic.NewValidationError("discount_id", "is required")
	}
	if totalBudget.IsNegative() {
		return generic.BudgetAccount{}, generic.NewValidationError("total_budget", "must not be negative")
	}
	account := generic.NewBudgetAccount(id, totalBudget.Round())
	if err := s.store.CreateBudgetAccount(ctx, account); err != nil {
		return generic.BudgetAccount{}, err
	}
	s.logger.Info("budget account created",
		zap.String("discount_id", string(id)),
		zap.String("total_budget", account.TotalBudget.String()))
	return s.store.BudgetAccount(ctx, id)
}

// Budget returns the recorded account.
func (s *Service) Budget(ctx context.Context, id generic.DiscountID) (generic.BudgetAccount, error) {
	return s.store.BudgetAccount(ctx, id)
}

// Rollups returns the recorded class rollups of a discount.
func (s *Service) Rollups(ctx context.Context, id generic.DiscountID) ([]generic.ClassRollup, error) {
	if _, err := s.store.BudgetAccount(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ClassRollups(ctx, id)
}

// FlushPending applies every discount's pending ledger events, one discount
// at a time under its lock. A discount that cannot be locked is logged and
// left for the next sweep. Used by the scheduler sweep.
func (s *Service) FlushPending(ctx context.Context) (FlushResult, error) {
	ids, err := s.store.DiscountsWithPendingEvents(ctx)
	if err != nil {
		return FlushResult{}, fmt.Errorf("list pending discounts: %w", err)
	}
	var total FlushResult
	for _, id := range ids {
		var res FlushResult
		err := s.withLock(ctx, id, func() error {
			var ferr error
			res, ferr = s.aggregator.Flush(ctx, id)
			return ferr
		})
		if err != nil {
			s.logger.Warn("outbox flush skipped", zap.String("discount_id", string(id)), zap.Error(err))
			total.Skipped++
			continue
		}
		total = total.add(res)
	}
	return total, nil
}

// =============================================================================
// PIPELINE HELPERS
// =============================================================================

func (s *Service) withLock(ctx context.Context, id generic.DiscountID, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, "discount:"+string(id))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// flush applies outstanding events before a decision. Failures are already
// logged by the aggregator and are not fatal: the decision projects any
// counter events that are still pending (see projectedBudget).
func (s *Service) flush(ctx context.Context, id generic.DiscountID) {
	if _, err := s.aggregator.Flush(ctx, id); err != nil {
		s.logger.Warn("outbox flush failed", zap.String("discount_id", string(id)), zap.Error(err))
	}
}

// projectedBudget is the recorded account plus every counter delta that is
// committed but not yet applied.
func (s *Service) projectedBudget(ctx context.Context, id generic.DiscountID) (generic.BudgetAccount, int, error) {
	account, err := s.store.BudgetAccount(ctx, id)
	if err != nil {
		return generic.BudgetAccount{}, 0, err
	}
	pending, err := s.store.PendingEvents(ctx, id)
	if err != nil {
		return generic.BudgetAccount{}, 0, fmt.Errorf("load pending events: %w", err)
	}
	for _, ev := range pending {
		if ev.Kind == generic.EventCounterDelta {
			account.Counters = account.Counters.Apply(ev.Budget)
		}
	}
	return account, len(pending), nil
}

// commit checks conservation on every changed installment, then writes.
func (s *Service) commit(ctx context.Context, c generic.Commit) error {
	for _, fi := range c.Installments {
		if err := fi.CheckConservation(); err != nil {
			s.logger.Error("conservation violated, commit aborted",
				zap.String("installment_id", string(fi.ID)), zap.Error(err))
			return err
		}
	}
	if err := s.store.Commit(ctx, c); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Service) notify(kind generic.NotificationKind, id generic.DiscountID, students []generic.StudentID, amount generic.Amount) {
	s.publisher.Publish(generic.Notification{
		Kind:       kind,
		DiscountID: id,
		StudentIDs: students,
		Amount:     amount,
		At:         s.clock(),
	})
}

// counterEvent builds the counter_delta event for one student's move from
// before to after.
func counterEvent(id generic.DiscountID, student generic.StudentID, before, after []generic.FeeInstallment, at time.Time) generic.LedgerEvent {
	budget := generic.BudgetDelta(generic.HoldingOf(before, id), generic.HoldingOf(after, id))

	beforeByClass := generic.HoldingsByClass(before, id)
	afterByClass := generic.HoldingsByClass(after, id)
	keys := make(map[generic.RollupKey]bool)
	for k := range beforeByClass {
		keys[k] = true
	}
	for k := range afterByClass {
		keys[k] = true
	}
	var rollups []generic.RollupChange
	for k := range keys {
		rollups = append(rollups, generic.RollupChange{
			Key:   k,
			Delta: generic.RollupDelta(holdingOrZero(beforeByClass, k), holdingOrZero(afterByClass, k)),
		})
	}
	sortRollupChanges(rollups)
	return generic.NewCounterEvent(id, student, budget, rollups, at)
}

func holdingOrZero(m map[generic.RollupKey]generic.Holding, k generic.RollupKey) generic.Holding {
	if h, ok := m[k]; ok {
		return h
	}
	return generic.Holding{Pending: generic.ZeroAmount(), Approved: generic.ZeroAmount()}
}

// replace returns base with every installment in changed swapped in by id.
func replace(base, changed []generic.FeeInstallment) []generic.FeeInstallment {
	byID := make(map[generic.InstallmentID]generic.FeeInstallment, len(changed))
	for _, fi := range changed {
		byID[fi.ID] = fi
	}
	out := make([]generic.FeeInstallment, 0, len(base))
	for _, fi := range base {
		if c, ok := byID[fi.ID]; ok {
			out = append(out, c)
			continue
		}
		out = append(out, fi)
	}
	return out
}

func sortRollupChanges(rcs []generic.RollupChange) {
	sort.Slice(rcs, func(i, j int) bool { return rcs[i].Key.String() < rcs[j].Key.String() })
}
