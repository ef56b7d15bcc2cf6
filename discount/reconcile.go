package discount

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// RECONCILER - Recompute counters from embedded entries, report drift
// =============================================================================

// DriftReport compares recorded counters (plus any committed but unapplied
// counter events) with counters recomputed from installments.
type DriftReport struct {
	DiscountID     generic.DiscountID
	Budget         generic.Counters
	Rollups        map[generic.RollupKey]generic.Counters
	Drifts         []generic.Drift
	PendingEvents  int
	CheckedAt      time.Time
	InstallmentsIn int
}

func (r DriftReport) Consistent() bool { return len(r.Drifts) == 0 }

type Reconciler struct {
	store     generic.Store
	directory generic.StudentDirectory
	locker    Locker
	logger    *zap.Logger
}

func NewReconciler(store generic.Store, directory generic.StudentDirectory, locker Locker, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, directory: directory, locker: locker, logger: logger}
}

// Check recomputes one discount. Counters are never rewritten: drift is
// logged and returned as an InconsistencyError alongside the report.
func (r *Reconciler) Check(ctx context.Context, id generic.DiscountID, at time.Time) (DriftReport, error) {
	account, err := r.store.BudgetAccount(ctx, id)
	if err != nil {
		return DriftReport{}, err
	}
	rollups, err := r.store.ClassRollups(ctx, id)
	if err != nil {
		return DriftReport{}, fmt.Errorf("load rollups of %s: %w", id, err)
	}
	pending, err := r.store.PendingEvents(ctx, id)
	if err != nil {
		return DriftReport{}, fmt.Errorf("load pending events of %s: %w", id, err)
	}
	installments, err := r.store.Installments(ctx, generic.InstallmentFilter{DiscountID: id})
	if err != nil {
		return DriftReport{}, fmt.Errorf("load installments of %s: %w", id, err)
	}

	// Recorded side, with unapplied deltas projected on top.
	recordedBudget := account.Counters
	recordedRollups := make(map[generic.RollupKey]generic.Counters, len(rollups))
	for _, cr := range rollups {
		recordedRollups[cr.Key] = cr.Counters
	}
	for _, ev := range pending {
		if ev.Kind != generic.EventCounterDelta {
			continue
		}
		recordedBudget = recordedBudget.Apply(ev.Budget)
		for _, rc := range ev.Rollups {
			c, ok := recordedRollups[rc.Key]
			if !ok {
				c = generic.ZeroCounters()
			}
			recordedRollups[rc.Key] = c.Apply(rc.Delta)
		}
	}

	// Computed side.
	byStudent := make(map[generic.StudentID][]generic.FeeInstallment)
	for _, fi := range installments {
		byStudent[fi.StudentID] = append(byStudent[fi.StudentID], fi)
	}
	var holdings []generic.Holding
	classHoldings := make(map[generic.RollupKey][]generic.Holding)
	for _, fis := range byStudent {
		holdings = append(holdings, generic.HoldingOf(fis, id))
		for key, h := range generic.HoldingsByClass(fis, id) {
			if h.HasAny() {
				classHoldings[key] = append(classHoldings[key], h)
			}
		}
	}
	computedBudget := generic.BudgetCounters(account.TotalBudget, holdings)
	computedRollups := make(map[generic.RollupKey]generic.Counters, len(classHoldings))
	for key, hs := range classHoldings {
		computedRollups[key] = generic.RollupCounters(hs)
	}

	report := DriftReport{
		DiscountID:     id,
		Budget:         computedBudget,
		Rollups:        computedRollups,
		PendingEvents:  len(pending),
		CheckedAt:      at,
		InstallmentsIn: len(installments),
	}
	report.Drifts = append(report.Drifts, recordedBudget.Diff("budget", computedBudget)...)

	keys := make(map[generic.RollupKey]bool)
	for k := range recordedRollups {
		keys[k] = true
	}
	for k := range computedRollups {
		keys[k] = true
	}
	for _, k := range sortedKeys(keys) {
		rec, ok := recordedRollups[k]
		if !ok {
			rec = generic.ZeroCounters()
		}
		comp, ok := computedRollups[k]
		if !ok {
			comp = generic.ZeroCounters()
		}
		report.Drifts = append(report.Drifts, rec.Diff(k.String(), comp)...)
	}

	flagDrifts, err := r.checkFlags(ctx, byStudent, pending)
	if err != nil {
		return DriftReport{}, err
	}
	report.Drifts = append(report.Drifts, flagDrifts...)

	if report.Consistent() {
		r.logger.Debug("ledger consistent",
			zap.String("discount_id", string(id)),
			zap.Int("installments", len(installments)),
			zap.Int("pending_events", len(pending)))
		return report, nil
	}

	for _, d := range report.Drifts {
		r.logger.Error("ledger drift",
			zap.String("discount_id", string(id)),
			zap.String("scope", d.Scope),
			zap.String("field", d.Field),
			zap.String("recorded", d.Recorded),
			zap.String("computed", d.Computed))
	}
	return report, &generic.InconsistencyError{
		DiscountID: id,
		Reason:     "recorded counters disagree with installment entries",
		Drifts:     report.Drifts,
	}
}

// checkFlags compares each reached student's hasDiscount with their approved
// entries across every discount. Students with an unapplied flag event are
// skipped; the flag is expected to lag until that event lands.
func (r *Reconciler) checkFlags(ctx context.Context, byStudent map[generic.StudentID][]generic.FeeInstallment, pending []generic.LedgerEvent) ([]generic.Drift, error) {
	waiting := make(map[generic.StudentID]bool)
	for _, ev := range pending {
		if ev.Kind == generic.EventDiscountFlag {
			waiting[ev.StudentID] = true
		}
	}
	ids := make([]generic.StudentID, 0, len(byStudent))
	for id := range byStudent {
		if !waiting[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var drifts []generic.Drift
	for _, id := range ids {
		d, err := r.checkFlag(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			drifts = append(drifts, *d)
		}
	}
	return drifts, nil
}

func (r *Reconciler) checkFlag(ctx context.Context, id generic.StudentID) (*generic.Drift, error) {
	unlock, err := r.locker.Lock(ctx, studentLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	want, err := hasApproved(ctx, r.store, id)
	if err != nil {
		return nil, err
	}
	students, err := r.directory.Students(ctx, []generic.StudentID{id})
	if errors.Is(err, generic.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load student %s: %w", id, err)
	}
	if len(students) == 0 || students[0].HasDiscount == want {
		return nil, nil
	}
	return &generic.Drift{
		Scope:    "student:" + string(id),
		Field:    "has_discount",
		Recorded: strconv.FormatBool(students[0].HasDiscount),
		Computed: strconv.FormatBool(want),
	}, nil
}

// Reconcile flushes the discount's outbox and checks its counters, under
// the discount lock.
func (s *Service) Reconcile(ctx context.Context, id generic.DiscountID) (DriftReport, error) {
	if id == "" {
		return DriftReport{}, generic.NewValidationError("discount_id", "is required")
	}
	var report DriftReport
	err := s.withLock(ctx, id, func() error {
		s.flush(ctx, id)
		var cerr error
		report, cerr = s.reconciler.Check(ctx, id, s.clock())
		return cerr
	})
	return report, err
}

// ReconcileAll checks every discount and returns the reports that drifted.
// One discount's failure does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) ([]DriftReport, error) {
	accounts, err := s.store.BudgetAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list budget accounts: %w", err)
	}
	var drifted []DriftReport
	for _, acc := range accounts {
		report, err := s.Reconcile(ctx, acc.DiscountID)
		if err != nil {
			if generic.KindOf(err) == generic.KindInternalInconsistency {
				drifted = append(drifted, report)
				continue
			}
			s.logger.Warn("reconciliation skipped", zap.String("discount_id", string(acc.DiscountID)), zap.Error(err))
		}
	}
	return drifted, nil
}

func sortedKeys(keys map[generic.RollupKey]bool) []generic.RollupKey {
	out := make([]generic.RollupKey, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
