/*
scheduler.go - Outbox sweep and reconciliation scheduler

PURPOSE:
  Periodically drains ledger events that are still pending (a failed
  counter update, a process that died between commit and flush) and then
  reconciles every discount's counters against installment entries.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep calls Service.FlushPending, then Service.ReconcileAll
  - Both run per discount under the discount lock, so a sweep never
    races a live allocation
  - Drift is logged at Error by the reconciler; counters are never rewritten

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 10 minutes)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual check of one discount)
  - discount/aggregator.go, discount/reconcile.go
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/fee-engine/discount"
)

// SweepResult summarizes one scheduler pass.
type SweepResult struct {
	Flush     discount.FlushResult
	Drifted   int
	StartedAt time.Time
	Duration  time.Duration
}

// ReconciliationScheduler runs the outbox sweep and reconciliation.
type ReconciliationScheduler struct {
	Service       *discount.Service
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   SweepResult
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(service *discount.Service, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Service:       service,
		CheckInterval: 10 * time.Minute,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker := rs.ticker
	rs.ticker = nil
	rs.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	rs.mu.Lock()
	stop := rs.stop
	rs.mu.Unlock()

	// Run immediately on start
	rs.RunNow(context.Background())

	rs.mu.Lock()
	ticker := rs.ticker
	rs.mu.Unlock()
	if ticker == nil {
		return
	}

	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) SweepResult {
	res := SweepResult{StartedAt: time.Now()}

	flushed, err := rs.Service.FlushPending(ctx)
	if err != nil {
		rs.logger.Warn("outbox sweep failed", zap.Error(err))
	}
	res.Flush = flushed

	drifted, err := rs.Service.ReconcileAll(ctx)
	if err != nil {
		rs.logger.Warn("reconciliation sweep failed", zap.Error(err))
	}
	res.Drifted = len(drifted)
	res.Duration = time.Since(res.StartedAt)

	if flushed.Applied > 0 || flushed.Failed > 0 || flushed.Held > 0 || res.Drifted > 0 {
		rs.logger.Info("sweep completed",
			zap.Int("applied", flushed.Applied),
			zap.Int("failed", flushed.Failed),
			zap.Int("held", flushed.Held),
			zap.Int("drifted", res.Drifted),
			zap.Duration("duration", res.Duration))
	}

	rs.mu.Lock()
	rs.last = res
	rs.mu.Unlock()
	return res
}

// LastSweep returns the result of the most recent sweep.
func (rs *ReconciliationScheduler) LastSweep() SweepResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
