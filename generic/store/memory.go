// Package store provides in-memory implementations of the engine's
// persistence and collaborator interfaces.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	installments map[generic.InstallmentID]generic.FeeInstallment
	accounts     map[generic.DiscountID]generic.BudgetAccount
	rollups      map[generic.RollupKey]generic.ClassRollup
	events       []generic.LedgerEvent
	eventIndex   map[string]int
	attachments  map[attachmentKey][]generic.Attachment
	seq          int64
	clock        generic.Clock
}

type attachmentKey struct {
	DiscountID generic.DiscountID
	StudentID  generic.StudentID
}

var _ generic.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		installments: make(map[generic.InstallmentID]generic.FeeInstallment),
		accounts:     make(map[generic.DiscountID]generic.BudgetAccount),
		rollups:      make(map[generic.RollupKey]generic.ClassRollup),
		eventIndex:   make(map[string]int),
		attachments:  make(map[attachmentKey][]generic.Attachment),
		clock:        generic.SystemClock,
	}
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func (m *Memory) Installments(_ context.Context, f generic.InstallmentFilter) ([]generic.FeeInstallment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.FeeInstallment
	for _, fi := range m.installments {
		if f.Matches(fi) {
			result = append(result, fi.Clone())
		}
	}
	sortInstallments(result)
	return result, nil
}

func (m *Memory) Installment(_ context.Context, id generic.InstallmentID) (generic.FeeInstallment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fi, ok := m.installments[id]
	if !ok {
		return generic.FeeInstallment{}, generic.NewNotFound("installment", string(id))
	}
	return fi.Clone(), nil
}

func (m *Memory) SaveInstallments(_ context.Context, installments []generic.FeeInstallment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, fi := range installments {
		if err := fi.CheckConservation(); err != nil {
			return err
		}
	}
	for _, fi := range installments {
		m.installments[fi.ID] = fi.Clone()
	}
	return nil
}

func (m *Memory) RecordPayment(_ context.Context, id generic.InstallmentID, amount generic.Amount) (generic.FeeInstallment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, ok := m.installments[id]
	if !ok {
		return generic.FeeInstallment{}, generic.NewNotFound("installment", string(id))
	}
	fi = fi.Clone()
	if err := fi.ApplyPayment(amount); err != nil {
		return generic.FeeInstallment{}, err
	}
	fi.Version++
	m.installments[id] = fi
	return fi.Clone(), nil
}

func sortInstallments(fis []generic.FeeInstallment) {
	sort.Slice(fis, func(i, j int) bool {
		if fis[i].ScheduleDate.Equal(fis[j].ScheduleDate) {
			return fis[i].ID < fis[j].ID
		}
		return fis[i].ScheduleDate.Before(fis[j].ScheduleDate)
	})
}

// =============================================================================
// COUNTERS
// =============================================================================

func (m *Memory) CreateBudgetAccount(_ context.Context, account generic.BudgetAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.DiscountID]; exists {
		return generic.NewValidationError("discount_id", "budget account %s already exists", account.DiscountID)
	}
	account.UpdatedAt = m.clock()
	m.accounts[account.DiscountID] = account
	return nil
}

func (m *Memory) BudgetAccount(_ context.Context, id generic.DiscountID) (generic.BudgetAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return generic.BudgetAccount{}, generic.NewNotFound("budget account", string(id))
	}
	return acc, nil
}

func (m *Memory) BudgetAccounts(_ context.Context) ([]generic.BudgetAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.BudgetAccount, 0, len(m.accounts))
	for _, acc := range m.accounts {
		result = append(result, acc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DiscountID < result[j].DiscountID })
	return result, nil
}

func (m *Memory) ClassRollups(_ context.Context, id generic.DiscountID) ([]generic.ClassRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.ClassRollup
	for key, r := range m.rollups {
		if key.DiscountID == id {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.String() < result[j].Key.String() })
	return result, nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Memory) Commit(_ context.Context, c generic.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every version before writing anything.
	for _, fi := range c.Installments {
		stored, ok := m.installments[fi.ID]
		if !ok {
			return generic.NewNotFound("installment", string(fi.ID))
		}
		if stored.Version != fi.Version {
			return fmt.Errorf("installment %s: read version %d, stored %d: %w",
				fi.ID, fi.Version, stored.Version, generic.ErrConcurrentModification)
		}
	}

	for _, fi := range c.Installments {
		next := fi.Clone()
		next.Version++
		m.installments[fi.ID] = next
	}
	for _, ev := range c.Events {
		m.seq++
		ev.Seq = m.seq
		m.eventIndex[ev.ID] = len(m.events)
		m.events = append(m.events, ev)
	}
	return nil
}

func (m *Memory) PendingEvents(_ context.Context, id generic.DiscountID) ([]generic.LedgerEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.LedgerEvent
	for _, ev := range m.events {
		if ev.DiscountID == id && !ev.Applied() {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (m *Memory) DiscountsWithPendingEvents(_ context.Context) ([]generic.DiscountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[generic.DiscountID]bool)
	var result []generic.DiscountID
	for _, ev := range m.events {
		if !ev.Applied() && !seen[ev.DiscountID] {
			seen[ev.DiscountID] = true
			result = append(result, ev.DiscountID)
		}
	}
	return result, nil
}

func (m *Memory) ApplyCounterEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.eventIndex[eventID]
	if !ok {
		return generic.NewNotFound("ledger event", eventID)
	}
	ev := m.events[i]
	if ev.Applied() {
		return nil
	}
	if ev.Kind != generic.EventCounterDelta {
		return generic.NewValidationError("kind", "event %s is %s, not a counter event", eventID, ev.Kind)
	}

	acc, ok := m.accounts[ev.DiscountID]
	if !ok {
		return generic.NewNotFound("budget account", string(ev.DiscountID))
	}
	now := m.clock()
	acc.Counters = acc.Counters.Apply(ev.Budget)
	acc.Version++
	acc.UpdatedAt = now
	m.accounts[ev.DiscountID] = acc

	for _, rc := range ev.Rollups {
		r, ok := m.rollups[rc.Key]
		if !ok {
			r = generic.NewClassRollup(rc.Key)
		}
		r.Counters = r.Counters.Apply(rc.Delta)
		r.Version++
		r.UpdatedAt = now
		m.rollups[rc.Key] = r
	}

	ev.AppliedAt = &now
	m.events[i] = ev
	return nil
}

func (m *Memory) MarkEventApplied(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.eventIndex[eventID]
	if !ok {
		return generic.NewNotFound("ledger event", eventID)
	}
	if m.events[i].AppliedAt == nil {
		now := m.clock()
		m.events[i].AppliedAt = &now
	}
	return nil
}

func (m *Memory) MarkEventFailed(_ context.Context, eventID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.eventIndex[eventID]
	if !ok {
		return generic.NewNotFound("ledger event", eventID)
	}
	m.events[i].Attempts++
	m.events[i].LastError = reason
	return nil
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

func (m *Memory) SaveAttachment(_ context.Context, a generic.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := attachmentKey{DiscountID: a.DiscountID, StudentID: a.StudentID}
	m.attachments[k] = append(m.attachments[k], a)
	return nil
}

func (m *Memory) Attachments(_ context.Context, discountID generic.DiscountID, studentID generic.StudentID) ([]generic.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := attachmentKey{DiscountID: discountID, StudentID: studentID}
	return append([]generic.Attachment(nil), m.attachments[k]...), nil
}

func (m *Memory) ClearAttachments(_ context.Context, discountID generic.DiscountID, studentID generic.StudentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.attachments, attachmentKey{DiscountID: discountID, StudentID: studentID})
	return nil
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// SetClock replaces the time source used for UpdatedAt and AppliedAt.
func (m *Memory) SetClock(clock generic.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// CorruptBudget overwrites an account's counters without an event. Only
// tests use it, to simulate drift.
func (m *Memory) CorruptBudget(id generic.DiscountID, fn func(*generic.Counters)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[id]
	fn(&acc.Counters)
	acc.UpdatedAt = time.Now()
	m.accounts[id] = acc
}
