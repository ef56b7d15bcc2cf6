/*
budget.go - Aggregate counters: BudgetAccount and ClassRollup

PURPOSE:
  Every discount rule has one BudgetAccount. Every (discount, section,
  fee structure) triple that received an allocation has one ClassRollup.
  Both hold the same counter shape and are updated by applying
  CounterDelta values produced at each lifecycle transition.

COUNTER MEANINGS:
  BudgetAccount:
    Allotted      = sum of pending + approved entry amounts
    Remaining     = TotalBudget - sum of approved entry amounts
    TotalStudents = students holding a pending or approved entry
    TotalPending  = students holding pending entries
    TotalApproved = students holding approved entries

  ClassRollup (a class has no budget of its own; its budget is what was
  allotted into it):
    Allotted      = sum of pending + approved entry amounts in the class
    Remaining     = Allotted - approved = pending amount still approvable
    counters      = as above, restricted to the class

DELTAS PER TRANSITION:
  allocate(p placed, n students)
    budget: allotted +p                   students +n pending +n
    rollup: allotted +p   remaining +p    students +n pending +n
  approve(a approved, r stale)
    budget: allotted -r   remaining -a    pending -1 approved +1
    rollup: allotted -r   remaining -a-r  pending -1 approved +1
  reject(r)
    budget: allotted -r                   pending -1 students -1
    rollup: allotted -r   remaining -r    pending -1 students -1
  revoke(R)
    budget: allotted -R   remaining +R    approved -1 students -1
    rollup: allotted -R                   approved -1 students -1

  Allocate -> approve -> revoke returns both accounts to where they started.
  The engine never hardcodes these rows: it computes each student's Holding
  before and after a transition and applies BudgetDelta/RollupDelta, which
  reduce to the table above.

SEE ALSO:
  - outbox.go: deltas travel as ledger events
  - discount/reconcile.go: recomputes these counters from installments
*/
package generic

import (
	"strconv"
	"time"
)

// =============================================================================
// COUNTERS
// =============================================================================

type Counters struct {
	Allotted      Amount
	Remaining     Amount
	TotalStudents int
	TotalApproved int
	TotalPending  int
}

func ZeroCounters() Counters {
	return Counters{Allotted: ZeroAmount(), Remaining: ZeroAmount()}
}

// CounterDelta is an additive change to Counters.
type CounterDelta struct {
	Allotted  Amount `json:"allotted"`
	Remaining Amount `json:"remaining"`
	Students  int    `json:"students"`
	Approved  int    `json:"approved"`
	Pending   int    `json:"pending"`
}

func (d CounterDelta) IsZero() bool {
	return d.Allotted.IsZero() && d.Remaining.IsZero() && d.Students == 0 && d.Approved == 0 && d.Pending == 0
}

// Apply returns c with d added.
func (c Counters) Apply(d CounterDelta) Counters {
	return Counters{
		Allotted:      c.Allotted.Add(d.Allotted),
		Remaining:     c.Remaining.Add(d.Remaining),
		TotalStudents: c.TotalStudents + d.Students,
		TotalApproved: c.TotalApproved + d.Approved,
		TotalPending:  c.TotalPending + d.Pending,
	}
}

// Diff lists fields where c disagrees with computed.
func (c Counters) Diff(scope string, computed Counters) []Drift {
	var drifts []Drift
	if !c.Allotted.Equal(computed.Allotted) {
		drifts = append(drifts, Drift{Scope: scope, Field: "allotted", Recorded: c.Allotted.String(), Computed: computed.Allotted.String()})
	}
	if !c.Remaining.Equal(computed.Remaining) {
		drifts = append(drifts, Drift{Scope: scope, Field: "remaining", Recorded: c.Remaining.String(), Computed: computed.Remaining.String()})
	}
	intDrift := func(field string, recorded, want int) {
		if recorded != want {
			drifts = append(drifts, Drift{Scope: scope, Field: field, Recorded: strconv.Itoa(recorded), Computed: strconv.Itoa(want)})
		}
	}
	intDrift("total_students", c.TotalStudents, computed.TotalStudents)
	intDrift("total_approved", c.TotalApproved, computed.TotalApproved)
	intDrift("total_pending", c.TotalPending, computed.TotalPending)
	return drifts
}

// =============================================================================
// BUDGET ACCOUNT / CLASS ROLLUP
// =============================================================================

type BudgetAccount struct {
	DiscountID  DiscountID
	TotalBudget Amount
	Counters
	Version   int64
	UpdatedAt time.Time
}

// NewBudgetAccount opens an account with the whole budget remaining.
func NewBudgetAccount(id DiscountID, totalBudget Amount) BudgetAccount {
	c := ZeroCounters()
	c.Remaining = totalBudget
	return BudgetAccount{DiscountID: id, TotalBudget: totalBudget, Counters: c}
}

// Headroom is how much more can be allotted before hitting the budget.
func (b BudgetAccount) Headroom() Amount {
	return b.TotalBudget.Sub(b.Allotted)
}

type ClassRollup struct {
	Key RollupKey
	Counters
	Version   int64
	UpdatedAt time.Time
}

func NewClassRollup(key RollupKey) ClassRollup {
	return ClassRollup{Key: key, Counters: ZeroCounters()}
}

// =============================================================================
// HOLDINGS - What one student holds of one discount
// =============================================================================

// Holding is the pending and approved amounts one student holds of one
// discount, within a scope (the whole discount, or one class).
type Holding struct {
	Pending         Amount
	Approved        Amount
	PendingEntries  int
	ApprovedEntries int
}

func (h Holding) HasPending() bool  { return h.PendingEntries > 0 }
func (h Holding) HasApproved() bool { return h.ApprovedEntries > 0 }
func (h Holding) HasAny() bool      { return h.HasPending() || h.HasApproved() }

// HoldingOf sums a student's entries for discountID across installments.
func HoldingOf(installments []FeeInstallment, discountID DiscountID) Holding {
	h := Holding{Pending: ZeroAmount(), Approved: ZeroAmount()}
	for _, fi := range installments {
		h = h.add(fi, discountID)
	}
	return h
}

// HoldingsByClass splits a student's holding of discountID per class rollup.
func HoldingsByClass(installments []FeeInstallment, discountID DiscountID) map[RollupKey]Holding {
	out := make(map[RollupKey]Holding)
	for _, fi := range installments {
		key := fi.RollupKey(discountID)
		h, ok := out[key]
		if !ok {
			h = Holding{Pending: ZeroAmount(), Approved: ZeroAmount()}
		}
		out[key] = h.add(fi, discountID)
	}
	return out
}

func (h Holding) add(fi FeeInstallment, discountID DiscountID) Holding {
	e, ok := fi.Entry(discountID)
	if !ok {
		return h
	}
	switch e.Status {
	case DiscountPending:
		h.Pending = h.Pending.Add(e.DiscountAmount)
		h.PendingEntries++
	case DiscountApproved:
		h.Approved = h.Approved.Add(e.DiscountAmount)
		h.ApprovedEntries++
	}
	return h
}

func presence(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BudgetDelta is the BudgetAccount change when a student's holding moves
// from before to after.
func BudgetDelta(before, after Holding) CounterDelta {
	return CounterDelta{
		Allotted:  after.Pending.Add(after.Approved).Sub(before.Pending.Add(before.Approved)),
		Remaining: before.Approved.Sub(after.Approved),
		Students:  presence(after.HasAny()) - presence(before.HasAny()),
		Approved:  presence(after.HasApproved()) - presence(before.HasApproved()),
		Pending:   presence(after.HasPending()) - presence(before.HasPending()),
	}
}

// RollupDelta is the ClassRollup change for the same move.
func RollupDelta(before, after Holding) CounterDelta {
	d := BudgetDelta(before, after)
	d.Remaining = after.Pending.Sub(before.Pending)
	return d
}

// Add sums two deltas.
func (d CounterDelta) Add(o CounterDelta) CounterDelta {
	return CounterDelta{
		Allotted:  d.Allotted.Add(o.Allotted),
		Remaining: d.Remaining.Add(o.Remaining),
		Students:  d.Students + o.Students,
		Approved:  d.Approved + o.Approved,
		Pending:   d.Pending + o.Pending,
	}
}

// ZeroDelta is a delta that changes nothing.
func ZeroDelta() CounterDelta {
	return CounterDelta{Allotted: ZeroAmount(), Remaining: ZeroAmount()}
}

// BudgetCounters recomputes BudgetAccount counters from every holding.
func BudgetCounters(totalBudget Amount, holdings []Holding) Counters {
	c := ZeroCounters()
	c.Remaining = totalBudget
	for _, h := range holdings {
		c = c.Apply(BudgetDelta(Holding{Pending: ZeroAmount(), Approved: ZeroAmount()}, h))
	}
	return c
}

// RollupCounters recomputes one ClassRollup from the holdings in that class.
func RollupCounters(holdings []Holding) Counters {
	c := ZeroCounters()
	for _, h := range holdings {
		c = c.Apply(RollupDelta(Holding{Pending: ZeroAmount(), Approved: ZeroAmount()}, h))
	}
	return c
}
