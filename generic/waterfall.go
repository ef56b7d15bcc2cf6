/*
waterfall.go - Distributing a discount across a student's installments

PURPOSE:
  A discount for one fee-type row is a single currency amount. A student
  owes that row in several installments. The waterfall pours the amount
  into installments in schedule order (earliest due first), filling each
  one up to its current due, until the amount runs out. Whatever is left
  after the last installment is overflow, recorded as a refund.

EXAMPLE:
  dues [100, 50, 30], discount 120 -> placements [100, 20], leftover 0
  dues [100, 50, 30], discount 200 -> placements [100, 50, 30], leftover 20

ROUNDING POLICY:
  The nominal amount is rounded once (banker's rounding, 2 places) before
  distribution. Each take is min(due, remaining) of 2-place values, so the
  takes always sum exactly to the nominal minus leftover. For percentage
  rules the take is also expressed as a percent of the installment total
  (4 places); that figure is informational only.

SEE ALSO:
  - discount/allocate.go: Builds pending entries from a Distribution
*/
package generic

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Placement is the share of a distribution that lands on one installment.
type Placement struct {
	InstallmentID InstallmentID
	Amount        Amount
	// Value is Amount re-expressed in the rule's unit.
	Value decimal.Decimal
}

// Distribution describes how an amount was split across installments.
type Distribution struct {
	Requested  Amount
	Placed     Amount
	Leftover   Amount
	Placements []Placement
}

// HasPlacements reports whether any installment received a non-zero share.
func (d Distribution) HasPlacements() bool { return len(d.Placements) > 0 }

// WaterfallDistributor splits an amount across installments, earliest first.
type WaterfallDistributor struct{}

// Distribute pours amount into installments ordered by schedule date.
// Installments with nothing due are skipped. When isPercentage is set, each
// placement's Value is its percent of that installment's total amount.
func (wd *WaterfallDistributor) Distribute(installments []FeeInstallment, amount Amount, isPercentage bool) Distribution {
	ordered := make([]FeeInstallment, len(installments))
	copy(ordered, installments)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ScheduleDate.Equal(ordered[j].ScheduleDate) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ScheduleDate.Before(ordered[j].ScheduleDate)
	})

	remaining := amount
	placed := ZeroAmount()
	var placements []Placement

	for _, fi := range ordered {
		if !remaining.IsPositive() {
			break
		}
		due := fi.Due()
		if !due.IsPositive() {
			continue
		}

		take := remaining.Min(due)
		value := take.Value
		if isPercentage {
			value = take.PercentOf(fi.TotalAmount)
		}
		placements = append(placements, Placement{
			InstallmentID: fi.ID,
			Amount:        take,
			Value:         value,
		})
		remaining = remaining.Sub(take)
		placed = placed.Add(take)
	}

	return Distribution{
		Requested:  amount,
		Placed:     placed,
		Leftover:   remaining,
		Placements: placements,
	}
}
