/*
Package generic provides the core billing ledger primitives.

PURPOSE:
  This package contains the domain-agnostic types shared by the discount
  engine, the stores and the API: money amounts, typed identifiers, fee
  installments with their embedded discount entries, the aggregate budget
  counters and the outbox events that keep those counters in step with the
  installments.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A single-currency money value backed by decimal.Decimal
  - Identifiers: Type-safe IDs for students, discounts, sections, etc.

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing student/discount IDs
  3. One currency: Amounts carry no unit, multi-currency is not supported

USAGE:
  fee := generic.NewAmountFromInt(1500)
  discount := fee.Percent(decimal.NewFromInt(10)) // 150.00

SEE ALSO:
  - installment.go: FeeInstallment and DiscountEntry
  - budget.go: BudgetAccount, ClassRollup and CounterDelta
  - waterfall.go: Distribution of an amount across installments
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money value (single currency)
// =============================================================================

// MoneyPlaces is the number of decimal places money is rounded to.
const MoneyPlaces = 2

// PercentPlaces is the precision kept when re-deriving a percentage value.
const PercentPlaces = 4

var hundred = decimal.NewFromInt(100)

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func NewAmountFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

func NewAmountFromDecimal(value decimal.Decimal) Amount {
	return Amount{Value: value}
}

// ParseAmount parses a decimal string such as "1250.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{Value: d}, nil
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s)} }
func (a Amount) Neg() Amount                  { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool    { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool       { return a.Value.LessThan(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(MoneyPlaces) }

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Round applies the money rounding policy: banker's rounding to 2 places.
func (a Amount) Round() Amount {
	return Amount{Value: a.Value.RoundBank(MoneyPlaces)}
}

// Percent returns pct percent of a, rounded with the money policy.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return Amount{Value: a.Value.Mul(pct).Div(hundred)}.Round()
}

// PercentOf expresses a as a percentage of whole, rounded to PercentPlaces.
// Returns zero when whole is zero.
func (a Amount) PercentOf(whole Amount) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return a.Value.Mul(hundred).Div(whole.Value).RoundBank(PercentPlaces)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return a.Value.MarshalJSON()
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	return a.Value.UnmarshalJSON(b)
}

// SumAmounts adds a list of amounts.
func SumAmounts(amounts ...Amount) Amount {
	total := ZeroAmount()
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type DiscountID string
type SectionID string
type FeeStructureID string
type FeeTypeID string
type InstallmentID string

// RowID identifies one fee-type row of a fee structure. Installments are
// generated per row, and discount rules target rows.
type RowID string

// RollupKey scopes a ClassRollup to one class for one discount.
type RollupKey struct {
	DiscountID     DiscountID
	SectionID      SectionID
	FeeStructureID FeeStructureID
}

func (k RollupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DiscountID, k.SectionID, k.FeeStructureID)
}
