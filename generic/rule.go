package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISCOUNT RULE ROWS
// =============================================================================

// DiscountRow says how much of one fee-type row a discount covers: either a
// fixed currency value or a percentage of the row's total amount.
type DiscountRow struct {
	RowID        RowID
	FeeTypeID    FeeTypeID
	IsPercentage bool
	Value        decimal.Decimal
}

// Validate rejects non-positive values and percentages above 100.
func (r DiscountRow) Validate() error {
	if r.RowID == "" {
		return NewValidationError("row_id", "is required")
	}
	if !r.Value.IsPositive() {
		return NewValidationError("value", "must be positive for row %s", r.RowID)
	}
	if r.IsPercentage && r.Value.GreaterThan(hundred) {
		return NewValidationError("value", "percentage %s exceeds 100 for row %s", r.Value, r.RowID)
	}
	return nil
}

// NominalAmount is the currency amount the row discounts, given the fee
// row's total: rowTotal * value / 100 for percentages, value otherwise.
func (r DiscountRow) NominalAmount(rowTotal Amount) Amount {
	if r.IsPercentage {
		return rowTotal.Percent(r.Value)
	}
	return Amount{Value: r.Value}.Round()
}

func (r DiscountRow) String() string {
	if r.IsPercentage {
		return fmt.Sprintf("%s:%s%%", r.RowID, r.Value)
	}
	return fmt.Sprintf("%s:%s", r.RowID, r.Value.StringFixed(MoneyPlaces))
}
