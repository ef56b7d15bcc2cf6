/*
Package factory provides JSON to Go conversion at the input boundary.

PURPOSE:
  Converts JSON discount-rule rows and fee structures into generic types.
  Rows arrive in more than one shape (admin UI posts objects, older clients
  post the whole list or each row as a JSON-encoded string). The factory
  resolves that union once, so the engine only ever sees
  []generic.DiscountRow.

ACCEPTED ROW SHAPES:
  [{"row_id": "tuition", "is_percentage": true, "value": 25}]
  "[{\"row_id\": \"tuition\", \"is_percentage\": true, \"value\": 25}]"
  ["{\"row_id\": \"tuition\", \"value\": \"150.00\"}"]

  value may be a JSON number or a numeric string.

FEE STRUCTURE JSON:
  {
    "id": "fs-2025",
    "name": "2025 Standard",
    "rows": [
      {
        "row_id": "tuition",
        "fee_type_id": "ft-tuition",
        "name": "Tuition",
        "schedule": [
          {"date": "2025-01-10", "amount": 100},
          {"date": "2025-02-10", "amount": 50}
        ]
      }
    ]
  }

  A row's total is the sum of its schedule unless total_amount is given,
  in which case the two must agree.

SEE ALSO:
  - generic/rule.go: DiscountRow
  - api/handlers.go: calls ParseRows on allocation requests
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RowJSON is the JSON representation of one discount rule row.
type RowJSON struct {
	RowID        string          `json:"row_id"`
	FeeTypeID    string          `json:"fee_type_id,omitempty"`
	IsPercentage bool            `json:"is_percentage"`
	Value        decimal.Decimal `json:"value"`
}

type FeeStructureJSON struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Rows []FeeRowJSON `json:"rows"`
}

type FeeRowJSON struct {
	RowID       string             `json:"row_id"`
	FeeTypeID   string             `json:"fee_type_id"`
	Name        string             `json:"name"`
	TotalAmount *decimal.Decimal   `json:"total_amount,omitempty"`
	Schedule    []ScheduleItemJSON `json:"schedule"`
}

type ScheduleItemJSON struct {
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// =============================================================================
// ROW FACTORY
// =============================================================================

// RowFactory converts discount rule rows between JSON and Go.
type RowFactory struct{}

func NewRowFactory() *RowFactory {
	return &RowFactory{}
}

// ParseRows resolves any accepted row shape into validated rows.
func (f *RowFactory) ParseRows(raw json.RawMessage) ([]generic.DiscountRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, generic.NewValidationError("rows", "at least one row is required")
	}

	// The whole list may come as an encoded string.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, generic.NewValidationError("rows", "invalid encoded rows: %v", err)
		}
		return f.ParseRows(json.RawMessage(inner))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, generic.NewValidationError("rows", "rows must be a list: %v", err)
	}
	if len(items) == 0 {
		return nil, generic.NewValidationError("rows", "at least one row is required")
	}

	rows := make([]generic.DiscountRow, 0, len(items))
	for i, item := range items {
		rj, err := parseRowItem(item)
		if err != nil {
			return nil, generic.NewValidationError(fmt.Sprintf("rows[%d]", i), "%v", err)
		}
		row := f.FromJSON(rj)
		if err := row.Validate(); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRowItem(item json.RawMessage) (RowJSON, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '"' {
		var inner string
		if err := json.Unmarshal(item, &inner); err != nil {
			return RowJSON{}, err
		}
		item = json.RawMessage(inner)
	}
	var rj RowJSON
	if err := json.Unmarshal(item, &rj); err != nil {
		return RowJSON{}, err
	}
	return rj, nil
}

func (f *RowFactory) FromJSON(rj RowJSON) generic.DiscountRow {
	return generic.DiscountRow{
		RowID:        generic.RowID(rj.RowID),
		FeeTypeID:    generic.FeeTypeID(rj.FeeTypeID),
		IsPercentage: rj.IsPercentage,
		Value:        rj.Value,
	}
}

func (f *RowFactory) ToJSON(row generic.DiscountRow) RowJSON {
	return RowJSON{
		RowID:        string(row.RowID),
		FeeTypeID:    string(row.FeeTypeID),
		IsPercentage: row.IsPercentage,
		Value:        row.Value,
	}
}

// =============================================================================
// FEE STRUCTURES
// =============================================================================

// ParseFeeStructure parses and validates a fee structure definition.
func (f *RowFactory) ParseFeeStructure(jsonStr string) (generic.FeeStructure, error) {
	var fj FeeStructureJSON
	if err := json.Unmarshal([]byte(jsonStr), &fj); err != nil {
		return generic.FeeStructure{}, generic.NewValidationError("fee_structure", "invalid JSON: %v", err)
	}
	return f.FeeStructureFromJSON(fj)
}

func (f *RowFactory) FeeStructureFromJSON(fj FeeStructureJSON) (generic.FeeStructure, error) {
	if fj.ID == "" {
		return generic.FeeStructure{}, generic.NewValidationError("id", "is required")
	}
	fs := generic.FeeStructure{ID: generic.FeeStructureID(fj.ID), Name: fj.Name}
	seen := make(map[string]bool, len(fj.Rows))
	for _, rj := range fj.Rows {
		if rj.RowID == "" {
			return generic.FeeStructure{}, generic.NewValidationError("rows.row_id", "is required")
		}
		if seen[rj.RowID] {
			return generic.FeeStructure{}, generic.NewValidationError("rows", "row %s appears twice", rj.RowID)
		}
		seen[rj.RowID] = true

		row := generic.FeeRow{
			RowID:       generic.RowID(rj.RowID),
			FeeTypeID:   generic.FeeTypeID(rj.FeeTypeID),
			Name:        rj.Name,
			TotalAmount: generic.ZeroAmount(),
		}
		for _, sj := range rj.Schedule {
			date, err := generic.ParseDate(sj.Date)
			if err != nil {
				return generic.FeeStructure{}, generic.NewValidationError("schedule.date", "row %s: %v", rj.RowID, err)
			}
			if !sj.Amount.IsPositive() {
				return generic.FeeStructure{}, generic.NewValidationError("schedule.amount", "row %s: must be positive", rj.RowID)
			}
			amount := generic.NewAmountFromDecimal(sj.Amount)
			row.Schedule = append(row.Schedule, generic.ScheduleItem{Date: date, Amount: amount})
			row.TotalAmount = row.TotalAmount.Add(amount)
		}
		if rj.TotalAmount != nil {
			declared := generic.NewAmountFromDecimal(*rj.TotalAmount)
			if len(row.Schedule) > 0 && !declared.Equal(row.TotalAmount) {
				return generic.FeeStructure{}, generic.NewValidationError("total_amount",
					"row %s: declared %s, schedule sums to %s", rj.RowID, declared, row.TotalAmount)
			}
			row.TotalAmount = declared
		}
		fs.Rows = append(fs.Rows, row)
	}
	return fs, nil
}

// FeeStructureToJSON converts a fee structure back to its JSON form.
func (f *RowFactory) FeeStructureToJSON(fs generic.FeeStructure) FeeStructureJSON {
	fj := FeeStructureJSON{ID: string(fs.ID), Name: fs.Name}
	for _, r := range fs.Rows {
		total := r.TotalAmount.Value
		rj := FeeRowJSON{
			RowID:       string(r.RowID),
			FeeTypeID:   string(r.FeeTypeID),
			Name:        r.Name,
			TotalAmount: &total,
		}
		for _, s := range r.Schedule {
			rj.Schedule = append(rj.Schedule, ScheduleItemJSON{Date: s.Date.String(), Amount: s.Amount.Value})
		}
		fj.Rows = append(fj.Rows, rj)
	}
	return fj
}
