/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Discounts:
    CreateDiscountRequest, BudgetDTO, RollupDTO, DriftReportDTO

  Lifecycle:
    AllocateRequest, AllocationDTO, ResolveRequest, ResolveDTO, RevokeDTO

  Students:
    StudentDTO, InstallmentDTO, RefundDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  decodeAndValidate before touching the engine. Rule rows are left raw
  and resolved by factory.RowFactory.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rows.go: RowJSON type
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/generic"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateDiscountRequest struct {
	ID          string          `json:"id" validate:"required,max=64"`
	TotalBudget decimal.Decimal `json:"total_budget"`
}

// AllocateRequest is the body of POST /api/discounts/{id}/allocations.
// Rows accepts every shape factory.RowFactory.ParseRows accepts.
type AllocateRequest struct {
	SectionID      string          `json:"section_id" validate:"required"`
	FeeStructureID string          `json:"fee_structure_id" validate:"required"`
	Rows           json.RawMessage `json:"rows" validate:"required"`
	StudentIDs     []string        `json:"student_ids" validate:"required,min=1,dive,required"`
}

type ResolveRequest struct {
	SectionID string `json:"section_id"`
	Decision  string `json:"decision" validate:"required,oneof=approved rejected"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type CountersDTO struct {
	Allotted      string `json:"allotted"`
	Remaining     string `json:"remaining"`
	TotalStudents int    `json:"total_students"`
	TotalApproved int    `json:"total_approved"`
	TotalPending  int    `json:"total_pending"`
}

type BudgetDTO struct {
	DiscountID  string `json:"discount_id"`
	TotalBudget string `json:"total_budget"`
	CountersDTO
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type RollupDTO struct {
	SectionID      string `json:"section_id"`
	FeeStructureID string `json:"fee_structure_id"`
	CountersDTO
	Version int64 `json:"version"`
}

type RefundDTO struct {
	ID         string `json:"id"`
	DiscountID string `json:"discount_id"`
	RowID      string `json:"row_id"`
	Amount     string `json:"amount"`
	Date       string `json:"date"`
	Status     string `json:"status"`
}

type AllocationDTO struct {
	StudentsAffected int         `json:"students_affected"`
	TotalAllotted    string      `json:"total_allotted"`
	Students         []string    `json:"students"`
	Skipped          []string    `json:"skipped"`
	Refunds          []RefundDTO `json:"refunds"`
}

type ResolveDTO struct {
	ApprovedSum string   `json:"approved_sum"`
	RejectedSum string   `json:"rejected_sum"`
	Stale       []string `json:"stale"`
}

type RevokeDTO struct {
	ReversedSum  string   `json:"reversed_sum"`
	Installments []string `json:"installments"`
}

type DriftDTO struct {
	Scope    string `json:"scope"`
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Computed string `json:"computed"`
}

type DriftReportDTO struct {
	DiscountID    string      `json:"discount_id"`
	Consistent    bool        `json:"consistent"`
	Budget        CountersDTO `json:"budget"`
	Drifts        []DriftDTO  `json:"drifts"`
	PendingEvents int         `json:"pending_events"`
	Installments  int         `json:"installments_checked"`
	CheckedAt     string      `json:"checked_at"`
}

type StudentDTO struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	SectionID    string      `json:"section_id"`
	HasDiscount  bool        `json:"has_discount"`
	Refunds      []RefundDTO `json:"refunds"`
	RefundsTotal string      `json:"refunds_total"`
}

type DiscountEntryDTO struct {
	DiscountID     string `json:"discount_id"`
	IsPercentage   bool   `json:"is_percentage"`
	Value          string `json:"value"`
	DiscountAmount string `json:"discount_amount"`
	Status         string `json:"status"`
}

type InstallmentDTO struct {
	ID                  string             `json:"id"`
	RowID               string             `json:"row_id"`
	SectionID           string             `json:"section_id"`
	FeeStructureID      string             `json:"fee_structure_id"`
	ScheduleDate        string             `json:"schedule_date"`
	TotalAmount         string             `json:"total_amount"`
	NetAmount           string             `json:"net_amount"`
	PaidAmount          string             `json:"paid_amount"`
	TotalDiscountAmount string             `json:"total_discount_amount"`
	Due                 string             `json:"due"`
	Status              string             `json:"status"`
	Discounts           []DiscountEntryDTO `json:"discounts"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the only body an error ever returns.
type ErrorResponse struct {
	Error string            `json:"error"`
	Kind  generic.ErrorKind `json:"kind"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCountersDTO(c generic.Counters) CountersDTO {
	return CountersDTO{
		Allotted:      c.Allotted.String(),
		Remaining:     c.Remaining.String(),
		TotalStudents: c.TotalStudents,
		TotalApproved: c.TotalApproved,
		TotalPending:  c.TotalPending,
	}
}

func toBudgetDTO(acc generic.BudgetAccount) BudgetDTO {
	dto := BudgetDTO{
		DiscountID:  string(acc.DiscountID),
		TotalBudget: acc.TotalBudget.String(),
		CountersDTO: toCountersDTO(acc.Counters),
		Version:     acc.Version,
	}
	if !acc.UpdatedAt.IsZero() {
		dto.UpdatedAt = acc.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toRollupDTO(r generic.ClassRollup) RollupDTO {
	return RollupDTO{
		SectionID:      string(r.Key.SectionID),
		FeeStructureID: string(r.Key.FeeStructureID),
		CountersDTO:    toCountersDTO(r.Counters),
		Version:        r.Version,
	}
}

func toRefundDTOs(entries []generic.RefundEntry) []RefundDTO {
	dtos := make([]RefundDTO, len(entries))
	for i, e := range entries {
		dtos[i] = RefundDTO{
			ID:         e.ID,
			DiscountID: string(e.DiscountID),
			RowID:      string(e.RowID),
			Amount:     e.Amount.String(),
			Date:       e.Date.Format(time.RFC3339),
			Status:     string(e.Status),
		}
	}
	return dtos
}

func toAllocationDTO(res discount.AllocationResult) AllocationDTO {
	return AllocationDTO{
		StudentsAffected: res.StudentsAffected,
		TotalAllotted:    res.TotalAllotted.String(),
		Students:         idStrings(res.Students),
		Skipped:          idStrings(res.Skipped),
		Refunds:          toRefundDTOs(res.Refunds),
	}
}

func toDriftReportDTO(r discount.DriftReport) DriftReportDTO {
	drifts := make([]DriftDTO, len(r.Drifts))
	for i, d := range r.Drifts {
		drifts[i] = DriftDTO{Scope: d.Scope, Field: d.Field, Recorded: d.Recorded, Computed: d.Computed}
	}
	return DriftReportDTO{
		DiscountID:    string(r.DiscountID),
		Consistent:    r.Consistent(),
		Budget:        toCountersDTO(r.Budget),
		Drifts:        drifts,
		PendingEvents: r.PendingEvents,
		Installments:  r.InstallmentsIn,
		CheckedAt:     r.CheckedAt.Format(time.RFC3339),
	}
}

func toStudentDTO(s generic.Student) StudentDTO {
	return StudentDTO{
		ID:           string(s.ID),
		Name:         s.Name,
		SectionID:    string(s.SectionID),
		HasDiscount:  s.HasDiscount,
		Refunds:      toRefundDTOs(s.Refunds.Entries),
		RefundsTotal: s.Refunds.Total.String(),
	}
}

func toInstallmentDTO(fi generic.FeeInstallment) InstallmentDTO {
	entries := make([]DiscountEntryDTO, len(fi.Discounts))
	for i, e := range fi.Discounts {
		entries[i] = DiscountEntryDTO{
			DiscountID:     string(e.DiscountID),
			IsPercentage:   e.IsPercentage,
			Value:          e.Value.String(),
			DiscountAmount: e.DiscountAmount.String(),
			Status:         string(e.Status),
		}
	}
	return InstallmentDTO{
		ID:                  string(fi.ID),
		RowID:               string(fi.RowID),
		SectionID:           string(fi.SectionID),
		FeeStructureID:      string(fi.FeeStructureID),
		ScheduleDate:        fi.ScheduleDate.String(),
		TotalAmount:         fi.TotalAmount.String(),
		NetAmount:           fi.NetAmount.String(),
		PaidAmount:          fi.PaidAmount.String(),
		TotalDiscountAmount: fi.TotalDiscountAmount.String(),
		Due:                 fi.Due().String(),
		Status:              string(fi.Status),
		Discounts:           entries,
	}
}

func idStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
