/*
handlers.go - HTTP API handlers for the discount allocation engine

PURPOSE:
  Exposes the discount engine via REST API. Handles HTTP request/response,
  JSON serialization and input validation, and delegates to discount.Service.

ENDPOINTS:
  Discounts:
    POST   /api/discounts                                   Create budget account
    GET    /api/discounts/{id}/budget                       Budget counters
    GET    /api/discounts/{id}/rollups                      Class rollups
    POST   /api/discounts/{id}/allocations                  Allocate to students
    POST   /api/discounts/{id}/reconcile                    Recompute and compare counters

  Student lifecycle:
    POST   /api/discounts/{id}/students/{studentID}/resolve Approve or reject
    POST   /api/discounts/{id}/students/{studentID}/revoke  Revoke approved entries

  Students:
    GET    /api/students/{id}                               Flag and refund ledger
    GET    /api/students/{id}/installments                  Installments with entries

  Scenarios:
    GET    /api/scenarios                                   List demo scenarios
    POST   /api/scenarios/load                              Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: sqlite persistence, also the student directory
  - Service: the engine; every write goes through it
  - Rows: JSON to DiscountRow conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags, then row parsing)
  3. Call discount.Service
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as {"error", "kind"} with a status chosen by kind:
  - 400: validation
  - 404: not_found
  - 409: receipts_exist, conflict (retryable)
  - 422: insufficient_due, budget_exceeded
  - 500: internal_inconsistency, internal (message never carries detail)

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/fee-engine/discount"
	"github.com/warp/fee-engine/factory"
	"github.com/warp/fee-engine/generic"
	"github.com/warp/fee-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Service *discount.Service
	Rows    *factory.RowFactory

	validate *validator.Validate
	logger   *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler over store and service.
func NewHandler(store *sqlite.Store, service *discount.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Service:  service,
		Rows:     factory.NewRowFactory(),
		validate: newValidator(),
		logger:   logger.Named("api"),
	}
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// DISCOUNT HANDLERS
// =============================================================================

// CreateDiscount opens a budget account.
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req CreateDiscountRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	acc, err := h.Service.CreateBudget(r.Context(), generic.DiscountID(req.ID), generic.NewAmountFromDecimal(req.TotalBudget))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBudgetDTO(acc))
}

func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Service.Budget(r.Context(), discountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBudgetDTO(acc))
}

func (h *Handler) GetRollups(w http.ResponseWriter, r *http.Request) {
	rollups, err := h.Service.Rollups(r.Context(), discountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]RollupDTO, len(rollups))
	for i, ro := range rollups {
		dtos[i] = toRollupDTO(ro)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Allocate places a discount rule on a set of students.
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	rows, err := h.Rows.ParseRows(req.Rows)
	if err != nil {
		h.writeError(w, err)
		return
	}

	studentIDs := make([]generic.StudentID, len(req.StudentIDs))
	for i, id := range req.StudentIDs {
		studentIDs[i] = generic.StudentID(id)
	}

	res, err := h.Service.Allocate(r.Context(), discount.AllocateRequest{
		DiscountID:     discountParam(r),
		SectionID:      generic.SectionID(req.SectionID),
		FeeStructureID: generic.FeeStructureID(req.FeeStructureID),
		Rows:           rows,
		StudentIDs:     studentIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(res))
}

// Reconcile recomputes the discount's counters from installment entries.
// Drift answers 500 internal_inconsistency; the report is only logged.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Reconcile(r.Context(), discountParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftReportDTO(report))
}

// =============================================================================
// STUDENT LIFECYCLE HANDLERS
// =============================================================================

// Resolve approves or rejects a student's pending entries.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.Service.Resolve(r.Context(), discount.ResolveRequest{
		DiscountID: discountParam(r),
		StudentID:  generic.StudentID(chi.URLParam(r, "studentID")),
		SectionID:  generic.SectionID(req.SectionID),
		Decision:   discount.Decision(req.Decision),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveDTO{
		ApprovedSum: res.ApprovedSum.String(),
		RejectedSum: res.RejectedSum.String(),
		Stale:       idStrings(res.Stale),
	})
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Revoke(r.Context(), discount.RevokeRequest{
		DiscountID: discountParam(r),
		StudentID:  generic.StudentID(chi.URLParam(r, "studentID")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RevokeDTO{
		ReversedSum:  res.ReversedSum.String(),
		Installments: idStrings(res.Installments),
	})
}

// =============================================================================
// STUDENT READ HANDLERS
// =============================================================================

func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id := generic.StudentID(chi.URLParam(r, "id"))
	students, err := h.Store.Students(r.Context(), []generic.StudentID{id})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(students[0]))
}

// GetStudentInstallments lists a student's installments in schedule order.
func (h *Handler) GetStudentInstallments(w http.ResponseWriter, r *http.Request) {
	id := generic.StudentID(chi.URLParam(r, "id"))
	if _, err := h.Store.Students(r.Context(), []generic.StudentID{id}); err != nil {
		h.writeError(w, err)
		return
	}
	installments, err := h.Store.Installments(r.Context(), generic.InstallmentFilter{StudentID: id})
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]InstallmentDTO, len(installments))
	for i, fi := range installments {
		dtos[i] = toInstallmentDTO(fi)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func discountParam(r *http.Request) generic.DiscountID {
	return generic.DiscountID(chi.URLParam(r, "id"))
}

// decodeAndValidate writes the 400 itself and reports whether to continue.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, generic.NewValidationError("body", "invalid JSON: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, validationError(err))
		return false
	}
	return true
}

// validationError turns the first validator failure into a ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return generic.NewValidationError("", "%v", err)
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return generic.NewValidationError(field, "is required")
	case "min":
		return generic.NewValidationError(field, "must have at least %s item(s)", fe.Param())
	case "max":
		return generic.NewValidationError(field, "must be at most %s characters", fe.Param())
	case "oneof":
		return generic.NewValidationError(field, "must be one of: %s", fe.Param())
	default:
		return generic.NewValidationError(field, "failed %s", fe.Tag())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind generic.ErrorKind) int {
	switch kind {
	case generic.KindValidation:
		return http.StatusBadRequest
	case generic.KindNotFound:
		return http.StatusNotFound
	case generic.KindInsufficientDue, generic.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	case generic.KindReceiptsExist, generic.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := generic.KindOf(err)
	status := statusFor(kind)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}
