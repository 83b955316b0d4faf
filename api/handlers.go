/*
handlers.go - HTTP API handlers for the authorization quota ledger

PURPOSE:
  Exposes the scheduling guardrail and the quota ledger via REST API.
  Handles HTTP request/response and JSON serialization, and delegates
  every decision to the domain packages.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                  Book a session (reserves units)
    GET    /api/bookings/{id}             Get booking
    POST   /api/bookings/{id}/check-in    SCHEDULED -> IN_PROGRESS
    POST   /api/bookings/{id}/complete    Consume actual units
    POST   /api/bookings/{id}/cancel      Release the hold
    POST   /api/bookings/{id}/no-show     Release the hold

  Conflicts:
    POST   /api/conflicts/check           Preview a slot without booking

  Authorizations:
    GET    /api/authorizations/{id}       Counters, available units, status
    GET    /api/patients/{patientID}/authorizations/active?service_code=
    POST   /api/admin/authorizations      Intake provisioning

  Scenarios (development only):
    GET    /api/scenarios                 List demo scenarios
    GET    /api/scenarios/current         Currently loaded scenario
    POST   /api/scenarios/load            Reset and load a scenario

ERROR HANDLING:
  Errors are returned as JSON with a status derived from generic.KindOf:
  - 400: InvalidArgument (incl. illegal booking transitions)
  - 404: NotFound
  - 409: SchedulingConflict, InvalidRelease
  - 422: InsufficientUnits (with available), AuthorizationExpired
  - 503: Contention (with Retry-After)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Deploy behind the clinic's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/guardrail"
	"github.com/dadesina/omnirapeutic-sub000/quota"
	"github.com/dadesina/omnirapeutic-sub000/scheduling"
	"github.com/dadesina/omnirapeutic-sub000/units"
)

// retryAfterSeconds is sent with 503 responses after contention.
const retryAfterSeconds = 1

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from storage beyond the ledger: intake
// provisioning and scenario resets.
type Store interface {
	generic.Provisioner
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Guardrail *guardrail.Guardrail
	Ledger    *quota.Ledger
	Detector  *scheduling.Detector
	Units     *units.Calculator
	Logger    zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler. A nil calculator uses the 15-minute
// eight-minute rule.
func NewHandler(store Store, g *guardrail.Guardrail, l *quota.Ledger, d *scheduling.Detector, calc *units.Calculator, logger zerolog.Logger) *Handler {
	if calc == nil {
		calc, _ = units.NewCalculator(units.DefaultUnitMinutes, units.RuleEightMinute)
	}
	return &Handler{
		Store:     store,
		Guardrail: g,
		Ledger:    l,
		Detector:  d,
		Units:     calc,
		Logger:    logger,
	}
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// Book creates a booking and holds its estimated units.
// POST /api/bookings
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var estimate generic.Units
	if req.EstimatedUnits != nil {
		estimate = generic.Units(*req.EstimatedUnits)
	} else {
		var err error
		estimate, err = h.Units.FromRange(generic.TimeRange{Start: req.Start, End: req.End})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	}

	booking, err := h.Guardrail.Book(r.Context(), guardrail.BookRequest{
		ProviderID:      generic.ProviderID(req.ProviderID),
		PatientID:       generic.PatientID(req.PatientID),
		AuthorizationID: generic.AuthorizationID(req.AuthorizationID),
		Start:           req.Start,
		End:             req.End,
		EstimatedUnits:  estimate,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(booking))
}

// GetBooking returns one booking.
// GET /api/bookings/{id}
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	booking, err := h.Guardrail.GetBooking(r.Context(), bookingID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(booking))
}

// CheckIn marks a session as started.
// POST /api/bookings/{id}/check-in
func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.respondBooking(w, r)(h.Guardrail.CheckIn(r.Context(), bookingID(r)))
}

// CompleteSession records the delivered units. The body carries either
// actual_units or duration_minutes, which is rounded to billing units.
// POST /api/bookings/{id}/complete
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var actual generic.Units
	switch {
	case req.ActualUnits != nil && req.DurationMinutes != nil:
		h.writeDomainError(w, r, generic.InvalidArgument("actual_units", "send actual_units or duration_minutes, not both"))
		return
	case req.ActualUnits != nil:
		actual = generic.Units(*req.ActualUnits)
	case req.DurationMinutes != nil:
		var err error
		if actual, err = h.Units.FromMinutes(*req.DurationMinutes); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
	default:
		h.writeDomainError(w, r, generic.InvalidArgument("actual_units", "actual_units or duration_minutes is required"))
		return
	}

	h.respondBooking(w, r)(h.Guardrail.CompleteSession(r.Context(), bookingID(r), actual))
}

// CancelBooking releases the hold of a scheduled booking.
// POST /api/bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.respondBooking(w, r)(h.Guardrail.CancelBooking(r.Context(), bookingID(r)))
}

// RecordNoShow releases the hold of a booking the patient missed.
// POST /api/bookings/{id}/no-show
func (h *Handler) RecordNoShow(w http.ResponseWriter, r *http.Request) {
	h.respondBooking(w, r)(h.Guardrail.RecordNoShow(r.Context(), bookingID(r)))
}

func (h *Handler) respondBooking(w http.ResponseWriter, r *http.Request) func(generic.Booking, error) {
	return func(b generic.Booking, err error) {
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingDTO(b))
	}
}

func bookingID(r *http.Request) generic.BookingID {
	return generic.BookingID(chi.URLParam(r, "id"))
}

// =============================================================================
// CONFLICT HANDLERS
// =============================================================================

// CheckConflict previews whether a slot is free. Nothing is held.
// POST /api/conflicts/check
func (h *Handler) CheckConflict(w http.ResponseWriter, r *http.Request) {
	var req ConflictCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	conflicts, err := h.Detector.Check(r.Context(), scheduling.Proposal{
		ProviderID: generic.ProviderID(req.ProviderID),
		PatientID:  generic.PatientID(req.PatientID),
		Start:      req.Start,
		End:        req.End,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ConflictCheckResponse{Conflict: len(conflicts) > 0, Conflicting: make([]BookingDTO, len(conflicts))}
	for i, b := range conflicts {
		resp.Conflicting[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// AUTHORIZATION HANDLERS
// =============================================================================

// GetAuthorization returns counters, available units and derived status.
// GET /api/authorizations/{id}
func (h *Handler) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Ledger.AvailableUnits(r.Context(), generic.AuthorizationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthorizationDTO(bal))
}

// GetActiveAuthorization picks the authorization to book against.
// GET /api/patients/{patientID}/authorizations/active?service_code=97153
func (h *Handler) GetActiveAuthorization(w http.ResponseWriter, r *http.Request) {
	patientID := generic.PatientID(chi.URLParam(r, "patientID"))
	serviceCode := generic.ServiceCode(r.URL.Query().Get("service_code"))

	bal, found, err := h.Ledger.ActiveAuthorization(r.Context(), patientID, serviceCode)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "No active authorization", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAuthorizationDTO(bal))
}

// CreateAuthorization provisions a new authorization from intake.
// POST /api/admin/authorizations
func (h *Handler) CreateAuthorization(w http.ResponseWriter, r *http.Request) {
	var req CreateAuthorizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := generic.ParseDate(req.StartDate)
	if err != nil {
		h.writeDomainError(w, r, generic.InvalidArgument("start_date", err.Error()))
		return
	}
	end, err := generic.ParseDate(req.EndDate)
	if err != nil {
		h.writeDomainError(w, r, generic.InvalidArgument("end_date", err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	a := generic.Authorization{
		ID:          generic.AuthorizationID(req.ID),
		PatientID:   generic.PatientID(req.PatientID),
		ServiceCode: generic.ServiceCode(req.ServiceCode),
		TotalUnits:  generic.Units(req.TotalUnits),
		StartDate:   start,
		EndDate:     end,
	}
	if err := h.Store.CreateAuthorization(r.Context(), a); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	bal, err := h.Ledger.AvailableUnits(r.Context(), a.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuthorizationDTO(bal))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps err to a status code by kind. Internal errors are
// logged and their details withheld from the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := generic.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}
	status := http.StatusInternalServerError

	switch kind {
	case generic.KindInvalidArgument:
		status = http.StatusBadRequest
	case generic.KindNotFound:
		status = http.StatusNotFound
	case generic.KindSchedulingConflict:
		status = http.StatusConflict
		var conflict *generic.SchedulingConflictError
		if errors.As(err, &conflict) {
			for _, id := range conflict.Conflicting {
				resp.Conflicting = append(resp.Conflicting, string(id))
			}
		}
	case generic.KindInvalidRelease:
		status = http.StatusConflict
	case generic.KindInsufficientUnits:
		status = http.StatusUnprocessableEntity
		var insufficient *generic.InsufficientUnitsError
		if errors.As(err, &insufficient) {
			available := int64(insufficient.Available)
			resp.Available = &available
		}
	case generic.KindAuthorizationExpired:
		status = http.StatusUnprocessableEntity
	case generic.KindContention, generic.KindCanceled:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	default:
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		resp = ErrorResponse{Error: "Internal error", Kind: string(kind)}
	}

	writeJSON(w, status, resp)
}
