/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Bookings:
    BookingDTO, BookRequest, CompleteRequest

  Authorizations:
    AuthorizationDTO, CreateAuthorizationRequest

  Conflicts:
    ConflictCheckRequest, ConflictCheckResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

TIME FORMATS:
  Instants are RFC 3339. Authorization validity dates are YYYY-MM-DD
  calendar days in the clinic time zone.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/quota"
)

// =============================================================================
// BOOKINGS
// =============================================================================

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID              string    `json:"id"`
	ProviderID      string    `json:"provider_id"`
	PatientID       string    `json:"patient_id"`
	AuthorizationID string    `json:"authorization_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Status          string    `json:"status"`
	ReservedUnits   int64     `json:"reserved_units"`
	ConsumedUnits   int64     `json:"consumed_units"`
	UnbilledUnits   int64     `json:"unbilled_units"`
	BillingStatus   string    `json:"billing_status"`
}

func toBookingDTO(b generic.Booking) BookingDTO {
	return BookingDTO{
		ID:              string(b.ID),
		ProviderID:      string(b.ProviderID),
		PatientID:       string(b.PatientID),
		AuthorizationID: string(b.AuthorizationID),
		Start:           b.Start.UTC(),
		End:             b.End.UTC(),
		Status:          string(b.Status),
		ReservedUnits:   int64(b.ReservedUnits),
		ConsumedUnits:   int64(b.ConsumedUnits),
		UnbilledUnits:   int64(b.UnbilledUnits),
		BillingStatus:   string(b.BillingStatus),
	}
}

// BookRequest is the request to book a session.
// EstimatedUnits defaults to the rounded session length when omitted.
type BookRequest struct {
	ProviderID      string    `json:"provider_id"`
	PatientID       string    `json:"patient_id"`
	AuthorizationID string    `json:"authorization_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	EstimatedUnits  *int64    `json:"estimated_units,omitempty"`
}

// CompleteRequest carries exactly one of ActualUnits or DurationMinutes.
type CompleteRequest struct {
	ActualUnits     *int64           `json:"actual_units,omitempty"`
	DurationMinutes *decimal.Decimal `json:"duration_minutes,omitempty"`
}

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

// AuthorizationDTO is an authorization with its derived status.
type AuthorizationDTO struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	ServiceCode    string `json:"service_code"`
	TotalUnits     int64  `json:"total_units"`
	UsedUnits      int64  `json:"used_units"`
	ScheduledUnits int64  `json:"scheduled_units"`
	AvailableUnits int64  `json:"available_units"`
	Status         string `json:"status"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
}

func toAuthorizationDTO(b quota.Balance) AuthorizationDTO {
	a := b.Authorization
	return AuthorizationDTO{
		ID:             string(a.ID),
		PatientID:      string(a.PatientID),
		ServiceCode:    string(a.ServiceCode),
		TotalUnits:     int64(a.TotalUnits),
		UsedUnits:      int64(a.UsedUnits),
		ScheduledUnits: int64(a.ScheduledUnits),
		AvailableUnits: int64(b.Available),
		Status:         string(b.Status),
		StartDate:      a.StartDate.String(),
		EndDate:        a.EndDate.String(),
	}
}

// CreateAuthorizationRequest provisions a payer grant. ID is generated when empty.
type CreateAuthorizationRequest struct {
	ID          string `json:"id,omitempty"`
	PatientID   string `json:"patient_id"`
	ServiceCode string `json:"service_code"`
	TotalUnits  int64  `json:"total_units"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

// =============================================================================
// CONFLICTS
// =============================================================================

type ConflictCheckRequest struct {
	ProviderID string    `json:"provider_id"`
	PatientID  string    `json:"patient_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type ConflictCheckResponse struct {
	Conflict    bool         `json:"conflict"`
	Conflicting []BookingDTO `json:"conflicting"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for every failed request.
// Available is set for insufficient-units rejections.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Kind        string   `json:"kind,omitempty"`
	Details     string   `json:"details,omitempty"`
	Available   *int64   `json:"available,omitempty"`
	Conflicting []string `json:"conflicting,omitempty"`
}
