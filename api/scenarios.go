/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	authorizations and bookings. Each scenario demonstrates one behavior
	of the ledger: holds, exhaustion, expiry precedence, back-to-back
	sessions.

AVAILABLE SCENARIOS:

	standard-authorization:    One 100-unit authorization, nothing booked
	near-exhaustion:           20-unit authorization with 16 units held or used
	overlapping-authorizations: Expired, expiring-today and renewal grants
	busy-provider:             Three back-to-back sessions for one provider

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Provision authorizations relative to the ledger's today
 3. Book and complete sessions through the guardrail, so every unit
    counter is produced by the same code paths as production traffic

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "near-exhaustion"}

NOTE:

	Scenarios reset the store. The router only mounts them in development.

SEE ALSO:
  - handlers.go: Booking and authorization handlers
  - server.go: RouterConfig.Scenarios
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dadesina/omnirapeutic-sub000/generic"
	"github.com/dadesina/omnirapeutic-sub000/guardrail"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-authorization",
		Name:        "Standard Authorization",
		Description: "One 100-unit ABA authorization valid for six months, nothing booked",
	},
	{
		ID:          "near-exhaustion",
		Name:        "Near Exhaustion",
		Description: "20-unit authorization with one completed and three scheduled sessions, 4 units left",
	},
	{
		ID:          "overlapping-authorizations",
		Name:        "Overlapping Authorizations",
		Description: "An expired grant, one expiring today and its renewal; the expiring grant is picked first",
	},
	{
		ID:          "busy-provider",
		Name:        "Busy Provider",
		Description: "Three back-to-back sessions for one provider tomorrow morning",
	},
}

const serviceABA generic.ServiceCode = "97153"

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loader, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"standard-authorization":     h.loadStandardAuthorizationScenario,
		"near-exhaustion":            h.loadNearExhaustionScenario,
		"overlapping-authorizations": h.loadOverlappingAuthorizationsScenario,
		"busy-provider":              h.loadBusyProviderScenario,
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStandardAuthorizationScenario(ctx context.Context) error {
	today := h.Ledger.Today()
	return h.Store.CreateAuthorization(ctx, generic.Authorization{
		ID: "auth-standard", PatientID: "pat-avery", ServiceCode: serviceABA, TotalUnits: 100,
		StartDate: today.AddDays(-30), EndDate: today.AddDays(150),
	})
}

func (h *Handler) loadNearExhaustionScenario(ctx context.Context) error {
	today := h.Ledger.Today()
	if err := h.Store.CreateAuthorization(ctx, generic.Authorization{
		ID: "auth-near-exhaustion", PatientID: "pat-blake", ServiceCode: serviceABA, TotalUnits: 20,
		StartDate: today.AddDays(-60), EndDate: today.AddDays(30),
	}); err != nil {
		return err
	}

	// Four 1-hour sessions, 4 units each; the first one is delivered.
	var first generic.BookingID
	for i, hour := range []int{9, 10, 11, 13} {
		b, err := h.Guardrail.Book(ctx, guardrail.BookRequest{
			ProviderID: "prov-rivera", PatientID: "pat-blake", AuthorizationID: "auth-near-exhaustion",
			Start: h.sessionAt(1, hour), End: h.sessionAt(1, hour+1), EstimatedUnits: 4,
		})
		if err != nil {
			return fmt.Errorf("book %02d:00: %w", hour, err)
		}
		if i == 0 {
			first = b.ID
		}
	}
	_, err := h.Guardrail.CompleteSession(ctx, first, 4)
	return err
}

func (h *Handler) loadOverlappingAuthorizationsScenario(ctx context.Context) error {
	today := h.Ledger.Today()
	auths := []generic.Authorization{
		{
			ID: "auth-expired", PatientID: "pat-casey", ServiceCode: serviceABA, TotalUnits: 80,
			StartDate: today.AddDays(-180), EndDate: today.AddDays(-1),
		},
		{
			ID: "auth-expiring", PatientID: "pat-casey", ServiceCode: serviceABA, TotalUnits: 40,
			StartDate: today.AddDays(-90), EndDate: today,
		},
		{
			ID: "auth-renewal", PatientID: "pat-casey", ServiceCode: serviceABA, TotalUnits: 120,
			StartDate: today, EndDate: today.AddDays(180),
		},
	}
	for _, a := range auths {
		if err := h.Store.CreateAuthorization(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadBusyProviderScenario(ctx context.Context) error {
	today := h.Ledger.Today()
	if err := h.Store.CreateAuthorization(ctx, generic.Authorization{
		ID: "auth-busy", PatientID: "pat-drew", ServiceCode: serviceABA, TotalUnits: 60,
		StartDate: today.AddDays(-7), EndDate: today.AddDays(90),
	}); err != nil {
		return err
	}

	// Touching sessions do not conflict.
	for _, hour := range []int{9, 10, 11} {
		if _, err := h.Guardrail.Book(ctx, guardrail.BookRequest{
			ProviderID: "prov-okafor", PatientID: "pat-drew", AuthorizationID: "auth-busy",
			Start: h.sessionAt(1, hour), End: h.sessionAt(1, hour+1), EstimatedUnits: 4,
		}); err != nil {
			return fmt.Errorf("book %02d:00: %w", hour, err)
		}
	}
	return nil
}

// sessionAt returns hour:00 on today+days in the clinic time zone.
func (h *Handler) sessionAt(days, hour int) time.Time {
	d := h.Ledger.Today().AddDays(days).Time
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, h.Ledger.Location())
}
