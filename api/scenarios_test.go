/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario leaves the ledger in the state it advertises.
	Every counter is produced by the guardrail, so these double as
	end-to-end checks of the booking paths.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

func balanceOf(t *testing.T, s *testServer, id generic.AuthorizationID) generic.Authorization {
	t.Helper()
	bal, err := s.h.Ledger.AvailableUnits(context.Background(), id)
	require.NoError(t, err)
	return bal.Authorization
}

func TestScenario_NearExhaustion(t *testing.T) {
	// GIVEN: The near-exhaustion scenario
	// WHEN: Loading it
	// THEN: One session is consumed, three are held, 4 units remain
	s := setupTestServer(t)

	require.NoError(t, s.h.loadNearExhaustionScenario(context.Background()))

	a := balanceOf(t, s, "auth-near-exhaustion")
	assert.Equal(t, generic.Units(4), a.UsedUnits)
	assert.Equal(t, generic.Units(12), a.ScheduledUnits)
	assert.Equal(t, generic.Units(4), a.Available())
	assert.Len(t, s.mem.Bookings(), 4)
}

func TestScenario_OverlappingAuthorizations(t *testing.T) {
	s := setupTestServer(t)
	require.NoError(t, s.h.loadOverlappingAuthorizationsScenario(context.Background()))

	bal, found, err := s.h.Ledger.ActiveAuthorization(context.Background(), "pat-casey", serviceABA)

	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, generic.AuthorizationID("auth-expiring"), bal.Authorization.ID, "earliest end date wins")
}

func TestScenario_BusyProvider(t *testing.T) {
	s := setupTestServer(t)
	require.NoError(t, s.h.loadBusyProviderScenario(context.Background()))

	assert.Len(t, s.mem.Bookings(), 3)
	assert.Equal(t, generic.Units(12), balanceOf(t, s, "auth-busy").ScheduledUnits)
}

func TestScenario_AllScenariosLoadOverHTTP(t *testing.T) {
	s := setupTestServer(t)

	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			current := decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil))
			assert.Equal(t, sc.ID, current.ID)
		})
	}

	unknown := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, unknown.Code)
}

func TestScenario_LoadResetsPreviousData(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "busy-provider"}).Code)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "standard-authorization"}).Code)

	assert.Empty(t, s.mem.Bookings())
	_, ok := s.mem.Authorization("auth-busy")
	assert.False(t, ok)
	_, ok = s.mem.Authorization("auth-standard")
	assert.True(t, ok)
}
