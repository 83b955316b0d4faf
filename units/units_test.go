package units

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

func minutes(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFromMinutes_Rules(t *testing.T) {
	tests := []struct {
		minutes string
		eight   generic.Units
		mid     generic.Units
		ceil    generic.Units
	}{
		{"0", 0, 0, 0},
		{"7", 0, 0, 1},
		{"7.5", 0, 0, 1},
		{"7.6", 0, 1, 1},
		{"8", 1, 1, 1},
		{"15", 1, 1, 1},
		{"22", 1, 1, 2},
		{"23", 2, 2, 2},
		{"37.5", 2, 2, 3},
		{"38", 3, 3, 3},
		{"60", 4, 4, 4},
	}
	calc := func(r Rule) *Calculator {
		c, err := NewCalculator(DefaultUnitMinutes, r)
		require.NoError(t, err)
		return c
	}
	eight, mid, ceil := calc(RuleEightMinute), calc(RuleMidpoint), calc(RuleCeiling)

	for _, tt := range tests {
		t.Run(tt.minutes, func(t *testing.T) {
			got, err := eight.FromMinutes(minutes(tt.minutes))
			require.NoError(t, err)
			assert.Equal(t, tt.eight, got, "eight_minute")

			got, err = mid.FromMinutes(minutes(tt.minutes))
			require.NoError(t, err)
			assert.Equal(t, tt.mid, got, "midpoint")

			got, err = ceil.FromMinutes(minutes(tt.minutes))
			require.NoError(t, err)
			assert.Equal(t, tt.ceil, got, "ceiling")
		})
	}
}

func TestFromMinutes_ScalesThresholdWithUnitLength(t *testing.T) {
	// 30-minute units: CMS threshold scales to 16 minutes
	c, err := NewCalculator(30, RuleEightMinute)
	require.NoError(t, err)

	got, _ := c.FromMinutes(minutes("15.9"))
	assert.Equal(t, generic.Units(0), got)
	got, _ = c.FromMinutes(minutes("16"))
	assert.Equal(t, generic.Units(1), got)
}

func TestFromMinutes_Negative(t *testing.T) {
	c, err := NewCalculator(15, RuleEightMinute)
	require.NoError(t, err)

	_, err = c.FromMinutes(minutes("-1"))
	assert.ErrorIs(t, err, generic.ErrInvalidArgument)
}

func TestFromDuration_AndRange(t *testing.T) {
	c, err := NewCalculator(15, RuleEightMinute)
	require.NoError(t, err)

	got, err := c.FromDuration(53*time.Minute + 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, generic.Units(4), got)

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	got, err = c.FromRange(generic.TimeRange{Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, generic.Units(4), got)

	_, err = c.FromRange(generic.TimeRange{Start: start, End: start})
	assert.ErrorIs(t, err, generic.ErrInvalidArgument)
}

func TestNewCalculator_Validation(t *testing.T) {
	_, err := NewCalculator(0, RuleEightMinute)
	assert.Error(t, err)

	_, err = NewCalculator(15, "banker")
	assert.Error(t, err)

	c, err := NewCalculator(15, "")
	require.NoError(t, err)
	assert.Equal(t, RuleEightMinute, c.Rule())
	assert.Equal(t, 15, c.UnitMinutes())
}

func TestNewCalculator_NormalizesRule(t *testing.T) {
	// GIVEN: A rule spelled the way an operator might type it
	c, err := NewCalculator(15, " Midpoint ")
	require.NoError(t, err)

	// THEN: The canonical rule is stored and applied
	assert.Equal(t, RuleMidpoint, c.Rule())
	u, err := c.FromMinutes(minutes("7.6"))
	require.NoError(t, err)
	assert.Equal(t, generic.Units(1), u)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule(" Midpoint ")
	require.NoError(t, err)
	assert.Equal(t, RuleMidpoint, r)
}
