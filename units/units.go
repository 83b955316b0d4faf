/*
Package units converts delivered session time into billable units.

PURPOSE:
  The ledger counts whole units; payers define how minutes become units.
  The session-completion workflow calls a Calculator to turn a session's
  duration into the actualUnits passed to CompleteSession.

RULES (unit length U minutes, default 15):
  eight_minute  CMS rule: whole units plus one more if the remainder is at
                least 8/15 of a unit (8 minutes when U = 15)
  midpoint      substantial-portion rule: a partial unit counts only when
                strictly more than half of it was delivered
  ceiling       any started unit counts

Minutes are decimals so sub-minute durations from timestamps are not lost
to float rounding.
*/
package units

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dadesina/omnirapeutic-sub000/generic"
)

type Rule string

const (
	RuleEightMinute Rule = "eight_minute"
	RuleMidpoint    Rule = "midpoint"
	RuleCeiling     Rule = "ceiling"
)

const DefaultUnitMinutes = 15

var (
	sixty   = decimal.NewFromInt(60)
	two     = decimal.NewFromInt(2)
	eight   = decimal.NewFromInt(8)
	fifteen = decimal.NewFromInt(15)
)

func ParseRule(s string) (Rule, error) {
	switch r := Rule(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RuleEightMinute, nil
	case RuleEightMinute, RuleMidpoint, RuleCeiling:
		return r, nil
	default:
		return "", fmt.Errorf("unknown unit rounding rule %q", s)
	}
}

type Calculator struct {
	unit decimal.Decimal
	rule Rule
}

func NewCalculator(unitMinutes int, rule Rule) (*Calculator, error) {
	if unitMinutes <= 0 {
		return nil, fmt.Errorf("unit length must be positive, got %d minutes", unitMinutes)
	}
	parsed, err := ParseRule(string(rule))
	if err != nil {
		return nil, err
	}
	return &Calculator{unit: decimal.NewFromInt(int64(unitMinutes)), rule: parsed}, nil
}

func (c *Calculator) Rule() Rule { return c.rule }

func (c *Calculator) UnitMinutes() int { return int(c.unit.IntPart()) }

// FromMinutes returns the billable units for a session of the given length.
func (c *Calculator) FromMinutes(minutes decimal.Decimal) (generic.Units, error) {
	if minutes.IsNegative() {
		return 0, generic.InvalidArgument("duration_minutes", "must not be negative")
	}
	whole := minutes.Div(c.unit).Floor()
	remainder := minutes.Sub(whole.Mul(c.unit))

	var extra bool
	switch c.rule {
	case RuleEightMinute:
		extra = remainder.GreaterThanOrEqual(c.unit.Mul(eight).Div(fifteen))
	case RuleMidpoint:
		extra = remainder.GreaterThan(c.unit.Div(two))
	case RuleCeiling:
		extra = remainder.IsPositive()
	}
	if extra {
		whole = whole.Add(decimal.NewFromInt(1))
	}
	return generic.Units(whole.IntPart()), nil
}

func (c *Calculator) FromDuration(d time.Duration) (generic.Units, error) {
	return c.FromMinutes(decimal.NewFromInt(int64(d / time.Second)).Div(sixty))
}

// FromRange bills a booking's scheduled time. Booking requests that omit an
// estimate use it.
func (c *Calculator) FromRange(r generic.TimeRange) (generic.Units, error) {
	if !r.Valid() {
		return 0, generic.InvalidArgument("time_range", "end must be after start")
	}
	return c.FromDuration(r.Duration())
}
