// Package eligibility decides whether a user may spin a campaign.
//
// Evaluate is pure: all state (campaign, today's spend, prior activation,
// user context) is passed in, so the same function serves the cheap
// pre-lock filter and the authoritative in-lock re-check.
package eligibility

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kkkkikiki/activation/internal/model"
)

// Reason is a stable, caller-displayable rejection code.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonCampaignNotFound  Reason = "campaign_not_found"
	ReasonCampaignInactive  Reason = "campaign_inactive"
	ReasonOutsideWindow     Reason = "outside_window"
	ReasonBudgetExhausted   Reason = "budget_exhausted"
	ReasonDailyLimitReached Reason = "daily_limit_reached"
	ReasonAlreadyActivated  Reason = "already_activated"
	ReasonRuleNotSatisfied  Reason = "rule_not_satisfied"
	ReasonInvalidRule       Reason = "invalid_rule"
)

// UserContext is the caller-supplied attribute bag rules are matched against.
type UserContext map[string]any

// Input gathers everything one evaluation needs.
type Input struct {
	Now        time.Time
	Campaign   *model.Campaign   // nil when the campaign does not exist
	TodaySpend int64             // cost charged today by live activations
	Prior      *model.Activation // existing activation for (user, campaign), if any
	User       UserContext
}

// Result is the outcome of an evaluation.
type Result struct {
	Eligible        bool   `json:"eligible"`
	Reason          Reason `json:"reason,omitempty"`
	Detail          string `json:"detail,omitempty"`
	RemainingBudget int64  `json:"remaining_budget"`
}

func reject(reason Reason, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

// Evaluate runs the checks in a fixed order and stops at the first failure.
func Evaluate(in Input) Result {
	c := in.Campaign
	if c == nil {
		return reject(ReasonCampaignNotFound, "")
	}
	if c.Status != model.CampaignActive {
		return reject(ReasonCampaignInactive, string(c.Status))
	}
	if in.Now.Before(c.StartAt) || !in.Now.Before(c.EndAt) {
		return reject(ReasonOutsideWindow, "")
	}

	remaining := c.RemainingBudget()
	if remaining <= 0 {
		return reject(ReasonBudgetExhausted, "")
	}
	if in.TodaySpend >= c.DailyLimit {
		return reject(ReasonDailyLimitReached, "")
	}
	if in.Prior != nil {
		return reject(ReasonAlreadyActivated, in.Prior.ID)
	}

	for i, rule := range c.Rules {
		ok, err := Match(rule, in.User)
		if err != nil {
			return reject(ReasonInvalidRule, fmt.Sprintf("rule %d: %v", i, err))
		}
		if !ok {
			return reject(ReasonRuleNotSatisfied, rule.Field)
		}
	}

	return Result{Eligible: true, RemainingBudget: remaining}
}

// DayBounds returns the UTC day [start, end) containing t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// Match applies one rule to the user context. A missing field never matches.
// An unknown operator is an error, never a silent pass.
func Match(rule model.EligibilityRule, user UserContext) (bool, error) {
	switch rule.Operator {
	case model.OpEquals, model.OpNotEquals, model.OpGreater, model.OpGreaterOrEqual,
		model.OpLess, model.OpLessOrEqual, model.OpIn, model.OpNotIn:
	default:
		return false, fmt.Errorf("unknown operator %q", rule.Operator)
	}

	actual, present := user[rule.Field]
	if !present || actual == nil {
		return false, nil
	}

	switch rule.Operator {
	case model.OpEquals:
		return compare(actual, rule.Value) == 0, nil
	case model.OpNotEquals:
		return compare(actual, rule.Value) != 0, nil
	case model.OpGreater:
		return compare(actual, rule.Value) > 0, nil
	case model.OpGreaterOrEqual:
		return compare(actual, rule.Value) >= 0, nil
	case model.OpLess:
		return compare(actual, rule.Value) < 0, nil
	case model.OpLessOrEqual:
		return compare(actual, rule.Value) <= 0, nil
	case model.OpIn, model.OpNotIn:
		set, ok := asList(rule.Value)
		if !ok {
			return false, fmt.Errorf("operator %q needs a list value", rule.Operator)
		}
		found := false
		for _, candidate := range set {
			if compare(actual, candidate) == 0 {
				found = true
				break
			}
		}
		if rule.Operator == model.OpIn {
			return found, nil
		}
		return !found, nil
	}
	return false, fmt.Errorf("unknown operator %q", rule.Operator)
}

// compare orders two scalars numerically when both are numbers,
// lexically otherwise.
func compare(a, b any) int {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprint(v)
	}
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
