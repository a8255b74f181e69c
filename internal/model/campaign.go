package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Mechanic is the presentation mechanic of a campaign
type Mechanic string

const (
	MechanicWheel   Mechanic = "wheel"
	MechanicScratch Mechanic = "scratch"
	MechanicCoupon  Mechanic = "coupon"
	MechanicDirect  Mechanic = "direct"
	MechanicABTest  Mechanic = "ab_test"
)

// Valid reports whether m is a known mechanic
func (m Mechanic) Valid() bool {
	switch m {
	case MechanicWheel, MechanicScratch, MechanicCoupon, MechanicDirect, MechanicABTest:
		return true
	}
	return false
}

// CampaignStatus is the campaign lifecycle: draft -> active -> paused -> ended
type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// Valid reports whether s is a known status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignEnded:
		return true
	}
	return false
}

// Campaign represents a time-boxed promotion in the database.
// Money amounts are in minor units.
type Campaign struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Mechanic       Mechanic       `db:"mechanic" json:"mechanic"`
	Status         CampaignStatus `db:"status" json:"status"`
	StartAt        time.Time      `db:"start_at" json:"start_at"`
	EndAt          time.Time      `db:"end_at" json:"end_at"`
	BudgetLimit    int64          `db:"budget_limit" json:"budget_limit"`
	DailyLimit     int64          `db:"daily_limit" json:"daily_limit"`
	BudgetConsumed int64          `db:"budget_consumed" json:"budget_consumed"`
	Rules          Rules          `db:"rules" json:"rules"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// RemainingBudget returns budget_limit - budget_consumed
func (c *Campaign) RemainingBudget() int64 {
	return c.BudgetLimit - c.BudgetConsumed
}

// Validate checks the invariants a campaign must satisfy before it is stored
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("campaign name is required")
	}
	if !c.Mechanic.Valid() {
		return fmt.Errorf("unknown campaign mechanic %q", c.Mechanic)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("unknown campaign status %q", c.Status)
	}
	if !c.EndAt.After(c.StartAt) {
		return fmt.Errorf("campaign end_at must be after start_at")
	}
	if c.BudgetLimit < 0 || c.DailyLimit < 0 || c.BudgetConsumed < 0 {
		return fmt.Errorf("campaign budgets must not be negative")
	}
	if c.BudgetConsumed > c.BudgetLimit {
		return fmt.Errorf("campaign budget_consumed exceeds budget_limit")
	}
	for i, rule := range c.Rules {
		if rule.Field == "" {
			return fmt.Errorf("rule %d: field is required", i)
		}
	}
	return nil
}

// Operator is an eligibility rule comparison operator
type Operator string

const (
	OpEquals         Operator = "eq"
	OpNotEquals      Operator = "neq"
	OpGreater        Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLess           Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
)

// EligibilityRule is one field/operator/value triple; rules are ANDed
type EligibilityRule struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// Rules is stored as a JSON array column
type Rules []EligibilityRule

// Value implements driver.Valuer
func (r Rules) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rules: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (r *Rules) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*r = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported rules column type %T", src)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}
