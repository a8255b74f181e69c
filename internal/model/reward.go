package model

import (
	"fmt"
	"strconv"
	"time"
)

// RewardType is the closed set of prize kinds
type RewardType string

const (
	RewardPercentage   RewardType = "percentage"
	RewardCredit       RewardType = "credit"
	RewardProductGrant RewardType = "product_grant"
	RewardAccessGrant  RewardType = "access_grant"
)

// Valid reports whether t is a known reward type
func (t RewardType) Valid() bool {
	switch t {
	case RewardPercentage, RewardCredit, RewardProductGrant, RewardAccessGrant:
		return true
	}
	return false
}

// Reward represents a prize belonging to one campaign
type Reward struct {
	ID                string     `db:"id" json:"id"`
	CampaignID        string     `db:"campaign_id" json:"campaign_id"`
	Name              string     `db:"name" json:"name"`
	Type              RewardType `db:"type" json:"type"`
	Value             string     `db:"value" json:"value"` // percent, minor units, SKU or access scope depending on Type
	ProbabilityWeight int64      `db:"probability_weight" json:"probability_weight"`
	StockLimit        *int64     `db:"stock_limit" json:"stock_limit,omitempty"` // nil = unlimited
	StockConsumed     int64      `db:"stock_consumed" json:"stock_consumed"`
	CostEstimate      int64      `db:"cost_estimate" json:"cost_estimate"`
	ExpirationSeconds int64      `db:"expiration_seconds" json:"expiration_seconds"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// HasStock reports whether at least one more unit can be granted
func (r *Reward) HasStock() bool {
	return r.StockLimit == nil || r.StockConsumed < *r.StockLimit
}

// Expiration returns the benefit lifetime, or fallback when unset
func (r *Reward) Expiration(fallback time.Duration) time.Duration {
	if r.ExpirationSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.ExpirationSeconds) * time.Second
}

// Validate checks type-dependent value shape and numeric invariants
func (r *Reward) Validate() error {
	if r.ProbabilityWeight <= 0 {
		return fmt.Errorf("reward %q: probability_weight must be positive", r.Name)
	}
	if r.CostEstimate < 0 || r.StockConsumed < 0 || r.ExpirationSeconds < 0 {
		return fmt.Errorf("reward %q: negative amounts are not allowed", r.Name)
	}
	if r.StockLimit != nil && (*r.StockLimit < 0 || r.StockConsumed > *r.StockLimit) {
		return fmt.Errorf("reward %q: invalid stock_limit", r.Name)
	}

	switch r.Type {
	case RewardPercentage:
		pct, err := strconv.Atoi(r.Value)
		if err != nil || pct <= 0 || pct > 100 {
			return fmt.Errorf("reward %q: percentage value must be 1..100", r.Name)
		}
	case RewardCredit:
		amount, err := strconv.ParseInt(r.Value, 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("reward %q: credit value must be a positive amount", r.Name)
		}
	case RewardProductGrant, RewardAccessGrant:
		if r.Value == "" {
			return fmt.Errorf("reward %q: %s value is required", r.Name, r.Type)
		}
	default:
		return fmt.Errorf("reward %q: unknown type %q", r.Name, r.Type)
	}
	return nil
}
