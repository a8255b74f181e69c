package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ActivationStatus is resolved -> applied -> converted, or resolved -> expired
type ActivationStatus string

const (
	ActivationResolved  ActivationStatus = "resolved"
	ActivationApplied   ActivationStatus = "applied"
	ActivationConverted ActivationStatus = "converted"
	ActivationExpired   ActivationStatus = "expired"
)

// Activation is one user's resolution against one campaign.
// RewardID nil means the user drew no prize.
type Activation struct {
	ID             string           `db:"id" json:"id"`
	UserID         string           `db:"user_id" json:"user_id"`
	CampaignID     string           `db:"campaign_id" json:"campaign_id"`
	RewardID       *string          `db:"reward_id" json:"reward_id,omitempty"`
	Status         ActivationStatus `db:"status" json:"status"`
	IdempotencyKey string           `db:"idempotency_key" json:"idempotency_key"`
	Token          *string          `db:"token" json:"-"`
	TokenHash      *string          `db:"token_hash" json:"-"`
	OrderID        *string          `db:"order_id" json:"order_id,omitempty"`
	CostCharged    int64            `db:"cost_charged" json:"cost_charged"`
	ResolvedAt     time.Time        `db:"resolved_at" json:"resolved_at"`
	ExpiresAt      *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	AppliedAt      *time.Time       `db:"applied_at" json:"applied_at,omitempty"`
	ConvertedAt    *time.Time       `db:"converted_at" json:"converted_at,omitempty"`
	IPAddress      string           `db:"ip_address" json:"ip_address"`
	UserAgent      string           `db:"user_agent" json:"user_agent"`

	// AuditTrail is loaded from the audit table, oldest first
	AuditTrail []AuditEntry `db:"-" json:"audit_trail,omitempty"`
}

// HasReward reports whether a prize was granted
func (a *Activation) HasReward() bool {
	return a.RewardID != nil
}

// AuditEntry is one immutable row of the append-only audit log
type AuditEntry struct {
	ID           string    `db:"id" json:"id"`
	ActivationID *string   `db:"activation_id" json:"activation_id,omitempty"`
	CampaignID   string    `db:"campaign_id" json:"campaign_id"`
	Event        string    `db:"event" json:"event"`
	Actor        string    `db:"actor" json:"actor"`
	Metadata     Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Metadata is a JSON object column
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
