package rpc

import (
	"time"

	"github.com/kkkkikiki/activation/internal/eligibility"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/service"
)

type ActivateRequest struct {
	UserID     string         `json:"user_id"`
	CampaignID string         `json:"campaign_id"`
	Profile    map[string]any `json:"profile,omitempty"`
}

type ActivateResponse struct {
	ActivationID string     `json:"activation_id"`
	HasReward    bool       `json:"has_reward"`
	RewardID     string     `json:"reward_id,omitempty"`
	RewardType   string     `json:"reward_type,omitempty"`
	RewardValue  string     `json:"reward_value,omitempty"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type CheckEligibilityRequest = ActivateRequest

type CheckEligibilityResponse struct {
	Eligible        bool               `json:"eligible"`
	Reason          eligibility.Reason `json:"reason,omitempty"`
	RemainingBudget int64              `json:"remaining_budget"`
}

type ApplyBenefitRequest struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

type ConfirmOrderRequest struct {
	OrderID string `json:"order_id"`
}

// BenefitResponse answers ApplyBenefit and ConfirmOrder
type BenefitResponse struct {
	ActivationID string                 `json:"activation_id"`
	Status       model.ActivationStatus `json:"status"`
}

type GetCampaignRequest struct {
	CampaignID string `json:"campaign_id"`
}

type GetCampaignResponse = service.CampaignSummary
