package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
)

// CampaignSummary is a campaign with its rewards and live grant counts
type CampaignSummary struct {
	Campaign    *model.Campaign               `json:"campaign"`
	Rewards     []model.Reward                `json:"rewards"`
	Grants      []repository.RewardGrantCount `json:"grants"`
	Activations int64                         `json:"activations"`
}

// CampaignService creates campaigns and reports on them
type CampaignService struct {
	deps Deps

	campaignRepo   *repository.CampaignRepository
	rewardRepo     *repository.RewardRepository
	activationRepo *repository.ActivationRepository
	auditRepo      *repository.AuditRepository
}

// NewCampaignService creates a new CampaignService instance
func NewCampaignService(deps Deps) *CampaignService {
	return &CampaignService{
		deps:           deps.withDefaults(),
		campaignRepo:   repository.NewCampaignRepository(),
		rewardRepo:     repository.NewRewardRepository(),
		activationRepo: repository.NewActivationRepository(),
		auditRepo:      repository.NewAuditRepository(),
	}
}

// CreateCampaign stores a campaign and its rewards atomically.
// Missing IDs are generated.
func (s *CampaignService) CreateCampaign(ctx context.Context, campaign *model.Campaign, rewards []model.Reward) error {
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}

	// Start transaction
	tx, err := s.deps.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.campaignRepo.CreateCampaign(ctx, tx, campaign); err != nil {
		return err
	}
	for i := range rewards {
		if rewards[i].ID == "" {
			rewards[i].ID = uuid.NewString()
		}
		rewards[i].CampaignID = campaign.ID
		if err := s.rewardRepo.CreateReward(ctx, tx, &rewards[i]); err != nil {
			return err
		}
	}

	entry := &model.AuditEntry{
		CampaignID: campaign.ID,
		Event:      "campaign.created",
		Actor:      "system",
		Metadata:   model.Metadata{"rewards": len(rewards), "budget_limit": campaign.BudgetLimit},
		CreatedAt:  s.deps.Clock.Now(),
	}
	if err := s.auditRepo.Append(ctx, tx, entry); err != nil {
		return err
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetStatus changes a campaign's status, e.g. to pause it
func (s *CampaignService) SetStatus(ctx context.Context, campaignID string, status model.CampaignStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown campaign status %q", ErrInvalidRequest, status)
	}
	if err := s.campaignRepo.UpdateStatus(ctx, s.deps.DB, campaignID, status); err != nil {
		return err
	}
	appendAudit(ctx, s.deps, s.auditRepo, &model.AuditEntry{
		CampaignID: campaignID,
		Event:      "campaign.status_changed",
		Actor:      "system",
		Metadata:   model.Metadata{"status": string(status)},
	})
	return nil
}

// GetCampaign returns the campaign with its rewards and grant counts
func (s *CampaignService) GetCampaign(ctx context.Context, campaignID string) (*CampaignSummary, error) {
	campaign, err := s.campaignRepo.GetCampaign(ctx, s.deps.DB, campaignID)
	if err != nil {
		return nil, err
	}
	rewards, err := s.rewardRepo.ListByCampaign(ctx, s.deps.DB, campaignID)
	if err != nil {
		return nil, err
	}
	grants, err := s.activationRepo.CountGrants(ctx, s.deps.DB, campaignID)
	if err != nil {
		return nil, err
	}
	total, err := s.activationRepo.CountByCampaign(ctx, s.deps.DB, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignSummary{Campaign: campaign, Rewards: rewards, Grants: grants, Activations: total}, nil
}
