package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/activation/internal/model"
)

const rewardColumns = `
	id, campaign_id, name, type, value, probability_weight,
	stock_limit, stock_consumed, cost_estimate, expiration_seconds, created_at
`

// RewardRepository handles reward data operations
type RewardRepository struct{}

// NewRewardRepository creates a new reward repository
func NewRewardRepository() *RewardRepository {
	return &RewardRepository{}
}

// CreateReward inserts a reward; the caller assigns the ID
func (r *RewardRepository) CreateReward(ctx context.Context, db DBExecutor, reward *model.Reward) error {
	if err := reward.Validate(); err != nil {
		return err
	}

	query := db.Rebind(`
		INSERT INTO rewards (` + rewardColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	reward.CreatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		reward.ID, reward.CampaignID, reward.Name, reward.Type, reward.Value, reward.ProbabilityWeight,
		reward.StockLimit, reward.StockConsumed, reward.CostEstimate, reward.ExpirationSeconds, reward.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reward: %w", err)
	}
	return nil
}

// GetReward retrieves a reward by ID
func (r *RewardRepository) GetReward(ctx context.Context, db DBExecutor, id string) (*model.Reward, error) {
	query := db.Rebind(`SELECT ` + rewardColumns + ` FROM rewards WHERE id = ?`)

	var reward model.Reward
	if err := db.GetContext(ctx, &reward, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reward: %w", err)
	}
	return &reward, nil
}

// ListByCampaign returns the rewards of a campaign in creation order
func (r *RewardRepository) ListByCampaign(ctx context.Context, db DBExecutor, campaignID string) ([]model.Reward, error) {
	query := db.Rebind(`
		SELECT ` + rewardColumns + `
		FROM rewards
		WHERE campaign_id = ?
		ORDER BY created_at ASC, id ASC
	`)

	var rewards []model.Reward
	if err := db.SelectContext(ctx, &rewards, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	return rewards, nil
}

// ReserveStock increments stock_consumed by one only while stock remains.
// Returns false when the reward is sold out.
func (r *RewardRepository) ReserveStock(ctx context.Context, db DBExecutor, id string) (bool, error) {
	query := db.Rebind(`
		UPDATE rewards
		SET stock_consumed = stock_consumed + 1
		WHERE id = ? AND (stock_limit IS NULL OR stock_consumed < stock_limit)
	`)

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return affected(result)
}

// ReleaseStock decrements stock_consumed by one, never going below zero
func (r *RewardRepository) ReleaseStock(ctx context.Context, db DBExecutor, id string) error {
	query := db.Rebind(`
		UPDATE rewards
		SET stock_consumed = CASE WHEN stock_consumed > 0 THEN stock_consumed - 1 ELSE 0 END
		WHERE id = ?
	`)

	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}
