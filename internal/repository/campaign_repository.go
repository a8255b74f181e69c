package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kkkkikiki/activation/internal/model"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("repository: not found")

// DBExecutor interface for database operations (can be *sqlx.DB or *sqlx.Tx)
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

const campaignColumns = `
	id, name, mechanic, status, start_at, end_at,
	budget_limit, daily_limit, budget_consumed, rules,
	created_at, updated_at
`

// CampaignRepository handles campaign data operations
type CampaignRepository struct{}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository() *CampaignRepository {
	return &CampaignRepository{}
}

// CreateCampaign inserts a campaign; the caller assigns the ID
func (r *CampaignRepository) CreateCampaign(ctx context.Context, db DBExecutor, campaign *model.Campaign) error {
	if err := campaign.Validate(); err != nil {
		return err
	}

	query := db.Rebind(`
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	now := time.Now().UTC()
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	_, err := db.ExecContext(ctx, query,
		campaign.ID, campaign.Name, campaign.Mechanic, campaign.Status,
		campaign.StartAt.UTC(), campaign.EndAt.UTC(),
		campaign.BudgetLimit, campaign.DailyLimit, campaign.BudgetConsumed, campaign.Rules,
		campaign.CreatedAt, campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *CampaignRepository) GetCampaign(ctx context.Context, db DBExecutor, id string) (*model.Campaign, error) {
	query := db.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`)

	var campaign model.Campaign
	err := db.GetContext(ctx, &campaign, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return &campaign, nil
}

// UpdateStatus moves a campaign through its lifecycle
func (r *CampaignRepository) UpdateStatus(ctx context.Context, db DBExecutor, id string, status model.CampaignStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown campaign status %q", status)
	}

	query := db.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`)
	result, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

// ReserveBudget adds amount to budget_consumed only if the result stays within
// budget_limit. Returns false when the ceiling would be crossed.
func (r *CampaignRepository) ReserveBudget(ctx context.Context, db DBExecutor, id string, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("budget amount must not be negative")
	}

	query := db.Rebind(`
		UPDATE campaigns
		SET budget_consumed = budget_consumed + ?, updated_at = ?
		WHERE id = ? AND budget_consumed + ? <= budget_limit
	`)

	result, err := db.ExecContext(ctx, query, amount, time.Now().UTC(), id, amount)
	if err != nil {
		return false, fmt.Errorf("failed to reserve budget: %w", err)
	}
	return affected(result)
}

// ReleaseBudget subtracts amount from budget_consumed, never going below zero
func (r *CampaignRepository) ReleaseBudget(ctx context.Context, db DBExecutor, id string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	query := db.Rebind(`
		UPDATE campaigns
		SET budget_consumed = CASE WHEN budget_consumed > ? THEN budget_consumed - ? ELSE 0 END,
		    updated_at = ?
		WHERE id = ?
	`)

	if _, err := db.ExecContext(ctx, query, amount, amount, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to release budget: %w", err)
	}
	return nil
}

// affected reports whether a conditional statement touched a row
func affected(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return notFound
	}
	return nil
}
