package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/kkkkikiki/activation/internal/model"
)

// ErrConflict is returned when a write would break a unique constraint
var ErrConflict = errors.New("repository: unique constraint conflict")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

const activationColumns = `
	id, user_id, campaign_id, reward_id, status, idempotency_key,
	token, token_hash, order_id, cost_charged,
	resolved_at, expires_at, applied_at, converted_at,
	ip_address, user_agent
`

// ActivationRepository handles activation data operations
type ActivationRepository struct{}

// NewActivationRepository creates a new activation repository
func NewActivationRepository() *ActivationRepository {
	return &ActivationRepository{}
}

// Insert stores a new activation. Returns false without error when a row for
// the same idempotency key or (user, campaign) already exists.
func (r *ActivationRepository) Insert(ctx context.Context, db DBExecutor, a *model.Activation) (bool, error) {
	query := db.Rebind(`
		INSERT INTO activations (` + activationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)

	result, err := db.ExecContext(ctx, query,
		a.ID, a.UserID, a.CampaignID, a.RewardID, a.Status, a.IdempotencyKey,
		a.Token, a.TokenHash, a.OrderID, a.CostCharged,
		a.ResolvedAt, a.ExpiresAt, a.AppliedAt, a.ConvertedAt,
		a.IPAddress, a.UserAgent)
	if err != nil {
		return false, fmt.Errorf("failed to insert activation: %w", err)
	}
	return affected(result)
}

// GetByID retrieves an activation by ID
func (r *ActivationRepository) GetByID(ctx context.Context, db DBExecutor, id string) (*model.Activation, error) {
	return r.getOne(ctx, db, `id = ?`, id)
}

// GetByUserCampaign retrieves the activation of a user in a campaign
func (r *ActivationRepository) GetByUserCampaign(ctx context.Context, db DBExecutor, userID, campaignID string) (*model.Activation, error) {
	return r.getOne(ctx, db, `user_id = ? AND campaign_id = ?`, userID, campaignID)
}

// GetByIdempotencyKey retrieves an activation by its idempotency key
func (r *ActivationRepository) GetByIdempotencyKey(ctx context.Context, db DBExecutor, key string) (*model.Activation, error) {
	return r.getOne(ctx, db, `idempotency_key = ?`, key)
}

// GetByOrderID retrieves the activation redeemed against an order
func (r *ActivationRepository) GetByOrderID(ctx context.Context, db DBExecutor, orderID string) (*model.Activation, error) {
	return r.getOne(ctx, db, `order_id = ?`, orderID)
}

func (r *ActivationRepository) getOne(ctx context.Context, db DBExecutor, where string, args ...interface{}) (*model.Activation, error) {
	query := db.Rebind(`SELECT ` + activationColumns + ` FROM activations WHERE ` + where)

	var a model.Activation
	if err := db.GetContext(ctx, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get activation: %w", err)
	}
	return &a, nil
}

// MarkApplied links a resolved activation to an order.
// Returns false if the activation is not resolved or the token hash differs,
// and ErrConflict if another activation already holds the order.
func (r *ActivationRepository) MarkApplied(ctx context.Context, db DBExecutor, id, orderID, tokenHash string, at time.Time) (bool, error) {
	query := db.Rebind(`
		UPDATE activations
		SET status = ?, order_id = ?, applied_at = ?
		WHERE id = ? AND status = ? AND token_hash = ?
	`)

	result, err := db.ExecContext(ctx, query,
		model.ActivationApplied, orderID, at, id, model.ActivationResolved, tokenHash)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("%w: order %s already carries a benefit", ErrConflict, orderID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark activation applied: %w", err)
	}
	return affected(result)
}

// MarkConverted moves the applied activation of an order to converted
func (r *ActivationRepository) MarkConverted(ctx context.Context, db DBExecutor, orderID string, at time.Time) (bool, error) {
	query := db.Rebind(`
		UPDATE activations
		SET status = ?, converted_at = ?
		WHERE order_id = ? AND status = ?
	`)

	result, err := db.ExecContext(ctx, query, model.ActivationConverted, at, orderID, model.ActivationApplied)
	if err != nil {
		return false, fmt.Errorf("failed to mark activation converted: %w", err)
	}
	return affected(result)
}

// MarkExpired moves a resolved activation to expired.
// Returns false if another worker already transitioned it.
func (r *ActivationRepository) MarkExpired(ctx context.Context, db DBExecutor, id string) (bool, error) {
	query := db.Rebind(`UPDATE activations SET status = ? WHERE id = ? AND status = ?`)

	result, err := db.ExecContext(ctx, query, model.ActivationExpired, id, model.ActivationResolved)
	if err != nil {
		return false, fmt.Errorf("failed to mark activation expired: %w", err)
	}
	return affected(result)
}

// ListExpired returns resolved prize activations whose expiry is before now
func (r *ActivationRepository) ListExpired(ctx context.Context, db DBExecutor, now time.Time, limit int) ([]model.Activation, error) {
	query := db.Rebind(`
		SELECT ` + activationColumns + `
		FROM activations
		WHERE status = ? AND reward_id IS NOT NULL AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`)

	var items []model.Activation
	if err := db.SelectContext(ctx, &items, query, model.ActivationResolved, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired activations: %w", err)
	}
	return items, nil
}

// SpendBetween sums cost charged by non-expired activations resolved in [from, to)
func (r *ActivationRepository) SpendBetween(ctx context.Context, db DBExecutor, campaignID string, from, to time.Time) (int64, error) {
	query := db.Rebind(`
		SELECT COALESCE(SUM(cost_charged), 0)
		FROM activations
		WHERE campaign_id = ? AND status <> ? AND resolved_at >= ? AND resolved_at < ?
	`)

	var total int64
	if err := db.GetContext(ctx, &total, query, campaignID, model.ActivationExpired, from, to); err != nil {
		return 0, fmt.Errorf("failed to sum campaign spend: %w", err)
	}
	return total, nil
}

// RewardGrantCount is the number of live grants of a reward
type RewardGrantCount struct {
	RewardID string `db:"reward_id" json:"reward_id"`
	Grants   int64  `db:"grants" json:"grants"`
}

// CountGrants counts non-expired grants per reward in a campaign
func (r *ActivationRepository) CountGrants(ctx context.Context, db DBExecutor, campaignID string) ([]RewardGrantCount, error) {
	query := db.Rebind(`
		SELECT reward_id, COUNT(*) AS grants
		FROM activations
		WHERE campaign_id = ? AND reward_id IS NOT NULL AND status <> ?
		GROUP BY reward_id
		ORDER BY reward_id
	`)

	var counts []RewardGrantCount
	if err := db.SelectContext(ctx, &counts, query, campaignID, model.ActivationExpired); err != nil {
		return nil, fmt.Errorf("failed to count grants: %w", err)
	}
	return counts, nil
}

// CountByCampaign counts all activations of a campaign, prize or not
func (r *ActivationRepository) CountByCampaign(ctx context.Context, db DBExecutor, campaignID string) (int64, error) {
	query := db.Rebind(`SELECT COUNT(*) FROM activations WHERE campaign_id = ?`)

	var total int64
	if err := db.GetContext(ctx, &total, query, campaignID); err != nil {
		return 0, fmt.Errorf("failed to count activations: %w", err)
	}
	return total, nil
}
