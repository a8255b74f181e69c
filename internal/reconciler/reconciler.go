// Package reconciler expires unredeemed rewards and returns their stock and budget.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/metrics"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
	"github.com/kkkkikiki/activation/internal/token"
)

const defaultBatchSize = 500

// Report summarizes one pass
type Report struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Reconciler releases the resources held by expired activations
type Reconciler struct {
	db        *sqlx.DB
	signer    *token.Signer
	bus       *event.Bus
	clock     clock.Clock
	logger    *zap.Logger
	batchSize int

	campaignRepo   *repository.CampaignRepository
	rewardRepo     *repository.RewardRepository
	activationRepo *repository.ActivationRepository
	auditRepo      *repository.AuditRepository
}

// New creates a reconciler. A nil bus or clock falls back to defaults.
func New(db *sqlx.DB, signer *token.Signer, bus *event.Bus, clk clock.Clock, batchSize int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if clk == nil {
		clk = clock.System{}
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Reconciler{
		db:             db,
		signer:         signer,
		bus:            bus,
		clock:          clk,
		logger:         logger,
		batchSize:      batchSize,
		campaignRepo:   repository.NewCampaignRepository(),
		rewardRepo:     repository.NewRewardRepository(),
		activationRepo: repository.NewActivationRepository(),
		auditRepo:      repository.NewAuditRepository(),
	}
}

// Run expires one batch. A failing activation is logged and counted;
// the rest of the batch still runs.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	now := r.clock.Now()
	expired, err := r.activationRepo.ListExpired(ctx, r.db, now, r.batchSize)
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(expired)}
	for i := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		a := &expired[i]
		done, err := r.expire(ctx, a)
		switch {
		case err != nil:
			report.Failed++
			r.logger.Error("failed to expire activation",
				zap.String("activation_id", a.ID),
				zap.String("campaign_id", a.CampaignID),
				zap.Error(err),
			)
		case !done:
			report.Skipped++
		default:
			report.Expired++
			r.afterExpire(ctx, a, now)
		}
	}

	metrics.RecordReconcile(report.Expired, report.Failed)
	if report.Scanned > 0 {
		r.logger.Info("reconciler pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("expired", report.Expired),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// expire flips the status first so a concurrent redemption or a second
// reconciler cannot release the same reservation twice.
func (r *Reconciler) expire(ctx context.Context, a *model.Activation) (bool, error) {
	// Start transaction
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ok, err := r.activationRepo.MarkExpired(ctx, tx, a.ID)
	if err != nil || !ok {
		return false, err
	}
	if err := r.rewardRepo.ReleaseStock(ctx, tx, *a.RewardID); err != nil {
		return false, err
	}
	if a.CostCharged > 0 {
		if err := r.campaignRepo.ReleaseBudget(ctx, tx, a.CampaignID, a.CostCharged); err != nil {
			return false, err
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// afterExpire runs the post-commit side effects; failures are logged only
func (r *Reconciler) afterExpire(ctx context.Context, a *model.Activation, now time.Time) {
	if err := r.signer.Revoke(ctx, a.ID); err != nil {
		r.logger.Warn("failed to revoke expired token", zap.String("activation_id", a.ID), zap.Error(err))
	}

	subject := event.Subject{
		ActivationID: a.ID,
		UserID:       a.UserID,
		CampaignID:   a.CampaignID,
		RewardID:     *a.RewardID,
		OccurredAt:   now,
	}
	if reward, err := r.rewardRepo.GetReward(ctx, r.db, *a.RewardID); err == nil {
		subject.RewardType = string(reward.Type)
	}
	r.bus.Publish(event.BenefitExpired{Subject: subject, CostReleased: a.CostCharged})

	entry := &model.AuditEntry{
		ActivationID: &a.ID,
		CampaignID:   a.CampaignID,
		Event:        event.NameBenefitExpired,
		Actor:        "reconciler",
		Metadata: model.Metadata{
			"reward_id":     *a.RewardID,
			"cost_released": a.CostCharged,
		},
		CreatedAt: now,
	}
	if err := r.auditRepo.Append(ctx, r.db, entry); err != nil {
		r.logger.Error("failed to append audit entry", zap.String("activation_id", a.ID), zap.Error(err))
	}
}
