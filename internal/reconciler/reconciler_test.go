package reconciler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kkkkikiki/activation/internal/cache"
	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/database"
	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
	"github.com/kkkkikiki/activation/internal/service"
	"github.com/kkkkikiki/activation/internal/token"
)

var start = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

type env struct {
	clk        *clock.Fixed
	db         *database.DB
	bus        *event.Bus
	activate   *service.ActivationService
	benefits   *service.BenefitService
	campaigns  *service.CampaignService
	reconciler *Reconciler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "reconciler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFixed(start)
	mem, err := cache.NewMemory(1000, clk)
	require.NoError(t, err)

	bus := event.NewBus(nil)
	signer := token.NewSigner("reconciler-signing-secret-0123456789", mem, clk, 720*time.Hour, nil)
	deps := service.Deps{DB: db.SQL, Cache: mem, Signer: signer, Bus: bus, Clock: clk}
	opts := service.Options{
		IdempotencySecret: "idem",
		RateLimit:         1000,
		RateWindow:        time.Minute,
		LockTTL:           10 * time.Second,
		LockWait:          time.Second,
		MemoTTL:           time.Hour,
		DefaultTokenTTL:   time.Hour,
		MaxTokenTTL:       720 * time.Hour,
	}

	return &env{
		clk:        clk,
		db:         db,
		bus:        bus,
		activate:   service.NewActivationService(deps, opts),
		benefits:   service.NewBenefitService(deps),
		campaigns:  service.NewCampaignService(deps),
		reconciler: New(db.SQL, signer, bus, clk, 100, nil),
	}
}

func (e *env) seed(t *testing.T) string {
	t.Helper()
	limit := int64(3)
	campaign := &model.Campaign{
		Name:        "flash",
		Mechanic:    model.MechanicScratch,
		Status:      model.CampaignActive,
		StartAt:     start.Add(-time.Hour),
		EndAt:       start.Add(30 * 24 * time.Hour),
		BudgetLimit: 1000,
		DailyLimit:  1000,
	}
	reward := model.Reward{
		Name:              "free shipping",
		Type:              model.RewardAccessGrant,
		Value:             "shipping:free",
		ProbabilityWeight: 1,
		StockLimit:        &limit,
		CostEstimate:      200,
		ExpirationSeconds: 600,
	}
	require.NoError(t, e.campaigns.CreateCampaign(context.Background(), campaign, []model.Reward{reward}))
	return campaign.ID
}

func (e *env) activateUser(t *testing.T, user, campaignID string) *service.Result {
	t.Helper()
	res, err := e.activate.Activate(context.Background(), service.Request{UserID: user, CampaignID: campaignID, IP: "127.0.0.1"})
	require.NoError(t, err)
	require.True(t, res.HasReward)
	return res
}

func TestRun_ExpirationRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	campaignID := e.seed(t)

	before, err := e.campaigns.GetCampaign(ctx, campaignID)
	require.NoError(t, err)

	res := e.activateUser(t, "u1", campaignID)

	granted, err := e.campaigns.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, before.Campaign.BudgetConsumed+200, granted.Campaign.BudgetConsumed)
	assert.Equal(t, before.Rewards[0].StockConsumed+1, granted.Rewards[0].StockConsumed)

	// nothing is due before the reward's own expiration
	report, err := e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	var expiredEvents []event.Event
	e.bus.Subscribe(event.NameBenefitExpired, func(ev event.Event) { expiredEvents = append(expiredEvents, ev) })

	e.clk.Advance(11 * time.Minute)
	report, err = e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Expired: 1}, report)

	after, err := e.campaigns.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, before.Campaign.BudgetConsumed, after.Campaign.BudgetConsumed)
	assert.Equal(t, before.Rewards[0].StockConsumed, after.Rewards[0].StockConsumed)
	assert.Empty(t, after.Grants)

	a, err := repository.NewActivationRepository().GetByID(ctx, e.db.SQL, res.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivationExpired, a.Status)

	_, err = e.benefits.ApplyBenefit(ctx, "order-1", res.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	e.bus.Wait()
	require.Len(t, expiredEvents, 1)
	assert.Equal(t, int64(200), expiredEvents[0].(event.BenefitExpired).CostReleased)
	assert.Equal(t, string(model.RewardAccessGrant), expiredEvents[0].Header().RewardType)

	trail, err := repository.NewAuditRepository().ListByActivation(ctx, e.db.SQL, res.ActivationID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, event.NameBenefitExpired, trail[1].Event)

	// second pass finds nothing to release twice
	report, err = e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
}

func TestRun_SkipsRedeemedActivations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	campaignID := e.seed(t)

	redeemed := e.activateUser(t, "u1", campaignID)
	e.activateUser(t, "u2", campaignID)

	_, err := e.benefits.ApplyBenefit(ctx, "order-1", redeemed.Token)
	require.NoError(t, err)

	e.clk.Advance(time.Hour)
	report, err := e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Expired: 1}, report)

	summary, err := e.campaigns.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), summary.Campaign.BudgetConsumed, "redeemed benefit keeps its budget")
	assert.Equal(t, int64(1), summary.Rewards[0].StockConsumed)
}

func TestRun_BatchSize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	campaignID := e.seed(t)
	e.reconciler.batchSize = 2

	for _, user := range []string{"u1", "u2", "u3"} {
		e.activateUser(t, user, campaignID)
	}
	e.clk.Advance(time.Hour)

	first, err := e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Expired)

	second, err := e.reconciler.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Expired)
}

func TestJob_TickRecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	job := NewJob(New(nil, nil, nil, nil, 0, nil), "", 0, zap.New(core))

	assert.NotPanics(t, job.tick)
	assert.Equal(t, 1, logs.FilterMessage("reconciler job panic recovered").Len())
}

func TestJob_StartStop(t *testing.T) {
	e := newEnv(t)

	job := NewJob(e.reconciler, "@every 1h", time.Second, nil)
	require.NoError(t, job.Start())
	job.Stop()

	bad := NewJob(e.reconciler, "not a schedule", time.Second, nil)
	assert.Error(t, bad.Start())

	var nilJob *Job
	assert.NoError(t, nilJob.Start())
	nilJob.Stop()
}
