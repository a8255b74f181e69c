package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/cache"
	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/config"
	"github.com/kkkkikiki/activation/internal/decision"
	"github.com/kkkkikiki/activation/internal/eligibility"
	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/metrics"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
	"github.com/kkkkikiki/activation/internal/resolver"
	"github.com/kkkkikiki/activation/internal/token"
)

const (
	lockPollMin = 10 * time.Millisecond
	lockPollMax = 100 * time.Millisecond
)

// Options are the protocol tunables
type Options struct {
	IdempotencySecret string
	RateLimit         int64
	RateWindow        time.Duration
	LockTTL           time.Duration
	LockWait          time.Duration
	MemoTTL           time.Duration
	DefaultTokenTTL   time.Duration
	MaxTokenTTL       time.Duration
	DecisionTimeout   time.Duration
}

// OptionsFrom maps environment configuration to Options
func OptionsFrom(cfg config.ActivationConfig) Options {
	return Options{
		IdempotencySecret: cfg.IdempotencySecret,
		RateLimit:         int64(cfg.RateLimit),
		RateWindow:        cfg.RateWindow,
		LockTTL:           cfg.LockTTL,
		LockWait:          cfg.LockWait,
		MemoTTL:           cfg.MemoTTL,
		DefaultTokenTTL:   cfg.DefaultTokenTTL,
		MaxTokenTTL:       cfg.MaxTokenTTL,
		DecisionTimeout:   cfg.DecisionTimeout,
	}
}

// Deps are the collaborators shared by the services
type Deps struct {
	DB        *sqlx.DB
	Cache     cache.Cache
	Signer    *token.Signer
	Decisions decision.Port
	Bus       *event.Bus
	Clock     clock.Clock
	Random    clock.RandomSource
	Logger    *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Decisions == nil {
		d.Decisions = decision.Nop{}
	}
	if d.Bus == nil {
		d.Bus = event.NewBus(d.Logger)
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Random == nil {
		d.Random = clock.Crypto{}
	}
	return d
}

// Request is one activation attempt
type Request struct {
	UserID     string         `json:"user_id"`
	CampaignID string         `json:"campaign_id"`
	IP         string         `json:"-"`
	UserAgent  string         `json:"-"`
	Profile    map[string]any `json:"profile,omitempty"`
}

// Result is what every caller of the same (user, campaign) sees
type Result struct {
	ActivationID string     `json:"activation_id"`
	HasReward    bool       `json:"has_reward"`
	RewardID     string     `json:"reward_id,omitempty"`
	RewardType   string     `json:"reward_type,omitempty"`
	RewardValue  string     `json:"reward_value,omitempty"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Replayed     bool       `json:"replayed"`
}

// ActivationService resolves rewards exactly once per user and campaign
type ActivationService struct {
	deps Deps
	opts Options

	campaignRepo   *repository.CampaignRepository
	rewardRepo     *repository.RewardRepository
	activationRepo *repository.ActivationRepository
	auditRepo      *repository.AuditRepository
}

// NewActivationService creates a new ActivationService instance
func NewActivationService(deps Deps, opts Options) *ActivationService {
	return &ActivationService{
		deps:           deps.withDefaults(),
		opts:           opts,
		campaignRepo:   repository.NewCampaignRepository(),
		rewardRepo:     repository.NewRewardRepository(),
		activationRepo: repository.NewActivationRepository(),
		auditRepo:      repository.NewAuditRepository(),
	}
}

// Activate runs the full protocol: rate limit, memo, eligibility, lock,
// in-lock re-check, draw, reservation and persistence.
func (s *ActivationService) Activate(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordActivationDuration(outcome(result, err), time.Since(start).Seconds())
	}()

	if req.UserID == "" || req.CampaignID == "" {
		return nil, fmt.Errorf("%w: user_id and campaign_id are required", ErrInvalidRequest)
	}

	count, err := s.deps.Cache.IncrementWithTTL(ctx, rateKey(req.IP, req.CampaignID), s.opts.RateWindow, s.opts.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if count > s.opts.RateLimit {
		return nil, &RejectionError{Reason: ReasonRateLimited, RetryAfter: s.opts.RateWindow}
	}

	key := s.IdempotencyKey(req.UserID, req.CampaignID)
	if memo, ok := s.loadMemo(ctx, key); ok {
		return memo, nil
	}

	snap, err := s.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	if snap.Prior != nil {
		return s.replay(ctx, key, snap.Prior)
	}
	if res := eligibility.Evaluate(snap); !res.Eligible {
		return nil, reject(res.Reason, res.Detail)
	}

	lockToken, memo, err := s.acquire(ctx, key)
	if err != nil || memo != nil {
		return memo, err
	}
	defer s.release(key, lockToken)

	snap, err = s.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	if snap.Prior != nil {
		return s.replay(ctx, key, snap.Prior)
	}
	res := eligibility.Evaluate(snap)
	if !res.Eligible {
		s.deps.Logger.Warn("eligibility changed inside lock",
			zap.String("user_id", req.UserID),
			zap.String("campaign_id", req.CampaignID),
			zap.String("reason", string(res.Reason)),
		)
		return nil, fmt.Errorf("%w: %s", ErrEligibilityChanged, res.Reason)
	}

	rewards, err := s.rewardRepo.ListByCampaign(ctx, s.deps.DB, req.CampaignID)
	if err != nil {
		return nil, err
	}
	weighted, adjustments := resolver.ApplyOverrides(rewards, s.overrides(ctx, req), req.Profile, s.deps.Logger)

	affordable := res.RemainingBudget
	if daily := snap.Campaign.DailyLimit - snap.TodaySpend; daily < affordable {
		affordable = daily
	}
	prize, err := resolver.Resolve(s.deps.Random, weighted, affordable)
	if err != nil {
		return nil, err
	}

	activation, replayed, err := s.persist(ctx, req, key, prize, snap.Now)
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.replay(ctx, key, activation)
	}

	result = resultOf(activation, prize)
	s.publishResolved(activation, prize)
	s.audit(ctx, &model.AuditEntry{
		ActivationID: &activation.ID,
		CampaignID:   activation.CampaignID,
		Event:        event.NameRewardResolved,
		Actor:        "user:" + activation.UserID,
		Metadata: model.Metadata{
			"reward_id":    result.RewardID,
			"cost_charged": activation.CostCharged,
			"ip_address":   activation.IPAddress,
			"adjustments":  adjustments,
		},
	})
	s.storeMemo(ctx, key, result)

	return result, nil
}

// CheckEligibility evaluates without reserving anything
func (s *ActivationService) CheckEligibility(ctx context.Context, req Request) (eligibility.Result, error) {
	snap, err := s.snapshot(ctx, req)
	if err != nil {
		return eligibility.Result{}, err
	}
	return eligibility.Evaluate(snap), nil
}

// IdempotencyKey is the hex HMAC-SHA256 of "user:campaign"
func (s *ActivationService) IdempotencyKey(userID, campaignID string) string {
	mac := hmac.New(sha256.New, []byte(s.opts.IdempotencySecret))
	mac.Write([]byte(userID + ":" + campaignID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *ActivationService) snapshot(ctx context.Context, req Request) (eligibility.Input, error) {
	now := s.deps.Clock.Now()
	in := eligibility.Input{Now: now, User: req.Profile}

	campaign, err := s.campaignRepo.GetCampaign(ctx, s.deps.DB, req.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		return in, nil
	}
	if err != nil {
		return in, err
	}
	in.Campaign = campaign

	from, to := eligibility.DayBounds(now)
	if in.TodaySpend, err = s.activationRepo.SpendBetween(ctx, s.deps.DB, req.CampaignID, from, to); err != nil {
		return in, err
	}

	prior, err := s.activationRepo.GetByUserCampaign(ctx, s.deps.DB, req.UserID, req.CampaignID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return in, err
	}
	in.Prior = prior
	return in, nil
}

// acquire takes the per-key lock, polling the memo while another request holds it.
// A non-nil Result means the holder finished first.
func (s *ActivationService) acquire(ctx context.Context, key string) (string, *Result, error) {
	deadline := time.Now().Add(s.opts.LockWait)
	wait := lockPollMin

	for {
		lockToken, ok, err := s.deps.Cache.AcquireLock(ctx, lockKey(key), s.opts.LockTTL)
		if err != nil {
			return "", nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			return lockToken, nil, nil
		}
		if memo, ok := s.loadMemo(ctx, key); ok {
			return "", memo, nil
		}
		if !time.Now().Before(deadline) {
			return "", nil, reject(ReasonConcurrentAttempt, "")
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > lockPollMax {
			wait = lockPollMax
		}
	}
}

func (s *ActivationService) release(key, lockToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.deps.Cache.ReleaseLock(ctx, lockKey(key), lockToken); err != nil {
		s.deps.Logger.Error("failed to release activation lock", zap.String("key", key), zap.Error(err))
	}
}

func (s *ActivationService) overrides(ctx context.Context, req Request) []decision.Override {
	if s.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DecisionTimeout)
		defer cancel()
	}
	overrides, err := s.deps.Decisions.Overrides(ctx, req.CampaignID, req.Profile)
	if err != nil {
		s.deps.Logger.Warn("decision overrides unavailable, using base weights",
			zap.String("campaign_id", req.CampaignID),
			zap.Error(err),
		)
		return nil
	}
	return overrides
}

// persist reserves stock and budget and inserts the activation in one
// transaction. replayed is true when a concurrent insert won; the returned
// activation is then the existing row.
func (s *ActivationService) persist(ctx context.Context, req Request, key string, prize *model.Reward, now time.Time) (*model.Activation, bool, error) {
	a := &model.Activation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		CampaignID:     req.CampaignID,
		Status:         model.ActivationResolved,
		IdempotencyKey: key,
		ResolvedAt:     now,
		IPAddress:      req.IP,
		UserAgent:      req.UserAgent,
	}
	if prize != nil {
		if err := s.grant(a, prize, now); err != nil {
			return nil, false, err
		}
	}

	// Start transaction
	tx, err := s.deps.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if prize != nil {
		ok, err := s.rewardRepo.ReserveStock(ctx, tx, prize.ID)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("%w: stock of reward %s", ErrReservationConflict, prize.ID)
		}
		if a.CostCharged > 0 {
			ok, err := s.campaignRepo.ReserveBudget(ctx, tx, req.CampaignID, a.CostCharged)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("%w: budget of campaign %s", ErrReservationConflict, req.CampaignID)
			}
		}
	}

	inserted, err := s.activationRepo.Insert(ctx, tx, a)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		if err := tx.Rollback(); err != nil {
			return nil, false, fmt.Errorf("failed to roll back reservations: %w", err)
		}
		existing, err := s.activationRepo.GetByIdempotencyKey(ctx, s.deps.DB, key)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return a, false, nil
}

// grant fills the prize columns and signs the token for the pre-generated id
func (s *ActivationService) grant(a *model.Activation, prize *model.Reward, now time.Time) error {
	ttl := prize.Expiration(s.opts.DefaultTokenTTL)
	if s.opts.MaxTokenTTL > 0 && ttl > s.opts.MaxTokenTTL {
		ttl = s.opts.MaxTokenTTL
	}
	expiresAt := now.Add(ttl)

	raw, err := s.deps.Signer.Sign(token.Claims{
		ActivationID: a.ID,
		UserID:       a.UserID,
		CampaignID:   a.CampaignID,
		RewardID:     prize.ID,
		RewardType:   string(prize.Type),
		Value:        prize.Value,
		IssuedAt:     now.Unix(),
		ExpiresAt:    expiresAt.Unix(),
	})
	if err != nil {
		return err
	}
	hash := token.Hash(raw)

	a.RewardID = &prize.ID
	a.CostCharged = prize.CostEstimate
	a.ExpiresAt = &expiresAt
	a.Token = &raw
	a.TokenHash = &hash
	return nil
}

// replay rebuilds the result of an existing activation and memoizes it
func (s *ActivationService) replay(ctx context.Context, key string, a *model.Activation) (*Result, error) {
	var prize *model.Reward
	if a.HasReward() {
		var err error
		if prize, err = s.rewardRepo.GetReward(ctx, s.deps.DB, *a.RewardID); err != nil {
			return nil, err
		}
	}
	result := resultOf(a, prize)
	s.storeMemo(ctx, key, result)
	result.Replayed = true
	return result, nil
}

func (s *ActivationService) loadMemo(ctx context.Context, key string) (*Result, bool) {
	raw, ok, err := s.deps.Cache.Get(ctx, memoKey(key))
	if err != nil {
		s.deps.Logger.Warn("memo lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		s.deps.Logger.Warn("discarding undecodable memo", zap.Error(err))
		return nil, false
	}
	result.Replayed = true
	return &result, true
}

func (s *ActivationService) storeMemo(ctx context.Context, key string, result *Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.deps.Logger.Error("failed to encode memo", zap.Error(err))
		return
	}
	if err := s.deps.Cache.Set(ctx, memoKey(key), raw, s.opts.MemoTTL); err != nil {
		s.deps.Logger.Warn("failed to store memo", zap.Error(err))
	}
}

func (s *ActivationService) publishResolved(a *model.Activation, prize *model.Reward) {
	e := event.RewardResolved{
		Subject:     subjectOf(a, prize, a.ResolvedAt),
		CostCharged: a.CostCharged,
	}
	if a.ExpiresAt != nil {
		e.ExpiresAt = *a.ExpiresAt
	}
	if prize != nil {
		metrics.RecordGrant(string(prize.Type))
	}
	s.deps.Bus.Publish(e)
}

// audit appends outside the business transaction; a failure is logged only
func (s *ActivationService) audit(ctx context.Context, entry *model.AuditEntry) {
	appendAudit(ctx, s.deps, s.auditRepo, entry)
}

func appendAudit(ctx context.Context, deps Deps, repo *repository.AuditRepository, entry *model.AuditEntry) {
	entry.CreatedAt = deps.Clock.Now()
	if err := repo.Append(ctx, deps.DB, entry); err != nil {
		deps.Logger.Error("failed to append audit entry",
			zap.String("event", entry.Event),
			zap.String("campaign_id", entry.CampaignID),
			zap.Error(err),
		)
	}
}

func resultOf(a *model.Activation, prize *model.Reward) *Result {
	r := &Result{ActivationID: a.ID, HasReward: a.HasReward()}
	if !r.HasReward {
		return r
	}
	r.RewardID = *a.RewardID
	if prize != nil {
		r.RewardType = string(prize.Type)
		r.RewardValue = prize.Value
	}
	if a.Token != nil {
		r.Token = *a.Token
	}
	if a.ExpiresAt != nil {
		expiresAt := a.ExpiresAt.UTC()
		r.ExpiresAt = &expiresAt
	}
	return r
}

func subjectOf(a *model.Activation, prize *model.Reward, at time.Time) event.Subject {
	subject := event.Subject{
		ActivationID: a.ID,
		UserID:       a.UserID,
		CampaignID:   a.CampaignID,
		OccurredAt:   at,
	}
	if a.RewardID != nil {
		subject.RewardID = *a.RewardID
	}
	if prize != nil {
		subject.RewardType = string(prize.Type)
	}
	return subject
}

func outcome(result *Result, err error) string {
	var rejection *RejectionError
	switch {
	case errors.As(err, &rejection):
		return "rejected"
	case err != nil:
		return "failed"
	case result.Replayed:
		return "replayed"
	case result.HasReward:
		return "granted"
	default:
		return "no_prize"
	}
}

func rateKey(ip, campaignID string) string { return "rate:" + ip + ":" + campaignID }
func memoKey(key string) string            { return "memo:" + key }
func lockKey(key string) string            { return "lock:" + key }
