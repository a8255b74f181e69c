package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/metrics"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
	"github.com/kkkkikiki/activation/internal/token"
)

// BenefitService redeems reward tokens against orders
type BenefitService struct {
	deps Deps

	rewardRepo     *repository.RewardRepository
	activationRepo *repository.ActivationRepository
	auditRepo      *repository.AuditRepository
}

// NewBenefitService creates a new BenefitService instance
func NewBenefitService(deps Deps) *BenefitService {
	return &BenefitService{
		deps:           deps.withDefaults(),
		rewardRepo:     repository.NewRewardRepository(),
		activationRepo: repository.NewActivationRepository(),
		auditRepo:      repository.NewAuditRepository(),
	}
}

// ApplyBenefit links a resolved activation to an order.
// Every failed check returns token.ErrInvalidToken.
func (s *BenefitService) ApplyBenefit(ctx context.Context, orderID, rawToken string) (*model.Activation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidRequest)
	}

	claims, err := s.deps.Signer.Verify(ctx, rawToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			metrics.RecordTokenRejection()
		}
		return nil, err
	}

	a, err := s.activationRepo.GetByID(ctx, s.deps.DB, claims.ActivationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.invalid("activation not found", claims.ActivationID)
	}
	if err != nil {
		return nil, err
	}

	hash := token.Hash(rawToken)
	switch {
	case a.UserID != claims.UserID || a.CampaignID != claims.CampaignID:
		return nil, s.invalid("claims do not match activation", a.ID)
	case a.Status != model.ActivationResolved:
		return nil, s.invalid("activation is "+string(a.Status), a.ID)
	case a.TokenHash == nil || *a.TokenHash != hash:
		return nil, s.invalid("token hash mismatch", a.ID)
	}

	if _, err := s.activationRepo.GetByOrderID(ctx, s.deps.DB, orderID); err == nil {
		return nil, s.invalid("order already carries a benefit", a.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := s.deps.Clock.Now()
	ok, err := s.activationRepo.MarkApplied(ctx, s.deps.DB, a.ID, orderID, hash, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil, s.invalid("order already carries a benefit", a.ID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.invalid("activation changed state", a.ID)
	}

	a.Status = model.ActivationApplied
	a.OrderID = &orderID
	a.AppliedAt = &now

	s.deps.Bus.Publish(event.BenefitApplied{Subject: s.subject(ctx, a), OrderID: orderID})
	appendAudit(ctx, s.deps, s.auditRepo, &model.AuditEntry{
		ActivationID: &a.ID,
		CampaignID:   a.CampaignID,
		Event:        event.NameBenefitApplied,
		Actor:        "order:" + orderID,
		Metadata:     model.Metadata{"order_id": orderID},
	})

	return a, nil
}

// ConfirmOrder moves the activation linked to the order to converted.
// Confirming an already converted order returns it unchanged.
func (s *BenefitService) ConfirmOrder(ctx context.Context, orderID string) (*model.Activation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", ErrInvalidRequest)
	}

	a, err := s.activationRepo.GetByOrderID(ctx, s.deps.DB, orderID)
	if err != nil {
		return nil, err
	}

	now := s.deps.Clock.Now()
	ok, err := s.activationRepo.MarkConverted(ctx, s.deps.DB, orderID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.activationRepo.GetByOrderID(ctx, s.deps.DB, orderID)
	}

	a.Status = model.ActivationConverted
	a.ConvertedAt = &now

	s.deps.Bus.Publish(event.BenefitConverted{Subject: s.subject(ctx, a), OrderID: orderID})
	appendAudit(ctx, s.deps, s.auditRepo, &model.AuditEntry{
		ActivationID: &a.ID,
		CampaignID:   a.CampaignID,
		Event:        event.NameBenefitConverted,
		Actor:        "order:" + orderID,
		Metadata:     model.Metadata{"order_id": orderID},
	})

	return a, nil
}

func (s *BenefitService) subject(ctx context.Context, a *model.Activation) event.Subject {
	var prize *model.Reward
	if a.RewardID != nil {
		prize, _ = s.rewardRepo.GetReward(ctx, s.deps.DB, *a.RewardID)
	}
	return subjectOf(a, prize, s.deps.Clock.Now())
}

func (s *BenefitService) invalid(cause, activationID string) error {
	metrics.RecordTokenRejection()
	s.deps.Logger.Debug("benefit rejected",
		zap.String("cause", cause),
		zap.String("activation_id", activationID),
	)
	return token.ErrInvalidToken
}
