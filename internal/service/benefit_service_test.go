package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/repository"
	"github.com/kkkkikiki/activation/internal/token"
)

func grantOne(t *testing.T, f *fixture, user string) (string, *Result) {
	t.Helper()
	campaignID := f.seed(t, nil, credit("credit", 1, 10, nil))
	res, err := f.activate.Activate(context.Background(), request(user, campaignID))
	require.NoError(t, err)
	require.True(t, res.HasReward)
	return campaignID, res
}

func TestBenefit_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, res := grantOne(t, f, "u1")

	var mu sync.Mutex
	var events []string
	f.bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		events = append(events, e.Name())
		mu.Unlock()
	})

	applied, err := f.benefits.ApplyBenefit(ctx, "order-1", res.Token)
	require.NoError(t, err)
	assert.Equal(t, model.ActivationApplied, applied.Status)
	assert.Equal(t, "order-1", *applied.OrderID)

	converted, err := f.benefits.ConfirmOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.ActivationConverted, converted.Status)
	require.NotNil(t, converted.ConvertedAt)

	again, err := f.benefits.ConfirmOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.ActivationConverted, again.Status, "confirming twice is a no-op")

	f.bus.Wait()
	assert.Equal(t, []string{event.NameBenefitApplied, event.NameBenefitConverted}, events)

	trail, err := repository.NewAuditRepository().ListByActivation(ctx, f.db.SQL, res.ActivationID)
	require.NoError(t, err)
	var names []string
	for _, entry := range trail {
		names = append(names, entry.Event)
	}
	assert.Equal(t, []string{event.NameRewardResolved, event.NameBenefitApplied, event.NameBenefitConverted}, names)
}

func TestBenefit_ApplyRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, res := grantOne(t, f, "u1")

	payload, mac, _ := strings.Cut(res.Token, ".")

	_, err := f.benefits.ApplyBenefit(ctx, "order-1", payload+"."+strings.ToUpper(mac))
	assert.ErrorIs(t, err, token.ErrInvalidToken, "tampered mac")

	_, err = f.benefits.ApplyBenefit(ctx, "order-1", "garbage")
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	_, err = f.benefits.ApplyBenefit(ctx, "", res.Token)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.benefits.ApplyBenefit(ctx, "order-1", res.Token)
	require.NoError(t, err)

	_, err = f.benefits.ApplyBenefit(ctx, "order-2", res.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken, "a token redeems once")
}

func TestBenefit_OrderCarriesOneBenefit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, first := grantOne(t, f, "u1")
	_, second := grantOne(t, f, "u1")

	_, err := f.benefits.ApplyBenefit(ctx, "order-1", first.Token)
	require.NoError(t, err)

	_, err = f.benefits.ApplyBenefit(ctx, "order-1", second.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

// hookClock runs hook once, the first time Now is called after it is set
type hookClock struct {
	clock.Clock
	hook func()
}

func (c *hookClock) Now() time.Time {
	if h := c.hook; h != nil {
		c.hook = nil
		h()
	}
	return c.Clock.Now()
}

func TestBenefit_OrderTakenBetweenCheckAndApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, first := grantOne(t, f, "u1")
	_, second := grantOne(t, f, "u1")

	clk := &hookClock{Clock: f.clk}
	deps := f.deps
	deps.Clock = clk
	benefits := NewBenefitService(deps)

	// the competing token lands after the order check has passed
	clk.hook = func() {
		ok, err := repository.NewActivationRepository().MarkApplied(ctx, f.db.SQL,
			first.ActivationID, "order-1", token.Hash(first.Token), fixedNow)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := benefits.ApplyBenefit(ctx, "order-1", second.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	got, err := repository.NewActivationRepository().GetByID(ctx, f.db.SQL, second.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivationResolved, got.Status, "losing token stays redeemable elsewhere")
}

func TestBenefit_ExpiredOrRevokedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, res := grantOne(t, f, "u1")
	require.NoError(t, f.signer.Revoke(ctx, res.ActivationID))
	_, err := f.benefits.ApplyBenefit(ctx, "order-1", res.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken)

	_, res = grantOne(t, f, "u2")
	f.clk.Advance(73 * time.Hour)
	_, err = f.benefits.ApplyBenefit(ctx, "order-2", res.Token)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
}

func TestConfirmOrder_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.benefits.ConfirmOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCampaignService_SetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	campaignID := f.seed(t, nil)

	require.NoError(t, f.campaigns.SetStatus(ctx, campaignID, model.CampaignEnded))
	assert.Equal(t, model.CampaignEnded, f.campaign(t, campaignID).Campaign.Status)

	assert.ErrorIs(t, f.campaigns.SetStatus(ctx, campaignID, "archived"), ErrInvalidRequest)
	assert.ErrorIs(t, f.campaigns.SetStatus(ctx, "missing", model.CampaignPaused), ErrNotFound)
}
