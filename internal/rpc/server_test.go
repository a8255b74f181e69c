package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/activation/internal/cache"
	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/database"
	"github.com/kkkkikiki/activation/internal/jsoncodec"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/service"
	"github.com/kkkkikiki/activation/internal/token"
)

var now = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	url        string
	client     *http.Client
	campaignID string
}

func newHarness(t *testing.T, rateLimit int64, maxRPS int, trustedProxies ...netip.Prefix) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "rpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFixed(now)
	mem, err := cache.NewMemory(1000, clk)
	require.NoError(t, err)

	deps := service.Deps{
		DB:     db.SQL,
		Cache:  mem,
		Signer: token.NewSigner("rpc-test-signing-secret-0123456789ab", mem, clk, 720*time.Hour, nil),
		Clock:  clk,
	}
	opts := service.Options{
		IdempotencySecret: "idem",
		RateLimit:         rateLimit,
		RateWindow:        30 * time.Second,
		LockTTL:           5 * time.Second,
		LockWait:          time.Second,
		MemoTTL:           time.Hour,
		DefaultTokenTTL:   24 * time.Hour,
		MaxTokenTTL:       720 * time.Hour,
	}
	campaigns := service.NewCampaignService(deps)

	campaign := &model.Campaign{
		Name:        "launch",
		Mechanic:    model.MechanicDirect,
		Status:      model.CampaignActive,
		StartAt:     now.Add(-time.Hour),
		EndAt:       now.Add(time.Hour),
		BudgetLimit: 10000,
		DailyLimit:  10000,
		Rules:       model.Rules{{Field: "country", Operator: model.OpIn, Value: []any{"BR", "MX"}}},
	}
	reward := model.Reward{Name: "20 off", Type: model.RewardPercentage, Value: "20", ProbabilityWeight: 1, CostEstimate: 100}
	require.NoError(t, campaigns.CreateCampaign(ctx, campaign, []model.Reward{reward}))

	srv := NewServer(service.NewActivationService(deps, opts), service.NewBenefitService(deps), campaigns, nil).
		TrustProxies(trustedProxies)
	ts := httptest.NewServer(NewMux(srv, db.SQL, maxRPS, nil))
	t.Cleanup(ts.Close)

	return &harness{url: ts.URL, client: ts.Client(), campaignID: campaign.ID}
}

func call[Req, Res any](t *testing.T, h *harness, procedure string, msg *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](h.client, h.url+procedure, jsoncodec.Option())
	res, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func (h *harness) activate(t *testing.T, user, country string) (*ActivateResponse, error) {
	return call[ActivateRequest, ActivateResponse](t, h, ActivateProcedure, &ActivateRequest{
		UserID:     user,
		CampaignID: h.campaignID,
		Profile:    map[string]any{"country": country},
	})
}

func TestActivateAndRedeem(t *testing.T) {
	h := newHarness(t, 100, 0)

	res, err := h.activate(t, "u1", "BR")
	require.NoError(t, err)
	assert.True(t, res.HasReward)
	assert.Equal(t, "percentage", res.RewardType)
	assert.Equal(t, "20", res.RewardValue)
	require.NotEmpty(t, res.Token)

	again, err := h.activate(t, "u1", "BR")
	require.NoError(t, err)
	assert.Equal(t, res.ActivationID, again.ActivationID)

	applied, err := call[ApplyBenefitRequest, BenefitResponse](t, h, ApplyBenefitProcedure, &ApplyBenefitRequest{OrderID: "o-1", Token: res.Token})
	require.NoError(t, err)
	assert.Equal(t, model.ActivationApplied, applied.Status)

	confirmed, err := call[ConfirmOrderRequest, BenefitResponse](t, h, ConfirmOrderProcedure, &ConfirmOrderRequest{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ActivationConverted, confirmed.Status)

	summary, err := call[GetCampaignRequest, GetCampaignResponse](t, h, GetCampaignProcedure, &GetCampaignRequest{CampaignID: h.campaignID})
	require.NoError(t, err)
	assert.Equal(t, int64(100), summary.Campaign.BudgetConsumed)
	require.Len(t, summary.Grants, 1)
	assert.Equal(t, int64(1), summary.Grants[0].Grants)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, 100, 0)

	_, err := h.activate(t, "u1", "US")
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
	var cerr *connect.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "rule_not_satisfied", cerr.Meta().Get("Reason"))

	_, err = call[ActivateRequest, ActivateResponse](t, h, ActivateProcedure, &ActivateRequest{CampaignID: h.campaignID})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[ApplyBenefitRequest, BenefitResponse](t, h, ApplyBenefitProcedure, &ApplyBenefitRequest{OrderID: "o-1", Token: "forged.token"})
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "invalid token", cerr.Message())

	_, err = call[ConfirmOrderRequest, BenefitResponse](t, h, ConfirmOrderProcedure, &ConfirmOrderRequest{OrderID: "missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = call[GetCampaignRequest, GetCampaignResponse](t, h, GetCampaignProcedure, &GetCampaignRequest{CampaignID: "missing"})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	eligible, err := call[CheckEligibilityRequest, CheckEligibilityResponse](t, h, CheckEligibilityProcedure, &CheckEligibilityRequest{
		UserID: "u2", CampaignID: h.campaignID, Profile: map[string]any{"country": "MX"},
	})
	require.NoError(t, err)
	assert.True(t, eligible.Eligible)
	assert.Equal(t, int64(10000), eligible.RemainingBudget)
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	h := newHarness(t, 1, 0)

	_, err := h.activate(t, "u1", "BR")
	require.NoError(t, err)

	_, err = h.activate(t, "u2", "BR")
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
	var cerr *connect.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "30", cerr.Meta().Get("Retry-After"))
}

func TestAdmissionLimiter(t *testing.T) {
	h := newHarness(t, 100, 1)

	_, err := h.activate(t, "u1", "BR")
	require.NoError(t, err)

	_, err = h.activate(t, "u2", "BR")
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, 100, 0)

	for _, path := range []string{"/health", "/health/db"} {
		resp, err := h.client.Get(h.url + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		var payload map[string]any
		require.NoError(t, json.Unmarshal(body, &payload), path)
		assert.Equal(t, "ok", payload["status"], path)
	}

	resp, err := h.client.Get(h.url + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	forwarded := http.Header{}
	forwarded.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	cases := []struct {
		name    string
		header  http.Header
		peer    string
		trusted []netip.Prefix
		want    string
	}{
		{"peer only", http.Header{}, "10.1.2.3:5555", proxies, "10.1.2.3"},
		{"trusted peer", forwarded, "10.1.2.3:5555", proxies, "203.0.113.7"},
		{"untrusted peer", forwarded, "198.51.100.9:5555", proxies, "198.51.100.9"},
		{"no trusted proxies", forwarded, "10.1.2.3:5555", nil, "10.1.2.3"},
		{"spoofed leftmost hop", http.Header{"X-Forwarded-For": {"1.1.1.1, 203.0.113.7"}}, "10.1.2.3:5555", proxies, "203.0.113.7"},
		{"every hop trusted", http.Header{"X-Forwarded-For": {"10.9.9.9, 10.0.0.1"}}, "10.1.2.3:5555", proxies, "10.9.9.9"},
		{"malformed hop", http.Header{"X-Forwarded-For": {"garbage"}}, "10.1.2.3:5555", proxies, "10.1.2.3"},
		{"not host port", http.Header{}, "pipe", proxies, "pipe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, clientIP(tc.header, tc.peer, tc.trusted))
		})
	}
}

// activateFrom sends Activate calls that each claim a different forwarded address
func activateFrom(t *testing.T, h *harness, n int) (admitted int) {
	t.Helper()
	client := connect.NewClient[ActivateRequest, ActivateResponse](h.client, h.url+ActivateProcedure, jsoncodec.Option())
	for i := 0; i < n; i++ {
		req := connect.NewRequest(&ActivateRequest{
			UserID:     fmt.Sprintf("fwd-%d", i),
			CampaignID: h.campaignID,
			Profile:    map[string]any{"country": "BR"},
		})
		req.Header().Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))

		_, err := client.CallUnary(context.Background(), req)
		if err == nil {
			admitted++
			continue
		}
		assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
	}
	return admitted
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	h := newHarness(t, 1, 0)
	assert.Equal(t, 1, activateFrom(t, h, 5), "rotating X-Forwarded-For must not open new rate buckets")
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	h := newHarness(t, 1, 0, netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128"))
	assert.Equal(t, 5, activateFrom(t, h, 5))
}
