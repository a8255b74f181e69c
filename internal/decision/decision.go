// Package decision consumes upstream reward-bias hints from the behavior
// orchestrator and department spotlight collaborators.
package decision

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/kkkkikiki/activation/internal/jsoncodec"
	"github.com/kkkkikiki/activation/internal/model"
)

// Condition restricts an override to profiles where Field equals Value.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Value string `json:"value" yaml:"value"`
}

// Override multiplies the weight of rewards of one type (all types when
// RewardType is empty).
type Override struct {
	RewardType       model.RewardType `json:"reward_type,omitempty" yaml:"reward_type"`
	WeightMultiplier float64          `json:"weight_multiplier" yaml:"weight_multiplier"`
	Urgency          string           `json:"urgency,omitempty" yaml:"urgency"`
	Condition        *Condition       `json:"condition,omitempty" yaml:"condition"`
	Source           string           `json:"source,omitempty" yaml:"source"`
}

// Matches reports whether the override applies to the profile.
func (o Override) Matches(profile map[string]any) bool {
	if o.Condition == nil || o.Condition.Field == "" {
		return true
	}
	v, ok := profile[o.Condition.Field]
	if !ok || v == nil {
		return false
	}
	return strings.EqualFold(fmt.Sprint(v), o.Condition.Value)
}

// Port is the optional upstream decision provider.
type Port interface {
	Overrides(ctx context.Context, campaignID string, profile map[string]any) ([]Override, error)
}

// Nop never overrides anything.
type Nop struct{}

func (Nop) Overrides(context.Context, string, map[string]any) ([]Override, error) {
	return nil, nil
}

// Static serves overrides configured per campaign, for example from a seed file.
type Static map[string][]Override

func (s Static) Overrides(_ context.Context, campaignID string, _ map[string]any) ([]Override, error) {
	return s[campaignID], nil
}

// OverridesProcedure is the upstream connect procedure.
const OverridesProcedure = "/decision.v1.DecisionService/GetOverrides"

// OverridesRequest is the upstream request message.
type OverridesRequest struct {
	CampaignID string         `json:"campaign_id"`
	Profile    map[string]any `json:"profile,omitempty"`
}

// OverridesResponse is the upstream response message.
type OverridesResponse struct {
	Overrides []Override `json:"overrides"`
}

// Client calls the upstream decision service over connect with JSON.
type Client struct {
	client *connect.Client[OverridesRequest, OverridesResponse]
}

// NewClient creates a client for the service at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		client: connect.NewClient[OverridesRequest, OverridesResponse](
			httpClient,
			strings.TrimRight(baseURL, "/")+OverridesProcedure,
			jsoncodec.Option(),
		),
	}
}

func (c *Client) Overrides(ctx context.Context, campaignID string, profile map[string]any) ([]Override, error) {
	res, err := c.client.CallUnary(ctx, connect.NewRequest(&OverridesRequest{
		CampaignID: campaignID,
		Profile:    profile,
	}))
	if err != nil {
		return nil, fmt.Errorf("decision: get overrides: %w", err)
	}
	return res.Msg.Overrides, nil
}
