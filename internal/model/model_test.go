package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCampaign() *Campaign {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Campaign{
		Name:        "spring wheel",
		Mechanic:    MechanicWheel,
		Status:      CampaignActive,
		StartAt:     start,
		EndAt:       start.Add(24 * time.Hour),
		BudgetLimit: 1000,
		DailyLimit:  1000,
	}
}

func TestCampaignValidate(t *testing.T) {
	require.NoError(t, validCampaign().Validate())

	c := validCampaign()
	c.EndAt = c.StartAt
	assert.Error(t, c.Validate())

	c = validCampaign()
	c.BudgetConsumed = 1001
	assert.Error(t, c.Validate())

	c = validCampaign()
	c.Mechanic = "slot"
	assert.Error(t, c.Validate())

	c = validCampaign()
	c.Rules = Rules{{Operator: OpEquals, Value: "x"}}
	assert.Error(t, c.Validate())
}

func TestRewardValidate(t *testing.T) {
	limit := int64(3)
	cases := []struct {
		name   string
		reward Reward
		ok     bool
	}{
		{"percentage", Reward{Type: RewardPercentage, Value: "15", ProbabilityWeight: 1}, true},
		{"percentage over 100", Reward{Type: RewardPercentage, Value: "150", ProbabilityWeight: 1}, false},
		{"percentage garbage", Reward{Type: RewardPercentage, Value: "10abc", ProbabilityWeight: 1}, false},
		{"credit", Reward{Type: RewardCredit, Value: "500", ProbabilityWeight: 1}, true},
		{"product", Reward{Type: RewardProductGrant, Value: "SKU-1", ProbabilityWeight: 1, StockLimit: &limit}, true},
		{"access empty", Reward{Type: RewardAccessGrant, ProbabilityWeight: 1}, false},
		{"zero weight", Reward{Type: RewardCredit, Value: "5", ProbabilityWeight: 0}, false},
		{"unknown type", Reward{Type: "cashback", Value: "5", ProbabilityWeight: 1}, false},
		{"stock overflow", Reward{Type: RewardCredit, Value: "5", ProbabilityWeight: 1, StockLimit: &limit, StockConsumed: 4}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.reward.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRewardHasStock(t *testing.T) {
	r := Reward{}
	assert.True(t, r.HasStock())

	limit := int64(1)
	r.StockLimit = &limit
	assert.True(t, r.HasStock())
	r.StockConsumed = 1
	assert.False(t, r.HasStock())
}

func TestRulesScan(t *testing.T) {
	var rules Rules
	require.NoError(t, rules.Scan(`[{"field":"tier","operator":"in","value":["gold","silver"]}]`))
	require.Len(t, rules, 1)
	assert.Equal(t, OpIn, rules[0].Operator)

	v, err := Rules(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	assert.Error(t, rules.Scan(42))
}
