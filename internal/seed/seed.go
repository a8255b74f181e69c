// Package seed loads campaigns, rewards and static overrides from YAML.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kkkkikiki/activation/internal/decision"
	"github.com/kkkkikiki/activation/internal/model"
	"github.com/kkkkikiki/activation/internal/service"
)

// File is the root of a seed document
type File struct {
	Campaigns []Campaign `yaml:"campaigns"`
}

type Campaign struct {
	ID          string                  `yaml:"id"`
	Name        string                  `yaml:"name"`
	Mechanic    model.Mechanic          `yaml:"mechanic"`
	Status      model.CampaignStatus    `yaml:"status"`
	StartAt     time.Time               `yaml:"start_at"`
	EndAt       time.Time               `yaml:"end_at"`
	BudgetLimit int64                   `yaml:"budget_limit"`
	DailyLimit  int64                   `yaml:"daily_limit"`
	Rules       []model.EligibilityRule `yaml:"rules"`
	Rewards     []Reward                `yaml:"rewards"`
	Overrides   []decision.Override     `yaml:"overrides"`
}

type Reward struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Type         model.RewardType `yaml:"type"`
	Value        string           `yaml:"value"`
	Weight       int64            `yaml:"weight"`
	StockLimit   *int64           `yaml:"stock_limit"`
	CostEstimate int64            `yaml:"cost_estimate"`
	Expiration   time.Duration    `yaml:"expiration"`
}

// Report counts what Apply did
type Report struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Load reads and parses a seed file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document, rejecting unknown keys
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, c := range f.Campaigns {
		if c.ID == "" {
			return nil, fmt.Errorf("campaign %d: id is required", i)
		}
	}
	return &f, nil
}

// Apply creates every campaign that does not exist yet
func (f *File) Apply(ctx context.Context, campaigns *service.CampaignService, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var report Report
	for _, c := range f.Campaigns {
		_, err := campaigns.GetCampaign(ctx, c.ID)
		if err == nil {
			report.Skipped++
			logger.Info("campaign already seeded", zap.String("campaign_id", c.ID))
			continue
		}
		if !errors.Is(err, service.ErrNotFound) {
			return report, err
		}

		campaign, rewards := c.toModel()
		if err := campaigns.CreateCampaign(ctx, campaign, rewards); err != nil {
			return report, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		report.Created++
		logger.Info("campaign seeded",
			zap.String("campaign_id", c.ID),
			zap.Int("rewards", len(rewards)),
		)
	}
	return report, nil
}

// Overrides returns the static decision overrides declared per campaign
func (f *File) Overrides() decision.Static {
	out := decision.Static{}
	for _, c := range f.Campaigns {
		if len(c.Overrides) > 0 {
			out[c.ID] = append(out[c.ID], c.Overrides...)
		}
	}
	return out
}

func (c Campaign) toModel() (*model.Campaign, []model.Reward) {
	campaign := &model.Campaign{
		ID:          c.ID,
		Name:        c.Name,
		Mechanic:    c.Mechanic,
		Status:      c.Status,
		StartAt:     c.StartAt.UTC(),
		EndAt:       c.EndAt.UTC(),
		BudgetLimit: c.BudgetLimit,
		DailyLimit:  c.DailyLimit,
		Rules:       model.Rules(c.Rules),
	}
	if campaign.Status == "" {
		campaign.Status = model.CampaignDraft
	}

	rewards := make([]model.Reward, 0, len(c.Rewards))
	for _, r := range c.Rewards {
		rewards = append(rewards, model.Reward{
			ID:                r.ID,
			Name:              r.Name,
			Type:              r.Type,
			Value:             r.Value,
			ProbabilityWeight: r.Weight,
			StockLimit:        r.StockLimit,
			CostEstimate:      r.CostEstimate,
			ExpirationSeconds: int64(r.Expiration / time.Second),
		})
	}
	return campaign, rewards
}
