// Package resolver draws the prize for an activation.
package resolver

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/decision"
	"github.com/kkkkikiki/activation/internal/model"
)

// Candidates returns the rewards that still have stock, fit in the
// remaining budget and carry a positive weight.
func Candidates(rewards []model.Reward, remainingBudget int64) []model.Reward {
	out := make([]model.Reward, 0, len(rewards))
	for _, r := range rewards {
		if r.ProbabilityWeight <= 0 || !r.HasStock() || r.CostEstimate > remainingBudget {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Resolve picks one reward with probability proportional to its weight.
// A nil reward with nil error means "no prize".
// rng must be a CSPRNG: an attacker who predicts the draw can force wins.
func Resolve(rng clock.RandomSource, rewards []model.Reward, remainingBudget int64) (*model.Reward, error) {
	candidates := Candidates(rewards, remainingBudget)
	if len(candidates) == 0 {
		return nil, nil
	}

	var total int64
	for _, r := range candidates {
		if r.ProbabilityWeight > math.MaxInt64-total {
			return nil, fmt.Errorf("resolver: weight sum overflows")
		}
		total += r.ProbabilityWeight
	}

	draw, err := rng.Int63n(total)
	if err != nil {
		return nil, fmt.Errorf("resolver: draw: %w", err)
	}

	var cumulative int64
	for i := range candidates {
		cumulative += candidates[i].ProbabilityWeight
		if draw < cumulative {
			picked := candidates[i]
			return &picked, nil
		}
	}
	// unreachable: draw < total == final cumulative
	return nil, fmt.Errorf("resolver: draw %d outside total %d", draw, total)
}

// Adjustment records one weight change made by an override.
type Adjustment struct {
	RewardID   string  `json:"reward_id"`
	Before     int64   `json:"before"`
	After      int64   `json:"after"`
	Multiplier float64 `json:"multiplier"`
}

// ApplyOverrides returns a copy of rewards with matching override
// multipliers applied. Overrides whose condition does not match the
// profile, or whose multiplier is negative, are skipped. A zero
// multiplier removes the reward from the draw.
func ApplyOverrides(rewards []model.Reward, overrides []decision.Override, profile map[string]any, logger *zap.Logger) ([]model.Reward, []Adjustment) {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([]model.Reward, len(rewards))
	copy(out, rewards)
	if len(overrides) == 0 {
		return out, nil
	}

	var adjustments []Adjustment
	for _, o := range overrides {
		if o.WeightMultiplier < 0 || math.IsNaN(o.WeightMultiplier) || math.IsInf(o.WeightMultiplier, 0) {
			logger.Warn("ignoring invalid weight multiplier", zap.Float64("multiplier", o.WeightMultiplier))
			continue
		}
		if !o.Matches(profile) {
			continue
		}

		for i := range out {
			if o.RewardType != "" && out[i].Type != o.RewardType {
				continue
			}
			before := out[i].ProbabilityWeight
			after := scaleWeight(before, o.WeightMultiplier)
			out[i].ProbabilityWeight = after

			adjustments = append(adjustments, Adjustment{
				RewardID:   out[i].ID,
				Before:     before,
				After:      after,
				Multiplier: o.WeightMultiplier,
			})
			logger.Info("reward weight override applied",
				zap.String("reward_id", out[i].ID),
				zap.String("reward_type", string(out[i].Type)),
				zap.Int64("weight_before", before),
				zap.Int64("weight_after", after),
				zap.Float64("multiplier", o.WeightMultiplier),
				zap.String("source", o.Source),
			)
		}
	}
	return out, adjustments
}

func scaleWeight(weight int64, multiplier float64) int64 {
	if multiplier == 0 || weight <= 0 {
		return 0
	}
	scaled := math.Round(float64(weight) * multiplier)
	if scaled >= math.MaxInt64/2 {
		return math.MaxInt64 / 2
	}
	if scaled < 1 {
		return 1
	}
	return int64(scaled)
}
