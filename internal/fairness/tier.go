package fairness

import (
	"github.com/samber/lo"

	"github.com/clipforge/ingestgate/internal/config"
)

// weightOf returns the configured weight for a tier. An unknown tier name is
// treated as the lightest configured tier so it can never starve real tiers.
func weightOf(tiers map[string]config.TierConfig, tier string) int {
	if t, ok := tiers[tier]; ok && t.Weight > 0 {
		return t.Weight
	}
	weights := lo.FilterMap(lo.Values(tiers), func(t config.TierConfig, _ int) (int, bool) {
		return t.Weight, t.Weight > 0
	})
	if len(weights) == 0 {
		return 1
	}
	return lo.Min(weights)
}

func sumWeights(tiers map[string]config.TierConfig) int {
	return lo.SumBy(lo.Values(tiers), func(t config.TierConfig) int {
		if t.Weight > 0 {
			return t.Weight
		}
		return 0
	})
}

// shareLimit scales a bucket limit down to one identity tier's proportional
// share. With weights 3:2:1 a weight-3 tier holds half the bucket. The share
// never scales below one request so light tiers keep a working allowance.
func shareLimit(tiers map[string]config.TierConfig, tier string, limit config.LimitConfig) config.LimitConfig {
	total := sumWeights(tiers)
	if total <= 0 {
		return limit
	}
	fraction := float64(weightOf(tiers, tier)) / float64(total)

	scaled := limit
	scaled.Requests = limit.Requests * fraction
	if scaled.Requests < 1 {
		scaled.Requests = 1
	}
	scaled.Burst = limit.Burst * fraction
	return scaled
}

// surplusLimit is the capacity a tier may borrow beyond its own share when
// the bucket has headroom: everything except the shares reserved for strictly
// heavier tiers. Heavier tiers therefore always find their reservation
// untouched, while idle capacity still gets used.
func surplusLimit(tiers map[string]config.TierConfig, tier string, limit config.LimitConfig) config.LimitConfig {
	total := sumWeights(tiers)
	if total <= 0 {
		return limit
	}
	w := weightOf(tiers, tier)
	reserved := lo.SumBy(lo.Values(tiers), func(t config.TierConfig) int {
		if t.Weight > w {
			return t.Weight
		}
		return 0
	})
	fraction := float64(total-reserved) / float64(total)

	scaled := limit
	scaled.Requests = limit.Requests * fraction
	if scaled.Requests < 1 {
		scaled.Requests = 1
	}
	scaled.Burst = limit.Burst * fraction
	return scaled
}
