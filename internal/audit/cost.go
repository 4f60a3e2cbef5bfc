package audit

import (
	"math"

	"github.com/crewline/crewline/internal/config"
)

// billableUnit is the smallest billable cost increment (one micro-USD).
const billableUnit = 1e-6

// ComputeCost calculates the USD cost for a model's token usage from
// the pricing table, rounded up to the smallest billable unit. Models
// not in the table are treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	if cost <= 0 {
		return 0
	}
	return math.Ceil(cost/billableUnit) * billableUnit
}
