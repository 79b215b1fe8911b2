package usage

import (
	"math"
	"strings"
)

// ModelUsage is the per-model rollup of charged events.
type ModelUsage struct {
	Cost   float64 `json:"cost"`
	Tokens int64   `json:"tokens"`
	Count  int     `json:"count"`
}

// Aggregate is the cost rollup of one event window.
type AggregateResult struct {
	TotalCost    float64
	TotalTokens  int64
	EventCount   int
	ChargedCount int
	ByModel      map[string]ModelUsage
}

// planCredits maps a membership type to the monthly included credit in
// dollars. Unknown plans get no credit.
var planCredits = map[string]float64{
	"free":       10,
	"free_trial": 10,
	"pro":        20,
	"pro_trial":  20,
	"business":   40,
	"team":       40,
	"enterprise": 100,
}

// PlanCredit returns the included credit for a membership type,
// case-insensitive. overrides, when non-nil, take precedence over the
// built-in table.
func PlanCredit(membershipType string, overrides map[string]float64) float64 {
	key := strings.ToLower(strings.TrimSpace(membershipType))
	if overrides != nil {
		if v, ok := overrides[key]; ok {
			return v
		}
	}
	return planCredits[key]
}

func unpaidAmount(totalCost float64, membershipType string, overrides map[string]float64) float64 {
	return round2(math.Max(0, totalCost-PlanCredit(membershipType, overrides)))
}

// Aggregate sums charged events into cost and token totals. Events whose
// kind marks them unbilled or failed are counted but contribute nothing.
func (c *Client) Aggregate(events []Event, membershipType string) AggregateResult {
	agg := AggregateResult{
		EventCount: len(events),
		ByModel:    make(map[string]ModelUsage),
	}
	for _, ev := range events {
		if strings.Contains(ev.Kind, "NOT_CHARGED") || strings.Contains(ev.Kind, "ERRORED") {
			continue
		}
		cost := ev.TokenUsage.TotalCents / 100
		tokens := ev.TokenUsage.InputTokens + ev.TokenUsage.OutputTokens +
			ev.TokenUsage.CacheWriteTokens + ev.TokenUsage.CacheReadTokens

		agg.TotalCost += cost
		agg.TotalTokens += tokens
		agg.ChargedCount++

		model := ev.Model
		if model == "" {
			model = "unknown"
		}
		mu := agg.ByModel[model]
		mu.Cost = round2(mu.Cost + cost)
		mu.Tokens += tokens
		mu.Count++
		agg.ByModel[model] = mu
	}
	agg.TotalCost = round2(agg.TotalCost)
	return agg
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
