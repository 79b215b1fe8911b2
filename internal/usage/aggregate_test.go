package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAggregateSkipsUnbilledKinds(t *testing.T) {
	now := time.Now()
	events := []Event{
		chargedEvent("gpt-5", 250, 100, now),
		{Kind: "USAGE_EVENT_KIND_NOT_CHARGED", Model: "gpt-5", TokenUsage: TokenUsage{TotalCents: 9999, InputTokens: 5000}},
		{Kind: "USAGE_EVENT_KIND_ERRORED_NOT_CHARGED", Model: "opus", TokenUsage: TokenUsage{TotalCents: 100}},
		chargedEvent("opus", 150, 200, now),
	}

	c := NewClient("http://unused", time.Second, nil)
	agg := c.Aggregate(events, "pro")

	assert.Equal(t, 4, agg.EventCount)
	assert.Equal(t, 2, agg.ChargedCount)
	assert.InDelta(t, 4.0, agg.TotalCost, 1e-9)
	assert.Equal(t, int64(300), agg.TotalTokens)
	assert.Len(t, agg.ByModel, 2)
	assert.InDelta(t, 2.5, agg.ByModel["gpt-5"].Cost, 1e-9)
	assert.Equal(t, 1, agg.ByModel["opus"].Count)
}

func TestAggregateSumsAllTokenKinds(t *testing.T) {
	events := []Event{{
		Kind:  "USAGE_EVENT_KIND_USAGE_BASED",
		Model: "gpt-5",
		TokenUsage: TokenUsage{
			TotalCents:       100,
			InputTokens:      1,
			OutputTokens:     2,
			CacheWriteTokens: 3,
			CacheReadTokens:  4,
		},
	}}

	c := NewClient("http://unused", time.Second, nil)
	agg := c.Aggregate(events, "free")
	assert.Equal(t, int64(10), agg.TotalTokens)
}

func TestPlanCredit(t *testing.T) {
	cases := []struct {
		plan string
		want float64
	}{
		{"free", 10},
		{"Free_Trial", 10},
		{"pro", 20},
		{"PRO", 20},
		{"pro_trial", 20},
		{"business", 40},
		{"team", 40},
		{"enterprise", 100},
		{"something_else", 0},
		{"", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PlanCredit(tc.plan, nil), "plan %q", tc.plan)
	}
}

func TestPlanCreditOverride(t *testing.T) {
	overrides := map[string]float64{"pro": 35}
	assert.Equal(t, 35.0, PlanCredit("pro", overrides))
	assert.Equal(t, 10.0, PlanCredit("free", overrides))
}

func TestUnpaidAmount(t *testing.T) {
	assert.InDelta(t, 5.0, unpaidAmount(25, "pro", nil), 1e-9)
	assert.Zero(t, unpaidAmount(8, "free", nil))
	assert.InDelta(t, 8.0, unpaidAmount(8, "unknown_plan", nil), 1e-9)
}

func TestParseEventTimestamp(t *testing.T) {
	ts, ok := parseEventTimestamp("1735689600000")
	assert.True(t, ok)
	assert.Equal(t, int64(1735689600000), ts.UnixMilli())

	_, ok = parseEventTimestamp("not-a-number")
	assert.False(t, ok)
	_, ok = parseEventTimestamp("")
	assert.False(t, ok)
	_, ok = parseEventTimestamp("0")
	assert.False(t, ok)
}
