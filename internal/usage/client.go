// Package usage talks to the remote billing/usage API and runs the
// incremental refresh protocol: identity, plan summary, then paginated
// usage events bounded by the account's watermark, aggregated into cost
// totals that accumulate across runs.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pysugar/cursor-sync/internal/token"
	"github.com/pysugar/cursor-sync/internal/util"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

var (
	// ErrServerUnavailable means the remote service itself is down (5xx on
	// the identity endpoint). Callers treat it as fatal for the whole batch.
	ErrServerUnavailable = errors.New("usage service unavailable")

	// ErrNoData means the remote rejected the token or returned nothing
	// usable. It marks the account invalid without stopping sibling syncs.
	ErrNoData = errors.New("no usage data for account")
)

// Client is the remote usage API client. It is stateless and safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	credits    map[string]float64
}

// NewClient builds a usage client against baseURL with a fixed per-request
// timeout. planCredits overrides the built-in credit table when non-nil.
func NewClient(baseURL string, timeout time.Duration, planCredits map[string]float64) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		credits:    planCredits,
	}
}

// Identity is the account identity returned by the auth endpoint.
type Identity struct {
	Email         string `json:"email"`
	Sub           string `json:"sub"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// PlanSummary is the merged plan/usage view from the summary and billing
// profile endpoints. Fields missing upstream keep their zero values.
type PlanSummary struct {
	MembershipType     string
	Used               int64
	Limit              int64
	UsagePercent       float64
	DaysRemaining      int
	SubscriptionStatus string
}

// Watermark bounds an incremental sync and carries the cost total forward
// across runs. A zero LastRefreshTime means no prior sync.
type Watermark struct {
	LastRefreshTime time.Time
	AccumulatedCost float64
}

// Report is the outcome of one successful sync.
type Report struct {
	Identity Identity
	Plan     PlanSummary

	TotalCost    float64 // displayed total: accumulated across runs
	NewCost      float64 // cost of this period only
	UnpaidAmount float64
	TotalTokens  int64
	EventCount   int
	ModelUsage   map[string]ModelUsage

	Watermark Watermark // advanced (or unchanged on zero events)
	LastUsed  time.Time // newest event timestamp; zero when no events
}

// authorize applies Bearer or Cookie auth depending on the token kind. The
// session cookie value is URL-escaped the way the dashboard sends it.
func authorize(req *http.Request, tok *token.Resolved) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if tok.Kind == token.KindSession {
		req.Header.Set("Cookie", "WorkosCursorSessionToken="+url.QueryEscape(tok.Raw))
		req.Header.Set("Referer", "https://www.cursor.com/")
	} else {
		req.Header.Set("Authorization", "Bearer "+tok.Raw)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, tok *token.Resolved, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	authorize(req, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Str("body", util.TruncateBytes(body)).Msg("non-200 response")
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// FetchIdentity resolves the account identity for the token. A 5xx here is
// the service being down, distinct from a rejected token.
func (c *Client) FetchIdentity(ctx context.Context, tok *token.Resolved) (*Identity, error) {
	var ident Identity
	status, err := c.getJSON(ctx, "/api/auth/me", tok, &ident)
	if status >= 500 {
		return nil, fmt.Errorf("%w: identity endpoint returned %d", ErrServerUnavailable, status)
	}
	if err != nil {
		// Cancellation is the caller's doing, not a verdict on the token.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	if ident.Email == "" {
		return nil, fmt.Errorf("%w: identity response carried no email", ErrNoData)
	}
	return &ident, nil
}

type usageSummaryResponse struct {
	MembershipType  string `json:"membershipType"`
	IndividualUsage struct {
		Plan struct {
			Used  int64 `json:"used"`
			Limit int64 `json:"limit"`
		} `json:"plan"`
	} `json:"individualUsage"`
}

type billingProfileResponse struct {
	DaysRemainingOnTrial int    `json:"daysRemainingOnTrial"`
	SubscriptionStatus   string `json:"subscriptionStatus"`
	MembershipType       string `json:"membershipType"`
}

// FetchPlanSummary merges the usage-summary and billing-profile endpoints.
// Both are best-effort: a failure leaves the corresponding fields zeroed
// rather than failing the sync.
func (c *Client) FetchPlanSummary(ctx context.Context, tok *token.Resolved) PlanSummary {
	plan := PlanSummary{MembershipType: "free", Limit: 1000}

	var summary usageSummaryResponse
	if _, err := c.getJSON(ctx, "/api/usage-summary", tok, &summary); err != nil {
		log.Debug().Err(err).Msg("usage summary unavailable")
	} else {
		if summary.MembershipType != "" {
			plan.MembershipType = summary.MembershipType
		}
		plan.Used = summary.IndividualUsage.Plan.Used
		if summary.IndividualUsage.Plan.Limit > 0 {
			plan.Limit = summary.IndividualUsage.Plan.Limit
		}
		if plan.Limit > 0 {
			plan.UsagePercent = round1(float64(plan.Used) / float64(plan.Limit) * 100)
		}
	}

	var profile billingProfileResponse
	if _, err := c.getJSON(ctx, "/api/auth/stripe", tok, &profile); err != nil {
		log.Debug().Err(err).Msg("billing profile unavailable")
	} else {
		plan.DaysRemaining = profile.DaysRemainingOnTrial
		plan.SubscriptionStatus = profile.SubscriptionStatus
		if profile.MembershipType != "" {
			plan.MembershipType = profile.MembershipType
		}
	}

	return plan
}

// Sync runs one full refresh: identity, plan, paginated events bounded by
// the watermark, and the incremental merge. It never advances the watermark
// unless events actually arrived, so a sync with no activity (or a
// cancelled pagination) is a strict no-op on cost state.
func (c *Client) Sync(ctx context.Context, tok *token.Resolved, wm Watermark) (*Report, error) {
	ident, err := c.FetchIdentity(ctx, tok)
	if err != nil {
		return nil, err
	}
	log.Info().Str("email", ident.Email).Msg("✓ identity resolved")
	return c.SyncIdentified(ctx, tok, ident, wm)
}

// SyncIdentified is Sync for callers that already resolved the identity,
// so the auth endpoint is only hit once per refresh.
func (c *Client) SyncIdentified(ctx context.Context, tok *token.Resolved, ident *Identity, wm Watermark) (*Report, error) {
	plan := c.FetchPlanSummary(ctx, tok)

	report := &Report{
		Identity:  *ident,
		Plan:      plan,
		Watermark: wm,
		TotalCost: wm.AccumulatedCost,
	}
	// The carried-forward total still owes against the plan credit even
	// when this run adds nothing.
	report.UnpaidAmount = unpaidAmount(report.TotalCost, plan.MembershipType, c.credits)

	events, err := c.FetchUsageEvents(ctx, tok, wm)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation must not alter the persisted watermark.
			return nil, ctx.Err()
		}
		// Event fetch failures degrade to "no new data this run": identity
		// and plan still refresh, cost state stays exactly as it was.
		log.Warn().Err(err).Str("email", ident.Email).Msg("usage events unavailable, keeping prior cost state")
		return report, nil
	}

	if len(events) == 0 {
		log.Info().Str("email", ident.Email).Float64("accumulated", wm.AccumulatedCost).Msg("✓ no new usage events")
		return report, nil
	}

	agg := c.Aggregate(events, plan.MembershipType)
	report.NewCost = agg.TotalCost
	report.TotalTokens = agg.TotalTokens
	report.EventCount = agg.EventCount
	report.ModelUsage = agg.ByModel

	if !wm.LastRefreshTime.IsZero() && wm.AccumulatedCost > 0 {
		report.TotalCost = round2(wm.AccumulatedCost + agg.TotalCost)
		log.Info().Str("email", ident.Email).Float64("new", agg.TotalCost).Float64("accumulated", report.TotalCost).Int("events", len(events)).Msg("✓ incremental refresh")
	} else {
		report.TotalCost = agg.TotalCost
		log.Info().Str("email", ident.Email).Float64("total", agg.TotalCost).Int("events", len(events)).Msg("✓ full refresh")
	}
	report.UnpaidAmount = unpaidAmount(report.TotalCost, plan.MembershipType, c.credits)

	// Server order is newest-first; the first event of the first page is
	// the new watermark.
	if ts, ok := parseEventTimestamp(events[0].Timestamp); ok {
		report.Watermark = Watermark{LastRefreshTime: ts, AccumulatedCost: report.TotalCost}
		report.LastUsed = ts
	} else {
		report.Watermark.AccumulatedCost = report.TotalCost
	}

	return report, nil
}
