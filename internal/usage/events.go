package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pysugar/cursor-sync/internal/token"
)

const eventsPageSize = 100

// TokenUsage is the per-event token breakdown from the dashboard API.
type TokenUsage struct {
	TotalCents       float64 `json:"totalCents"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
}

// Event is a single usage event. Timestamp is milliseconds since epoch,
// encoded as a string upstream.
type Event struct {
	Kind       string     `json:"kind"`
	Model      string     `json:"model"`
	Timestamp  string     `json:"timestamp"`
	TokenUsage TokenUsage `json:"tokenUsage"`
}

type eventsRequest struct {
	TeamID    int    `json:"teamId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Page      int    `json:"page"`
	PageSize  int    `json:"pageSize"`
}

type eventsResponse struct {
	TotalUsageEventsCount int     `json:"totalUsageEventsCount"`
	UsageEventsDisplay    []Event `json:"usageEventsDisplay"`
}

// FetchUsageEvents pages through the filtered-events endpoint from the
// watermark (or the start of the current month on first sync) to now,
// newest first. The loop is bounded by the server-reported total, stops on
// a short page, and aborts immediately on context cancellation.
func (c *Client) FetchUsageEvents(ctx context.Context, tok *token.Resolved, wm Watermark) ([]Event, error) {
	start := wm.LastRefreshTime
	if start.IsZero() {
		now := time.Now()
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	}
	end := time.Now()

	var all []Event
	total := -1
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.fetchEventsPage(ctx, tok, start, end, page)
		if err != nil {
			return nil, fmt.Errorf("events page %d: %w", page, err)
		}
		if total < 0 {
			total = resp.TotalUsageEventsCount
			log.Debug().Int("total", total).Time("since", start).Msg("🔍 fetching usage events")
		}
		all = append(all, resp.UsageEventsDisplay...)
		if len(resp.UsageEventsDisplay) < eventsPageSize || len(all) >= total {
			break
		}
	}
	return all, nil
}

func (c *Client) fetchEventsPage(ctx context.Context, tok *token.Resolved, start, end time.Time, page int) (*eventsResponse, error) {
	body, err := json.Marshal(eventsRequest{
		TeamID:    0,
		StartDate: strconv.FormatInt(start.UnixMilli(), 10),
		EndDate:   strconv.FormatInt(end.UnixMilli(), 10),
		Page:      page,
		PageSize:  eventsPageSize,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/dashboard/get-filtered-usage-events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	authorize(req, tok)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out eventsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}
	return &out, nil
}

// parseEventTimestamp converts the upstream millisecond string to a time.
func parseEventTimestamp(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
