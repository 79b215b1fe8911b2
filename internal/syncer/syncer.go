// Package syncer ties the pipeline together: local credential discovery,
// token normalization, remote usage refresh, and encrypted persistence.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pysugar/cursor-sync/internal/crypto"
	"github.com/pysugar/cursor-sync/internal/scanner"
	"github.com/pysugar/cursor-sync/internal/store"
	"github.com/pysugar/cursor-sync/internal/token"
	"github.com/pysugar/cursor-sync/internal/usage"
	"github.com/pysugar/cursor-sync/internal/util"
)

// Outcome classifies how a single account sync ended.
type Outcome string

const (
	// OutcomeActive means the refresh succeeded and the account is valid.
	OutcomeActive Outcome = "active"
	// OutcomeInvalid means the remote rejected the credentials; stored
	// data is preserved and the account is flagged.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeServerUnavailable means the remote service is down. Nothing
	// is written: an outage says nothing about token validity.
	OutcomeServerUnavailable Outcome = "server_unavailable"
	// OutcomeNoCredential means no usable token was found locally.
	OutcomeNoCredential Outcome = "no_credential"
)

// Result is the outcome of syncing one account.
type Result struct {
	Outcome Outcome        `json:"outcome"`
	Email   string         `json:"email,omitempty"`
	Account *store.Account `json:"account,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Syncer orchestrates one or many account refreshes.
type Syncer struct {
	Store   *store.Manager
	Usage   *usage.Client
	Scanner *scanner.Scanner
}

// New wires the three collaborators.
func New(st *store.Manager, uc *usage.Client, sc *scanner.Scanner) *Syncer {
	return &Syncer{Store: st, Usage: uc, Scanner: sc}
}

// SyncCurrent discovers the account signed into the local editor, refreshes
// it against the remote API, and upserts the result. The newest-modified
// state store that yields a usable credential wins.
func (s *Syncer) SyncCurrent(ctx context.Context) (*Result, error) {
	for _, cand := range s.Scanner.Scan(ctx) {
		tok, err := token.Resolve(cand.Record)
		if err != nil {
			log.Debug().Str("store", cand.Store.Path).Err(err).Msg("store yielded no credential")
			continue
		}
		if err := tok.Validate(time.Now()); err != nil {
			log.Warn().Str("store", cand.Store.Path).Err(err).Msg("token looks stale, syncing anyway")
		}
		log.Info().Str("store", cand.Store.Path).Str("kind", tok.Kind.String()).Str("token", util.MaskToken(tok.Raw)).Msg("🔍 current account candidate")

		return s.refresh(ctx, tok, cand), nil
	}

	return &Result{Outcome: OutcomeNoCredential, Error: token.ErrNoCredential.Error()}, nil
}

// SyncAccount refreshes one stored account by id using its persisted
// tokens.
func (s *Syncer) SyncAccount(ctx context.Context, id string) (*Result, error) {
	acc, err := s.Store.GetByID(id)
	if err != nil {
		return nil, err
	}

	tok, err := token.Resolve(storedRecord(acc))
	if err != nil {
		// No usable token on file: flag without touching usage data.
		if uerr := s.Store.UpdateFields(acc.ID, map[string]interface{}{"is_invalid": true}); uerr != nil {
			return nil, uerr
		}
		return &Result{Outcome: OutcomeNoCredential, Email: acc.Email, Error: err.Error()}, nil
	}

	return s.refreshStored(ctx, acc, tok), nil
}

// SyncBatch refreshes the given accounts (all of them when ids is empty)
// with bounded concurrency. A service outage halts the whole batch; other
// failures only flag their own account.
func (s *Syncer) SyncBatch(ctx context.Context, ids []string, concurrency int) ([]Result, error) {
	if len(ids) == 0 {
		accounts, err := s.Store.List(store.Filter{})
		if err != nil {
			return nil, err
		}
		for _, acc := range accounts {
			ids = append(ids, acc.ID)
		}
	}
	if concurrency <= 0 {
		concurrency = 3
	}

	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, id := range ids {
		g.Go(func() error {
			res, err := s.SyncAccount(gctx, id)
			if err != nil {
				results[i] = Result{Outcome: OutcomeInvalid, Error: err.Error()}
				return nil
			}
			results[i] = *res
			if res.Outcome == OutcomeServerUnavailable {
				// Cancel in-flight siblings: every remaining sync would
				// hit the same outage.
				return usage.ErrServerUnavailable
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, usage.ErrServerUnavailable) {
		return results, err
	}
	if errors.Is(err, usage.ErrServerUnavailable) {
		log.Warn().Msg("batch halted: usage service unavailable")
	}
	return results, nil
}

// refresh handles a freshly scanned credential: resolve the identity, pick
// up any watermark a prior sync left for that email, run the remote sync,
// then upsert the full account record including tokens and fingerprint.
func (s *Syncer) refresh(ctx context.Context, tok *token.Resolved, cand scanner.Candidate) *Result {
	ident, err := s.Usage.FetchIdentity(ctx, tok)
	if res := classifySyncErr(err, tok.Email); res != nil {
		return res
	}

	wm := usage.Watermark{}
	prior, err := s.Store.GetByEmail(ident.Email)
	if err != nil {
		prior = nil
	} else {
		wm = watermarkOf(prior)
	}

	report, err := s.Usage.SyncIdentified(ctx, tok, ident, wm)
	if res := classifySyncErr(err, ident.Email); res != nil {
		return res
	}

	// A partial fingerprint still carries real device values; only a store
	// with none at all gets a generated one.
	fingerprint, _ := scanner.ExtractFingerprint(cand.Record)
	if fingerprint == nil {
		if tok.UserID != "" {
			fingerprint = scanner.GenerateFingerprint(tok.UserID)
			log.Info().Str("email", report.Identity.Email).Msg("generated replacement machine fingerprint")
		} else if prior != nil {
			fingerprint = prior.MachineIDs
		}
	}

	acc := &store.Account{
		Email:        report.Identity.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		MachineIDs:   fingerprint,
		StorePath:    cand.Store.Path,
	}
	// A session token synthesized locally from an access token is for
	// outbound calls only; only server-issued ones are persisted.
	if tok.Kind == token.KindSession && !tok.Constructed {
		acc.SessionToken = tok.Raw
	}
	applyReport(acc, prior, report)

	saved, err := s.Store.Upsert(acc)
	if err != nil {
		return &Result{Outcome: OutcomeInvalid, Email: acc.Email, Error: err.Error()}
	}
	return &Result{Outcome: OutcomeActive, Email: saved.Email, Account: saved}
}

// refreshStored refreshes an already-persisted account in place, advancing
// its watermark only on success with events.
func (s *Syncer) refreshStored(ctx context.Context, acc *store.Account, tok *token.Resolved) *Result {
	report, err := s.Usage.Sync(ctx, tok, watermarkOf(acc))
	if err != nil {
		if errors.Is(err, usage.ErrServerUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &Result{Outcome: OutcomeServerUnavailable, Email: acc.Email, Error: err.Error()}
		}
		log.Warn().Str("email", acc.Email).Err(err).Msg("account rejected by usage service")
		if uerr := s.Store.UpdateFields(acc.ID, map[string]interface{}{"is_invalid": true}); uerr != nil {
			return &Result{Outcome: OutcomeInvalid, Email: acc.Email, Error: uerr.Error()}
		}
		return &Result{Outcome: OutcomeInvalid, Email: acc.Email, Error: err.Error()}
	}

	fields := reportFields(acc, report)
	if err := s.Store.UpdateFields(acc.ID, fields); err != nil {
		return &Result{Outcome: OutcomeInvalid, Email: acc.Email, Error: err.Error()}
	}

	updated, err := s.Store.GetByID(acc.ID)
	if err != nil {
		return &Result{Outcome: OutcomeActive, Email: acc.Email}
	}
	return &Result{Outcome: OutcomeActive, Email: acc.Email, Account: updated}
}

// classifySyncErr maps a usage sync error to its terminal result, or
// returns nil when the sync succeeded.
func classifySyncErr(err error, email string) *Result {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, usage.ErrServerUnavailable), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Result{Outcome: OutcomeServerUnavailable, Email: email, Error: err.Error()}
	default:
		return &Result{Outcome: OutcomeInvalid, Email: email, Error: err.Error()}
	}
}

// storedRecord rebuilds a scanner-shaped record from persisted tokens so
// the normal token precedence applies. Sentinel values from failed
// decryption are unusable and dropped.
func storedRecord(acc *store.Account) map[string]string {
	rec := make(map[string]string, 3)
	if acc.AccessToken != "" && acc.AccessToken != crypto.Sentinel {
		rec["cursorAuth/accessToken"] = acc.AccessToken
	}
	if acc.RefreshToken != "" && acc.RefreshToken != crypto.Sentinel {
		rec["cursorAuth/refreshToken"] = acc.RefreshToken
	}
	if acc.SessionToken != "" && acc.SessionToken != crypto.Sentinel {
		rec["WorkosCursorSessionToken"] = acc.SessionToken
	}
	if acc.Email != "" {
		rec["cursorAuth/cachedEmail"] = acc.Email
	}
	return rec
}

func watermarkOf(acc *store.Account) usage.Watermark {
	wm := usage.Watermark{AccumulatedCost: acc.AccumulatedCost}
	if acc.LastRefreshTime != nil {
		wm.LastRefreshTime = *acc.LastRefreshTime
	}
	return wm
}

// applyReport copies a sync report onto a fresh account struct, carrying
// derived billing state over from the prior record (when one exists) unless
// the sync actually produced events. Mirrors the reportFields gating so the
// full-column upsert cannot zero columns a no-event run never touched.
func applyReport(acc *store.Account, prior *store.Account, report *usage.Report) {
	acc.MembershipType = report.Plan.MembershipType
	acc.SubscriptionStatus = report.Plan.SubscriptionStatus
	acc.DaysRemaining = report.Plan.DaysRemaining
	acc.Used = report.Plan.Used
	acc.Quota = report.Plan.Limit
	acc.UsagePercent = report.Plan.UsagePercent
	acc.IsInvalid = false

	if report.EventCount == 0 {
		if prior != nil {
			acc.TotalCost = prior.TotalCost
			acc.AccumulatedCost = prior.AccumulatedCost
			acc.UnpaidAmount = prior.UnpaidAmount
			acc.TotalTokens = prior.TotalTokens
			acc.EventCount = prior.EventCount
			acc.ModelUsageJSON = prior.ModelUsageJSON
			acc.LastRefreshTime = prior.LastRefreshTime
			acc.LastUsed = prior.LastUsed
		}
		return
	}

	totalTokens := report.TotalTokens
	eventCount := report.EventCount
	if prior != nil && prior.LastRefreshTime != nil && prior.AccumulatedCost > 0 {
		totalTokens += prior.TotalTokens
		eventCount += prior.EventCount
	}
	acc.TotalCost = report.TotalCost
	acc.AccumulatedCost = report.Watermark.AccumulatedCost
	acc.UnpaidAmount = report.UnpaidAmount
	acc.TotalTokens = totalTokens
	acc.EventCount = eventCount
	if len(report.ModelUsage) > 0 {
		if raw, err := json.Marshal(report.ModelUsage); err == nil {
			acc.ModelUsageJSON = string(raw)
		}
	}
	if !report.Watermark.LastRefreshTime.IsZero() {
		ts := report.Watermark.LastRefreshTime
		acc.LastRefreshTime = &ts
	}
	if !report.LastUsed.IsZero() {
		lu := report.LastUsed
		acc.LastUsed = &lu
	}
}

// reportFields builds the partial update for an existing account. The
// watermark columns only appear when the sync actually produced events, so
// an empty window is a strict no-op on cost state. Token and period
// totals accumulate under the same condition the cost merge uses.
func reportFields(acc *store.Account, report *usage.Report) map[string]interface{} {
	fields := map[string]interface{}{
		"membership_type":     report.Plan.MembershipType,
		"subscription_status": report.Plan.SubscriptionStatus,
		"days_remaining":      report.Plan.DaysRemaining,
		"used":                report.Plan.Used,
		"quota":               report.Plan.Limit,
		"usage_percent":       report.Plan.UsagePercent,
		"is_invalid":          false,
	}

	if report.EventCount > 0 {
		incremental := acc.LastRefreshTime != nil && acc.AccumulatedCost > 0
		totalTokens := report.TotalTokens
		eventCount := report.EventCount
		if incremental {
			totalTokens += acc.TotalTokens
			eventCount += acc.EventCount
		}
		fields["total_cost"] = report.TotalCost
		fields["accumulated_cost"] = report.Watermark.AccumulatedCost
		fields["unpaid_amount"] = report.UnpaidAmount
		fields["total_tokens"] = totalTokens
		fields["event_count"] = eventCount
		if raw, err := json.Marshal(report.ModelUsage); err == nil {
			fields["model_usage"] = string(raw)
		}
		if !report.Watermark.LastRefreshTime.IsZero() {
			fields["last_refresh_time"] = report.Watermark.LastRefreshTime
		}
		if !report.LastUsed.IsZero() {
			fields["last_used"] = report.LastUsed
		}
	}
	return fields
}
