package syncer

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/cursor-sync/internal/crypto"
	"github.com/pysugar/cursor-sync/internal/scanner"
	"github.com/pysugar/cursor-sync/internal/store"
	"github.com/pysugar/cursor-sync/internal/usage"
)

func makeJWT(t *testing.T, sub string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := map[string]interface{}{
		"sub":  sub,
		"type": "session",
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(raw) + ".c2ln"
}

type fakeUpstream struct {
	email         string
	events        []usage.Event
	identityCode  int
	identityCalls int
}

func (f *fakeUpstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		f.identityCalls++
		if f.identityCode != 0 {
			w.WriteHeader(f.identityCode)
			return
		}
		fmt.Fprintf(w, `{"email":%q,"sub":"auth0|user_01TEST"}`, f.email)
	})
	mux.HandleFunc("/api/usage-summary", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"membershipType":"pro","individualUsage":{"plan":{"used":50,"limit":500}}}`)
	})
	mux.HandleFunc("/api/auth/stripe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"daysRemainingOnTrial":0,"subscriptionStatus":"active"}`)
	})
	mux.HandleFunc("/api/dashboard/get-filtered-usage-events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"totalUsageEventsCount": len(f.events),
			"usageEventsDisplay":    f.events,
		})
	})
	return mux
}

func chargedEvent(cents float64, ts time.Time) usage.Event {
	return usage.Event{
		Kind:      "USAGE_EVENT_KIND_USAGE_BASED",
		Model:     "gpt-5",
		Timestamp: strconv.FormatInt(ts.UnixMilli(), 10),
		TokenUsage: usage.TokenUsage{
			TotalCents:  cents,
			InputTokens: 100,
		},
	}
}

func newTestSyncer(t *testing.T, up *fakeUpstream) (*Syncer, *store.Manager) {
	t.Helper()
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.db"), crypto.NewDefaultManager())
	require.NoError(t, err)

	return New(st, usage.NewClient(srv.URL, 5*time.Second, nil), scanner.New()), st
}

func seedAccount(t *testing.T, st *store.Manager, email string, acc store.Account) *store.Account {
	t.Helper()
	acc.Email = email
	if acc.AccessToken == "" {
		acc.AccessToken = makeJWT(t, "auth0|user_01TEST")
	}
	saved, err := st.Upsert(&acc)
	require.NoError(t, err)
	return saved
}

func TestSyncAccountFirstRun(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	up := &fakeUpstream{email: "a@b.com", events: []usage.Event{chargedEvent(800, now)}}
	s, st := newTestSyncer(t, up)
	saved := seedAccount(t, st, "a@b.com", store.Account{})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", loaded.MembershipType)
	assert.InDelta(t, 8.0, loaded.TotalCost, 1e-9)
	assert.InDelta(t, 8.0, loaded.AccumulatedCost, 1e-9)
	assert.Zero(t, loaded.UnpaidAmount)
	assert.Equal(t, int64(100), loaded.TotalTokens)
	require.NotNil(t, loaded.LastRefreshTime)
	assert.Equal(t, now.UnixMilli(), loaded.LastRefreshTime.UnixMilli())
	assert.False(t, loaded.IsInvalid)
}

func TestSyncAccountIncremental(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	up := &fakeUpstream{email: "a@b.com", events: []usage.Event{chargedEvent(700, now)}}
	s, st := newTestSyncer(t, up)

	prior := now.Add(-24 * time.Hour)
	saved := seedAccount(t, st, "a@b.com", store.Account{
		LastRefreshTime: &prior,
		AccumulatedCost: 18,
		TotalCost:       18,
		TotalTokens:     900,
		EventCount:      4,
	})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, loaded.TotalCost, 1e-9)
	assert.InDelta(t, 25.0, loaded.AccumulatedCost, 1e-9)
	assert.InDelta(t, 5.0, loaded.UnpaidAmount, 1e-9, "$25 against the $20 pro credit")
	assert.Equal(t, int64(1000), loaded.TotalTokens)
	assert.Equal(t, 5, loaded.EventCount)
	assert.Equal(t, now.UnixMilli(), loaded.LastRefreshTime.UnixMilli())
}

func TestSyncAccountZeroEventsNoOp(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"} // no events
	s, st := newTestSyncer(t, up)

	prior := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	saved := seedAccount(t, st, "a@b.com", store.Account{
		LastRefreshTime: &prior,
		AccumulatedCost: 12.34,
		TotalCost:       12.34,
	})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, prior.UnixMilli(), loaded.LastRefreshTime.UnixMilli())
	assert.Equal(t, 12.34, loaded.AccumulatedCost)
	assert.Equal(t, 12.34, loaded.TotalCost)
	// plan fields still refresh
	assert.Equal(t, "pro", loaded.MembershipType)
}

func TestSyncAccountRejectedPreservesData(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com", identityCode: http.StatusUnauthorized}
	s, st := newTestSyncer(t, up)
	saved := seedAccount(t, st, "a@b.com", store.Account{TotalCost: 9.5, MembershipType: "pro"})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsInvalid)
	assert.Equal(t, 9.5, loaded.TotalCost, "rejection must not erase usage data")
	assert.Equal(t, "pro", loaded.MembershipType)
}

func TestSyncAccountServerDownWritesNothing(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com", identityCode: http.StatusBadGateway}
	s, st := newTestSyncer(t, up)
	saved := seedAccount(t, st, "a@b.com", store.Account{TotalCost: 9.5})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeServerUnavailable, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.False(t, loaded.IsInvalid, "an outage says nothing about the token")
	assert.Equal(t, 9.5, loaded.TotalCost)
}

func TestSyncAccountNoUsableCredential(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"}
	s, st := newTestSyncer(t, up)
	saved := seedAccount(t, st, "a@b.com", store.Account{AccessToken: "not-a-jwt"})

	res, err := s.SyncAccount(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCredential, res.Outcome)

	loaded, err := st.GetByID(saved.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsInvalid)
}

func TestSyncBatchAllActive(t *testing.T) {
	now := time.Now()
	up := &fakeUpstream{email: "a@b.com", events: []usage.Event{chargedEvent(100, now)}}
	s, st := newTestSyncer(t, up)
	for i := 0; i < 3; i++ {
		seedAccount(t, st, fmt.Sprintf("u%d@x.com", i), store.Account{})
	}

	results, err := s.SyncBatch(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.Equal(t, OutcomeActive, res.Outcome)
	}
}

func TestSyncBatchHaltsOnOutage(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com", identityCode: http.StatusServiceUnavailable}
	s, st := newTestSyncer(t, up)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, seedAccount(t, st, fmt.Sprintf("u%d@x.com", i), store.Account{}).ID)
	}

	results, err := s.SyncBatch(context.Background(), ids, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeServerUnavailable, results[0].Outcome)

	// no account gets flagged invalid because of an outage
	accounts, err := st.List(store.Filter{Status: "invalid"})
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

// writeStateStore creates a real editor state database with credentials
// and a full machine fingerprint.
func writeStateStore(t *testing.T, dir string, jwt string) string {
	t.Helper()
	path := filepath.Join(dir, "state.vscdb")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)

	rows := map[string]string{
		"cursorAuth/accessToken": jwt,
		"cursorAuth/cachedEmail": "a@b.com",
		"telemetry.machineId":    "m1",
		"telemetry.macMachineId": "m2",
		"telemetry.devDeviceId":  "d1",
		"telemetry.sqmId":        "{S1}",
		"system.machineGuid":     "g1",
	}
	for k, v := range rows {
		_, err = db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	return path
}

func TestSyncCurrent(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	up := &fakeUpstream{email: "a@b.com", events: []usage.Event{chargedEvent(500, now)}}
	s, st := newTestSyncer(t, up)

	storePath := writeStateStore(t, t.TempDir(), makeJWT(t, "auth0|user_01TEST"))
	s.Scanner.ExtraPaths = []string{storePath}

	res, err := s.SyncCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)
	assert.Equal(t, "a@b.com", res.Email)

	loaded, err := st.GetByEmail("a@b.com")
	require.NoError(t, err)
	assert.Equal(t, storePath, loaded.StorePath)
	assert.InDelta(t, 5.0, loaded.TotalCost, 1e-9)
	assert.Equal(t, "d1", loaded.MachineIDs["telemetry.devDeviceId"])
	// session form was synthesized from the access token, so it must not
	// be stored as a server-issued credential
	assert.Empty(t, loaded.SessionToken)
	assert.Contains(t, loaded.AccessToken, "eyJ")
	assert.Equal(t, 1, up.identityCalls, "one refresh resolves the identity once")
}

func TestSyncCurrentZeroEventsKeepsBilling(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"} // no events
	s, st := newTestSyncer(t, up)

	prior := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	lastUsed := prior.Add(-time.Minute)
	seedAccount(t, st, "a@b.com", store.Account{
		LastRefreshTime: &prior,
		LastUsed:        &lastUsed,
		AccumulatedCost: 25,
		TotalCost:       25,
		UnpaidAmount:    5,
		TotalTokens:     900,
		EventCount:      4,
		ModelUsageJSON:  `{"gpt-5":{"cost":25,"tokens":900,"count":4}}`,
	})

	storePath := writeStateStore(t, t.TempDir(), makeJWT(t, "auth0|user_01TEST"))
	s.Scanner.ExtraPaths = []string{storePath}

	res, err := s.SyncCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	// an empty event window must not zero what earlier runs accumulated
	loaded, err := st.GetByEmail("a@b.com")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, loaded.TotalCost, 1e-9)
	assert.InDelta(t, 25.0, loaded.AccumulatedCost, 1e-9)
	assert.InDelta(t, 5.0, loaded.UnpaidAmount, 1e-9)
	assert.Equal(t, int64(900), loaded.TotalTokens)
	assert.Equal(t, 4, loaded.EventCount)
	assert.Contains(t, loaded.ModelUsageJSON, "gpt-5")
	require.NotNil(t, loaded.LastRefreshTime)
	assert.Equal(t, prior.UnixMilli(), loaded.LastRefreshTime.UnixMilli())
	require.NotNil(t, loaded.LastUsed)
	assert.Equal(t, lastUsed.UnixMilli(), loaded.LastUsed.UnixMilli())
	// plan fields still refresh
	assert.Equal(t, "pro", loaded.MembershipType)
}

func TestSyncCurrentKeepsPartialFingerprint(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"}
	s, st := newTestSyncer(t, up)

	// three of the five fingerprint keys present
	path := filepath.Join(t.TempDir(), "state.vscdb")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)
	rows := map[string]string{
		"cursorAuth/accessToken": makeJWT(t, "auth0|user_01TEST"),
		"cursorAuth/cachedEmail": "a@b.com",
		"telemetry.machineId":    "m1",
		"telemetry.macMachineId": "m2",
		"telemetry.devDeviceId":  "d1",
	}
	for k, v := range rows {
		_, err = db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	s.Scanner.ExtraPaths = []string{path}

	res, err := s.SyncCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	// the real device values survive; nothing synthetic replaces them
	loaded, err := st.GetByEmail("a@b.com")
	require.NoError(t, err)
	assert.Len(t, loaded.MachineIDs, 3)
	assert.Equal(t, "m1", loaded.MachineIDs["telemetry.machineId"])
	assert.Equal(t, "d1", loaded.MachineIDs["telemetry.devDeviceId"])
}

func TestSyncCurrentStoredSessionToken(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"}
	s, st := newTestSyncer(t, up)

	sessionToken := "user_01TEST::" + makeJWT(t, "auth0|user_01TEST")
	path := filepath.Join(t.TempDir(), "state.vscdb")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, "WorkosCursorSessionToken", sessionToken)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	s.Scanner.ExtraPaths = []string{path}

	res, err := s.SyncCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, res.Outcome)

	// server-issued session tokens do get persisted
	loaded, err := st.GetByEmail("a@b.com")
	require.NoError(t, err)
	assert.Equal(t, sessionToken, loaded.SessionToken)
}

func TestSyncCurrentNoStores(t *testing.T) {
	up := &fakeUpstream{email: "a@b.com"}
	s, _ := newTestSyncer(t, up)
	s.Scanner.ExtraPaths = []string{filepath.Join(t.TempDir(), "missing.vscdb")}

	res, err := s.SyncCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCredential, res.Outcome)
}
