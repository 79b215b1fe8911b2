// Package scanner locates the editor's local state.vscdb databases and
// extracts the credential and fingerprint fields they contain. The database
// belongs to the editor, which may hold a writer lock at any time, so reads
// are read-only with a bounded retry loop.
package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog/log"
)

// ErrLockTimeout is returned when a store stayed locked through every retry.
var ErrLockTimeout = errors.New("credential store locked")

// RawRecord is the untyped key/value content pulled from one store. Only
// keys matching the known credential and telemetry patterns are included.
type RawRecord map[string]string

// Candidate pairs a discovered store with the fields read from it.
type Candidate struct {
	Store  StoreHandle
	Record RawRecord
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 200 * time.Millisecond
)

// Scanner reads credential material out of local editor stores.
type Scanner struct {
	MaxRetries  int
	BaseBackoff time.Duration
	ExtraPaths  []string

	// readFn is swapped in tests to simulate lock contention.
	readFn func(path string) (RawRecord, error)
}

func New() *Scanner {
	s := &Scanner{
		MaxRetries:  DefaultMaxRetries,
		BaseBackoff: DefaultBaseBackoff,
	}
	s.readFn = readItemTable
	return s
}

// ReadStore reads one store with linear backoff on lock contention:
// attempt n sleeps BaseBackoff*n before retrying. A store still locked
// after MaxRetries attempts fails with ErrLockTimeout; any other error is
// returned as-is.
func (s *Scanner) ReadStore(ctx context.Context, handle StoreHandle) (RawRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= s.MaxRetries; attempt++ {
		rec, err := s.readFn(handle.Path)
		if err == nil {
			return rec, nil
		}
		if !isLockedErr(err) {
			return nil, err
		}
		lastErr = err
		log.Debug().Str("path", handle.Path).Int("attempt", attempt).Int("max", s.MaxRetries).Msg("store locked, retrying")

		if attempt < s.MaxRetries {
			select {
			case <-time.After(s.BaseBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrLockTimeout, s.MaxRetries, lastErr)
}

// Scan reads every discovered store, most recent first. Stores that cannot
// be read are skipped, not fatal; scanning continues with the rest.
func (s *Scanner) Scan(ctx context.Context) []Candidate {
	handles := s.LocateStores()
	if len(handles) == 0 {
		log.Warn().Msg("no credential stores found")
		return nil
	}
	log.Info().Int("stores", len(handles)).Msg("🔍 scanning credential stores")

	var candidates []Candidate
	for _, h := range handles {
		rec, err := s.ReadStore(ctx, h)
		if err != nil {
			log.Warn().Err(err).Str("path", h.Path).Msg("skipping unreadable store")
			continue
		}
		if len(rec) == 0 {
			continue
		}
		candidates = append(candidates, Candidate{Store: h, Record: rec})
	}
	return candidates
}

// readItemTable opens the database read-only and selects only the
// credential, email, and telemetry keys. Pulling everything would drag
// unrelated editor state along and widen exposure on large stores.
func readItemTable(path string) (RawRecord, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT key, value FROM ItemTable
		WHERE key LIKE '%email%'
		   OR key LIKE '%Token%'
		   OR key LIKE '%token%'
		   OR key LIKE 'cursorAuth/%'
		   OR key LIKE 'WorkosCursorSessionToken%'
		   OR key LIKE 'telemetry.%'
		   OR key LIKE 'system.machine%'`)
	if err != nil {
		return nil, fmt.Errorf("query store: %w", err)
	}
	defer rows.Close()

	rec := make(RawRecord)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rec, nil
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
