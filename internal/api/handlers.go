// Package api exposes the sync pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pysugar/cursor-sync/internal/store"
	"github.com/pysugar/cursor-sync/internal/syncer"
	"github.com/pysugar/cursor-sync/internal/util"
	"github.com/pysugar/cursor-sync/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// maskAccount blanks secret material before an account leaves the process.
func maskAccount(acc store.Account) store.Account {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return util.MaskToken(s)
	}
	acc.AccessToken = mask(acc.AccessToken)
	acc.RefreshToken = mask(acc.RefreshToken)
	acc.SessionToken = mask(acc.SessionToken)
	acc.Password = mask(acc.Password)
	for k, v := range acc.MachineIDs {
		acc.MachineIDs[k] = mask(v)
	}
	return acc
}

func maskResult(res *syncer.Result) *syncer.Result {
	if res.Account != nil {
		masked := maskAccount(*res.Account)
		res.Account = &masked
	}
	return res
}

// ListAccountsHandler handles GET /api/accounts
func ListAccountsHandler(st *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := store.Filter{
			Plan:     q.Get("type"),
			Status:   q.Get("status"),
			Month:    q.Get("month"),
			SortBy:   q.Get("sort"),
			SortDesc: q.Get("order") != "asc",
		}

		accounts, err := st.List(f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		masked := make([]store.Account, len(accounts))
		for i, acc := range accounts {
			masked[i] = maskAccount(acc)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"accounts": masked,
			"count":    len(masked),
		})
	}
}

// GetAccountHandler handles GET /api/accounts/{id}. Unlike the list view
// this returns the decrypted credentials in full; it is the export path
// for pointing an editor at a stored account.
func GetAccountHandler(st *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := st.GetByID(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, acc)
	}
}

// DeleteAccountHandler handles DELETE /api/accounts/{id}
func DeleteAccountHandler(st *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := st.Delete(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Info().Str("id", id).Msg("account deleted")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// TouchAccountHandler handles POST /api/accounts/{id}/last-used
func TouchAccountHandler(st *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.TouchLastUsed(chi.URLParam(r, "id")); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// SyncCurrentHandler handles POST /api/sync/current
func SyncCurrentHandler(s *syncer.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.SyncCurrent(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, statusFor(res.Outcome), maskResult(res))
	}
}

// SyncAccountHandler handles POST /api/sync/{id}
func SyncAccountHandler(s *syncer.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.SyncAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, statusFor(res.Outcome), maskResult(res))
	}
}

// SyncBatchHandler handles POST /api/sync/batch
func SyncBatchHandler(s *syncer.Syncer) http.HandlerFunc {
	type batchRequest struct {
		IDs         []string `json:"ids"`
		Concurrency int      `json:"concurrency"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
		}

		results, err := s.SyncBatch(r.Context(), req.IDs, req.Concurrency)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		summary := map[syncer.Outcome]int{}
		for i := range results {
			maskResult(&results[i])
			summary[results[i].Outcome]++
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results": results,
			"summary": summary,
		})
	}
}

// StatsHandler handles GET /api/stats
func StatsHandler(st *store.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.ComputeStats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthHandler handles GET /healthz
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	}
}

// statusFor maps a sync outcome to an HTTP status so callers can branch
// without parsing the body.
func statusFor(outcome syncer.Outcome) int {
	switch outcome {
	case syncer.OutcomeActive:
		return http.StatusOK
	case syncer.OutcomeServerUnavailable:
		return http.StatusBadGateway
	case syncer.OutcomeNoCredential:
		return http.StatusNotFound
	default:
		return http.StatusUnprocessableEntity
	}
}
