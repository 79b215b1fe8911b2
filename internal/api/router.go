package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/cursor-sync/internal/logging"
	"github.com/pysugar/cursor-sync/internal/store"
	"github.com/pysugar/cursor-sync/internal/syncer"
)

// NewRouter builds the HTTP surface.
func NewRouter(st *store.Manager, s *syncer.Syncer) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.RequestID)

	r.Get("/healthz", HealthHandler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", ListAccountsHandler(st))
		r.Get("/accounts/{id}", GetAccountHandler(st))
		r.Delete("/accounts/{id}", DeleteAccountHandler(st))
		r.Post("/accounts/{id}/last-used", TouchAccountHandler(st))

		r.Post("/sync/current", SyncCurrentHandler(s))
		r.Post("/sync/batch", SyncBatchHandler(s))
		r.Post("/sync/{id}", SyncAccountHandler(s))

		r.Get("/stats", StatsHandler(st))
	})

	return r
}
