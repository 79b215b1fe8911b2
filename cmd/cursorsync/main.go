package main

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pysugar/cursor-sync/internal/api"
	"github.com/pysugar/cursor-sync/internal/config"
	"github.com/pysugar/cursor-sync/internal/crypto"
	"github.com/pysugar/cursor-sync/internal/logging"
	"github.com/pysugar/cursor-sync/internal/scanner"
	"github.com/pysugar/cursor-sync/internal/store"
	"github.com/pysugar/cursor-sync/internal/syncer"
	"github.com/pysugar/cursor-sync/internal/usage"
	"github.com/pysugar/cursor-sync/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	// Field cipher: explicit key from the environment, or the built-in
	// derivation when none is set.
	cm := crypto.NewDefaultManager()
	if cfg.EncryptionKey != "" {
		cm, err = crypto.NewManagerFromHex(cfg.EncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize field encryption")
		}
	}

	st, err := store.Open(cfg.DBPath, cm)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open account store")
	}

	usageClient := usage.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout(), cfg.Overrides.PlanCredits)

	sc := scanner.New()
	sc.MaxRetries = cfg.ScanRetries
	sc.ExtraPaths = cfg.Overrides.ExtraStorePaths

	s := syncer.New(st, usageClient, sc)
	router := api.NewRouter(st, s)

	log.Info().Str("version", version.Version).Str("addr", cfg.Addr).Str("api_base", cfg.APIBaseURL).Msg("🚀 cursor-sync starting")
	if err := http.ListenAndServe(cfg.Addr, router); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
