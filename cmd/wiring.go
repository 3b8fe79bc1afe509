package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-sync/internal/extract"
	"github.com/sells-group/tariff-sync/internal/fetcher"
	"github.com/sells-group/tariff-sync/internal/gate"
	"github.com/sells-group/tariff-sync/internal/pipeline"
	"github.com/sells-group/tariff-sync/internal/store"
	"github.com/sells-group/tariff-sync/internal/validate"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tariff-sync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initExtractor() *extract.Extractor {
	if cfg.Anthropic.Disabled || cfg.Anthropic.Key == "" {
		// Deterministic-only extraction; the table path needs no key.
		return extract.NewExtractor(nil, "")
	}
	return extract.NewExtractor(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
}

func initPipeline(s store.Store) *pipeline.Pipeline {
	transport := fetcher.NewHTTPTransport(fetcher.Options{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Fetch.MaxRetries,
	})
	g := gate.New(cfg.Trust, cfg.Gate)
	return pipeline.New(s, transport, initExtractor(), validate.NewChecker(cfg.Gate), g)
}
