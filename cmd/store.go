package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/backofhouse/opsloop/internal/escalate"
	"github.com/backofhouse/opsloop/internal/feedback"
	"github.com/backofhouse/opsloop/internal/metrics"
	"github.com/backofhouse/opsloop/internal/notify"
	"github.com/backofhouse/opsloop/internal/store"
	"github.com/backofhouse/opsloop/internal/verify"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "opsloop.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
			MinConns: int32(cfg.Store.MinConns),
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func buildNotifier() notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.NopNotifier{}
	}
	return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.PerMinute)
}

func buildGenerator(st store.Store) (*feedback.Generator, error) {
	rules := feedback.DefaultRules()
	if cfg.Generator.RulesPath != "" {
		loaded, err := feedback.LoadRules(cfg.Generator.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return feedback.NewGenerator(st, buildNotifier(), rules), nil
}

// buildRegistry wires the standard metric providers when the store is
// Postgres-backed. On SQLite the registry starts empty; every spec
// evaluation then quarantines with an unknown metric, which is the
// visible (not silent) failure mode.
func buildRegistry(st store.Store) *metrics.Registry {
	if pg, ok := st.(*store.PostgresStore); ok {
		return metrics.NewStandardRegistry(pg.Pool())
	}
	return metrics.NewRegistry()
}

func buildEvaluator(st store.Store) *verify.Evaluator {
	esc := escalate.NewEngine(st, buildNotifier())
	return verify.NewEvaluator(st, buildRegistry(st), esc, verify.Config{
		StaleClaimAfter: time.Duration(cfg.Verify.StaleClaimMinutes) * time.Minute,
		MaxAttempts:     cfg.Verify.MaxAttempts,
		MinDaysWithData: cfg.Verify.MinDaysWithData,
	})
}
