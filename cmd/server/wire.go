package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/acuity/internal/audit"
	"github.com/linnemanlabs/acuity/internal/audit/memstore"
	"github.com/linnemanlabs/acuity/internal/audit/pgstore"
	"github.com/linnemanlabs/acuity/internal/audit/redisfeed"
	vc "github.com/linnemanlabs/acuity/internal/cfg"
	"github.com/linnemanlabs/acuity/internal/llm/claude"
	"github.com/linnemanlabs/acuity/internal/postgres"
	"github.com/linnemanlabs/acuity/internal/triage"
	"github.com/linnemanlabs/acuity/internal/triage/rulebased"
	"github.com/linnemanlabs/acuity/internal/triage/rules"
)

// newSuggester loads the rule table, registers every provider that is
// configured and guards the selected one. The rule-based provider is always
// registered so it can serve as the fallback.
func newSuggester(ctx context.Context, c *vc.Config, L log.Logger, hooks triage.GuardHooks) (*triage.Guard, error) {
	table, err := rules.Load(c.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("rule table: %w", err)
	}
	ruleProvider := rulebased.New(table)
	L.Info(ctx, "loaded rule table", "version", ruleProvider.Version(), "path", c.RulesPath)

	providers := triage.NewRegistry()
	providers.Register(ruleProvider)
	if c.ClaudeAPIKey != "" {
		cp := claude.New(claude.Options{APIKey: c.ClaudeAPIKey, Model: c.ClaudeModel})
		providers.Register(cp)
		L.Info(ctx, "registered provider", "provider", cp.Key(), "model", c.ClaudeModel)
	}

	primary, err := providers.Select(c.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}

	opts := triage.GuardOptions{
		Timeout: c.ProviderTimeout,
		Logger:  L,
		Hooks:   hooks,
	}
	if c.Fallback {
		opts.Fallback = ruleProvider
	}
	g := triage.NewGuard(primary, opts)
	L.Info(ctx, "initialized suggestion guard", "provider", g.Key(), "fallback", c.Fallback, "timeout", c.ProviderTimeout)
	return g, nil
}

// openAuditStore returns the Postgres store when a database URL is configured
// and the in-memory store otherwise. closeFn is never nil.
func openAuditStore(ctx context.Context, c *vc.Config, L log.Logger) (store audit.Store, closeFn func(), err error) {
	if c.DatabaseURL == "" {
		L.Warn(ctx, "using in-memory audit store (no database-url configured), audit trail is lost on restart")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres audit store")
	return s, pool.Close, nil
}

// newPublisher connects the audit event stream when redis-addr is set. A nil
// Publisher means events are not exported. An unreachable Redis at startup is
// logged, not fatal: the audit row is the source of truth.
func newPublisher(ctx context.Context, c *vc.Config, L log.Logger) (audit.Publisher, func()) {
	if c.RedisAddr == "" {
		return nil, func() {}
	}

	feed := redisfeed.New(redis.NewClient(&redis.Options{Addr: c.RedisAddr}), c.RedisStream, redisfeed.DefaultMaxLen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := feed.Ping(pingCtx); err != nil {
		L.Error(ctx, err, "redis ping failed, audit events will be dropped until it recovers", "redis_addr", c.RedisAddr)
	}
	L.Info(ctx, "audit event stream enabled", "redis_addr", c.RedisAddr, "stream", c.RedisStream)
	return feed, func() { _ = feed.Close() }
}

// observeDBQueries registers the per-query duration histogram and routes the
// postgres query observer into it.
func observeDBQueries(reg prometheus.Registerer) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acuity_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(h)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			h.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
	return h
}
