package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/config"
	"github.com/R3E-Network/agentledger/internal/conversion"
	"github.com/R3E-Network/agentledger/internal/eligibility"
	"github.com/R3E-Network/agentledger/internal/hierarchy"
	"github.com/R3E-Network/agentledger/internal/httpapi"
	"github.com/R3E-Network/agentledger/internal/idempotency"
	"github.com/R3E-Network/agentledger/internal/platform/migrations"
	"github.com/R3E-Network/agentledger/internal/storage"
	"github.com/R3E-Network/agentledger/internal/storage/memory"
	"github.com/R3E-Network/agentledger/internal/storage/postgres"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

// app is a fully wired ledgerd instance.
type app struct {
	handler http.Handler
	auth    *httpapi.Authenticator
	limiter *httpapi.RateLimiter
	trail   *audit.Trail
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(log)
		}
	}()

	ledgerStore, auditStore, err := a.openStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	convCfg, err := conversion.ConfigFromStrings(cfg.Conversion.FeeRate, cfg.Conversion.UnitsPerToken, cfg.Conversion.MinimumDeposit, cfg.Conversion.Tokens())
	if err != nil {
		return nil, fmt.Errorf("conversion config: %w", err)
	}
	converter, err := conversion.New(convCfg)
	if err != nil {
		return nil, fmt.Errorf("conversion service: %w", err)
	}

	guard, err := a.openGuard(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a.trail = audit.NewTrail(auditStore, log, audit.Config{
		QueueSize:         cfg.Audit.QueueSize,
		BacklogSize:       cfg.Audit.BacklogSize,
		WriteTimeout:      cfg.Audit.WriteTimeout,
		ReconcileSchedule: cfg.Audit.ReconcileSchedule,
	})

	ledger := hierarchy.NewService(ledgerStore,
		hierarchy.WithConverter(converter),
		hierarchy.WithGuard(guard),
		hierarchy.WithAuditor(a.trail),
		hierarchy.WithLogger(log),
		hierarchy.WithConfig(hierarchy.Config{
			MaxRetries:   cfg.Ledger.MaxRetries,
			RetryBackoff: cfg.Ledger.RetryBackoff,
		}),
	)

	policy, err := openPolicy(cfg.Eligibility, log)
	if err != nil {
		return nil, err
	}

	a.auth, err = httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, log, httpapi.PublicPaths...)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	a.limiter = httpapi.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log)

	a.handler = httpapi.NewServer(httpapi.Deps{
		Ledger:      ledger,
		Eligibility: eligibility.NewEvaluator(ledgerStore, policy),
		Audit:       a.trail,
		Stream:      a.trail,
		Auth:        a.auth,
		Limiter:     a.limiter,
		Logger:      log,
	})
	return a, nil
}

func (a *app) openStores(ctx context.Context, cfg config.Config, log *logger.Logger) (storage.LedgerStore, audit.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("using in-memory ledger store; balances are lost on restart")
		return memory.New(), audit.NewMemoryStore(), nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	switch cfg.Database.Migrate {
	case "embedded":
		err = migrations.Apply(ctx, db.DB)
	case "migrate":
		err = migrations.Up(db.DB)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.WithField("mode", cfg.Database.Migrate).Info("database ready")
	return postgres.New(db), audit.NewPostgresStore(db), nil
}

func openPolicy(cfg config.EligibilityConfig, log *logger.Logger) (eligibility.Policy, error) {
	if cfg.ScriptPath == "" {
		earnings, err := decimal.NewFromString(cfg.EarningsRatio)
		if err != nil {
			return nil, fmt.Errorf("eligibility earnings ratio: %w", err)
		}
		suggest, err := decimal.NewFromString(cfg.SuggestRatio)
		if err != nil {
			return nil, fmt.Errorf("eligibility suggest ratio: %w", err)
		}
		return eligibility.ThresholdPolicy{EarningsRatio: earnings, SuggestRatio: suggest}, nil
	}
	src, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read eligibility script: %w", err)
	}
	p, err := eligibility.NewScriptPolicy(string(src), cfg.ScriptTimeout)
	if err != nil {
		return nil, err
	}
	log.WithField("script", cfg.ScriptPath).Info("eligibility decided by script")
	return p, nil
}

func (a *app) openGuard(ctx context.Context, cfg config.Config, log *logger.Logger) (idempotency.Guard, error) {
	if cfg.Redis.Addr == "" {
		return idempotency.NewMemoryGuard(cfg.Redis.ClaimTTL), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.WithField("addr", cfg.Redis.Addr).Info("deposit idempotency backed by redis")
	return idempotency.NewRedisGuard(client, cfg.Redis.Prefix, cfg.Redis.ClaimTTL), nil
}

func (a *app) close(log *logger.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.WithError(err).Warn("close resource")
		}
	}
	a.closers = nil
}
