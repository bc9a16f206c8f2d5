package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cardhandler "pich/internal/cards/handler"
	cardmetrics "pich/internal/cards/metrics"
	cardsvc "pich/internal/cards/service"
	connhandler "pich/internal/connections/handler"
	connmetrics "pich/internal/connections/metrics"
	connsvc "pich/internal/connections/service"
	"pich/internal/identity"
	identitymetrics "pich/internal/identity/metrics"
	"pich/internal/platform/config"
	httpmetrics "pich/internal/platform/metrics"
	platformredis "pich/internal/platform/redis"
	qrhandler "pich/internal/qr/handler"
	qrmetrics "pich/internal/qr/metrics"
	qrsvc "pich/internal/qr/service"
	"pich/internal/ratelimit"
	"pich/internal/storage"
	"pich/internal/storage/postgres"
	httptransport "pich/internal/transport/http"
	userhandler "pich/internal/users/handler"
	usermetrics "pich/internal/users/metrics"
	usersvc "pich/internal/users/service"
	audit "pich/pkg/platform/audit"
	"pich/pkg/platform/audit/publisher"
	"pich/pkg/platform/audit/publishers/kafka"
	"pich/pkg/platform/audit/publishers/logsink"
	auditmem "pich/pkg/platform/audit/store/memory"
	auditpg "pich/pkg/platform/audit/store/postgres"
)

type deps struct {
	router      http.Handler
	storageKind string
	closers     []func() error
}

func (d *deps) close(log *slog.Logger) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.Warn("close dependency", "error", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger, reg *prometheus.Registry) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close(log)
		}
	}()
	checks := map[string]httptransport.HealthCheck{}

	stores, db, err := openStores(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	d.storageKind = "memory"
	if db != nil {
		d.storageKind = "postgres"
		d.closers = append(d.closers, db.Close)
		checks["postgres"] = db.PingContext
	}

	auditPublisher, err := buildAudit(ctx, cfg.Audit, db, log, reg, d)
	if err != nil {
		return nil, err
	}

	cards, err := cardsvc.New(stores.Cards, stores.Users, stores.Tx,
		cardsvc.WithLogger(log),
		cardsvc.WithAuditPublisher(auditPublisher),
		cardsvc.WithMetrics(cardmetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}
	users, err := usersvc.New(stores.Users, stores.Cards, stores.Connections, cards, stores.Tx,
		usersvc.WithLogger(log),
		usersvc.WithAuditPublisher(auditPublisher),
		usersvc.WithMetrics(usermetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}
	conns, err := connsvc.New(stores.Connections, stores.Cards, stores.Users,
		connsvc.WithLogger(log),
		connsvc.WithAuditPublisher(auditPublisher),
		connsvc.WithMetrics(connmetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}
	qr, err := qrsvc.New(cfg.QR.FrontendURL, stores.Cards, stores.Users,
		qrsvc.WithSize(cfg.QR.Size),
		qrsvc.WithLogger(log),
		qrsvc.WithAuditPublisher(auditPublisher),
		qrsvc.WithMetrics(qrmetrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}

	resolverOpts := []identity.Option{
		identity.WithTimeout(cfg.Identity.Timeout),
		identity.WithLogger(log),
		identity.WithMetrics(identitymetrics.New(reg)),
		identity.WithAuditPublisher(auditPublisher),
	}
	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		d.closers = append(d.closers, rc.Close)
		checks["redis"] = rc.Health
		resolverOpts = append(resolverOpts, identity.WithCache(identity.NewRedisCache(rc.Client), cfg.Identity.CacheTTL))
	}
	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if rc != nil {
		limitStore = ratelimit.NewRedisStore(rc.Client)
	}
	limiter := ratelimit.New(limitStore, cfg.Limits.PublicPerWindow, cfg.Limits.Window, log, ratelimit.WithRegisterer(reg))

	verifier, err := buildVerifier(cfg.Privy, cfg.Identity)
	if err != nil {
		return nil, err
	}
	resolver, err := identity.NewResolver(verifier, users, resolverOpts...)
	if err != nil {
		return nil, err
	}

	cardH := cardhandler.New(cards, log)
	userH := userhandler.New(users, log)
	d.router = httptransport.NewRouter(httptransport.Config{
		Logger:         log,
		Resolver:       resolver,
		Metrics:        httpmetrics.New(reg),
		Gatherer:       reg,
		RequestTimeout: cfg.Server.RequestTimeout,
		HealthChecks:   checks,
		PublicLimit:    limiter.Middleware("public"),
		Public:         []httptransport.PublicRegistrar{userH, cardH},
		Protected: []httptransport.Registrar{
			userH,
			cardH,
			connhandler.New(conns, log),
			qrhandler.New(qr, log),
		},
	})
	return d, nil
}

// openStores returns Postgres stores when a DSN is configured and in-memory
// stores otherwise. db is nil in memory mode.
func openStores(ctx context.Context, cfg config.DatabaseConfig) (storage.Stores, *sql.DB, error) {
	if cfg.URL == "" {
		return storage.NewInMemory().Stores(), nil, nil
	}
	db, err := postgres.Open(ctx, cfg.URL, postgres.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return storage.Stores{}, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return storage.Stores{}, nil, err
	}
	stores := postgres.NewStores(db,
		postgres.WithTxTimeout(cfg.TxTimeout),
		postgres.WithTxAttempts(cfg.TxAttempts),
	)
	return stores, db, nil
}

// buildAudit fans events out to the log plus whichever durable sinks are
// configured. Delivery is asynchronous.
func buildAudit(ctx context.Context, cfg config.AuditConfig, db *sql.DB, log *slog.Logger, reg prometheus.Registerer, d *deps) (*publisher.Publisher, error) {
	sinks := []audit.Store{logsink.New(log)}
	if db != nil {
		sinks = append(sinks, auditpg.New(db))
	} else {
		sinks = append(sinks, auditmem.NewInMemoryStore())
	}
	if cfg.KafkaEnabled() {
		kp, err := kafka.New(cfg.KafkaBrokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		if err := kp.EnsureTopic(ctx, cfg.Partitions, cfg.ReplicationFactor); err != nil {
			kp.Close()
			return nil, err
		}
		d.closers = append(d.closers, func() error { kp.Close(); return nil })
		sinks = append(sinks, kp)
	}

	pub := publisher.NewPublisher(audit.Fanout(sinks...),
		publisher.WithAsyncBuffer(cfg.Buffer),
		publisher.WithLogger(log),
		publisher.WithMetrics(publisher.NewMetrics(reg)),
	)
	d.closers = append(d.closers, func() error { pub.Close(); return nil })
	return pub, nil
}

// buildVerifier prefers local ES256 verification when a key is configured.
func buildVerifier(privy config.PrivyConfig, ident config.IdentityConfig) (identity.Verifier, error) {
	if privy.VerificationKey != "" {
		v, err := identity.NewJWTVerifier(privy.AppID, privy.VerificationKey)
		if err != nil {
			return nil, fmt.Errorf("privy jwt verifier: %w", err)
		}
		return v, nil
	}
	v, err := identity.NewHTTPVerifier(privy.AppID, privy.APIKey, ident.Timeout, identity.WithVerifyURL(privy.VerifyURL))
	if err != nil {
		return nil, fmt.Errorf("privy http verifier: %w", err)
	}
	return v, nil
}
