package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/ai"
	"github.com/drfirst/radportal/internal/api/handlers"
	"github.com/drfirst/radportal/internal/api/middleware"
	"github.com/drfirst/radportal/internal/config"
	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/internal/infrastructure/objectstore"
	"github.com/drfirst/radportal/internal/infrastructure/postgres"
	"github.com/drfirst/radportal/internal/infrastructure/ratelimit"
	"github.com/drfirst/radportal/internal/observability/metrics"
	"github.com/drfirst/radportal/internal/render"
	"github.com/drfirst/radportal/pkg/circuitbreaker"
)

// readinessCheck is one backend the API needs to serve traffic.
type readinessCheck struct {
	name  string
	check func(ctx context.Context) error
}

// app is the wired portal API.
type app struct {
	router  http.Handler
	checks  []readinessCheck
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	return newAppWithMetrics(ctx, cfg, logger, metrics.New())
}

func newAppWithMetrics(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*app, error) {
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	breakers := circuitbreaker.NewManager(logger, func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Level())
	})

	var (
		store    report.Store
		chatLog  report.ChatLog
		activity handlers.ActivityReader
		images   report.ImageStore
	)

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.checks = append(a.checks, readinessCheck{"database", pool.Ping})
		logger.Info("connected to database")

		if cfg.AutoMigrate {
			n, err := postgres.NewMigrator(pool, logger).Up(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", zap.Int("count", n))
		}

		store = postgres.NewReportStore(pool, logger)
		chatLog = postgres.NewChatLog(pool)
		activity = postgres.NewActivityLog(pool)
	default:
		mem := report.NewMemoryStore()
		store, chatLog = mem, mem
		logger.Warn("using in-memory report store; data is lost on restart")
	}

	switch cfg.ImageStore {
	case config.DriverS3:
		s3cfg := objectstore.Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		}
		client, err := objectstore.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		s3store, err := objectstore.NewImageStore(client, s3cfg)
		if err != nil {
			return nil, err
		}
		images = s3store
		a.checks = append(a.checks, readinessCheck{"image_store", s3store.Ping})
	default:
		images = report.NewMemoryImageStore()
	}

	breaker := func(name string) (*circuitbreaker.CircuitBreaker, error) {
		return breakers.GetOrCreate(name, circuitbreaker.DefaultConfig(name))
	}

	var scorer report.Scorer
	if cfg.ScoringURL != "" {
		cb, err := breaker("scorer")
		if err != nil {
			return nil, err
		}
		scorer = ai.NewHTTPScorer(cfg.ScoringURL, cfg.ScoringTimeout, cb, logger)
	} else {
		logger.Warn("SCORING_URL not set; reports are created with the placeholder draft")
	}

	var answerer report.Answerer
	if cfg.AnswerURL != "" {
		cb, err := breaker("answerer")
		if err != nil {
			return nil, err
		}
		answerer = ai.NewHTTPAnswerer(cfg.AnswerURL, cfg.AnswerTimeout, cb, logger)
	} else {
		logger.Warn("ANSWER_URL not set; chat returns the fallback answer")
	}

	var renderer report.Renderer
	if cfg.RenderURL != "" {
		cb, err := breaker("renderer")
		if err != nil {
			return nil, err
		}
		renderer = render.NewHTTPRenderer(cfg.RenderURL, cfg.RenderTimeout, cb, logger)
	} else {
		renderer = render.NewPDFRenderer(logger)
	}

	limitCfg := ratelimit.Config{Max: cfg.PublicRateLimit, Window: cfg.PublicRateWindow}
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(limitCfg)
	if cfg.RedisAddr != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting per instance", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			limiter = ratelimit.NewRedisLimiter(rdb, limitCfg)
		}
	}

	rcfg := report.DefaultConfig()
	rcfg.ScoringTimeout = cfg.ScoringTimeout
	rcfg.AnswerTimeout = cfg.AnswerTimeout
	rcfg.RenderTimeout = cfg.RenderTimeout
	rcfg.HistoryLimit = cfg.HistoryLimit
	svc := report.NewService(store, images, scorer, rcfg, logger, m)
	exporter := report.NewExporter(store, images, renderer, rcfg, logger, m)
	gateway := report.NewGateway(store, images, exporter, logger, m)
	chat := report.NewChatAdapter(gateway, answerer, chatLog, rcfg, logger, m)

	auth := middleware.AuthConfig{
		SigningKey: []byte(cfg.AuthJWTSecret),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
	}

	r := chi.NewRouter()
	r.Use(middleware.ClientIP(proxies))
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler(breakers))
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.OperatorAuth(auth, logger))
			r.Mount("/reports", handlers.NewReportHandler(svc, exporter, activity, cfg.MaxUploadBytes, logger).Routes())
			r.Mount("/patients", handlers.NewPatientHandler(svc, logger).Routes())
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, logger))
			r.Mount("/public", handlers.NewPublicHandler(gateway, chat, logger).Routes())
		})
	})

	a.router = r
	ok = true
	return a, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"portal-api","version":%q}`, version)
}

// readyHandler reports backend reachability and breaker states. Open
// breakers degrade features but do not make the API unready.
func (a *app) readyHandler(breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(a.checks))
		for _, c := range a.checks {
			if err := c.check(ctx); err != nil {
				checks[c.name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			checks[c.name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ready":    status == http.StatusOK,
			"checks":   checks,
			"breakers": breakers.GetHealthStatus(),
		})
	}
}
