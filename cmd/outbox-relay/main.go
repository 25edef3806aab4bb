// Package main provides the outbox relay service entry point.
// It drains the transactional outbox into Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/config"
	"github.com/drfirst/radportal/internal/infrastructure/postgres"
	"github.com/drfirst/radportal/internal/infrastructure/redpanda"
	"github.com/drfirst/radportal/internal/observability/metrics"
	"github.com/drfirst/radportal/internal/observability/tracing"
)

var version = "dev"

type relayOptions struct {
	envFile       string
	ensureTopics  bool
	metricsAddr   string
	statsInterval time.Duration
	retainFor     time.Duration
	cleanupEvery  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := relayOptions{}
	cmd := &cobra.Command{
		Use:           "outbox-relay",
		Short:         "Publish committed outbox events to Redpanda",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "optional env file with configuration")
	f.BoolVar(&opts.ensureTopics, "ensure-topics", false, "create missing topics before relaying")
	f.StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "address for /health and /metrics")
	f.DurationVar(&opts.statsInterval, "stats-interval", 15*time.Second, "how often to sample outbox backlog")
	f.DurationVar(&opts.retainFor, "retain", 72*time.Hour, "how long published entries are kept")
	f.DurationVar(&opts.cleanupEvery, "cleanup-interval", time.Hour, "how often published entries are purged")
	return cmd
}

func run(ctx context.Context, opts relayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFile(opts.envFile)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("component", "outbox-relay"))

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if err := cfg.ValidateStream(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tcfg := tracing.DefaultConfig(cfg.ServiceName + "-outbox-relay")
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	m := metrics.New()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	if opts.ensureTopics {
		if err := ensureTopics(ctx, cfg, logger); err != nil {
			return err
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.OnProduced = func(topic string, err error) {
		if err == nil {
			m.MessageProduced()
		}
	}
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger)
	outbox.Start()
	logger.Info("outbox relay started")

	go housekeeping(ctx, outbox, m, opts, logger)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy","reason":"database"}`)
			return
		}
		if err := producer.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy","reason":"broker"}`)
			return
		}
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              opts.metricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	outbox.Stop()

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("produced", stats.MessagesSent),
		zap.Int64("failed", stats.ErrorCount))
	return nil
}

func ensureTopics(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
		return err
	}
	topics, err := admin.ListTopics(ctx)
	if err != nil {
		return err
	}
	logger.Info("topics ready", zap.Strings("topics", topics))
	return nil
}

// housekeeping samples the backlog for metrics and purges old published
// entries until ctx is done.
func housekeeping(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, opts relayOptions, logger *zap.Logger) {
	statsTicker := time.NewTicker(opts.statsInterval)
	defer statsTicker.Stop()
	cleanupTicker := time.NewTicker(opts.cleanupEvery)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.SetOutboxPending(stats.Pending)
			if stats.Retrying > 0 {
				logger.Warn("outbox entries retrying", zap.Int64("count", stats.Retrying))
			}
		case <-cleanupTicker.C:
			n, err := outbox.CleanupProcessed(ctx, opts.retainFor)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged published outbox entries", zap.Int64("count", n))
			}
		}
	}
}
