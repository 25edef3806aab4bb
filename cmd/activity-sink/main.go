// Package main provides the activity sink entry point. It consumes report
// and chat events and appends them to the report activity log.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/drfirst/radportal/pkg/idempotency"
	"github.com/drfirst/radportal/pkg/workerpool"
)

var version = "dev"

func main() {
	var envFile, metricsAddr string
	cmd := &cobra.Command{
		Use:           "activity-sink",
		Short:         "Record report and chat events in the activity log",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), envFile, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file with configuration")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "address for /health and /metrics")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile, metricsAddr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("component", handlerName))

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if err := cfg.ValidateStream(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tcfg := tracing.DefaultConfig(cfg.ServiceName + "-" + handlerName)
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

	in := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	in.StartCleanup()
	defer in.Stop()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.SinkWorkers
	s, err := newSink(in, postgres.NewActivityLog(pool), poolCfg, m.MessageConsumed, logger)
	if err != nil {
		return err
	}
	s.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID
	consumerCfg.Topics = []string{redpanda.TopicReportEvents, redpanda.TopicChatEvents}
	consumer, err := redpanda.NewConsumer(consumerCfg, s.Handle, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()
	logger.Info("activity sink started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", cfg.SinkWorkers))

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(checkCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy","reason":"database"}`)
			return
		}
		if err := redpanda.HealthCheck(checkCtx, cfg.KafkaBrokers); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy","reason":"broker"}`)
			return
		}
		fmt.Fprint(w, `{"status":"healthy"}`)
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		statsCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		body := map[string]interface{}{
			"consumer": consumer.Stats(),
			"workers":  s.pool.Stats(),
		}
		if lag, err := admin.GetConsumerGroupLag(statsCtx, consumerCfg.GroupID); err == nil {
			body["lag"] = lag
		}
		if inboxStats, err := in.GetStats(statsCtx); err == nil {
			body["inbox"] = inboxStats
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              metricsAddr,
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

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := s.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("activity sink stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
	return nil
}
