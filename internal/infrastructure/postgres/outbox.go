package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
)

// relayLockID is the advisory lock held by the single active relay.
const relayLockID = int64(0x72616472656c6179)

// DefaultDeadLetterTopic receives entries that exhausted their retries.
const DefaultDeadLetterTopic = "report.deadletter"

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exceeded MaxRetries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: DefaultDeadLetterTopic,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEvent stores an event in the outbox. Call it with the transaction
// that performs the state change so both commit or neither does. The
// payload is the full event, keyed by aggregate id so a report's events
// stay ordered within a partition.
func WriteEvent(ctx context.Context, q querier, event *report.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.AggregateID,
		event.AggregateType,
		string(event.EventType),
		payload,
		event.EventType.Topic(),
		event.AggregateID,
	)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Outbox relays committed outbox entries to the event stream.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries and returns how many
// were published. Advisory locks are session scoped, so the lock is taken
// and released on one dedicated connection; a relay that does not get it
// skips the round.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			o.logger.Warn("advisory unlock failed", zap.Error(err))
		}
	}()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := fetchPending(ctx, tx, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		ok, err := o.processEntry(ctx, tx, entry)
		if err != nil {
			return published, err
		}
		if !ok {
			// keep per-report order: later entries wait for this one
			break
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func fetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// processEntry publishes one entry. A failed publish bumps the retry count;
// once the count reaches MaxRetries the entry goes to the dead letter topic
// instead. Only database errors are returned.
func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, value := entry.KafkaTopic, []byte(entry.Payload)
	if entry.RetryCount >= o.config.MaxRetries {
		topic, value = o.config.DeadLetterTopic, deadLetterPayload(entry)
	}

	if err := o.publisher.Publish(ctx, topic, entry.KafkaKey, value); err != nil {
		span.RecordError(err)
		o.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), entry.ID); uerr != nil {
			return false, fmt.Errorf("record publish failure: %w", uerr)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}

	if topic == o.config.DeadLetterTopic {
		o.logger.Error("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("event_type", entry.EventType),
			zap.String("aggregate_id", entry.AggregateID))
	} else {
		o.logger.Debug("outbox entry processed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic))
	}
	return true, nil
}

func deadLetterPayload(entry *OutboxEntry) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"original_topic": entry.KafkaTopic,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
	return payload
}

// CleanupProcessed removes processed entries older than the given age.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats is a snapshot of the outbox backlog.
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	Processed     int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`).Scan(&stats.Pending, &stats.Retrying, &stats.Processed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
