package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/internal/infrastructure/redpanda"
	"github.com/drfirst/radportal/pkg/idempotency"
	"github.com/drfirst/radportal/pkg/workerpool"
)

const handlerName = "activity-sink"

// activityRecorder appends events to the activity log.
type activityRecorder interface {
	Record(ctx context.Context, event *report.Event) (bool, error)
}

// inbox runs a handler at most once to completion per key.
type inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// sink turns consumed report and chat events into activity rows.
type sink struct {
	inbox    inbox
	activity activityRecorder
	pool     *workerpool.Pool
	consumed func()
	logger   *zap.Logger
}

type delivery struct {
	event *report.Event
	raw   json.RawMessage
}

func newSink(in inbox, activity activityRecorder, cfg workerpool.Config, consumed func(), logger *zap.Logger) (*sink, error) {
	s := &sink{inbox: in, activity: activity, consumed: consumed, logger: logger}
	cfg.Retryable = func(err error) bool {
		return !idempotency.IsPermanent(err) && !errors.Is(err, idempotency.ErrMessageInProgress)
	}
	pool, err := workerpool.New(cfg, s.work, logger)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func (s *sink) Start() { s.pool.Start() }

func (s *sink) Stop() error { return s.pool.Stop() }

// decodeEvent parses a stream record. Every error it returns is permanent.
func decodeEvent(value []byte) (*report.Event, error) {
	var ev report.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("decode event: %w", err))
	}
	if _, err := uuid.Parse(ev.ID); err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("event id %q: %w", ev.ID, err))
	}
	if ev.AggregateID == "" || ev.EventType == "" {
		return nil, idempotency.Permanent(errors.New("event missing aggregate id or type"))
	}
	return &ev, nil
}

// Handle is the consumer's message handler. A returned error rewinds the
// partition so the record is delivered again; permanent failures are
// logged and skipped.
func (s *sink) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ev, err := decodeEvent(msg.Value)
	if err != nil {
		s.logger.Warn("skipping malformed event",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	res, err := s.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      ev.ID,
		Payload: delivery{event: ev, raw: msg.Value},
		Context: ctx,
	})
	if err != nil {
		return err
	}
	if res.Success {
		if s.consumed != nil {
			s.consumed()
		}
		return nil
	}
	if idempotency.IsPermanent(res.Error) {
		s.logger.Error("dropping event after permanent failure",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(res.Error))
		return nil
	}
	return res.Error
}

func (s *sink) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	d := task.Payload.(delivery)
	res, err := s.inbox.Process(ctx, idempotency.KeyFor(handlerName, d.event.ID), handlerName, d.raw,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			written, err := s.activity.Record(ctx, d.event)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]bool{"written": written})
		})
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	if res.Duplicate {
		s.logger.Debug("event already recorded", zap.String("event_id", d.event.ID))
	}
	return &workerpool.Result{Success: true, Data: res}
}
