package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/internal/infrastructure/redpanda"
	"github.com/drfirst/radportal/pkg/idempotency"
	"github.com/drfirst/radportal/pkg/workerpool"
)

// memInbox keeps finished and failed keys in memory.
type memInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	if r, ok := m.finished[key]; ok {
		m.mu.Unlock()
		return &idempotency.ProcessResult{Duplicate: true, Result: r}, nil
	}
	if m.failed[key] {
		m.mu.Unlock()
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.mu.Unlock()

	r, err := fn(ctx, payload)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if idempotency.IsPermanent(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = r
	return &idempotency.ProcessResult{Result: r}, nil
}

type fakeActivity struct {
	mu       sync.Mutex
	recorded []string
	failures int
	err      error
}

func (f *fakeActivity) Record(_ context.Context, ev *report.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, f.err
	}
	f.recorded = append(f.recorded, ev.ID)
	return true, nil
}

func (f *fakeActivity) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

func newTestSink(t *testing.T, activity *fakeActivity, consumed func()) *sink {
	t.Helper()
	s, err := newSink(newMemInbox(), activity, workerpool.Config{
		Workers:    2,
		QueueSize:  8,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, consumed, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func eventMessage(t *testing.T, eventType report.EventType) *redpanda.ConsumedMessage {
	t.Helper()
	ev, err := report.NewEvent("rpt-1", eventType, "dr-who", map[string]string{"status": "draft"})
	if err != nil {
		t.Fatal(err)
	}
	value, _ := json.Marshal(ev)
	return &redpanda.ConsumedMessage{Topic: eventType.Topic(), Key: []byte(ev.AggregateID), Value: value}
}

func TestSinkRecordsEachEventOnce(t *testing.T) {
	activity := &fakeActivity{}
	consumed := 0
	var mu sync.Mutex
	s := newTestSink(t, activity, func() { mu.Lock(); consumed++; mu.Unlock() })

	msg := eventMessage(t, report.EventReportCreated)
	for i := 0; i < 3; i++ {
		if err := s.Handle(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if activity.count() != 1 {
		t.Errorf("recorded %d times, want 1", activity.count())
	}
	mu.Lock()
	defer mu.Unlock()
	if consumed != 3 {
		t.Errorf("consumed = %d", consumed)
	}
}

func TestSinkRetriesTransientFailures(t *testing.T) {
	activity := &fakeActivity{failures: 2, err: errors.New("connection reset")}
	s := newTestSink(t, activity, nil)

	if err := s.Handle(context.Background(), eventMessage(t, report.EventChatAsked)); err != nil {
		t.Fatal(err)
	}
	if activity.count() != 1 {
		t.Errorf("recorded = %d", activity.count())
	}
}

func TestSinkRewindsWhenRetriesExhausted(t *testing.T) {
	activity := &fakeActivity{failures: 10, err: errors.New("db down")}
	s := newTestSink(t, activity, nil)

	if err := s.Handle(context.Background(), eventMessage(t, report.EventReportUpdated)); err == nil {
		t.Fatal("expected error so the record is redelivered")
	}
}

func TestSinkSkipsPermanentFailures(t *testing.T) {
	activity := &fakeActivity{failures: 1, err: idempotency.Permanent(errors.New("constraint violation"))}
	s := newTestSink(t, activity, nil)

	msg := eventMessage(t, report.EventReportFinalized)
	if err := s.Handle(context.Background(), msg); err != nil {
		t.Fatalf("permanent failure should be skipped: %v", err)
	}
	if err := s.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery of failed event: %v", err)
	}
	if activity.count() != 0 {
		t.Errorf("recorded = %d", activity.count())
	}
}

func TestSinkSkipsMalformedRecords(t *testing.T) {
	activity := &fakeActivity{}
	s := newTestSink(t, activity, nil)

	for _, value := range []string{
		`not json`,
		`{"id":"nope","aggregate_id":"rpt-1","event_type":"ReportCreated"}`,
		`{"id":"4b1f0a2e-0000-4000-8000-000000000001","event_type":"ReportCreated"}`,
	} {
		if err := s.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte(value)}); err != nil {
			t.Errorf("%s: %v", value, err)
		}
	}
	if activity.count() != 0 {
		t.Errorf("recorded = %d", activity.count())
	}
}

func TestDecodeEventErrorsArePermanent(t *testing.T) {
	_, err := decodeEvent([]byte(`{}`))
	if !idempotency.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}
