package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("scoring")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Minute
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "", boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Fatalf("unexpected transitions %v", transitions)
	}

	called := false
	_, err = Do(context.Background(), cb, func(context.Context) (string, error) {
		called = true
		return "ok", nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("open breaker must not run the call")
	}
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("answer")
	cfg.FailureThreshold = 1
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
}

func TestDoWithoutBreaker(t *testing.T) {
	got, err := Do(context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil, nil)
	a, err := m.GetOrCreate("render", DefaultConfig(""))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, _ := m.GetOrCreate("render", DefaultConfig(""))
	if a != b {
		t.Fatal("expected same breaker instance")
	}
	if a.Name() != "render" {
		t.Fatalf("name = %q", a.Name())
	}
	if st := m.GetHealthStatus(); len(st) != 1 || st[0].State != StateClosed {
		t.Fatalf("unexpected health %+v", st)
	}
	if StateOpen.Level() != 2 || StateHalfOpen.Level() != 1 || StateClosed.Level() != 0 {
		t.Fatal("unexpected state levels")
	}
}
