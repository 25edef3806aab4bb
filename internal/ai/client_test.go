package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/pkg/circuitbreaker"
)

func TestScorerSendsMultipartImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("missing image part: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "PNGDATA" || header.Header.Get("Content-Type") != "image/png" {
			t.Errorf("image part = %q (%s)", data, header.Header.Get("Content-Type"))
		}
		if r.FormValue("clinical_notes") != "cough" {
			t.Errorf("clinical_notes = %q", r.FormValue("clinical_notes"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"findings":{"Pneumonia":{"detected":true,"probability":0.71}},"narrative":"Right lower lobe consolidation."}`))
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(srv.URL+"/", time.Second, nil, nil)
	res, err := scorer.Score(context.Background(), report.ScoreRequest{
		Image:         []byte("PNGDATA"),
		ContentType:   "image/png",
		ClinicalNotes: "cough",
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if f := res.Findings["Pneumonia"]; !f.Detected || f.Probability != 0.71 {
		t.Errorf("findings = %+v", res.Findings)
	}
	if res.Narrative != "Right lower lobe consolidation." {
		t.Errorf("narrative = %q", res.Narrative)
	}
}

func TestScorerReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPScorer(srv.URL, time.Second, nil, nil).Score(context.Background(), report.ScoreRequest{Image: []byte("x")})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}

func TestAnswererRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req answerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if req.Context != "ctx" || req.Question != "q?" || req.Instruction == "" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(answerResponse{Answer: "a."})
	}))
	defer srv.Close()

	got, err := NewHTTPAnswerer(srv.URL, time.Second, nil, nil).Answer(context.Background(), "ctx", "q?")
	if err != nil || got != "a." {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestAnswererRespectsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := NewHTTPAnswerer(srv.URL, time.Minute, nil, nil).Answer(ctx, "ctx", "q")
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if time.Since(started) > 5*time.Second {
		t.Fatal("call was not bounded by the context")
	}
}

func TestBreakerShortCircuitsAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := circuitbreaker.DefaultConfig("answering")
	cfg.FailureThreshold = 2
	cb, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	answerer := NewHTTPAnswerer(srv.URL, time.Second, cb, nil)

	for i := 0; i < 4; i++ {
		_, _ = answerer.Answer(context.Background(), "c", "q")
	}
	if n := hits.Load(); n != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, server saw %d", n)
	}
	if _, err := answerer.Answer(context.Background(), "c", "q"); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}
