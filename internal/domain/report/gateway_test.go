package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubRenderer struct {
	mu  sync.Mutex
	err error
	got RenderRequest
}

func (s *stubRenderer) Render(_ context.Context, req RenderRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return []byte("%PDF-1.4 " + req.Narrative), nil
}

type stubAnswerer struct {
	answer  string
	err     error
	context string
	calls   int
}

func (s *stubAnswerer) Answer(_ context.Context, contextText, _ string) (string, error) {
	s.calls++
	s.context = contextText
	return s.answer, s.err
}

type portal struct {
	svc      *Service
	store    *MemoryStore
	gateway  *Gateway
	exporter *Exporter
	renderer *stubRenderer
}

func newPortal() *portal {
	store := NewMemoryStore()
	images := NewMemoryImageStore()
	renderer := &stubRenderer{}
	exporter := NewExporter(store, images, renderer, DefaultConfig(), nil, nil)
	return &portal{
		svc:      NewService(store, images, scored(), DefaultConfig(), nil, nil),
		store:    store,
		gateway:  NewGateway(store, images, exporter, nil, nil),
		exporter: exporter,
		renderer: renderer,
	}
}

func TestViewReturnsPublicProjection(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, err := p.svc.Create(ctx, operator, createInput("P100"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _ = p.svc.Update(ctx, operator, r.ID, "Shared narrative.")

	view, err := p.gateway.View(ctx, r.PatientToken)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Report.ID != r.ID || view.Report.FinalReport != "Shared narrative." {
		t.Errorf("unexpected report %+v", view.Report)
	}
	if view.Patient.Name != "Jane Doe" || view.Patient.PatientID != "P100" {
		t.Errorf("unexpected patient %+v", view.Patient)
	}
	if !bytes.Equal(view.Report.ImageData, pngHeader) {
		t.Error("view should include the image")
	}
	if !view.Report.PathologyResults["Cardiomegaly"].Detected {
		t.Error("view should include findings")
	}

	body, _ := json.Marshal(view)
	for _, secret := range []string{"persistent cough", string(r.PatientToken), "rad-1", "Mild cardiomegaly. No effusion.", "clinical_notes", "ai_generated_report"} {
		if strings.Contains(string(body), secret) {
			t.Errorf("public view leaks %q", secret)
		}
	}
}

func TestViewOnlyReachesTheTokensReport(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	a, _ := p.svc.Create(ctx, operator, createInput("P200"))
	b, _ := p.svc.Create(ctx, operator, createInput("P200"))
	_, _ = p.svc.Update(ctx, operator, b.ID, "second study")

	view, err := p.gateway.View(ctx, a.PatientToken)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if view.Report.ID != a.ID {
		t.Fatalf("token for %s served %s", a.ID, view.Report.ID)
	}
	body, _ := json.Marshal(view)
	if strings.Contains(string(body), b.ID) || strings.Contains(string(body), "second study") {
		t.Error("view exposes another report of the same patient")
	}
}

func TestViewUnknownAndMalformedTokensMatch(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	_, _ = p.svc.Create(ctx, operator, createInput("P300"))

	unknown, _ := NewTokenIssuer(nil).Mint()
	_, errUnknown := p.gateway.View(ctx, unknown)
	_, errMalformed := p.gateway.View(ctx, "not-a-token")
	_, errEmpty := p.gateway.View(ctx, "")

	if errUnknown != ErrNotFound || errMalformed != ErrNotFound || errEmpty != ErrNotFound {
		t.Fatalf("expected identical ErrNotFound, got %v / %v / %v", errUnknown, errMalformed, errEmpty)
	}
	if errUnknown.Error() != errMalformed.Error() {
		t.Error("error text differs between unknown and malformed tokens")
	}
}

func TestPublicExportByToken(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P400"))

	doc, err := p.gateway.Export(ctx, r.PatientToken, "json")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if doc.ContentType != "application/json" || doc.Filename != "report_"+r.ID+".json" {
		t.Errorf("unexpected document %s %s", doc.ContentType, doc.Filename)
	}
	if bytes.Contains(doc.Body, []byte("persistent cough")) || bytes.Contains(doc.Body, []byte(r.PatientToken)) {
		t.Error("public json export leaks private fields")
	}

	if _, err := p.gateway.Export(ctx, "bogus", "pdf"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	var ferr *UnsupportedFormatError
	if _, err := p.gateway.Export(ctx, r.PatientToken, "docx"); !errors.As(err, &ferr) {
		t.Errorf("expected UnsupportedFormatError, got %v", err)
	}
}

func TestExportFormats(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P500"))

	pdf, err := p.exporter.Export(ctx, r.ID, "")
	if err != nil {
		t.Fatalf("default export: %v", err)
	}
	if pdf.ContentType != "application/pdf" || !bytes.HasPrefix(pdf.Body, []byte("%PDF-")) {
		t.Errorf("default format should be pdf, got %s", pdf.ContentType)
	}
	if !bytes.Equal(p.renderer.got.Image, pngHeader) || !strings.Contains(p.renderer.got.Subtitle, "Jane Doe") {
		t.Errorf("renderer got %+v", p.renderer.got)
	}

	full, err := p.exporter.Export(ctx, r.ID, "JSON")
	if err != nil {
		t.Fatalf("json export: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(full.Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != r.ID || decoded.AIDraft == "" || !bytes.Equal(decoded.ImageData, pngHeader) {
		t.Errorf("operator json export incomplete: %+v", decoded)
	}

	_, _ = p.svc.Finalize(ctx, operator, r.ID, "Final read.")
	fhir, err := p.exporter.Export(ctx, r.ID, "fhir")
	if err != nil {
		t.Fatalf("fhir export: %v", err)
	}
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource map[string]interface{} `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(fhir.Body, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.ResourceType != "Bundle" || len(bundle.Entry) != 4 {
		t.Fatalf("expected bundle with report, patient and 2 observations, got %d entries", len(bundle.Entry))
	}
	dr := bundle.Entry[0].Resource
	if dr["resourceType"] != "DiagnosticReport" || dr["status"] != "final" || dr["conclusion"] != "Final read." {
		t.Errorf("unexpected DiagnosticReport %v", dr)
	}
	if fhir.ContentType != "application/fhir+json" {
		t.Errorf("content type = %s", fhir.ContentType)
	}
}

func TestExportRenderFailureIsFatal(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P600"))
	p.renderer.err = errors.New("renderer timeout")

	_, err := p.exporter.Export(ctx, r.ID, "pdf")
	var dep *DependencyUnavailableError
	if !errors.As(err, &dep) || dep.Dependency != "renderer" {
		t.Fatalf("expected DependencyUnavailableError, got %v", err)
	}
	if strings.Contains(err.Error(), "timeout") {
		t.Error("error text should not leak dependency detail")
	}
}

func TestExportUnknownReport(t *testing.T) {
	p := newPortal()
	if _, err := p.exporter.Export(context.Background(), "nope", "pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var ferr *UnsupportedFormatError
	if _, err := p.exporter.Export(context.Background(), "nope", "xml"); !errors.As(err, &ferr) {
		t.Fatalf("format should be checked first, got %v", err)
	}
}

func TestExportWithoutRenderer(t *testing.T) {
	store := NewMemoryStore()
	images := NewMemoryImageStore()
	svc := NewService(store, images, nil, DefaultConfig(), nil, nil)
	r, _ := svc.Create(context.Background(), operator, createInput("P700"))

	exporter := NewExporter(store, images, nil, DefaultConfig(), nil, nil)
	var dep *DependencyUnavailableError
	if _, err := exporter.Export(context.Background(), r.ID, "pdf"); !errors.As(err, &dep) {
		t.Fatalf("expected DependencyUnavailableError, got %v", err)
	}
}

// Scenario: chat with the answering dependency down.
func TestAskFallsBackWhenAnswererUnavailable(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P800"))
	before, _ := p.svc.Get(ctx, r.ID)
	eventsBefore := len(p.store.Events())

	chat := NewChatAdapter(p.gateway, &stubAnswerer{err: errors.New("503")}, nil, DefaultConfig(), nil, nil)
	answer, err := chat.Ask(ctx, r.PatientToken, "What did the scan show?")
	if err != nil {
		t.Fatalf("Ask should not fail: %v", err)
	}
	if answer != FallbackAnswer {
		t.Errorf("answer = %q", answer)
	}

	after, _ := p.svc.Get(ctx, r.ID)
	if after.FinalReport != before.FinalReport || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("chat altered report state")
	}
	if len(p.store.Events()) != eventsBefore {
		t.Error("chat without a log must not record anything")
	}
}

func TestAskTimesOut(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P810"))

	cfg := DefaultConfig()
	cfg.AnswerTimeout = 10 * time.Millisecond
	chat := NewChatAdapter(p.gateway, blockingAnswerer{}, nil, cfg, nil, nil)

	answer, err := chat.Ask(ctx, r.PatientToken, "Is it serious?")
	if err != nil || answer != FallbackAnswer {
		t.Fatalf("got %q, %v", answer, err)
	}
}

type blockingAnswerer struct{}

func (blockingAnswerer) Answer(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAskUsesOnlyTheTokensReport(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	mine, _ := p.svc.Create(ctx, operator, createInput("P900"))
	other, _ := p.svc.Create(ctx, operator, createInput("P901"))
	_, _ = p.svc.Update(ctx, operator, mine.ID, "Left lower lobe opacity.")
	_, _ = p.svc.Update(ctx, operator, other.ID, "Someone else's fracture.")

	answerer := &stubAnswerer{answer: "It shows an opacity."}
	chat := NewChatAdapter(p.gateway, answerer, p.store, DefaultConfig(), nil, nil)

	answer, err := chat.Ask(ctx, mine.PatientToken, "  What did the scan show?  ")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != "It shows an opacity." {
		t.Errorf("answer = %q", answer)
	}
	if !strings.Contains(answerer.context, "Left lower lobe opacity.") || !strings.Contains(answerer.context, "Cardiomegaly") {
		t.Errorf("context missing report content: %q", answerer.context)
	}
	for _, leak := range []string{"Someone else's fracture.", "persistent cough", "Effusion"} {
		if strings.Contains(answerer.context, leak) {
			t.Errorf("context leaks %q", leak)
		}
	}

	events := p.store.Events()
	last := events[len(events)-1]
	if last.EventType != EventChatAsked || last.AggregateID != mine.ID {
		t.Fatalf("expected chat log entry for %s, got %+v", mine.ID, last)
	}
	var data ChatAskedData
	_ = json.Unmarshal(last.EventData, &data)
	if data.Question != "What did the scan show?" || data.Fallback {
		t.Errorf("unexpected chat log %+v", data)
	}
	if bytes.Contains(last.EventData, []byte(mine.PatientToken)) {
		t.Error("chat log must not carry the token")
	}
}

func TestAskValidation(t *testing.T) {
	p := newPortal()
	ctx := context.Background()
	r, _ := p.svc.Create(ctx, operator, createInput("P950"))
	answerer := &stubAnswerer{answer: "ok"}
	chat := NewChatAdapter(p.gateway, answerer, nil, DefaultConfig(), nil, nil)

	var verr *ValidationError
	if _, err := chat.Ask(ctx, r.PatientToken, "   "); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for blank question, got %v", err)
	}
	if _, err := chat.Ask(ctx, r.PatientToken, strings.Repeat("x", MaxQuestionLength+1)); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError for long question, got %v", err)
	}
	if _, err := chat.Ask(ctx, "unknown", "hello"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if answerer.calls != 0 {
		t.Errorf("answerer called %d times for rejected questions", answerer.calls)
	}
}
