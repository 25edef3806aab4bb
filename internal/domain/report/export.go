package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Format is an export document format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatJSON Format = "json"
	FormatFHIR Format = "fhir"
)

// ParseFormat validates an export format. An empty format means pdf.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPDF, nil
	case FormatPDF, FormatJSON, FormatFHIR:
		return f, nil
	default:
		return "", &UnsupportedFormatError{Format: s}
	}
}

// Document is a rendered export.
type Document struct {
	Filename    string
	ContentType string
	Body        []byte
}

// Exporter renders the current state of a report. It never caches.
type Exporter struct {
	store    Store
	images   ImageStore
	renderer Renderer
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  Recorder
	now      func() time.Time
}

// NewExporter creates an exporter. renderer may be nil, in which case pdf
// exports fail as unavailable.
func NewExporter(store Store, images ImageStore, renderer Renderer, cfg Config, logger *zap.Logger, rec Recorder) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Exporter{
		store:    store,
		images:   images,
		renderer: renderer,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer("report-export"),
		metrics:  rec,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Export renders a report for the operator surface. The format is checked
// before the report is read.
func (e *Exporter) Export(ctx context.Context, id, format string) (*Document, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	r, err := e.store.GetReport(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "report", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if err := e.hydrate(ctx, r); err != nil {
		return nil, err
	}

	patient, err := e.store.GetPatient(ctx, r.PatientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	return e.document(ctx, r, f, exportView{report: r, patient: patient})
}

// exportView selects what a document may reveal. Public views carry only
// the projection a token holder is allowed to see.
type exportView struct {
	report  *Report
	patient *Patient
	public  bool
}

func (v exportView) jsonBody() interface{} {
	if v.public {
		return newPublicView(v.report, v.patient)
	}
	return v.report
}

func (e *Exporter) hydrate(ctx context.Context, r *Report) error {
	return loadImage(ctx, e.images, r)
}

func (e *Exporter) document(ctx context.Context, r *Report, f Format, view exportView) (doc *Document, err error) {
	ctx, span := e.tracer.Start(ctx, "report.export",
		trace.WithAttributes(
			attribute.String("report_id", r.ID),
			attribute.String("format", string(f)),
			attribute.Bool("public", view.public),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "export failed")
		}
		e.metrics.Exported(string(f), err)
		span.End()
	}()

	base := "report_" + r.ID
	switch f {
	case FormatJSON:
		body, err := json.MarshalIndent(view.jsonBody(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode report: %w", err)
		}
		return &Document{Filename: base + ".json", ContentType: "application/json", Body: body}, nil

	case FormatFHIR:
		body, err := json.MarshalIndent(buildFHIRBundle(r, view.patient, view.public, e.now()), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode fhir bundle: %w", err)
		}
		return &Document{Filename: base + ".fhir.json", ContentType: "application/fhir+json", Body: body}, nil

	default:
		body, err := e.renderPDF(ctx, r, view.patient)
		if err != nil {
			return nil, err
		}
		return &Document{Filename: base + ".pdf", ContentType: "application/pdf", Body: body}, nil
	}
}

func (e *Exporter) renderPDF(ctx context.Context, r *Report, p *Patient) ([]byte, error) {
	if e.renderer == nil {
		return nil, &DependencyUnavailableError{Dependency: "renderer", Err: errors.New("no renderer configured")}
	}

	subtitle := fmt.Sprintf("Report %s | Status: %s | Updated %s",
		r.ID, r.Status, r.UpdatedAt.Format("2006-01-02 15:04 MST"))
	if p != nil && p.Name != "" {
		subtitle = fmt.Sprintf("Patient: %s (%s) | %s", p.Name, r.PatientID, subtitle)
	} else {
		subtitle = fmt.Sprintf("Patient ID: %s | %s", r.PatientID, subtitle)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RenderTimeout)
	defer cancel()

	started := time.Now()
	body, err := e.renderer.Render(ctx, RenderRequest{
		Title:            "X-Ray Analysis Report",
		Subtitle:         subtitle,
		Narrative:        r.FinalReport,
		Image:            r.ImageData,
		ImageContentType: r.ImageContentType,
	})
	e.metrics.ObserveDependency("renderer", started)
	if err != nil {
		e.logger.Error("render failed", zap.String("report_id", r.ID), zap.Error(err))
		return nil, &DependencyUnavailableError{Dependency: "renderer", Err: err}
	}
	return body, nil
}
