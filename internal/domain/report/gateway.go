package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PublicPatient is the part of a patient a token holder may see.
type PublicPatient struct {
	Name      string `json:"name"`
	PatientID string `json:"patient_id"`
}

// PublicReport is the part of a report a token holder may see.
type PublicReport struct {
	ID               string           `json:"id"`
	FinalReport      string           `json:"final_report"`
	ImageData        []byte           `json:"image_data"`
	ImageContentType string           `json:"image_content_type"`
	PathologyResults PathologyResults `json:"pathology_results"`
	Status           Status           `json:"status"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// PublicView is the read-only projection served on the token surface.
type PublicView struct {
	Patient PublicPatient `json:"patient"`
	Report  PublicReport  `json:"report"`
}

func newPublicView(r *Report, p *Patient) *PublicView {
	v := &PublicView{
		Patient: PublicPatient{PatientID: r.PatientID},
		Report: PublicReport{
			ID:               r.ID,
			FinalReport:      r.FinalReport,
			ImageData:        r.ImageData,
			ImageContentType: r.ImageContentType,
			PathologyResults: r.PathologyResults,
			Status:           r.Status,
			UpdatedAt:        r.UpdatedAt,
		},
	}
	if p != nil {
		v.Patient.Name = p.Name
	}
	return v
}

// Gateway serves the anonymous token holder. Every method takes only a
// token; there is no way to name a report or patient directly.
type Gateway struct {
	tokens   *TokenIssuer
	store    Store
	images   ImageStore
	exporter *Exporter
	logger   *zap.Logger
	metrics  Recorder
}

// NewGateway creates the public access gateway.
func NewGateway(store Store, images ImageStore, exporter *Exporter, logger *zap.Logger, rec Recorder) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Gateway{
		tokens:   NewTokenIssuer(store),
		store:    store,
		images:   images,
		exporter: exporter,
		logger:   logger,
		metrics:  rec,
	}
}

// open resolves a token to its report. Any failure to find the report is
// reported as the bare ErrNotFound.
func (g *Gateway) open(ctx context.Context, token Token) (*Report, error) {
	grant, err := g.tokens.Resolve(ctx, token)
	if errors.Is(err, ErrNotFound) {
		g.metrics.TokenRejected()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g.load(ctx, grant)
}

func (g *Gateway) load(ctx context.Context, grant Grant) (*Report, error) {
	r, err := g.store.GetReport(ctx, grant.ReportID())
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

func (g *Gateway) patient(ctx context.Context, r *Report) (*Patient, error) {
	p, err := g.store.GetPatient(ctx, r.PatientID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

// View returns the public projection of the report the token addresses.
func (g *Gateway) View(ctx context.Context, token Token) (*PublicView, error) {
	r, err := g.open(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := loadImage(ctx, g.images, r); err != nil {
		return nil, err
	}
	p, err := g.patient(ctx, r)
	if err != nil {
		return nil, err
	}
	return newPublicView(r, p), nil
}

// Export renders the report the token addresses. JSON exports contain only
// the public projection.
func (g *Gateway) Export(ctx context.Context, token Token, format string) (*Document, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	r, err := g.open(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := g.exporter.hydrate(ctx, r); err != nil {
		return nil, err
	}
	p, err := g.patient(ctx, r)
	if err != nil {
		return nil, err
	}
	return g.exporter.document(ctx, r, f, exportView{report: r, patient: p, public: true})
}
