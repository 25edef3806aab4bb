package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Recorder receives lifecycle measurements. *metrics.Metrics implements it.
type Recorder interface {
	ReportCreated(degraded bool)
	ReportUpdated(finalize bool)
	ChatAnswered(fallback bool)
	Exported(format string, err error)
	TokenRejected()
	ObserveDependency(name string, started time.Time)
}

type nopRecorder struct{}

func (nopRecorder) ReportCreated(bool)                  {}
func (nopRecorder) ReportUpdated(bool)                  {}
func (nopRecorder) ChatAnswered(bool)                   {}
func (nopRecorder) Exported(string, error)              {}
func (nopRecorder) TokenRejected()                      {}
func (nopRecorder) ObserveDependency(string, time.Time) {}

// Config bounds the lifecycle's external calls.
type Config struct {
	ScoringTimeout   time.Duration
	AnswerTimeout    time.Duration
	RenderTimeout    time.Duration
	MaxTokenAttempts int
	HistoryLimit     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ScoringTimeout:   30 * time.Second,
		AnswerTimeout:    20 * time.Second,
		RenderTimeout:    30 * time.Second,
		MaxTokenAttempts: 3,
		HistoryLimit:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScoringTimeout <= 0 {
		c.ScoringTimeout = d.ScoringTimeout
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = d.AnswerTimeout
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = d.RenderTimeout
	}
	if c.MaxTokenAttempts <= 0 {
		c.MaxTokenAttempts = d.MaxTokenAttempts
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

// detectionThreshold marks a finding detected when the scorer omits the flag.
const detectionThreshold = 0.5

// Service is the report lifecycle controller used by the operator surface.
type Service struct {
	store   Store
	images  ImageStore
	scorer  Scorer
	tokens  *TokenIssuer
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics Recorder
}

// NewService wires the lifecycle controller. scorer may be nil, in which case
// every report is created with the placeholder draft. rec may be nil.
func NewService(store Store, images ImageStore, scorer Scorer, cfg Config, logger *zap.Logger, rec Recorder) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Service{
		store:   store,
		images:  images,
		scorer:  scorer,
		tokens:  NewTokenIssuer(store),
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  otel.Tracer("report-service"),
		metrics: rec,
	}
}

// Create submits a new case: the image is stored, scored and persisted as a
// draft report with a freshly minted patient token. Scoring failures degrade
// to a placeholder draft; storage failures abort with nothing persisted.
func (s *Service) Create(ctx context.Context, sess Session, in CreateInput) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "report.create")
	defer span.End()

	if err := sess.validate(); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	patientID := strings.TrimSpace(in.PatientID)
	contentType := in.ImageContentType
	if contentType == "" {
		contentType = http.DetectContentType(in.Image)
	}
	key := ImageKey(in.Image)

	if err := s.images.PutImage(ctx, key, contentType, in.Image); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "image store failed")
		return nil, fmt.Errorf("store image: %w", err)
	}

	result, aiStatus := s.score(ctx, ScoreRequest{
		Image:         in.Image,
		ContentType:   contentType,
		ClinicalNotes: in.ClinicalNotes,
	})

	patient := &Patient{
		PatientID:     patientID,
		Name:          strings.TrimSpace(in.Demographics.Name),
		Age:           in.Demographics.Age,
		Gender:        strings.TrimSpace(in.Demographics.Gender),
		ClinicalNotes: in.ClinicalNotes,
	}
	r := &Report{
		ID:               uuid.New().String(),
		PatientID:        patientID,
		RadiologistID:    sess.OperatorID,
		ImageKey:         key,
		ImageContentType: contentType,
		ImageSize:        int64(len(in.Image)),
		PathologyResults: result.Findings,
		AIStatus:         aiStatus,
		AIDraft:          result.Narrative,
		FinalReport:      result.Narrative,
		Status:           StatusDraft,
	}

	for attempt := 1; ; attempt++ {
		token, err := s.tokens.Mint()
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
		r.PatientToken = token

		_, err = s.store.CreateReport(ctx, patient, r, sess.OperatorID)
		if err == nil {
			break
		}
		if errors.Is(err, ErrTokenConflict) && attempt < s.cfg.MaxTokenAttempts {
			s.logger.Warn("patient token collision, minting again",
				zap.String("report_id", r.ID),
				zap.Int("attempt", attempt))
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		// The blob stays: its key is content-addressed and may back other
		// reports. A retry of the same upload reuses it.
		s.logger.Warn("report not persisted, image left unreferenced",
			zap.String("image_key", key),
			zap.Error(err))
		return nil, fmt.Errorf("create report: %w", err)
	}

	r.ImageData = in.Image
	s.metrics.ReportCreated(aiStatus == AIStatusUnavailable)
	span.SetAttributes(
		attribute.String("report_id", r.ID),
		attribute.String("ai_status", string(aiStatus)),
	)
	s.logger.Info("report created",
		zap.String("report_id", r.ID),
		zap.String("patient_id", patientID),
		zap.String("operator_id", sess.OperatorID),
		zap.String("ai_status", string(aiStatus)),
		zap.Int("findings", len(r.PathologyResults)))

	return r, nil
}

func (s *Service) score(ctx context.Context, req ScoreRequest) (*ScoreResult, AIStatus) {
	placeholder := &ScoreResult{Findings: PathologyResults{}, Narrative: PlaceholderNarrative}
	if s.scorer == nil {
		return placeholder, AIStatusUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScoringTimeout)
	defer cancel()

	started := time.Now()
	res, err := s.scorer.Score(ctx, req)
	s.metrics.ObserveDependency("scoring", started)
	if err != nil || res == nil {
		s.logger.Warn("image scoring unavailable, using placeholder draft", zap.Error(err))
		return placeholder, AIStatusUnavailable
	}

	findings := make(PathologyResults, len(res.Findings))
	for name, f := range res.Findings {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if f.Probability < 0 {
			f.Probability = 0
		}
		if f.Probability > 1 {
			f.Probability = 1
		}
		if !f.Detected && f.Probability > detectionThreshold {
			f.Detected = true
		}
		findings[name] = f
	}

	narrative := strings.TrimSpace(res.Narrative)
	if narrative == "" {
		narrative = SummarizeFindings(findings)
	}
	return &ScoreResult{Findings: findings, Narrative: narrative}, AIStatusCompleted
}

// SummarizeFindings writes a draft narrative from findings alone, used when
// the scorer returns scores without text.
func SummarizeFindings(findings PathologyResults) string {
	var b strings.Builder
	b.WriteString("## AI-Generated Radiology Report\n\n**FINDINGS:**\n")
	detected := findings.Detected()
	if len(detected) == 0 {
		b.WriteString("• No pathology detected by automated analysis\n")
	}
	for _, name := range detected {
		fmt.Fprintf(&b, "• %s (probability %.2f)\n", name, findings[name].Probability)
	}
	b.WriteString("\n**IMPRESSION:**\n• Recommend clinical correlation\n")
	return b.String()
}

// Update overwrites the narrative in any status.
func (s *Service) Update(ctx context.Context, sess Session, id, narrative string) (*Report, error) {
	return s.mutate(ctx, sess, UpdateParams{ReportID: id, Narrative: narrative})
}

// UpdateDraft overwrites the narrative of a draft report. A finalized report
// is left alone and ErrFinalized returned.
func (s *Service) UpdateDraft(ctx context.Context, sess Session, id, narrative string) (*Report, error) {
	return s.mutate(ctx, sess, UpdateParams{ReportID: id, Narrative: narrative, RequireDraft: true})
}

// Finalize overwrites the narrative and marks the report finalized.
// Finalizing a finalized report only replaces the narrative.
func (s *Service) Finalize(ctx context.Context, sess Session, id, narrative string) (*Report, error) {
	return s.mutate(ctx, sess, UpdateParams{ReportID: id, Narrative: narrative, Finalize: true})
}

func (s *Service) mutate(ctx context.Context, sess Session, params UpdateParams) (*Report, error) {
	id, finalize := params.ReportID, params.Finalize
	ctx, span := s.tracer.Start(ctx, "report.update",
		trace.WithAttributes(
			attribute.String("report_id", id),
			attribute.Bool("finalize", finalize),
		))
	defer span.End()

	if err := sess.validate(); err != nil {
		return nil, err
	}

	params.Actor = sess.OperatorID
	r, err := s.store.UpdateNarrative(ctx, params)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "report", ID: id}
	}
	if errors.Is(err, ErrFinalized) {
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, fmt.Errorf("update report: %w", err)
	}

	s.metrics.ReportUpdated(finalize)
	s.logger.Info("report updated",
		zap.String("report_id", id),
		zap.String("operator_id", sess.OperatorID),
		zap.String("status", string(r.Status)))
	return r, nil
}

// Get returns a report with its image loaded.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "report.get", trace.WithAttributes(attribute.String("report_id", id)))
	defer span.End()
	return s.load(ctx, id)
}

func (s *Service) load(ctx context.Context, id string) (*Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "report", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if err := loadImage(ctx, s.images, r); err != nil {
		return nil, err
	}
	return r, nil
}

// loadImage fills r.ImageData from images. A blob missing behind an existing
// row is an integrity failure, not a missing report.
func loadImage(ctx context.Context, images ImageStore, r *Report) error {
	if r.ImageKey == "" || r.ImageData != nil {
		return nil
	}
	data, err := images.GetImage(ctx, r.ImageKey)
	if errors.Is(err, ErrNotFound) {
		return &MissingImageError{ReportID: r.ID, Key: r.ImageKey}
	}
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	r.ImageData = data
	return nil
}

// RegisterPatient creates the patient or returns the existing record for
// the same id unchanged.
func (s *Service) RegisterPatient(ctx context.Context, sess Session, p Patient) (*Patient, error) {
	if err := sess.validate(); err != nil {
		return nil, err
	}
	p.PatientID = strings.TrimSpace(p.PatientID)
	p.Name = strings.TrimSpace(p.Name)
	if p.PatientID == "" {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if p.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	if p.Age < 0 {
		return nil, &ValidationError{Field: "age", Reason: "must not be negative"}
	}

	stored, created, err := s.store.UpsertPatient(ctx, &p)
	if err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	if created {
		s.logger.Info("patient registered", zap.String("patient_id", p.PatientID))
	}
	return stored, nil
}

// PatientHistory returns a patient and their reports, newest first. Images
// are not loaded.
func (s *Service) PatientHistory(ctx context.Context, patientID string) (*History, error) {
	p, err := s.store.GetPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Resource: "patient", ID: patientID}
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	reports, err := s.store.ListReportsByPatient(ctx, patientID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	if reports == nil {
		reports = []*Report{}
	}
	return &History{Patient: p, Reports: reports}, nil
}
