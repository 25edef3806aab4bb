package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
)

const (
	uniqueViolation       = "23505"
	tokenUniqueConstraint = "reports_patient_token_key"
)

const reportColumns = `id, patient_id, radiologist_id, image_key, image_content_type, image_size,
	pathology_results, ai_status, ai_draft, final_report, status, patient_token, created_at, updated_at`

// ReportStore implements report.Store on PostgreSQL. Every mutation writes
// its lifecycle event to the outbox in the same transaction.
type ReportStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReportStore creates a new store
func NewReportStore(pool *pgxpool.Pool, logger *zap.Logger) *ReportStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("report-store"),
	}
}

var _ report.Store = (*ReportStore)(nil)

// CreateReport implements report.Store.
func (s *ReportStore) CreateReport(ctx context.Context, p *report.Patient, r *report.Report, actor string) (*report.Patient, error) {
	ctx, span := s.tracer.Start(ctx, "report_store.create",
		trace.WithAttributes(attribute.String("report_id", r.ID)))
	defer span.End()

	findings, err := json.Marshal(r.PathologyResults)
	if err != nil {
		return nil, fmt.Errorf("encode pathology results: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	patient, err := upsertPatient(ctx, tx, p)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO reports (id, patient_id, radiologist_id, image_key, image_content_type, image_size,
			pathology_results, ai_status, ai_draft, final_report, status, patient_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		r.ID, r.PatientID, r.RadiologistID, r.ImageKey, r.ImageContentType, r.ImageSize,
		findings, r.AIStatus, r.AIDraft, r.FinalReport, r.Status, string(r.PatientToken),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isTokenConflict(err) {
			return nil, report.ErrTokenConflict
		}
		span.RecordError(err)
		return nil, fmt.Errorf("insert report: %w", err)
	}

	event, err := report.LifecycleEvent(report.EventReportCreated, r, actor)
	if err != nil {
		return nil, err
	}
	if err := WriteEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return patient, nil
}

func isTokenConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == tokenUniqueConstraint
}

func upsertPatient(ctx context.Context, q querier, p *report.Patient) (*report.Patient, error) {
	if _, err := q.Exec(ctx, `
		INSERT INTO patients (patient_id, name, age, gender, clinical_notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO NOTHING`,
		p.PatientID, p.Name, p.Age, p.Gender, p.ClinicalNotes,
	); err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}
	return getPatient(ctx, q, p.PatientID)
}

func getPatient(ctx context.Context, q querier, patientID string) (*report.Patient, error) {
	var p report.Patient
	err := q.QueryRow(ctx, `
		SELECT patient_id, name, age, gender, clinical_notes, created_at
		FROM patients WHERE patient_id = $1`, patientID,
	).Scan(&p.PatientID, &p.Name, &p.Age, &p.Gender, &p.ClinicalNotes, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

// UpdateNarrative implements report.Store. The single UPDATE takes the row
// lock, so concurrent edits of one report serialize and the last one wins.
func (s *ReportStore) UpdateNarrative(ctx context.Context, params report.UpdateParams) (*report.Report, error) {
	ctx, span := s.tracer.Start(ctx, "report_store.update",
		trace.WithAttributes(attribute.String("report_id", params.ReportID)))
	defer span.End()

	if _, err := uuid.Parse(params.ReportID); err != nil {
		return nil, report.ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.RequireDraft {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, params.ReportID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, report.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock report: %w", err)
		}
		if report.Status(status) == report.StatusFinalized {
			return nil, report.ErrFinalized
		}
	}

	r, err := scanReport(tx.QueryRow(ctx, `
		UPDATE reports
		SET final_report = $2,
		    status = CASE WHEN $3::boolean THEN 'finalized' ELSE status END,
		    updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
		WHERE id = $1
		RETURNING `+reportColumns,
		params.ReportID, params.Narrative, params.Finalize,
	))
	if err != nil {
		return nil, err
	}

	event, err := report.LifecycleEvent(report.MutationEvent(params.Finalize), r, params.Actor)
	if err != nil {
		return nil, err
	}
	if err := WriteEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

// GetReport implements report.Store.
func (s *ReportStore) GetReport(ctx context.Context, id string) (*report.Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, report.ErrNotFound
	}
	return scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
}

// ReportIDByToken implements report.TokenLookup.
func (s *ReportStore) ReportIDByToken(ctx context.Context, token report.Token) (string, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM reports WHERE patient_token = $1`, string(token)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", report.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return id.String(), nil
}

// ListReportsByPatient implements report.Store.
func (s *ReportStore) ListReportsByPatient(ctx context.Context, patientID string, limit int) ([]*report.Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*report.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPatient implements report.Store.
func (s *ReportStore) UpsertPatient(ctx context.Context, p *report.Patient) (*report.Patient, bool, error) {
	var created bool
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO patients (patient_id, name, age, gender, clinical_notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id) DO NOTHING`,
		p.PatientID, p.Name, p.Age, p.Gender, p.ClinicalNotes)
	if err != nil {
		return nil, false, fmt.Errorf("upsert patient: %w", err)
	}
	created = tag.RowsAffected() == 1

	stored, err := getPatient(ctx, s.pool, p.PatientID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetPatient implements report.Store.
func (s *ReportStore) GetPatient(ctx context.Context, patientID string) (*report.Patient, error) {
	return getPatient(ctx, s.pool, patientID)
}

func scanReport(row pgx.Row) (*report.Report, error) {
	var (
		r        report.Report
		id       uuid.UUID
		token    string
		findings []byte
	)
	err := row.Scan(
		&id, &r.PatientID, &r.RadiologistID, &r.ImageKey, &r.ImageContentType, &r.ImageSize,
		&findings, &r.AIStatus, &r.AIDraft, &r.FinalReport, &r.Status, &token,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, report.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}

	r.ID = id.String()
	r.PatientToken = report.Token(token)
	r.PathologyResults = report.PathologyResults{}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &r.PathologyResults); err != nil {
			return nil, fmt.Errorf("decode pathology results: %w", err)
		}
	}
	return &r, nil
}
