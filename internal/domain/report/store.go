package report

import (
	"context"
)

// Store persists patients and reports. Implementations must make
// CreateReport atomic (patient upsert, report insert and its lifecycle event
// all commit or none do), serialize UpdateNarrative per report, and never
// move a finalized report back to draft.
type Store interface {
	TokenLookup

	// CreateReport upserts the patient by PatientID, inserts the report and
	// records EventReportCreated. It returns ErrTokenConflict when the
	// report's token is already taken. The stored patient is returned.
	CreateReport(ctx context.Context, p *Patient, r *Report, actor string) (*Patient, error)
	// UpdateNarrative overwrites the narrative, optionally finalizes, bumps
	// updated_at strictly and records the matching lifecycle event.
	UpdateNarrative(ctx context.Context, params UpdateParams) (*Report, error)
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReportsByPatient(ctx context.Context, patientID string, limit int) ([]*Report, error)

	// UpsertPatient creates the patient unless one exists for the id; the
	// stored record is returned along with whether it was created.
	UpsertPatient(ctx context.Context, p *Patient) (*Patient, bool, error)
	GetPatient(ctx context.Context, patientID string) (*Patient, error)
}

// ImageStore keeps write-once image blobs.
type ImageStore interface {
	PutImage(ctx context.Context, key, contentType string, data []byte) error
	GetImage(ctx context.Context, key string) ([]byte, error)
}

// ChatLog is an append-only record of chat exchanges keyed by report id.
// Nothing in this package reads it back.
type ChatLog interface {
	Append(ctx context.Context, event *Event) error
}

// ScoreRequest is sent to the image scoring capability.
type ScoreRequest struct {
	Image         []byte
	ContentType   string
	ClinicalNotes string
}

// ScoreResult is the scorer's findings plus a draft narrative.
type ScoreResult struct {
	Findings  PathologyResults
	Narrative string
}

// Scorer produces pathology findings and a draft narrative from an image.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error)
}

// Answerer answers a question using only the supplied context text.
type Answerer interface {
	Answer(ctx context.Context, contextText, question string) (string, error)
}

// RenderRequest is the input of the document rendering capability.
type RenderRequest struct {
	Title            string
	Subtitle         string
	Narrative        string
	Image            []byte
	ImageContentType string
}

// Renderer turns a narrative and image into a PDF document.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}
