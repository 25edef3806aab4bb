// Package report implements the radiology report lifecycle and the
// token-scoped patient sharing model.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Status represents report status
type Status string

const (
	StatusDraft     Status = "draft"
	StatusFinalized Status = "finalized"
)

// AIStatus records whether the automated draft was produced
type AIStatus string

const (
	AIStatusCompleted   AIStatus = "completed"
	AIStatusUnavailable AIStatus = "unavailable"
)

// PlaceholderNarrative is the draft used when image scoring could not run.
const PlaceholderNarrative = "AI draft unavailable: automated analysis could not be completed for this image.\n" +
	"Please dictate the findings and impression manually."

// Finding is a single pathology score produced by the image scorer.
type Finding struct {
	Detected    bool    `json:"detected"`
	Probability float64 `json:"probability"`
}

// PathologyResults maps finding names to their scores.
type PathologyResults map[string]Finding

// Detected returns the names of detected findings in a stable order.
func (p PathologyResults) Detected() []string {
	var names []string
	for name, f := range p {
		if f.Detected {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Patient is the clinic's identity record, keyed by the operator-assigned id.
type Patient struct {
	PatientID     string    `json:"patient_id"`
	Name          string    `json:"name"`
	Age           int       `json:"age"`
	Gender        string    `json:"gender"`
	ClinicalNotes string    `json:"clinical_notes"`
	CreatedAt     time.Time `json:"created_at"`
}

// Report is the central record of the lifecycle.
type Report struct {
	ID               string           `json:"id"`
	PatientID        string           `json:"patient_id"`
	RadiologistID    string           `json:"radiologist_id"`
	ImageKey         string           `json:"-"`
	ImageContentType string           `json:"image_content_type"`
	ImageSize        int64            `json:"image_size"`
	ImageData        []byte           `json:"image_data,omitempty"`
	PathologyResults PathologyResults `json:"pathology_results"`
	AIStatus         AIStatus         `json:"ai_status"`
	AIDraft          string           `json:"ai_generated_report"`
	FinalReport      string           `json:"final_report"`
	Status           Status           `json:"status"`
	PatientToken     Token            `json:"patient_token"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	c := *r
	if r.PathologyResults != nil {
		c.PathologyResults = make(PathologyResults, len(r.PathologyResults))
		for k, v := range r.PathologyResults {
			c.PathologyResults[k] = v
		}
	}
	if r.ImageData != nil {
		c.ImageData = append([]byte(nil), r.ImageData...)
	}
	return &c
}

// Session is the already-authenticated operator identity. It is passed
// explicitly to every operator operation.
type Session struct {
	OperatorID string
	Name       string
}

func (s Session) validate() error {
	if strings.TrimSpace(s.OperatorID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// Demographics seed a patient record the first time a patient id is seen.
type Demographics struct {
	Name   string
	Age    int
	Gender string
}

// CreateInput is the "submit new case" payload.
type CreateInput struct {
	PatientID        string
	ClinicalNotes    string
	Image            []byte
	ImageContentType string
	Demographics     Demographics
}

// Validate checks the required fields.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.PatientID) == "" {
		return &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	if len(in.Image) == 0 {
		return &ValidationError{Field: "image", Reason: "is required"}
	}
	if in.ImageContentType != "" && !strings.HasPrefix(in.ImageContentType, "image/") {
		return &ValidationError{Field: "image", Reason: "must be an image"}
	}
	return nil
}

// ImageKey returns the content-addressed storage key for an image.
func ImageKey(image []byte) string {
	sum := sha256.Sum256(image)
	return "xray/" + hex.EncodeToString(sum[:])
}

// UpdateParams describes a narrative mutation.
type UpdateParams struct {
	ReportID     string
	Narrative    string
	Finalize     bool
	// RequireDraft fails the update with ErrFinalized instead of touching
	// a finalized report.
	RequireDraft bool
	Actor        string
}

// History is a patient with their reports, newest first.
type History struct {
	Patient *Patient  `json:"patient"`
	Reports []*Report `json:"reports"`
}
