package ai

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"time"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/pkg/circuitbreaker"
	"go.uber.org/zap"
)

// HTTPScorer calls POST {baseURL}/score with the image as multipart form
// data and expects {"findings": {...}, "narrative": "..."}.
type HTTPScorer struct {
	client
}

// NewHTTPScorer creates a scorer client.
func NewHTTPScorer(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPScorer {
	return &HTTPScorer{client: newClient("scoring", baseURL, timeout, breaker, logger)}
}

type scoreResponse struct {
	Findings  map[string]report.Finding `json:"findings"`
	Narrative string                    `json:"narrative"`
}

// Score implements report.Scorer.
func (s *HTTPScorer) Score(ctx context.Context, req report.ScoreRequest) (*report.ScoreResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="xray"`)
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(req.Image); err != nil {
		return nil, err
	}
	if req.ClinicalNotes != "" {
		if err := writer.WriteField("clinical_notes", req.ClinicalNotes); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var resp scoreResponse
	if err := s.post(ctx, "/score", writer.FormDataContentType(), body.Bytes(), &resp); err != nil {
		return nil, err
	}
	return &report.ScoreResult{Findings: resp.Findings, Narrative: resp.Narrative}, nil
}
