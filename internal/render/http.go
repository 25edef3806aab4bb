// Package render turns a report narrative and image into a PDF, either via
// an external rendering service or locally.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/drfirst/radportal/pkg/circuitbreaker"
	"go.uber.org/zap"
)

const maxDocumentBytes = 32 << 20

var pdfMagic = []byte("%PDF-")

// ErrNotPDF is returned when the rendering service answers with something
// other than a PDF.
var ErrNotPDF = errors.New("renderer returned a non-PDF body")

// HTTPRenderer calls POST {baseURL}/render.
type HTTPRenderer struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPRenderer creates a rendering service client.
func NewHTTPRenderer(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

type renderRequest struct {
	Title            string `json:"title"`
	Subtitle         string `json:"subtitle,omitempty"`
	Narrative        string `json:"narrative"`
	ImageBase64      []byte `json:"image_base64,omitempty"`
	ImageContentType string `json:"image_content_type,omitempty"`
}

// Render implements report.Renderer.
func (r *HTTPRenderer) Render(ctx context.Context, req report.RenderRequest) ([]byte, error) {
	body, err := json.Marshal(renderRequest{
		Title:            req.Title,
		Subtitle:         req.Subtitle,
		Narrative:        req.Narrative,
		ImageBase64:      req.Image,
		ImageContentType: req.ImageContentType,
	})
	if err != nil {
		return nil, err
	}

	return circuitbreaker.Do(ctx, r.breaker, func(ctx context.Context) ([]byte, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/pdf")

		resp, err := r.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("renderer returned status %d", resp.StatusCode)
		}
		doc, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		if !bytes.HasPrefix(doc, pdfMagic) {
			return nil, ErrNotPDF
		}
		return doc, nil
	})
}
