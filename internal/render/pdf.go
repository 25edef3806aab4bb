package render

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/drfirst/radportal/internal/domain/report"
	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"
)

// PDFRenderer renders documents in-process with fpdf. It is used when no
// rendering service is configured.
type PDFRenderer struct {
	logger *zap.Logger
}

// NewPDFRenderer creates a local renderer.
func NewPDFRenderer(logger *zap.Logger) *PDFRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDFRenderer{logger: logger}
}

func imageType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return "PNG"
	case "image/jpeg", "image/jpg":
		return "JPG"
	case "image/gif":
		return "GIF"
	default:
		return ""
	}
}

// Render implements report.Renderer.
func (p *PDFRenderer) Render(ctx context.Context, req report.RenderRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(req.Title, true)
	pdf.SetCreator("radportal", true)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 6, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(req.Title), "", 1, "L", false, 0, "")
	if req.Subtitle != "" {
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, tr(req.Subtitle), "", "L", false)
		pdf.SetTextColor(0, 0, 0)
	}
	pdf.Ln(4)

	p.image(pdf, req)

	for _, line := range strings.Split(strings.ReplaceAll(req.Narrative, "\r\n", "\n"), "\n") {
		writeLine(pdf, tr, line)
	}

	if pdf.Err() {
		return nil, fmt.Errorf("render pdf: %w", pdf.Error())
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// image embeds the X-ray scaled to the page width, at most 110mm tall.
// Unsupported or corrupt images are noted in the document and skipped.
func (p *PDFRenderer) image(pdf *fpdf.Fpdf, req report.RenderRequest) {
	if len(req.Image) == 0 {
		return
	}
	kind := imageType(req.ImageContentType)
	if kind == "" {
		p.logger.Debug("image type not embeddable", zap.String("content_type", req.ImageContentType))
		return
	}

	opts := fpdf.ImageOptions{ImageType: kind, ReadDpi: false}
	info := pdf.RegisterImageOptionsReader("xray", opts, bytes.NewReader(req.Image))
	if pdf.Err() || info == nil {
		p.logger.Warn("image could not be embedded", zap.Error(pdf.Error()))
		pdf.ClearError()
		pdf.SetFont("Helvetica", "I", 9)
		pdf.CellFormat(0, 6, "(image could not be embedded)", "", 1, "L", false, 0, "")
		pdf.Ln(2)
		return
	}

	pageW, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	maxW := pageW - left - right
	const maxH = 110.0

	w, h := info.Width(), info.Height()
	if w <= 0 || h <= 0 {
		return
	}
	scale := maxW / w
	if h*scale > maxH {
		scale = maxH / h
	}
	w, h = w*scale, h*scale

	x := left + (maxW-w)/2
	pdf.ImageOptions("xray", x, pdf.GetY(), w, h, false, opts, 0, "")
	pdf.SetY(pdf.GetY() + h + 6)
}

func writeLine(pdf *fpdf.Fpdf, tr func(string) string, line string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		pdf.Ln(3)
	case strings.HasPrefix(trimmed, "#"):
		pdf.SetFont("Helvetica", "B", 13)
		pdf.MultiCell(0, 7, tr(strings.TrimSpace(strings.TrimLeft(trimmed, "#"))), "", "L", false)
	case strings.HasPrefix(trimmed, "**") && strings.HasSuffix(trimmed, "**") && len(trimmed) > 4:
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(0, 6, tr(strings.Trim(trimmed, "*")), "", "L", false)
	default:
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(strings.ReplaceAll(line, "**", "")), "", "L", false)
	}
}
