package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/api/middleware"
	"github.com/drfirst/radportal/internal/domain/report"
)

// multipartMemory is how much of an upload is kept in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// ActivityReader lists the recorded lifecycle activity of a report.
type ActivityReader interface {
	ForReport(ctx context.Context, reportID string) ([]report.Activity, error)
}

// ReportHandler handles the operator report endpoints
type ReportHandler struct {
	service   *report.Service
	exporter  *report.Exporter
	activity  ActivityReader
	maxUpload int64
	logger    *zap.Logger
}

// NewReportHandler creates a new handler. activity may be nil when no
// activity log is kept.
func NewReportHandler(service *report.Service, exporter *report.Exporter, activity ActivityReader, maxUpload int64, logger *zap.Logger) *ReportHandler {
	return &ReportHandler{
		service:   service,
		exporter:  exporter,
		activity:  activity,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *ReportHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Post("/{id}/finalize", h.Finalize)
	r.Get("/{id}/export", h.Export)
	if h.activity != nil {
		r.Get("/{id}/activity", h.Activity)
	}
	return r
}

func session(r *http.Request) report.Session {
	s, _ := middleware.SessionFrom(r.Context())
	return s
}

// Create handles POST /reports (multipart form)
func (h *ReportHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("report-handler").Start(r.Context(), "create_report")
	defer span.End()

	in, err := h.parseCreate(w, r)
	if err != nil {
		respondError(w, r, h.logger, "create report", err)
		return
	}

	created, err := h.service.Create(ctx, session(r), in)
	if err != nil {
		respondError(w, r, h.logger, "create report", err)
		return
	}
	span.SetAttributes(attribute.String("report_id", created.ID))

	h.logger.Info("report created",
		zap.String("id", created.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("ai_status", string(created.AIStatus)),
	)
	writeJSON(w, http.StatusCreated, created)
}

func (h *ReportHandler) parseCreate(w http.ResponseWriter, r *http.Request) (report.CreateInput, error) {
	var in report.CreateInput
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, tooLarge
		}
		return in, &report.ValidationError{Field: "body", Reason: "must be multipart/form-data"}
	}
	defer r.MultipartForm.RemoveAll()

	in.PatientID = strings.TrimSpace(r.FormValue("patient_id"))
	in.ClinicalNotes = r.FormValue("clinical_notes")
	in.Demographics.Name = strings.TrimSpace(r.FormValue("name"))
	in.Demographics.Gender = strings.TrimSpace(r.FormValue("gender"))
	if age := strings.TrimSpace(r.FormValue("age")); age != "" {
		n, err := strconv.Atoi(age)
		if err != nil || n < 0 {
			return in, &report.ValidationError{Field: "age", Reason: "must be a non-negative integer"}
		}
		in.Demographics.Age = n
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return in, &report.ValidationError{Field: "image", Reason: "is required"}
	}
	if err != nil {
		return in, &report.ValidationError{Field: "image", Reason: "could not be read"}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return in, &report.ValidationError{Field: "image", Reason: "could not be read"}
	}
	in.Image = data
	in.ImageContentType = header.Header.Get("Content-Type")
	if in.ImageContentType == "" || in.ImageContentType == "application/octet-stream" {
		in.ImageContentType = http.DetectContentType(data)
	}
	return in, nil
}

// Get handles GET /reports/{id}
func (h *ReportHandler) Get(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, "get report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// NarrativeRequest is the body of update and finalize requests.
type NarrativeRequest struct {
	FinalReport *string `json:"final_report"`
	Status      string  `json:"status,omitempty"`
}

func decodeNarrative(r *http.Request) (NarrativeRequest, error) {
	var req NarrativeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		return req, &report.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if req.FinalReport == nil {
		return req, &report.ValidationError{Field: "final_report", Reason: "is required"}
	}
	return req, nil
}

// Update handles PUT /reports/{id}. A body status of "finalized" finalizes
// the report in the same call; "draft" is refused with 409 once the report
// is finalized.
func (h *ReportHandler) Update(w http.ResponseWriter, r *http.Request) {
	req, err := decodeNarrative(r)
	if err != nil {
		respondError(w, r, h.logger, "update report", err)
		return
	}

	id := chi.URLParam(r, "id")
	var rep *report.Report
	switch report.Status(req.Status) {
	case "":
		rep, err = h.service.Update(r.Context(), session(r), id, *req.FinalReport)
	case report.StatusDraft:
		rep, err = h.service.UpdateDraft(r.Context(), session(r), id, *req.FinalReport)
	case report.StatusFinalized:
		rep, err = h.service.Finalize(r.Context(), session(r), id, *req.FinalReport)
	default:
		err = &report.ValidationError{Field: "status", Reason: "must be draft or finalized"}
	}
	if err != nil {
		respondError(w, r, h.logger, "update report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Finalize handles POST /reports/{id}/finalize
func (h *ReportHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	req, err := decodeNarrative(r)
	if err != nil {
		respondError(w, r, h.logger, "finalize report", err)
		return
	}
	rep, err := h.service.Finalize(r.Context(), session(r), chi.URLParam(r, "id"), *req.FinalReport)
	if err != nil {
		respondError(w, r, h.logger, "finalize report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Export handles GET /reports/{id}/export?format=
func (h *ReportHandler) Export(w http.ResponseWriter, r *http.Request) {
	doc, err := h.exporter.Export(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, h.logger, "export report", err)
		return
	}
	writeDocument(w, doc)
}

// Activity handles GET /reports/{id}/activity. Unknown reports have no
// activity.
func (h *ReportHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.activity.ForReport(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, "report activity", err)
		return
	}
	if entries == nil {
		entries = []report.Activity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"report_id": id, "activity": entries})
}
