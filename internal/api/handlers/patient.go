package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
)

// PatientHandler handles patient registration and history
type PatientHandler struct {
	service *report.Service
	logger  *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(service *report.Service, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{service: service, logger: logger}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/{patient_id}", h.History)
	return r
}

// RegisterRequest is the request body for registering a patient
type RegisterRequest struct {
	PatientID     string `json:"patient_id"`
	Name          string `json:"name"`
	Age           int    `json:"age"`
	Gender        string `json:"gender"`
	ClinicalNotes string `json:"clinical_notes"`
}

// Register handles POST /patients. An existing patient is returned unchanged.
func (h *PatientHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.service.RegisterPatient(r.Context(), session(r), report.Patient{
		PatientID:     req.PatientID,
		Name:          req.Name,
		Age:           req.Age,
		Gender:        req.Gender,
		ClinicalNotes: req.ClinicalNotes,
	})
	if err != nil {
		respondError(w, r, h.logger, "register patient", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// History handles GET /patients/{patient_id}
func (h *PatientHandler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.service.PatientHistory(r.Context(), chi.URLParam(r, "patient_id"))
	if err != nil {
		respondError(w, r, h.logger, "patient history", err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
