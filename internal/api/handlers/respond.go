// Package handlers provides HTTP handlers for the operator and public
// surfaces of the portal API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/api/middleware"
	"github.com/drfirst/radportal/internal/domain/report"
)

// publicNotFound is the only body the public surface returns for a token
// that does not resolve, whatever the reason.
const publicNotFound = "report not found"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to a status code and a client-safe message.
func statusFor(err error) (int, string) {
	var (
		validation  *report.ValidationError
		unsupported *report.UnsupportedFormatError
		dependency  *report.DependencyUnavailableError
		tooLarge    *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &unsupported):
		return http.StatusBadRequest, unsupported.Error()
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, report.ErrUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, report.ErrFinalized):
		return http.StatusConflict, err.Error()
	case errors.Is(err, report.ErrNotFound):
		var nf *report.NotFoundError
		if errors.As(err, &nf) {
			return http.StatusNotFound, nf.Resource + " not found"
		}
		return http.StatusNotFound, "not found"
	case errors.As(err, &dependency):
		return http.StatusServiceUnavailable, dependency.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// respondError writes err for the operator surface.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
	}
	jsonError(w, msg, status)
}

// respondPublicError writes err for the token surface. Every lookup failure
// collapses to the same 404 body.
func respondPublicError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, op string, err error) {
	status, msg := statusFor(err)
	switch {
	case status == http.StatusNotFound:
		msg = publicNotFound
	case status >= http.StatusInternalServerError:
		logger.Error(op+" failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		if status == http.StatusServiceUnavailable {
			msg = "service temporarily unavailable"
		}
	}
	jsonError(w, msg, status)
}

func writeDocument(w http.ResponseWriter, doc *report.Document) {
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, strings.ReplaceAll(doc.Filename, `"`, "")))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}
