package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/radportal/internal/domain/report"
)

// maxChatBody bounds a chat request body.
const maxChatBody = 64 << 10

// PublicHandler serves the anonymous token holder
type PublicHandler struct {
	gateway *report.Gateway
	chat    *report.ChatAdapter
	logger  *zap.Logger
}

// NewPublicHandler creates a new handler
func NewPublicHandler(gateway *report.Gateway, chat *report.ChatAdapter, logger *zap.Logger) *PublicHandler {
	return &PublicHandler{gateway: gateway, chat: chat, logger: logger}
}

// Routes returns the handler routes
func (h *PublicHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/view/{token}", h.View)
	r.Get("/view/{token}/export", h.Export)
	r.Post("/chat/{token}", h.Chat)
	return r
}

func token(r *http.Request) report.Token {
	return report.Token(chi.URLParam(r, "token"))
}

// View handles GET /public/view/{token}
func (h *PublicHandler) View(w http.ResponseWriter, r *http.Request) {
	view, err := h.gateway.View(r.Context(), token(r))
	if err != nil {
		respondPublicError(w, r, h.logger, "public view", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

// Export handles GET /public/view/{token}/export?format=
func (h *PublicHandler) Export(w http.ResponseWriter, r *http.Request) {
	doc, err := h.gateway.Export(r.Context(), token(r), r.URL.Query().Get("format"))
	if err != nil {
		respondPublicError(w, r, h.logger, "public export", err)
		return
	}
	writeDocument(w, doc)
}

// ChatRequest is the body of a chat question
type ChatRequest struct {
	Query string `json:"query"`
}

// ChatResponse carries the answer
type ChatResponse struct {
	Response string `json:"response"`
}

// Chat handles POST /public/chat/{token}
func (h *PublicHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	answer, err := h.chat.Ask(r.Context(), token(r), req.Query)
	if err != nil {
		respondPublicError(w, r, h.logger, "public chat", err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Response: answer})
}
