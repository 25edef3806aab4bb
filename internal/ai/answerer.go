package ai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drfirst/radportal/pkg/circuitbreaker"
	"go.uber.org/zap"
)

// systemInstruction scopes the answering model to the supplied report.
const systemInstruction = "You are an experienced radiologist. Answer questions based solely on the " +
	"provided X-ray report, clearly and concisely. Always include an appropriate medical disclaimer."

// HTTPAnswerer calls POST {baseURL}/answer with {"context", "question"} and
// expects {"answer": "..."}.
type HTTPAnswerer struct {
	client
}

// NewHTTPAnswerer creates an answering client.
func NewHTTPAnswerer(baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPAnswerer {
	return &HTTPAnswerer{client: newClient("answering", baseURL, timeout, breaker, logger)}
}

type answerRequest struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context"`
	Question    string `json:"question"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

// Answer implements report.Answerer.
func (a *HTTPAnswerer) Answer(ctx context.Context, contextText, question string) (string, error) {
	body, err := json.Marshal(answerRequest{
		Instruction: systemInstruction,
		Context:     contextText,
		Question:    question,
	})
	if err != nil {
		return "", err
	}
	var resp answerResponse
	if err := a.post(ctx, "/answer", "application/json", body, &resp); err != nil {
		return "", err
	}
	return resp.Answer, nil
}
