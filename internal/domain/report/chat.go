package report

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// FallbackAnswer is returned whenever the answering capability fails.
const FallbackAnswer = "I apologize, but I'm unable to process your question at the moment. " +
	"Please consult with a qualified radiologist for medical advice."

// MaxQuestionLength caps a chat question in characters.
const MaxQuestionLength = 2000

// ChatAdapter answers a token holder's questions about the one report the
// token addresses. It keeps no conversation state.
type ChatAdapter struct {
	gateway  *Gateway
	answerer Answerer
	log      ChatLog
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  Recorder
	now      func() time.Time
}

// NewChatAdapter creates the adapter. log may be nil to keep no record of
// exchanges.
func NewChatAdapter(gateway *Gateway, answerer Answerer, log ChatLog, cfg Config, logger *zap.Logger, rec Recorder) *ChatAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &ChatAdapter{
		gateway:  gateway,
		answerer: answerer,
		log:      log,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer("report-chat"),
		metrics:  rec,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ask answers one question. Token resolution fails exactly like the
// gateway's; answering failures yield FallbackAnswer and no error.
func (c *ChatAdapter) Ask(ctx context.Context, token Token, question string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "report.chat")
	defer span.End()

	question = strings.TrimSpace(question)
	if question == "" {
		return "", &ValidationError{Field: "query", Reason: "is required"}
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return "", &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", MaxQuestionLength)}
	}

	r, err := c.gateway.open(ctx, token)
	if err != nil {
		return "", err
	}

	answer, fallback := c.answer(ctx, BuildContext(r), question)
	c.metrics.ChatAnswered(fallback)
	c.record(ctx, r.ID, question, answer, fallback)
	return answer, nil
}

func (c *ChatAdapter) answer(ctx context.Context, contextText, question string) (string, bool) {
	if c.answerer == nil {
		return FallbackAnswer, true
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AnswerTimeout)
	defer cancel()

	started := time.Now()
	answer, err := c.answerer.Answer(ctx, contextText, question)
	c.metrics.ObserveDependency("answerer", started)
	if err != nil || strings.TrimSpace(answer) == "" {
		c.logger.Warn("answering unavailable, returning fallback", zap.Error(err))
		return FallbackAnswer, true
	}
	return answer, false
}

// record appends to the chat log. A failing log never fails the answer.
func (c *ChatAdapter) record(ctx context.Context, reportID, question, answer string, fallback bool) {
	if c.log == nil {
		return
	}
	event, err := NewEvent(reportID, EventChatAsked, "", &ChatAskedData{
		ReportID: reportID,
		Question: question,
		Answer:   answer,
		Fallback: fallback,
		AskedAt:  c.now(),
	})
	if err == nil {
		err = c.log.Append(ctx, event)
	}
	if err != nil {
		c.logger.Warn("chat log append failed", zap.String("report_id", reportID), zap.Error(err))
	}
}

// BuildContext is the only report text the answerer sees: the current
// narrative and the detected findings.
func BuildContext(r *Report) string {
	var b strings.Builder
	b.WriteString("Radiology report:\n")
	b.WriteString(strings.TrimSpace(r.FinalReport))
	b.WriteString("\n\nReport status: ")
	b.WriteString(string(r.Status))

	detected := r.PathologyResults.Detected()
	b.WriteString("\n\nDetected findings:")
	if len(detected) == 0 {
		b.WriteString(" none")
	}
	for _, name := range detected {
		fmt.Fprintf(&b, "\n- %s (probability %.2f)", name, r.PathologyResults[name].Probability)
	}
	return b.String()
}
