// Package ai contains HTTP clients for the external image-scoring and
// question-answering services.
package ai

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

	"github.com/drfirst/radportal/pkg/circuitbreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxResponseBytes bounds what we read from a service response.
const maxResponseBytes = 4 << 20

// StatusError is a non-2xx response from a service.
type StatusError struct {
	Service string
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.Code)
}

// client is the transport shared by the service clients. Each call is
// bounded by the caller's context and runs through the service's breaker.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

func newClient(name, baseURL string, timeout time.Duration, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger.With(zap.String("service", name)),
		tracer:  otel.Tracer("ai-client"),
	}
}

// post sends body to path and decodes a JSON response into out.
func (c client) post(ctx context.Context, path, contentType string, body []byte, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, c.name+".call",
		trace.WithAttributes(attribute.String("http.url", c.baseURL+path)))
	defer span.End()

	_, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			return struct{}{}, &StatusError{Service: c.name, Code: resp.StatusCode}
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("decode %s response: %w", c.name, err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		span.RecordError(err)
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("service call failed", zap.String("path", path), zap.Error(err))
		}
		return err
	}
	return nil
}
