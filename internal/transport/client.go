// Package transport talks to the admissions API: the streaming and plain
// chat endpoints plus the district and eligibility lookups.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/cache"
	"UniNavigator/internal/session"
	"UniNavigator/internal/stream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000/api/v1"

	instrumentationName = "uninavigator/transport"
	maxErrorBody        = 64 << 10
)

// Client calls the admissions API over HTTP
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	Cache      *cache.Cache

	duration   metric.Float64Histogram
	increments metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// NewClient creates a client for baseURL using the global OTel providers
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// no overall timeout: streamed replies can run long; callers bound them with ctx
		HTTPClient: &http.Client{},
		Logger:     logger,
		Tracer:     otel.Tracer(instrumentationName),
		Meter:      otel.Meter(instrumentationName),
		Cache:      cache.New(10 * time.Minute),
	}
	c.initInstruments()
	return c
}

func (c *Client) initInstruments() {
	var err error
	c.duration, err = c.Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		c.Logger.Warn("failed to create histogram", "error", err)
	}
	c.increments, err = c.Meter.Int64Counter(
		"chat.stream.increments",
		metric.WithDescription("Text increments delivered from streamed replies"),
	)
	if err != nil {
		c.Logger.Warn("failed to create counter", "error", err)
	}
	c.fallbacks, err = c.Meter.Int64Counter(
		"chat.stream.decode_fallbacks",
		metric.WithDescription("Stream payloads recovered as plain text"),
	)
	if err != nil {
		c.Logger.Warn("failed to create counter", "error", err)
	}
}

// StreamMessage posts req with stream=true and decodes the event stream,
// forwarding increments to sink as they arrive.
func (c *Client) StreamMessage(ctx context.Context, req backend.ChatRequest, sink stream.Sink) (stream.Result, error) {
	ctx, span := c.Tracer.Start(ctx, "chat_stream_request")
	defer span.End()
	start := time.Now()

	req.Stream = true
	resp, err := c.post(ctx, "/chat", req, "text/event-stream")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return stream.Result{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "Failed to send message"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-success status")
		return stream.Result{}, err
	}

	count := 0
	dec := stream.NewDecoder(func(s string) {
		count++
		if sink != nil {
			sink(s)
		}
	})
	dec.OnDecodeError(func(e *session.DecodeError) {
		c.Logger.Debug("stream payload recovered as text", "error", e)
	})

	res, err := dec.Run(ctx, resp.Body)
	c.recordStream(ctx, start, count, dec.Fallbacks())
	span.SetAttributes(
		attribute.Int("chat.stream.increments", count),
		attribute.String("chat.route", res.Route),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream interrupted")
		return res, err
	}

	c.Logger.Info("stream completed", "increments", count, "route", res.Route, "sources", len(res.Sources))
	return res, nil
}

// SendMessage posts req and returns the complete reply
func (c *Client) SendMessage(ctx context.Context, req backend.ChatRequest) (backend.ChatResponse, error) {
	ctx, span := c.Tracer.Start(ctx, "chat_request")
	defer span.End()

	req.Stream = false
	var out backend.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat", req, &out, "Failed to send message", false); err != nil {
		span.RecordError(err)
		return backend.ChatResponse{}, err
	}
	return out, nil
}

// Districts lists the districts known to the API
func (c *Client) Districts(ctx context.Context) ([]backend.District, error) {
	ctx, span := c.Tracer.Start(ctx, "districts_request")
	defer span.End()

	var out []backend.District
	if err := c.doJSON(ctx, http.MethodGet, "/districts", nil, &out, "Failed to fetch districts", true); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// CheckEligibility returns the courses a z-score qualifies for
func (c *Client) CheckEligibility(ctx context.Context, req backend.EligibilityRequest) (backend.EligibilityResponse, error) {
	ctx, span := c.Tracer.Start(ctx, "eligibility_request")
	defer span.End()

	var out backend.EligibilityResponse
	if err := c.doJSON(ctx, http.MethodPost, "/eligibility", req, &out, "Failed to check eligibility", true); err != nil {
		span.RecordError(err)
		return backend.EligibilityResponse{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, defaultMsg string, cacheable bool) error {
	start := time.Now()

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	key := cache.GenerateCacheKey(method, path, body)
	if cacheable && c.Cache != nil {
		if cached, ok := c.Cache.Load(key); ok {
			c.Logger.Info("cache hit", "path", path, "key", key[:16])
			if err := json.Unmarshal(cached, out); err != nil {
				return &session.TransportError{Message: "failed to unmarshal cached response", Err: err}
			}
			return nil
		}
	}

	resp, err := c.send(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, defaultMsg); err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &session.TransportError{Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &session.TransportError{Status: resp.StatusCode, Message: "failed to unmarshal response", Err: err}
	}

	c.recordDuration(ctx, start, path)
	if cacheable && c.Cache != nil {
		c.Cache.Store(key, data)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in any, accept string) (*http.Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.send(ctx, http.MethodPost, path, body, accept)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &session.TransportError{Message: "failed to send request", Err: err}
	}
	return resp, nil
}

// checkStatus converts a non-2xx response into a TransportError carrying the
// server's message when the body provides one.
func checkStatus(resp *http.Response, defaultMsg string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := defaultMsg
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb backend.ErrorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Message != "" {
		msg = eb.Message
	}
	return &session.TransportError{Status: resp.StatusCode, Message: msg}
}

// IsTransport reports whether err is a TransportError
func IsTransport(err error) bool {
	var te *session.TransportError
	return errors.As(err, &te)
}

func (c *Client) recordDuration(ctx context.Context, start time.Time, path string) {
	if c.duration == nil {
		return
	}
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("http.route", path)))
}

func (c *Client) recordStream(ctx context.Context, start time.Time, increments, fallbacks int) {
	c.recordDuration(ctx, start, "/chat")
	if c.increments != nil {
		c.increments.Add(ctx, int64(increments))
	}
	if c.fallbacks != nil && fallbacks > 0 {
		c.fallbacks.Add(ctx, int64(fallbacks))
	}
}
