// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("expertchat.services.llm")
	meter  = otel.Meter("expertchat.services.llm")

	attemptCounter, _ = meter.Int64Counter("expertchat.llm.attempts",
		metric.WithDescription("Upstream chat-completion attempts by mode and outcome"))
	callDuration, _ = meter.Float64Histogram("expertchat.llm.call.duration",
		metric.WithDescription("Wall time of one upstream call including retries"),
		metric.WithUnit("s"))
)

// =============================================================================
// Client
// =============================================================================

// OpenAICompatibleClient implements CompletionClient over go-openai.
//
// # Description
//
// A go-openai client is built per call from the resolved backend, since
// credentials are never cached across requests. All calls share one
// http.Client whose transport strips empty credential headers, so a
// backend without an API key sends no Authorization header at all.
//
// # Thread Safety
//
// Safe for concurrent use; the struct is immutable after construction.
type OpenAICompatibleClient struct {
	httpClient *http.Client
	retry      RetryConfig
	timeout     time.Duration
	temperature float32
	sleep       SleepFunc
}

// Option configures an OpenAICompatibleClient.
type Option func(*OpenAICompatibleClient)

// WithHTTPClient sets the underlying http.Client. Its transport is wrapped,
// not replaced.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *OpenAICompatibleClient) { c.httpClient = hc }
}

// WithRetryConfig overrides DefaultRetryConfig.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *OpenAICompatibleClient) { c.retry = cfg }
}

// WithRequestTimeout overrides the per-attempt timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *OpenAICompatibleClient) { c.timeout = d }
}

// WithTemperature sets the temperature used when a request leaves it zero.
func WithTemperature(t float32) Option {
	return func(c *OpenAICompatibleClient) { c.temperature = t }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(c *OpenAICompatibleClient) { c.sleep = fn }
}

// NewOpenAICompatibleClient creates a client with the fixed completion
// policy: 3 attempts, 1s/2s backoff, 120s per attempt.
func NewOpenAICompatibleClient(opts ...Option) *OpenAICompatibleClient {
	c := &OpenAICompatibleClient{
		httpClient:  &http.Client{},
		retry:       DefaultRetryConfig(),
		timeout:     DefaultRequestTimeout,
		temperature: DefaultTemperature,
		sleep:       contextSleep,
	}
	for _, opt := range opts {
		opt(c)
	}

	wrapped := *c.httpClient
	base := wrapped.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = &headerTransport{base: base}
	c.httpClient = &wrapped

	return c
}

var _ CompletionClient = (*OpenAICompatibleClient)(nil)

// =============================================================================
// Buffered Completion
// =============================================================================

// Complete performs a whole-reply completion.
//
// # Outputs
//
//   - string: choices[0].message.content.
//   - error: *UpstreamError, *InvalidResponseError or ErrCancelled.
func (c *OpenAICompatibleClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "llm.Complete", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()
	start := time.Now()

	api := c.apiClient(req.Backend)
	chatReq := c.chatRequest(req)

	var content string
	attempts, err := c.withRetry(ctx, span, "buffered", func(attemptCtx context.Context) error {
		resp, err := api.CreateChatCompletion(attemptCtx, chatReq)
		if err != nil {
			return normalizeError(ctx, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return &InvalidResponseError{Reason: "response has no choice content"}
		}
		content = resp.Choices[0].Message.Content
		return nil
	})

	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	callDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("mode", "buffered")))
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	return content, nil
}

// =============================================================================
// Streaming Completion
// =============================================================================

// Stream performs a streamed completion, calling onToken for every
// non-empty content delta.
//
// # Description
//
// Frames that fail to decode are skipped. The stream ends at "data: [DONE]"
// or EOF. Cancellation of ctx ends it early with ErrCancelled. Once a token
// has been delivered, later failures are never retried since the caller
// has already observed partial output.
//
// # Outputs
//
//   - Completion: Concatenated content, finish reason, usage and attempts.
//   - error: *UpstreamError, *InvalidResponseError, ErrCancelled, or the
//     error returned by onToken.
func (c *OpenAICompatibleClient) Stream(ctx context.Context, req CompletionRequest, onToken TokenCallback) (Completion, error) {
	ctx, span := tracer.Start(ctx, "llm.Stream", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()
	start := time.Now()

	api := c.apiClient(req.Backend)
	chatReq := c.chatRequest(req)
	chatReq.Stream = true

	var (
		result      Completion
		delivered   bool
		callbackErr error
	)

	attempts, err := c.withRetry(ctx, span, "stream", func(attemptCtx context.Context) error {
		stream, err := api.CreateChatCompletionStream(attemptCtx, chatReq)
		if err != nil {
			return normalizeError(ctx, err)
		}
		defer stream.Close()

		var content strings.Builder
		var skipped int
		for {
			if ctx.Err() != nil {
				return ErrCancelled
			}

			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if ctx.Err() == nil && isMalformedJSON(err) {
					skipped++
					slog.Debug("Skipping malformed stream frame", "error", err)
					continue
				}
				classified := normalizeError(ctx, err)
				var upErr *UpstreamError
				if delivered && errors.As(classified, &upErr) {
					upErr.Retryable = false
				}
				return classified
			}

			if chunk.Usage != nil {
				result.Usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					result.FinishReason = string(choice.FinishReason)
				}
				if choice.Delta.Content == "" {
					continue
				}
				delivered = true
				content.WriteString(choice.Delta.Content)
				if cbErr := onToken(choice.Delta.Content); cbErr != nil {
					callbackErr = cbErr
					return &UpstreamError{Message: "stream aborted by consumer", Err: cbErr}
				}
			}
		}

		if skipped > 0 {
			span.AddEvent("malformed_frames_skipped", trace.WithAttributes(attribute.Int("count", skipped)))
		}
		if content.Len() == 0 {
			return &InvalidResponseError{Reason: "stream ended without content"}
		}
		result.Content = content.String()
		return nil
	})

	result.Attempts = attempts
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	callDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("mode", "stream")))

	if callbackErr != nil && !errors.Is(err, ErrCancelled) {
		recordSpanError(span, callbackErr)
		return result, callbackErr
	}
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			recordSpanError(span, err)
		}
		return result, err
	}
	return result, nil
}

// =============================================================================
// Retry Loop
// =============================================================================

// withRetry runs fn under the retry policy. Each attempt gets a fresh
// per-attempt timeout derived from ctx.
//
// # Outputs
//
//   - int: Number of attempts made.
//   - error: The last classified error, or nil.
func (c *OpenAICompatibleClient) withRetry(ctx context.Context, span trace.Span, mode string,
	fn func(attemptCtx context.Context) error) (int, error) {

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, ErrCancelled
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			attemptCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("mode", mode), attribute.String("outcome", "success")))
			return attempt, nil
		}

		err = normalizeError(ctx, err)
		if errors.Is(err, ErrCancelled) {
			attemptCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("mode", mode), attribute.String("outcome", "cancelled")))
			return attempt, ErrCancelled
		}
		attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode), attribute.String("outcome", "error")))

		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			upErr.Attempts = attempt
		}

		if !isRetryable(err) || attempt >= c.retry.MaxAttempts {
			return attempt, err
		}

		wait := c.retry.backoffFor(attempt)
		slog.Warn("Upstream call failed, retrying",
			"mode", mode,
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"backoff", wait.String(),
			"error", err,
		)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("backoff", wait.String()),
			attribute.String("error", err.Error()),
		))

		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			return attempt, ErrCancelled
		}
	}
}

// normalizeError maps any attempt error into the package taxonomy. Errors
// already classified pass through unless the caller's context is done.
func normalizeError(parent context.Context, err error) error {
	if parent.Err() != nil || errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	var upErr *UpstreamError
	var invErr *InvalidResponseError
	if errors.As(err, &upErr) || errors.As(err, &invErr) {
		return err
	}
	return classifyError(parent, err)
}

// =============================================================================
// Helpers
// =============================================================================

func (c *OpenAICompatibleClient) apiClient(backend datatypes.BackendConfig) *openai.Client {
	cfg := openai.DefaultConfig(backend.APIKey)
	cfg.BaseURL = strings.TrimRight(backend.BaseURL, "/") + "/v1"
	cfg.OrgID = backend.OrgID
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (c *OpenAICompatibleClient) chatRequest(req CompletionRequest) openai.ChatCompletionRequest {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: temperature,
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// headerTransport removes credential headers that carry no value. go-openai
// always sets Authorization from the configured token.
type headerTransport struct {
	base http.RoundTripper
}

func (t *headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	out := r.Clone(r.Context())
	auth := strings.TrimSpace(out.Header.Get("Authorization"))
	if auth == "" || strings.EqualFold(auth, "Bearer") {
		out.Header.Del("Authorization")
	}
	if strings.TrimSpace(out.Header.Get("OpenAI-Organization")) == "" {
		out.Header.Del("OpenAI-Organization")
	}
	out.Header.Set("User-Agent", "expertchat/1.0")
	return t.base.RoundTrip(out)
}
