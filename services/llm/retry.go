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
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig bounds the retry loop around one upstream call.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. 3 means at most 2 retries.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// BackoffFactor multiplies the wait after each failed attempt.
	BackoffFactor float64
}

// DefaultRetryConfig returns 3 attempts with 1s, 2s backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		BackoffFactor:  2.0,
	}
}

// backoffFor returns the wait after the given failed attempt (1-based).
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	wait := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * c.BackoffFactor)
	}
	return wait
}

// SleepFunc waits for d or until ctx is done. Tests substitute it to
// observe backoff without waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

// contextSleep is the production SleepFunc.
func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Error Classification
// =============================================================================

// classifyError converts an error from one attempt into the package error
// taxonomy.
//
// # Description
//
// The caller's context is checked first: once it is done every error is
// ErrCancelled, regardless of what the transport reported. Otherwise:
//
//   - go-openai APIError/RequestError: UpstreamError with the HTTP status,
//     retryable when status >= 500.
//   - JSON decode errors: InvalidResponseError, never retried.
//   - connection refused/reset, unexpected EOF, timeouts (including the
//     per-attempt deadline): retryable UpstreamError.
//   - anything else: non-retryable UpstreamError.
func classifyError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return ErrCancelled
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
			Retryable:  isRetryableStatusCode(apiErr.HTTPStatusCode),
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &UpstreamError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    msg,
			Retryable:  isRetryableStatusCode(reqErr.HTTPStatusCode),
			Err:        err,
		}
	}

	if isMalformedJSON(err) {
		return &InvalidResponseError{Reason: "malformed JSON body", Err: err}
	}

	return &UpstreamError{
		Message:   err.Error(),
		Retryable: isRetryableNetworkError(err),
		Err:       err,
	}
}

// isRetryableStatusCode reports whether an HTTP status is a transient
// server-side failure.
func isRetryableStatusCode(status int) bool {
	return status >= 500
}

// isRetryableNetworkError reports connection refused/reset and timeouts.
func isRetryableNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isMalformedJSON(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// isRetryable reports whether a classified error may be retried.
func isRetryable(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && upErr.Retryable
}
