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
	"errors"
	"fmt"
)

// ErrCancelled is returned when the caller's context ends a call. It is the
// quiet end of a turn, never reported to the client as a failure.
var ErrCancelled = errors.New("completion cancelled")

// UpstreamError is a network or HTTP failure from the AI provider.
//
// # Fields
//
//   - StatusCode: HTTP status, 0 for network-level failures.
//   - Message: Provider or transport error text.
//   - Retryable: Whether the failure class is eligible for retry.
//   - Attempts: Number of attempts made before giving up.
type UpstreamError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream error (status %d, %d attempt(s)): %s", e.StatusCode, e.Attempts, e.Message)
	}
	return fmt.Sprintf("upstream error (%d attempt(s)): %s", e.Attempts, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// InvalidResponseError is a malformed or empty upstream payload. Never
// retried.
type InvalidResponseError struct {
	Reason string
	Err    error
}

func (e *InvalidResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid upstream response: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid upstream response: %s", e.Reason)
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }
