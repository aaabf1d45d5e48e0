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
	"time"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
)

// Fixed completion policy. These are not configurable per call.
const (
	DefaultTemperature    float32 = 0.7
	DefaultRequestTimeout         = 120 * time.Second
)

// Chat roles understood by OpenAI-compatible backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the chat-completions messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a single upstream call.
//
// Temperature zero means DefaultTemperature.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	Backend     datatypes.BackendConfig
	Temperature float32
}

// Usage is the token accounting reported by the upstream, when present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the outcome of a streamed call.
type Completion struct {
	Content      string
	FinishReason string
	Usage        *Usage
	Attempts     int
}

// TokenCallback receives each incremental text fragment in order. Returning
// an error aborts the stream and the error is returned from Stream.
type TokenCallback func(token string) error

// CompletionClient performs chat completions against an OpenAI-compatible
// backend.
//
// # Description
//
// Complete returns the whole reply; Stream delivers it token by token.
// Both retry transient failures (connection refused/reset, timeouts,
// HTTP >= 500) up to three attempts with 1s/2s backoff. A Stream is only
// retried while no token has been delivered yet.
//
// # Errors
//
//   - *UpstreamError: network or HTTP failure after retries.
//   - *InvalidResponseError: malformed body or no choice content.
//   - ErrCancelled: ctx was cancelled by the caller. Not a failure.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest, onToken TokenCallback) (Completion, error)
}
