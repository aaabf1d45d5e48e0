// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Checked in bytes, not runes.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Validator
// =============================================================================

// chatValidate is the validator instance for chat requests.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes rejects strings longer than MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateNotBlank rejects strings that are empty after trimming.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Requests
// =============================================================================

// SendMessageRequest is the body of both turn endpoints.
//
// # Description
//
// Carries the user's message for one turn. The conversation id comes from
// the URL path and the user id from the auth middleware, so neither is part
// of the body.
//
// # Examples
//
//	{"content": "explain recursion"}
type SendMessageRequest struct {
	Content string `json:"content" validate:"notblank,maxbytes"`
}

// Validate checks the request and returns a *ValidationError describing the
// first failing field.
func (r *SendMessageRequest) Validate() error {
	err := chatValidate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := "is invalid"
		switch fe.Tag() {
		case "notblank":
			reason = "is required"
		case "maxbytes":
			reason = "exceeds the maximum message size"
		}
		return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}

// =============================================================================
// Responses
// =============================================================================

// TurnResponse is returned by the buffered (non-streaming) turn endpoint.
type TurnResponse struct {
	UserMessage      Message         `json:"user_message"`
	Replies          []Message       `json:"replies"`
	SuggestedExperts []ExpertSummary `json:"suggested_experts,omitempty"`
	Error            string          `json:"error,omitempty"`
}
