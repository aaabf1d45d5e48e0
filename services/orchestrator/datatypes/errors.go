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
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrValidation matches every ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound matches every NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnresolved matches every BackendUnresolvedError via errors.Is.
	ErrBackendUnresolved = errors.New("backend unresolved")
)

// =============================================================================
// Typed Errors
// =============================================================================

// ValidationError reports a missing or malformed request field. It is
// raised before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a resource that does not exist or is not owned by
// the caller. Both cases produce the same error.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BackendUnresolvedError reports that no usable upstream configuration
// exists for a call. The message is shown to the user, so Reason must say
// what to fix.
type BackendUnresolvedError struct {
	BackendID string
	Reason    string
}

func (e *BackendUnresolvedError) Error() string {
	if e.BackendID == "" {
		return fmt.Sprintf("no AI backend configured: %s", e.Reason)
	}
	return fmt.Sprintf("AI backend %q is unusable: %s", e.BackendID, e.Reason)
}

func (e *BackendUnresolvedError) Is(target error) bool { return target == ErrBackendUnresolved }
