// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends resolves which upstream AI backend serves a call and
// keeps backend credentials sealed at rest.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
)

// Store is the persistence the resolver reads. GetBackend returns a
// *datatypes.NotFoundError when the id does not exist.
type Store interface {
	GetBackend(ctx context.Context, id string) (*datatypes.Backend, error)
}

// Selection carries the three candidate backend ids for one call.
type Selection struct {
	ConversationOverrideID string
	ExpertBackendID        string
	UserDefaultID          string
}

// Pick returns the first non-empty id in precedence order: conversation
// override, expert backend, user default. It returns "" when none is set.
func (s Selection) Pick() string {
	for _, id := range []string{s.ConversationOverrideID, s.ExpertBackendID, s.UserDefaultID} {
		if strings.TrimSpace(id) != "" {
			return id
		}
	}
	return ""
}

// PickModel applies the model precedence: assignment override, expert
// override, configured default.
func PickModel(assignmentOverride, expertOverride, defaultModel string) string {
	if assignmentOverride != "" {
		return assignmentOverride
	}
	if expertOverride != "" {
		return expertOverride
	}
	return defaultModel
}

// Defaults are the process-wide fallbacks used when nothing more specific
// is configured.
type Defaults struct {
	Fallback datatypes.BackendConfig
	Model    string
}

// DefaultsSource returns the current Defaults. It is called once per use so
// configuration reloads take effect on the next call.
type DefaultsSource func() Defaults

// StaticDefaults returns a DefaultsSource that always yields d.
func StaticDefaults(d Defaults) DefaultsSource {
	return func() Defaults { return d }
}

// Resolver turns a Selection into a concrete upstream configuration.
//
// # Description
//
// The first non-empty id is looked up. A missing, inactive, foreign or
// URL-less backend is a BackendUnresolvedError; resolution never falls
// through to the next candidate. Credentials are opened per call and are
// not retained by the resolver.
//
// # Thread Safety
//
// Safe for concurrent use.
type Resolver struct {
	store  Store
	sealer *Sealer
}

// NewResolver creates a Resolver.
func NewResolver(store Store, sealer *Sealer) *Resolver {
	if store == nil {
		panic("NewResolver: store must not be nil")
	}
	if sealer == nil {
		panic("NewResolver: sealer must not be nil")
	}
	return &Resolver{store: store, sealer: sealer}
}

// Resolve returns the backend for sel, or (nil, nil) when sel names no
// backend at all.
func (r *Resolver) Resolve(ctx context.Context, userID string, sel Selection) (*datatypes.BackendConfig, error) {
	id := sel.Pick()
	if id == "" {
		return nil, nil
	}

	backend, err := r.store.GetBackend(ctx, id)
	if err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			return nil, &datatypes.BackendUnresolvedError{BackendID: id, Reason: "it no longer exists"}
		}
		return nil, fmt.Errorf("load backend %s: %w", id, err)
	}

	// A backend owned by someone else is reported the same as a missing one.
	if backend == nil || backend.UserID != userID {
		return nil, &datatypes.BackendUnresolvedError{BackendID: id, Reason: "it no longer exists"}
	}
	if !backend.IsActive {
		return nil, &datatypes.BackendUnresolvedError{BackendID: id, Reason: "it is disabled"}
	}
	if strings.TrimSpace(backend.BaseURL) == "" {
		return nil, &datatypes.BackendUnresolvedError{BackendID: id, Reason: "it has no base URL"}
	}

	apiKey, err := r.sealer.Open(userID, backend.SealedAPIKey)
	if err != nil {
		slog.Warn("Failed to open backend credential",
			"backend_id", id,
			"error", err,
		)
		return nil, &datatypes.BackendUnresolvedError{BackendID: id, Reason: "its API key cannot be decrypted"}
	}

	return &datatypes.BackendConfig{
		BackendID: backend.ID,
		BaseURL:   backend.BaseURL,
		APIKey:    apiKey,
		OrgID:     backend.OrgID,
	}, nil
}

// ResolveOrFallback resolves sel and substitutes fallback when sel names
// no backend. A fallback without a base URL is a BackendUnresolvedError.
func (r *Resolver) ResolveOrFallback(
	ctx context.Context,
	userID string,
	sel Selection,
	fallback datatypes.BackendConfig,
) (datatypes.BackendConfig, error) {
	cfg, err := r.Resolve(ctx, userID, sel)
	if err != nil {
		return datatypes.BackendConfig{}, err
	}
	if cfg != nil {
		return *cfg, nil
	}
	if strings.TrimSpace(fallback.BaseURL) == "" {
		return datatypes.BackendConfig{}, &datatypes.BackendUnresolvedError{
			Reason: "add a backend in settings or set llm.fallback.base_url",
		}
	}
	return fallback, nil
}
