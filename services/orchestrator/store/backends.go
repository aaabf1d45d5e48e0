// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// CreateBackend inserts a backend row. SealedAPIKey must already be sealed.
func (s *Store) CreateBackend(ctx context.Context, b datatypes.Backend) (datatypes.Backend, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = fromMillis(s.nowMillis())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backends (id, user_id, name, base_url, sealed_api_key, org_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Name, b.BaseURL, b.SealedAPIKey, b.OrgID, b.IsActive, b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Backend{}, fmt.Errorf("insert backend: %w", err)
	}
	return b, nil
}

// GetBackend loads a backend with its sealed credential.
func (s *Store) GetBackend(ctx context.Context, id string) (*datatypes.Backend, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, base_url, sealed_api_key, org_id, is_active, created_at
		FROM backends WHERE id = ?`, id)

	b, err := scanBackend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &datatypes.NotFoundError{Resource: "backend", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBackends returns a user's backends by name.
func (s *Store) ListBackends(ctx context.Context, userID string) ([]datatypes.Backend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, base_url, sealed_api_key, org_id, is_active, created_at
		FROM backends WHERE user_id = ?
		ORDER BY name, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("query backends: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// SetUserDefaultBackend records the user's default backend. An empty id
// clears it.
func (s *Store) SetUserDefaultBackend(ctx context.Context, userID, backendID string) error {
	var id sql.NullString
	if backendID != "" {
		id = sql.NullString{String: backendID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, default_backend_id) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET default_backend_id = excluded.default_backend_id`,
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("set default backend: %w", err)
	}
	return nil
}

// GetUserDefaultBackendID returns the user's default backend id, or "" when
// none is set.
func (s *Store) GetUserDefaultBackendID(ctx context.Context, userID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT default_backend_id FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query user settings: %w", err)
	}
	return id.String, nil
}

func scanBackend(row rowScanner) (*datatypes.Backend, error) {
	var (
		b         datatypes.Backend
		createdAt int64
	)
	err := row.Scan(&b.ID, &b.UserID, &b.Name, &b.BaseURL, &b.SealedAPIKey, &b.OrgID, &b.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan backend: %w", err)
	}
	b.CreatedAt = fromMillis(createdAt)
	return &b, nil
}
