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
	"fmt"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const expertColumns = `e.id, e.user_id, e.name, e.domain, e.system_prompt, e.tone,
	e.backend_id, e.model_override, e.memory_enabled, e.last_used_at, e.created_at`

// CreateExpert inserts an expert, assigning an id and created_at when zero.
func (s *Store) CreateExpert(ctx context.Context, e datatypes.Expert) (datatypes.Expert, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = fromMillis(s.nowMillis())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experts
			(id, user_id, name, domain, system_prompt, tone, backend_id, model_override, memory_enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Name, e.Domain, e.SystemPrompt, e.Tone,
		e.BackendID, e.ModelOverride, e.MemoryEnabled, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Expert{}, fmt.Errorf("insert expert: %w", err)
	}
	return e, nil
}

// SetBehavior enables or disables one behavior key on an expert.
func (s *Store) SetBehavior(ctx context.Context, expertID, behavior string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expert_behaviors (expert_id, behavior, enabled) VALUES (?, ?, ?)
		ON CONFLICT (expert_id, behavior) DO UPDATE SET enabled = excluded.enabled`,
		expertID, behavior, enabled,
	)
	if err != nil {
		return fmt.Errorf("set behavior: %w", err)
	}
	return nil
}

// GetEnabledBehaviors returns the enabled behavior keys of an expert, sorted.
func (s *Store) GetEnabledBehaviors(ctx context.Context, expertID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT behavior FROM expert_behaviors
		WHERE expert_id = ? AND enabled = 1
		ORDER BY behavior`,
		expertID,
	)
	if err != nil {
		return nil, fmt.Errorf("query behaviors: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan behavior: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// AssignExpert links an expert to a conversation at position with optional
// per-conversation overrides. Reassigning replaces the previous link.
func (s *Store) AssignExpert(ctx context.Context, conversationID, expertID string, position int, backendOverrideID, modelOverride string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_experts (conversation_id, expert_id, position, backend_override_id, model_override)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, expert_id) DO UPDATE SET
			position = excluded.position,
			backend_override_id = excluded.backend_override_id,
			model_override = excluded.model_override`,
		conversationID, expertID, position, backendOverrideID, modelOverride,
	)
	if err != nil {
		return fmt.Errorf("assign expert: %w", err)
	}
	return nil
}

// GetAssignedExperts returns a conversation's experts ordered by position.
func (s *Store) GetAssignedExperts(ctx context.Context, conversationID string) ([]datatypes.AssignedExpert, error) {
	ctx, span := s.startSpan(ctx, "GetAssignedExperts", attribute.String("conversation.id", conversationID))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expertColumns+`, ce.position, ce.backend_override_id, ce.model_override
		FROM conversation_experts ce
		JOIN experts e ON e.id = ce.expert_id
		WHERE ce.conversation_id = ?
		ORDER BY ce.position, ce.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query assigned experts: %w", err)
	}
	defer rows.Close()

	var out []datatypes.AssignedExpert
	for rows.Next() {
		var a datatypes.AssignedExpert
		if err := scanExpert(rows, &a.Expert, &a.Position, &a.BackendOverrideID, &a.AssignmentModelOverride); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListUserExperts returns every expert owned by userID, by name.
func (s *Store) ListUserExperts(ctx context.Context, userID string) ([]datatypes.Expert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expertColumns+`
		FROM experts e
		WHERE e.user_id = ?
		ORDER BY e.name, e.rowid`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query experts: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Expert
	for rows.Next() {
		var e datatypes.Expert
		if err := scanExpert(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TouchExpertLastUsed sets last_used_at to now.
func (s *Store) TouchExpertLastUsed(ctx context.Context, expertID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE experts SET last_used_at = ? WHERE id = ?`, s.nowMillis(), expertID)
	if err != nil {
		return fmt.Errorf("touch expert: %w", err)
	}
	return requireRow(res, "expert", expertID)
}

func scanExpert(row rowScanner, e *datatypes.Expert, extra ...any) error {
	var (
		lastUsed  sql.NullInt64
		createdAt int64
	)
	dest := []any{
		&e.ID, &e.UserID, &e.Name, &e.Domain, &e.SystemPrompt, &e.Tone,
		&e.BackendID, &e.ModelOverride, &e.MemoryEnabled, &lastUsed, &createdAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return fmt.Errorf("scan expert: %w", err)
	}
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		e.LastUsedAt = &t
	}
	e.CreatedAt = fromMillis(createdAt)
	return nil
}
