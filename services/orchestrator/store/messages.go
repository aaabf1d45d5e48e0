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

// InsertMessage appends a message. It assigns an id and created_at when they
// are zero and returns the stored message. ExpertName is passed through
// unchanged.
func (s *Store) InsertMessage(ctx context.Context, msg datatypes.Message) (datatypes.Message, error) {
	ctx, span := s.startSpan(ctx, "InsertMessage",
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("message.role", msg.Role),
	)
	defer span.End()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = fromMillis(s.nowMillis())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, expert_id, content, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, nullString(msg.ExpertID),
		msg.Content, msg.ContentHash, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message of a conversation in chronological
// order, with expert_name joined for assistant messages.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	ctx, span := s.startSpan(ctx, "ListMessages", attribute.String("conversation.id", conversationID))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.expert_id, e.name, m.content, m.content_hash, m.created_at
		FROM messages m
		LEFT JOIN experts e ON e.id = m.expert_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at, m.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return collectMessages(rows)
}

// ListRecentMessages returns the last n messages of a conversation in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, n int) ([]datatypes.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT m.id, m.conversation_id, m.role, m.expert_id, e.name, m.content, m.content_hash, m.created_at, m.rowid AS seq
			FROM messages m
			LEFT JOIN experts e ON e.id = m.expert_id
			WHERE m.conversation_id = ?
			ORDER BY m.created_at DESC, m.rowid DESC
			LIMIT ?
		)
		ORDER BY created_at, seq`,
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return collectMessages(rows, new(int64))
}

func collectMessages(rows *sql.Rows, extra ...any) ([]datatypes.Message, error) {
	defer rows.Close()

	var out []datatypes.Message
	for rows.Next() {
		var (
			m          datatypes.Message
			expertID   sql.NullString
			expertName sql.NullString
			createdAt  int64
		)
		dest := []any{&m.ID, &m.ConversationID, &m.Role, &expertID, &expertName, &m.Content, &m.ContentHash, &createdAt}
		if err := rows.Scan(append(dest, extra...)...); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ExpertID = stringPtr(expertID)
		m.ExpertName = stringPtr(expertName)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// Memories
// =============================================================================

// InsertMemory appends a memory for an expert.
func (s *Store) InsertMemory(ctx context.Context, mem datatypes.Memory) (datatypes.Memory, error) {
	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = fromMillis(s.nowMillis())
	}
	if mem.Source == "" {
		mem.Source = "manual"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, expert_id, conversation_id, content, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.ExpertID, nullString(mem.ConversationID), mem.Content, mem.Source, mem.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	return mem, nil
}

// GetRecentMemories returns up to limit memories of an expert, most recent
// first.
func (s *Store) GetRecentMemories(ctx context.Context, expertID string, limit int) ([]datatypes.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expert_id, conversation_id, content, source, created_at
		FROM memories
		WHERE expert_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`,
		expertID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Memory
	for rows.Next() {
		var (
			m         datatypes.Memory
			convID    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ExpertID, &convID, &m.Content, &m.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.ConversationID = stringPtr(convID)
		m.CreatedAt = fromMillis(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
