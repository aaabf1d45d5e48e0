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
	"go.opentelemetry.io/otel/attribute"
)

// CreateConversation inserts conv, assigning an id and timestamps when they
// are zero. An empty type is stored as "general".
func (s *Store) CreateConversation(ctx context.Context, conv datatypes.Conversation) (datatypes.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Type == "" {
		conv.Type = "general"
	}
	now := s.nowMillis()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = fromMillis(now)
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, user_id, title, type, expert_debate_enabled, auto_suggest_experts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.Type,
		conv.ExpertDebateEnabled, conv.AutoSuggestExperts,
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation owned by userID. A conversation owned
// by another user is reported as not found.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (*datatypes.Conversation, error) {
	ctx, span := s.startSpan(ctx, "GetConversation", attribute.String("conversation.id", id))
	defer span.End()

	var (
		conv                 datatypes.Conversation
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, type, expert_debate_enabled, auto_suggest_experts, created_at, updated_at
		FROM conversations
		WHERE id = ? AND user_id = ?`,
		id, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Type,
		&conv.ExpertDebateEnabled, &conv.AutoSuggestExperts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &datatypes.NotFoundError{Resource: "conversation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

// TouchConversation sets updated_at to now.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, s.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return requireRow(res, "conversation", id)
}

// InsertDocument attaches a document to a conversation.
func (s *Store) InsertDocument(ctx context.Context, doc datatypes.Document) (datatypes.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = fromMillis(s.nowMillis())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, conversation_id, filename, extracted_text, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.ConversationID, doc.Filename, doc.ExtractedText, doc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return datatypes.Document{}, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

// GetDocumentTexts returns a conversation's documents in upload order.
func (s *Store) GetDocumentTexts(ctx context.Context, conversationID string) ([]datatypes.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, filename, extracted_text, created_at
		FROM documents
		WHERE conversation_id = ?
		ORDER BY created_at, rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []datatypes.Document
	for rows.Next() {
		var (
			d         datatypes.Document
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Filename, &d.ExtractedText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt = fromMillis(createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func requireRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return &datatypes.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
