// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the request, response and persisted record types
// shared by the ExpertChat store, turn orchestrator and HTTP handlers.
//
// Types here carry JSON and validator tags only. Behavior lives in the
// packages that own each record.
package datatypes

import "time"

// =============================================================================
// Conversation
// =============================================================================

// Conversation is a user-owned chat thread that experts answer inside.
//
// # Description
//
// The orchestrator reads a conversation at the start of every turn and
// touches UpdatedAt when the turn completes. All other mutation happens
// through collaborator endpoints.
//
// # Fields
//
//   - Type: Tag selecting the default-assistant framing (research, debug, ...).
//   - ExpertDebateEnabled: Assigned experts answer sequentially when true.
//   - AutoSuggestExperts: Zero-expert turns suggest matching experts when true.
type Conversation struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"user_id"`
	Title               string    `json:"title"`
	Type                string    `json:"type"`
	ExpertDebateEnabled bool      `json:"expert_debate_enabled"`
	AutoSuggestExperts  bool      `json:"auto_suggest_experts"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// =============================================================================
// Message
// =============================================================================

// Message roles. The core never persists system messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted entry of a conversation.
//
// Messages are append-only. ExpertID is nil for user messages and for
// replies produced on the default-assistant path. ExpertName is a read-side
// join and is not stored on the row.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	ExpertID       *string   `json:"expert_id"`
	ExpertName     *string   `json:"expert_name,omitempty"`
	Content        string    `json:"content"`
	ContentHash    string    `json:"content_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// =============================================================================
// Document
// =============================================================================

// Document is a conversation-scoped attachment. Only the extracted text is
// used by the orchestrator; binary storage belongs to the upload service.
type Document struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Filename       string    `json:"filename"`
	ExtractedText  string    `json:"extracted_text,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// =============================================================================
// Memory
// =============================================================================

// MemorySourceExtracted tags memories written by the background extractor.
const MemorySourceExtracted = "extracted"

// Memory is a short fact remembered by an expert.
type Memory struct {
	ID             string    `json:"id"`
	ExpertID       string    `json:"expert_id"`
	ConversationID *string   `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}
