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

import "time"

// Expert is a user-configured AI persona.
//
// # Description
//
// Experts are owned by the CRUD service. The orchestrator reads them and
// only ever writes LastUsedAt after a successful reply.
//
// # Fields
//
//   - SystemPrompt: Custom persona preamble. Empty means the generated
//     "You are {name}, an expert in {domain}." preamble is used.
//   - Tone: Free-form tone tag. Empty or "default" adds no tone clause.
//   - BackendID: Expert-level backend, overridden per conversation.
//   - ModelOverride: Expert-level model, overridden per conversation.
//   - MemoryEnabled: Memories are injected and extracted only when true.
type Expert struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Domain        string     `json:"domain"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	Tone          string     `json:"tone,omitempty"`
	BackendID     string     `json:"backend_id,omitempty"`
	ModelOverride string     `json:"model_override,omitempty"`
	MemoryEnabled bool       `json:"memory_enabled"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AssignedExpert is an expert as seen through one conversation's
// assignment row, carrying the per-conversation overrides.
type AssignedExpert struct {
	Expert
	Position                int    `json:"position"`
	BackendOverrideID       string `json:"backend_override_id,omitempty"`
	AssignmentModelOverride string `json:"assignment_model_override,omitempty"`
}

// ExpertSummary is the compact form surfaced in suggestions.
type ExpertSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Summary returns the compact form of the expert.
func (e Expert) Summary() ExpertSummary {
	return ExpertSummary{ID: e.ID, Name: e.Name, Domain: e.Domain}
}
