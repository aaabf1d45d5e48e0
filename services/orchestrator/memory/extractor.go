// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory extracts durable facts from finished conversations and
// stores them against an expert.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/ExpertChat/services/llm"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/jobs"
)

// JobKind is the jobs.Runner kind handled by Extractor.
const JobKind = "memory.extract"

const (
	recentMessageCount = 6
	minMessages        = 2
	maxFacts           = 5
)

const extractionPrompt = `You maintain long-term notes about a user for an assistant.
Read the conversation below and list short, durable facts about the user
(preferences, background, goals, ongoing projects) worth remembering in later
conversations. Skip anything trivial or only relevant to this exchange.

Respond with only a JSON array of strings, for example ["Prefers Go over Python"].
Respond with [] if there is nothing worth remembering.`

// Job is the payload of a JobKind job. It carries ids only; the backend and
// its credential are resolved when the job runs.
type Job struct {
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id"`
	ExpertID          string `json:"expert_id"`
	ExpertBackendID   string `json:"expert_backend_id,omitempty"`
	BackendOverrideID string `json:"backend_override_id,omitempty"`
	Model             string `json:"model,omitempty"`
}

// Store is the persistence the extractor uses.
type Store interface {
	ListRecentMessages(ctx context.Context, conversationID string, n int) ([]datatypes.Message, error)
	InsertMemory(ctx context.Context, mem datatypes.Memory) (datatypes.Memory, error)
	GetUserDefaultBackendID(ctx context.Context, userID string) (string, error)
}

// BackendResolver resolves the backend for the extraction call.
type BackendResolver interface {
	ResolveOrFallback(ctx context.Context, userID string, sel backends.Selection, fallback datatypes.BackendConfig) (datatypes.BackendConfig, error)
}

// Extractor turns recent conversation turns into Memory rows.
//
// # Description
//
// Extraction is best effort. Every failure (store, backend resolution,
// upstream, unparseable reply) is logged and ends the job without writing
// anything. Nothing is surfaced to the user.
//
// # Thread Safety
//
// Safe for concurrent use.
type Extractor struct {
	store    Store
	resolver BackendResolver
	client   llm.CompletionClient
	defaults backends.DefaultsSource
}

// NewExtractor creates an Extractor.
func NewExtractor(store Store, resolver BackendResolver, client llm.CompletionClient, defaults backends.DefaultsSource) *Extractor {
	if store == nil || resolver == nil || client == nil || defaults == nil {
		panic("NewExtractor: all dependencies are required")
	}
	return &Extractor{store: store, resolver: resolver, client: client, defaults: defaults}
}

// Handle is the jobs.Handler for JobKind.
func (e *Extractor) Handle(ctx context.Context, job jobs.Job) error {
	var payload Job
	if err := job.Decode(&payload); err != nil {
		return err
	}
	_, err := e.Extract(ctx, payload)
	return err
}

// Extract runs one extraction and returns the number of memories stored.
// A skipped or empty extraction returns (0, nil).
func (e *Extractor) Extract(ctx context.Context, job Job) (int, error) {
	logger := slog.With("conversation_id", job.ConversationID, "expert_id", job.ExpertID)

	history, err := e.store.ListRecentMessages(ctx, job.ConversationID, recentMessageCount)
	if err != nil {
		logger.Warn("Memory extraction: failed to load history", "error", err)
		return 0, fmt.Errorf("load history: %w", err)
	}
	if len(history) < minMessages {
		return 0, nil
	}

	defaults := e.defaults()
	userDefault, err := e.store.GetUserDefaultBackendID(ctx, job.UserID)
	if err != nil {
		logger.Warn("Memory extraction: failed to load user settings", "error", err)
		return 0, fmt.Errorf("load user settings: %w", err)
	}
	backend, err := e.resolver.ResolveOrFallback(ctx, job.UserID, backends.Selection{
		ConversationOverrideID: job.BackendOverrideID,
		ExpertBackendID:        job.ExpertBackendID,
		UserDefaultID:          userDefault,
	}, defaults.Fallback)
	if err != nil {
		logger.Warn("Memory extraction: backend unresolved", "error", err)
		return 0, err
	}

	model := job.Model
	if model == "" {
		model = defaults.Model
	}

	reply, err := e.client.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionPrompt},
			{Role: llm.RoleUser, Content: transcript(history)},
		},
		Model:   model,
		Backend: backend,
	})
	if err != nil {
		logger.Warn("Memory extraction: upstream call failed", "error", err)
		return 0, fmt.Errorf("extraction call: %w", err)
	}

	facts, ok := ParseFacts(reply)
	if !ok {
		logger.Debug("Memory extraction: reply was not a JSON array")
		return 0, nil
	}

	stored := 0
	for _, fact := range facts {
		_, err := e.store.InsertMemory(ctx, datatypes.Memory{
			ExpertID:       job.ExpertID,
			ConversationID: &job.ConversationID,
			Content:        fact,
			Source:         datatypes.MemorySourceExtracted,
		})
		if err != nil {
			logger.Warn("Memory extraction: failed to store fact", "error", err)
			return stored, fmt.Errorf("insert memory: %w", err)
		}
		stored++
	}
	if stored > 0 {
		logger.Info("Stored extracted memories", "count", stored)
	}
	return stored, nil
}

// ParseFacts reads the JSON array between the first '[' and the last ']'
// of reply. It returns at most five non-empty strings; non-string
// elements are skipped. ok is false when no array can be decoded.
func ParseFacts(reply string) (facts []string, ok bool) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start == -1 || end <= start {
		return nil, false
	}

	var raw []any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, false
	}

	facts = make([]string, 0, maxFacts)
	for _, item := range raw {
		s, isString := item.(string)
		if !isString {
			continue
		}
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		facts = append(facts, s)
		if len(facts) == maxFacts {
			break
		}
	}
	return facts, true
}

func transcript(history []datatypes.Message) string {
	var b strings.Builder
	for _, m := range history {
		speaker := "User"
		if m.Role == datatypes.RoleAssistant {
			speaker = "Assistant"
			if m.ExpertName != nil {
				speaker = *m.ExpertName
			}
		}
		fmt.Fprintf(&b, "%s: %s\n\n", speaker, m.Content)
	}
	return strings.TrimSpace(b.String())
}
