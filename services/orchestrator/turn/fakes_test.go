// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/services/llm"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
)

// =============================================================================
// fakeStore
// =============================================================================

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]datatypes.Conversation
	assigned      []datatypes.AssignedExpert
	userExperts   []datatypes.Expert
	behaviors     map[string][]string
	memories      map[string][]datatypes.Memory
	messages      []datatypes.Message
	userDefault   string
	touchedConv   int
	touchedExpert []string
	nextID        int
}

func newFakeStore(conv datatypes.Conversation, assigned ...datatypes.AssignedExpert) *fakeStore {
	return &fakeStore{
		conversations: map[string]datatypes.Conversation{conv.ID: conv},
		assigned:      assigned,
		behaviors:     map[string][]string{},
		memories:      map[string][]datatypes.Memory{},
	}
}

func (f *fakeStore) GetConversation(_ context.Context, id, userID string) (*datatypes.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return nil, &datatypes.NotFoundError{Resource: "conversation", ID: id}
	}
	return &c, nil
}

func (f *fakeStore) GetAssignedExperts(context.Context, string) ([]datatypes.AssignedExpert, error) {
	return f.assigned, nil
}

func (f *fakeStore) GetEnabledBehaviors(_ context.Context, expertID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.behaviors[expertID], nil
}

func (f *fakeStore) GetRecentMemories(_ context.Context, expertID string, _ int) ([]datatypes.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memories[expertID], nil
}

func (f *fakeStore) GetDocumentTexts(context.Context, string) ([]datatypes.Document, error) {
	return nil, nil
}

func (f *fakeStore) ListMessages(context.Context, string) ([]datatypes.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.Message(nil), f.messages...), nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg datatypes.Message) (datatypes.Message, error) {
	// database/sql refuses a done context.
	if err := ctx.Err(); err != nil {
		return datatypes.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = fmt.Sprintf("msg-%d", f.nextID)
	msg.CreatedAt = time.Unix(int64(f.nextID), 0).UTC()
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) TouchConversation(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchedConv++
	return nil
}

func (f *fakeStore) TouchExpertLastUsed(ctx context.Context, expertID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchedExpert = append(f.touchedExpert, expertID)
	return nil
}

func (f *fakeStore) GetUserDefaultBackendID(context.Context, string) (string, error) {
	return f.userDefault, nil
}

func (f *fakeStore) ListUserExperts(context.Context, string) ([]datatypes.Expert, error) {
	return f.userExperts, nil
}

func (f *fakeStore) storedMessages() []datatypes.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datatypes.Message(nil), f.messages...)
}

// =============================================================================
// fakeResolver
// =============================================================================

type fakeResolver struct {
	selections []backends.Selection
	baseURL    string
	err        error
}

func (f *fakeResolver) ResolveOrFallback(_ context.Context, _ string, sel backends.Selection, fallback datatypes.BackendConfig) (datatypes.BackendConfig, error) {
	f.selections = append(f.selections, sel)
	if f.err != nil {
		return datatypes.BackendConfig{}, f.err
	}
	if id := sel.Pick(); id != "" {
		url := f.baseURL
		if url == "" {
			url = "http://127.0.0.1:8080"
		}
		return datatypes.BackendConfig{BackendID: id, BaseURL: url}, nil
	}
	return fallback, nil
}

// =============================================================================
// scriptedClient
// =============================================================================

// reply is one scripted upstream answer, consumed in call order.
type reply struct {
	tokens []string
	err    error

	// afterTokens runs once every token was delivered, before Stream
	// returns successfully.
	afterTokens func()
}

type scriptedClient struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.CompletionRequest
	streams  int
	buffered int
}

func (s *scriptedClient) next(req llm.CompletionRequest) reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return reply{err: errors.New("scriptedClient: no reply scripted")}
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r
}

func (s *scriptedClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	s.buffered++
	if ctx.Err() != nil {
		return "", llm.ErrCancelled
	}
	r := s.next(req)
	if r.err != nil {
		return "", r.err
	}
	return strings.Join(r.tokens, ""), nil
}

func (s *scriptedClient) Stream(ctx context.Context, req llm.CompletionRequest, onToken llm.TokenCallback) (llm.Completion, error) {
	s.streams++
	if ctx.Err() != nil {
		return llm.Completion{}, llm.ErrCancelled
	}
	r := s.next(req)
	for _, tok := range r.tokens {
		if err := onToken(tok); err != nil {
			return llm.Completion{}, err
		}
	}
	if r.err != nil {
		return llm.Completion{}, r.err
	}
	if r.afterTokens != nil {
		r.afterTokens()
	}
	return llm.Completion{
		Content: strings.Join(r.tokens, ""),
		Usage:   &llm.Usage{PromptTokens: 10, CompletionTokens: len(r.tokens)},
	}, nil
}

// =============================================================================
// recordingEmitter
// =============================================================================

type recordingEmitter struct {
	events []datatypes.TurnEvent

	// failAt makes the n-th Emit call (1-based) and every later one fail.
	failAt int
	calls  int
}

func (r *recordingEmitter) Emit(ev datatypes.TurnEvent) error {
	r.calls++
	if r.failAt > 0 && r.calls >= r.failAt {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) names() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recordingEmitter) count(name string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

// =============================================================================
// fakeJobs and recordingAudit
// =============================================================================

type fakeJobs struct {
	kinds    []string
	payloads []any
	err      error
}

func (f *fakeJobs) Submit(kind string, payload any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.kinds = append(f.kinds, kind)
	f.payloads = append(f.payloads, payload)
	return fmt.Sprintf("job-%d", len(f.kinds)), nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }

func (r *recordingAudit) byType(eventType string) []extensions.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []extensions.AuditEvent
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
