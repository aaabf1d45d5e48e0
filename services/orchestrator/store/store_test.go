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
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock returns a clock that advances one millisecond per call.
func fixedClock() func() time.Time {
	base := time.UnixMilli(1_700_000_000_000)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func seedConversation(t *testing.T, s *Store) datatypes.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), datatypes.Conversation{
		UserID: "user-1",
		Title:  "Recursion",
	})
	require.NoError(t, err)
	return conv
}

func seedExpert(t *testing.T, s *Store, name string) datatypes.Expert {
	t.Helper()
	e, err := s.CreateExpert(context.Background(), datatypes.Expert{
		UserID: "user-1",
		Name:   name,
		Domain: "computer science",
	})
	require.NoError(t, err)
	return e
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestOpen_MigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "chat.db")

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	versions, err := s2.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_initial_schema"}, versions)
	assert.NoError(t, s2.Health(ctx))
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL("-- comment\nCREATE TABLE a (x TEXT DEFAULT ';');\n\nCREATE TABLE b (y INT);\n")

	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "DEFAULT ';'")
	assert.Equal(t, "CREATE TABLE b (y INT)", stmts[1])
}

// =============================================================================
// Conversation Tests
// =============================================================================

func TestConversation_ScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	got, err := s.GetConversation(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "general", got.Type)
	assert.Equal(t, "Recursion", got.Title)

	_, err = s.GetConversation(ctx, conv.ID, "user-2")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestTouchConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	s.now = func() time.Time { return conv.CreatedAt.Add(time.Hour) }
	require.NoError(t, s.TouchConversation(ctx, conv.ID))

	got, err := s.GetConversation(ctx, conv.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))

	assert.ErrorIs(t, s.TouchConversation(ctx, "missing"), datatypes.ErrNotFound)
}

// =============================================================================
// Expert Tests
// =============================================================================

func TestAssignedExperts_OrderedWithOverrides(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)
	a := seedExpert(t, s, "Ada")
	b := seedExpert(t, s, "Grace")

	require.NoError(t, s.AssignExpert(ctx, conv.ID, a.ID, 1, "", ""))
	require.NoError(t, s.AssignExpert(ctx, conv.ID, b.ID, 0, "backend-x", "big-model"))

	got, err := s.GetAssignedExperts(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Grace", got[0].Name)
	assert.Equal(t, "backend-x", got[0].BackendOverrideID)
	assert.Equal(t, "big-model", got[0].AssignmentModelOverride)
	assert.Equal(t, "Ada", got[1].Name)
}

func TestBehaviors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedExpert(t, s, "Ada")

	require.NoError(t, s.SetBehavior(ctx, e.ID, "concise", true))
	require.NoError(t, s.SetBehavior(ctx, e.ID, "cite_sources", true))
	require.NoError(t, s.SetBehavior(ctx, e.ID, "concise", false))

	keys, err := s.GetEnabledBehaviors(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cite_sources"}, keys)
}

func TestTouchExpertLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := seedExpert(t, s, "Ada")

	require.NoError(t, s.TouchExpertLastUsed(ctx, e.ID))

	experts, err := s.ListUserExperts(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, experts, 1)
	assert.NotNil(t, experts[0].LastUsedAt)
}

// =============================================================================
// Message Tests
// =============================================================================

func TestMessages_ChronologicalWithExpertName(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock()
	ctx := context.Background()
	conv := seedConversation(t, s)
	e := seedExpert(t, s, "Ada")

	_, err := s.InsertMessage(ctx, datatypes.Message{ConversationID: conv.ID, Role: datatypes.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, datatypes.Message{
		ConversationID: conv.ID,
		Role:           datatypes.RoleAssistant,
		ExpertID:       &e.ID,
		Content:        "hello",
		ContentHash:    "abc",
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].ExpertID)
	assert.Nil(t, msgs[0].ExpertName)
	require.NotNil(t, msgs[1].ExpertName)
	assert.Equal(t, "Ada", *msgs[1].ExpertName)
	assert.Equal(t, "abc", msgs[1].ContentHash)
}

func TestListRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	// Equal timestamps: insertion order must still hold.
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	for i := 0; i < 10; i++ {
		_, err := s.InsertMessage(ctx, datatypes.Message{
			ConversationID: conv.ID,
			Role:           datatypes.RoleUser,
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	msgs, err := s.ListRecentMessages(ctx, conv.ID, 6)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i+4), m.Content)
	}
}

// =============================================================================
// Memory & Document Tests
// =============================================================================

func TestMemories_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	s.now = fixedClock()
	ctx := context.Background()
	conv := seedConversation(t, s)
	e := seedExpert(t, s, "Ada")

	for i := 0; i < 3; i++ {
		_, err := s.InsertMemory(ctx, datatypes.Memory{
			ExpertID:       e.ID,
			ConversationID: &conv.ID,
			Content:        fmt.Sprintf("fact-%d", i),
			Source:         datatypes.MemorySourceExtracted,
		})
		require.NoError(t, err)
	}

	mems, err := s.GetRecentMemories(ctx, e.ID, 2)
	require.NoError(t, err)
	require.Len(t, mems, 2)
	assert.Equal(t, "fact-2", mems[0].Content)
	assert.Equal(t, "fact-1", mems[1].Content)
	assert.Equal(t, datatypes.MemorySourceExtracted, mems[0].Source)
	require.NotNil(t, mems[0].ConversationID)
	assert.Equal(t, conv.ID, *mems[0].ConversationID)
}

func TestDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	_, err := s.InsertDocument(ctx, datatypes.Document{ConversationID: conv.ID, Filename: "a.txt", ExtractedText: "alpha"})
	require.NoError(t, err)
	_, err = s.InsertDocument(ctx, datatypes.Document{ConversationID: conv.ID, Filename: "b.pdf"})
	require.NoError(t, err)

	docs, err := s.GetDocumentTexts(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.txt", docs[0].Filename)
	assert.Equal(t, "alpha", docs[0].ExtractedText)
	assert.Empty(t, docs[1].ExtractedText)
}

// =============================================================================
// Backend Tests
// =============================================================================

func TestBackends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, err := s.CreateBackend(ctx, datatypes.Backend{
		UserID:       "user-1",
		Name:         "local",
		BaseURL:      "http://localhost:11434",
		SealedAPIKey: []byte{1, 2, 3},
		IsActive:     true,
	})
	require.NoError(t, err)

	got, err := s.GetBackend(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.SealedAPIKey)
	assert.True(t, got.IsActive)

	_, err = s.GetBackend(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	list, err := s.ListBackends(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	id, err := s.GetUserDefaultBackendID(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetUserDefaultBackend(ctx, "user-1", b.ID))
	id, err = s.GetUserDefaultBackendID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)

	require.NoError(t, s.SetUserDefaultBackend(ctx, "user-1", ""))
	id, err = s.GetUserDefaultBackendID(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, id)
}
