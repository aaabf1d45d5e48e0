// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)
}

func TestServiceOptions_WithDefaults(t *testing.T) {
	audit := NewSlogAuditLogger(nil)
	opts := ServiceOptions{}.WithAudit(audit).WithDefaults()

	assert.Same(t, audit, opts.AuditLogger)
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
}

func TestNopAuthProvider_AlwaysLocalUser(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")

	require.NoError(t, err)
	assert.Equal(t, LocalUserID, info.UserID)
}

func TestStaticTokenAuthProvider(t *testing.T) {
	p, err := NewStaticTokenAuthProvider(map[string]string{
		"secret-a": "alice",
		"secret-b": "bob",
	})
	require.NoError(t, err)

	info, err := p.Validate(context.Background(), "secret-b")
	require.NoError(t, err)
	assert.Equal(t, "bob", info.UserID)
	assert.NotContains(t, info.TokenName, "secret")

	_, err = p.Validate(context.Background(), "secret-c")
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, err = p.Validate(context.Background(), "")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestNewStaticTokenAuthProvider_RejectsBlankEntries(t *testing.T) {
	_, err := NewStaticTokenAuthProvider(map[string]string{"tok": " "})
	assert.Error(t, err)

	_, err = NewStaticTokenAuthProvider(map[string]string{"": "alice"})
	assert.Error(t, err)
}

func TestSlogAuditLogger_WritesGroupedRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := logger.Log(context.Background(), AuditEvent{
		EventType:    "chat.turn",
		UserID:       "alice",
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   "conv-1",
		Outcome:      "success",
		Metadata:     map[string]any{"replies": 2},
	})
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	audit, ok := record["audit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chat.turn", audit["event_type"])
	assert.Equal(t, "alice", audit["user_id"])
	assert.NotEmpty(t, audit["timestamp"])
	meta, ok := audit["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.0, meta["replies"])

	assert.NoError(t, logger.Flush(context.Background()))
}

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	assert.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "x"}))
	assert.NoError(t, l.Flush(context.Background()))
}
