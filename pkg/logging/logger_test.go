// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_NonTerminalWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Service: "expertchat", Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("turn finished", "conversation_id", "c1")
	l.Slog().Debug("hidden")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "turn finished", lines[0]["msg"])
	assert.Equal(t, "expertchat", lines[0]["service"])
	assert.Equal(t, "c1", lines[0]["conversation_id"])
}

func TestSetLevel_AppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Output: &buf})
	require.NoError(t, err)
	child := l.Slog().With("expert_id", "e1")

	child.Info("dropped")
	require.NoError(t, l.SetLevel("debug"))
	child.Debug("kept")

	assert.Equal(t, slog.LevelDebug, l.Level())
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])

	assert.Error(t, l.SetLevel("loud"))
	assert.Equal(t, slog.LevelDebug, l.Level())
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)
}

func TestNew_DailyFileAndStderr(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	l, err := New(Config{LogDir: dir, Service: "svc", Output: &buf})
	require.NoError(t, err)

	l.Slog().Warn("upstream retry", "attempt", 2)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "svc_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	fileLines := decodeLines(t, data)
	require.Len(t, fileLines, 1)
	assert.Equal(t, "upstream retry", fileLines[0]["msg"])
	assert.Equal(t, float64(2), fileLines[0]["attempt"])
	assert.Len(t, decodeLines(t, buf.Bytes()), 1)
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	l, err := New(Config{Quiet: true})
	require.NoError(t, err)
	assert.NotPanics(t, func() { l.Slog().Error("nowhere") })
}
