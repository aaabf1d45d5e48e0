// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ExpertChat/cmd/expertchat/config"
	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/backends"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/jobs"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeUpstream streams "Hello there" as two chunks for any completion.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " there"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\","+
				"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

type testApp struct {
	*app
	db *store.Store
}

func newTestApp(t *testing.T, mutate func(*config.Config)) testApp {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.LLM.Fallback.BaseURL = fakeUpstream(t).URL
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sealer, err := backends.NewSealer([]byte("0123456789abcdef0123456789abcdef"),
		backends.NewEnclaveKeyCache(time.Minute), backends.DefaultSealerConfig())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	a, err := buildApp(appDeps{
		live:           config.NewLive(cfg),
		db:             db,
		sealer:         sealer,
		journal:        jobs.NopJournal{},
		registry:       reg,
		metricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	require.NoError(t, err)
	return testApp{app: a, db: db}
}

func TestBuildApp_HealthAndMetrics(t *testing.T) {
	a := newTestApp(t, nil)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBuildApp_StreamsDefaultAssistantTurn(t *testing.T) {
	a := newTestApp(t, nil)
	conv, err := a.db.CreateConversation(context.Background(), datatypes.Conversation{
		UserID: extensions.LocalUserID,
		Title:  "hello",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/"+conv.ID+"/messages/stream",
		strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	a.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"user_message", "expert_start", "token", "token", "expert_end", "done"}, names)
	assert.Contains(t, body, `"content":"Hello there"`)

	msgs, err := a.db.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.Nil(t, msgs[1].ExpertID)
}

func TestBuildApp_UnknownConversation(t *testing.T) {
	a := newTestApp(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/missing/messages",
		strings.NewReader(`{"content":"hi"}`))
	a.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBuildApp_TokenAuth(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) {
		c.Auth.Tokens = map[string]string{"tok-alice": "alice"}
	})

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/conversations/x/messages",
		strings.NewReader(`{"content":"hi"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/x/messages", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Authorization", "Bearer tok-alice")
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLiveDefaults_FollowReloads(t *testing.T) {
	cfg := config.DefaultConfig()
	live := config.NewLive(cfg)
	defaults := liveDefaults(live)
	assert.Equal(t, "llama3", defaults().Model)

	cfg.LLM.DefaultModel = "mistral"
	cfg.LLM.Fallback.APIKey = "sk-x"
	live.Store(cfg)
	assert.Equal(t, "mistral", defaults().Model)
	assert.Equal(t, "sk-x", defaults().Fallback.APIKey)
}
