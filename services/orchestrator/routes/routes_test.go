// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okDB struct{}

func (okDB) Health(context.Context) error { return nil }

// notFoundStarter answers every Begin with a missing conversation so the
// tests reach the handler without running a turn.
func notFoundStarter() handlers.TurnStarter {
	return handlers.TurnStarterFunc(func(_ context.Context, _, id string, _ datatypes.SendMessageRequest) (handlers.Turn, error) {
		return nil, &datatypes.NotFoundError{Resource: "conversation", ID: id}
	})
}

func newRouter(t *testing.T, auth extensions.AuthProvider) *gin.Engine {
	t.Helper()
	router := gin.New()
	SetupRoutes(router, Deps{
		Chat: handlers.NewChatHandler(notFoundStarter(), nil),
		DB:   okDB{},
		Auth: auth,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	return router
}

func TestSetupRoutes_Registered(t *testing.T) {
	router := newRouter(t, &extensions.NopAuthProvider{})

	want := map[string]bool{
		"GET /health":                                false,
		"GET /metrics":                               false,
		"POST /v1/conversations/:id/messages":        false,
		"POST /v1/conversations/:id/messages/stream": false,
		"GET /v1/conversations/:id/messages/ws":      false,
	}
	for _, r := range router.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}
}

func TestSetupRoutes_PublicEndpoints(t *testing.T) {
	auth, err := extensions.NewStaticTokenAuthProvider(map[string]string{"secret": "alice"})
	require.NoError(t, err)
	router := newRouter(t, auth)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestSetupRoutes_V1RequiresAuth(t *testing.T) {
	auth, err := extensions.NewStaticTokenAuthProvider(map[string]string{"secret": "alice"})
	require.NoError(t, err)
	router := newRouter(t, auth)

	send := func(token string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/messages/stream", strings.NewReader(`{"content":"hi"}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, send("").Code)
	assert.Equal(t, http.StatusUnauthorized, send("wrong").Code)

	w := send("secret")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"conversation not found"}`, w.Body.String())
}

func TestSetupRoutes_PanicsOnMissingDeps(t *testing.T) {
	assert.Panics(t, func() { SetupRoutes(gin.New(), Deps{}) })
	assert.NotPanics(t, func() {
		SetupRoutes(gin.New(), Deps{
			Chat: handlers.NewChatHandler(notFoundStarter(), nil),
			DB:   okDB{},
			Auth: &extensions.NopAuthProvider{},
		})
	})
}
