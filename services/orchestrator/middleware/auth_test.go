// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingProvider struct {
	gotToken string
	info     *extensions.AuthInfo
	err      error
}

func (p *recordingProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	p.gotToken = token
	if p.err != nil {
		return nil, p.err
	}
	return p.info, nil
}

func newRouter(provider extensions.AuthProvider) *gin.Engine {
	router := gin.New()
	router.Use(AuthMiddleware(provider))
	router.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	return router
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer ABC", "ABC"},
		{"trimmed", "Bearer   tok  ", "tok"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

func TestAuthMiddleware_StoresUser(t *testing.T) {
	provider := &recordingProvider{info: &extensions.AuthInfo{UserID: "alice"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer tok-1")

	newRouter(provider).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice"}`, w.Body.String())
	assert.Equal(t, "tok-1", provider.gotToken)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	for _, err := range []error{extensions.ErrUnauthorized, errors.New("provider down")} {
		w := httptest.NewRecorder()
		newRouter(&recordingProvider{err: err}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
	}
}

func TestAuthMiddleware_QueryTokenOnlyForWebSocket(t *testing.T) {
	provider := &recordingProvider{info: &extensions.AuthInfo{UserID: "bob"}}
	router := newRouter(provider)

	req := httptest.NewRequest(http.MethodGet, "/whoami?access_token=ws-tok", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, provider.gotToken)

	req = httptest.NewRequest(http.MethodGet, "/whoami?access_token=ws-tok", nil)
	req.Header.Set("Upgrade", "websocket")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "ws-tok", provider.gotToken)
}

func TestAuthMiddleware_NopProviderIsLocalUser(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(&extensions.NopAuthProvider{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"local-user"}`, w.Body.String())
}

func TestGetAuthInfo_Absent(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	assert.Empty(t, UserID(c))
}

func TestAuthMiddleware_PanicsOnNilProvider(t *testing.T) {
	assert.Panics(t, func() { AuthMiddleware(nil) })
}
