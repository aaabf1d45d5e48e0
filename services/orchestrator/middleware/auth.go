// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides Gin middleware for the ExpertChat API.
//
// # Authentication Flow
//
//	Request
//	   │
//	   ├─► token from "Authorization: Bearer <token>"
//	   │   (or ?access_token= on WebSocket upgrades)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► AuthInfo stored in the Gin context
//	           │
//	           ▼
//	       Handler (reads it via UserID / GetAuthInfo)
//
// With NopAuthProvider every request is the local user.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoKey is the Gin context key for the AuthInfo.
const authInfoKey = "expertchat_auth_info"

// SetAuthInfo stores info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the AuthInfo stored by AuthMiddleware, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the authenticated user id, or "" when the request did not
// pass through AuthMiddleware.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// AuthMiddleware authenticates every request with provider.
//
// # Description
//
// Unknown or missing tokens abort with 401 {"error": "unauthorized"}. Any
// other provider failure also aborts with 401 but is logged, since it
// points at a misconfiguration rather than a bad client.
//
// # Inputs
//
//   - provider: Must not be nil.
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	if provider == nil {
		panic("AuthMiddleware: provider must not be nil")
	}
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Warn("Auth provider failure", "path", c.FullPath(), "error", err)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractToken reads the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so upgrades may pass it as ?access_token=.
func extractToken(c *gin.Context) string {
	if token := extractBearerToken(c); token != "" {
		return token
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
