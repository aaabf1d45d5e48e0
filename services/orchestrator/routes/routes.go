// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the ExpertChat HTTP surface on a gin engine.
package routes

import (
	"net/http"

	"github.com/AleutianAI/ExpertChat/pkg/extensions"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/handlers"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the handlers and providers the routes need.
type Deps struct {
	Chat *handlers.ChatHandler
	DB   handlers.HealthChecker
	Auth extensions.AuthProvider

	// Metrics serves GET /metrics. Nil uses promhttp.Handler().
	Metrics http.Handler
}

// SetupRoutes registers every route.
//
// # Description
//
// /health and /metrics are public. Everything under /v1 passes through
// the auth middleware, which resolves the caller's user id.
//
// # Inputs
//
//   - router: Engine to register on. Global middleware (tracing,
//     recovery) is the caller's choice.
//   - deps: Chat, DB and Auth are required.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Chat == nil || deps.DB == nil || deps.Auth == nil {
		panic("SetupRoutes: Chat, DB and Auth are required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router.GET("/health", handlers.HandleHealth(deps.DB))
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1", middleware.AuthMiddleware(deps.Auth))
	{
		conversations := v1.Group("/conversations/:id")
		conversations.POST("/messages", deps.Chat.HandleBuffered)
		conversations.POST("/messages/stream", deps.Chat.HandleStream)
		conversations.GET("/messages/ws", deps.Chat.HandleWebSocket)
	}
}
