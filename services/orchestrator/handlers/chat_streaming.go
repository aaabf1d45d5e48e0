// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes chat turns over HTTP.
//
// # Routes
//
//	POST /v1/conversations/:id/messages/stream  SSE event stream
//	POST /v1/conversations/:id/messages         buffered JSON
//	GET  /v1/conversations/:id/messages/ws      WebSocket, one turn per frame
//
// Validation and lookup failures are answered with a JSON error and the
// matching status before any event is written. Once the stream is open,
// failures travel as error events.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/middleware"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/observability"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
)

// heartbeatInterval is how often an idle stream gets a keep-alive.
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Turn seams
// =============================================================================

// Turn is a started turn. Implemented by *turn.Turn.
type Turn interface {
	Run(ctx context.Context, emitter turn.Emitter, opts turn.RunOptions) turn.Result
}

// TurnStarter begins turns. Begin returns *datatypes.ValidationError or
// *datatypes.NotFoundError for client mistakes.
type TurnStarter interface {
	Begin(ctx context.Context, userID, conversationID string, req datatypes.SendMessageRequest) (Turn, error)
}

// TurnStarterFunc adapts a function to TurnStarter.
type TurnStarterFunc func(ctx context.Context, userID, conversationID string, req datatypes.SendMessageRequest) (Turn, error)

// Begin calls f.
func (f TurnStarterFunc) Begin(ctx context.Context, userID, conversationID string, req datatypes.SendMessageRequest) (Turn, error) {
	return f(ctx, userID, conversationID, req)
}

// OrchestratorStarter adapts a turn.Orchestrator.
func OrchestratorStarter(o *turn.Orchestrator) TurnStarter {
	return TurnStarterFunc(func(ctx context.Context, userID, conversationID string, req datatypes.SendMessageRequest) (Turn, error) {
		t, err := o.Begin(ctx, userID, conversationID, req)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}

// =============================================================================
// ChatHandler
// =============================================================================

// ChatHandler serves turn endpoints.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatHandler struct {
	starter   TurnStarter
	metrics   *observability.ChatMetrics
	heartbeat time.Duration
}

// NewChatHandler creates a ChatHandler. metrics may be nil.
func NewChatHandler(starter TurnStarter, metrics *observability.ChatMetrics) *ChatHandler {
	if starter == nil {
		panic("NewChatHandler: starter must not be nil")
	}
	return &ChatHandler{starter: starter, metrics: metrics, heartbeat: heartbeatInterval}
}

// HandleStream serves POST /v1/conversations/:id/messages/stream.
//
// # Description
//
// Begins the turn, then switches the response to text/event-stream and
// relays every turn event. A keep-alive comment is written every 15s while
// the turn runs. The request context ends when the client disconnects,
// which cancels the turn.
//
// # Outputs
//
// HTTP status before streaming starts:
//   - 400: Body is not JSON or fails validation.
//   - 404: Conversation missing or owned by someone else.
//   - 500: Storage failure or no streaming support.
func (h *ChatHandler) HandleStream(c *gin.Context) {
	ctx := c.Request.Context()

	t, ok := h.begin(c)
	if !ok {
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("Streaming not supported", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer.WriteKeepAlive, observability.EndpointSSE, done)
	}()

	t.Run(ctx, turn.EmitterFunc(writer.WriteEvent), turn.RunOptions{Endpoint: observability.EndpointSSE})

	close(done)
	wg.Wait()
}

// begin binds the body and starts the turn, answering with a JSON error
// when it cannot.
func (h *ChatHandler) begin(c *gin.Context) (Turn, bool) {
	var req datatypes.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}

	t, err := h.starter.Begin(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		status, body := beginErrorResponse(err)
		if status == http.StatusInternalServerError {
			slog.Error("Failed to start turn", "conversation_id", c.Param("id"), "error", err)
		}
		c.JSON(status, body)
		return nil, false
	}
	return t, true
}

// beginErrorResponse maps a Begin failure to a status and sanitized body.
func beginErrorResponse(err error) (int, gin.H) {
	var verr *datatypes.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, gin.H{"error": verr.Error()}
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "conversation not found"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal error"}
	}
}

// runHeartbeat calls ping every h.heartbeat until done or ctx ends. A
// failed ping ends the heartbeat; the turn notices the disconnect on its
// next write.
func (h *ChatHandler) runHeartbeat(ctx context.Context, ping func() error, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}
