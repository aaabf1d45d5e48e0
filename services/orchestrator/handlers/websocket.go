// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/middleware"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/observability"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsReadLimit   = datatypes.MaxMessageContentBytes + 4096
	wsFrameBuffer = 64 * 1024

	// wsQueueSize bounds frames waiting behind a running turn.
	wsQueueSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsFrameBuffer,
	WriteBufferSize: wsFrameBuffer,
	// Requests are authenticated by token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket serves GET /v1/conversations/:id/messages/ws.
//
// # Description
//
// Each text frame {"content": "..."} starts one turn. Events go back as
// {"event": <name>, "data": <payload>} frames, in the same order as on the
// SSE route. Frames received while a turn runs are queued; when the queue
// is full they are dropped and reported with an error event after the
// turn. The socket is read continuously, so closing it cancels the
// running turn. Begin failures are sent as an error event and the connection stays
// open. Closing the socket cancels the running turn.
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	userID := middleware.UserID(c)
	conversationID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	// A hijacked connection's request context does not end when the peer
	// goes away, so the read loop cancels ctx.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	requests := make(chan datatypes.SendMessageRequest, wsQueueSize)
	var dropped atomic.Int64
	go func() {
		defer cancel()
		defer close(requests)
		for {
			var req datatypes.SendMessageRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("WebSocket read ended", "conversation_id", conversationID, "error", err)
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			default:
				dropped.Add(1)
				slog.Warn("WebSocket queue full, frame dropped", "conversation_id", conversationID)
			}
		}
	}()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, func() error {
			return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		}, observability.EndpointWebSocket, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	emit := turn.EmitterFunc(func(event datatypes.TurnEvent) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return ws.WriteJSON(event)
	})

	for req := range requests {
		if n := dropped.Swap(0); n > 0 {
			msg := fmt.Sprintf("%d message(s) arrived while a reply was running and were not processed", n)
			if emit.Emit(datatypes.NewErrorEvent(msg)) != nil {
				return
			}
		}
		t, err := h.starter.Begin(ctx, userID, conversationID, req)
		if err != nil {
			_, body := beginErrorResponse(err)
			msg, _ := body["error"].(string)
			if emit.Emit(datatypes.NewErrorEvent(msg)) != nil {
				return
			}
			continue
		}
		res := t.Run(ctx, emit, turn.RunOptions{Endpoint: observability.EndpointWebSocket})
		if res.Cancelled {
			return
		}
	}
}
