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
	"net/http"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/observability"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
)

// HandleBuffered serves POST /v1/conversations/:id/messages.
//
// # Description
//
// Runs the same turn as HandleStream with one non-streaming upstream call
// per reply and answers with a single JSON document once the turn ends.
// A failure mid-turn still returns 200: the persisted replies are included
// and Error carries the sanitized message.
func (h *ChatHandler) HandleBuffered(c *gin.Context) {
	t, ok := h.begin(c)
	if !ok {
		return
	}

	discard := turn.EmitterFunc(func(datatypes.TurnEvent) error { return nil })
	res := t.Run(c.Request.Context(), discard, turn.RunOptions{
		Buffered: true,
		Endpoint: observability.EndpointBuffered,
	})
	if res.Cancelled {
		return
	}

	replies := res.Replies
	if replies == nil {
		replies = []datatypes.Message{}
	}
	c.JSON(http.StatusOK, datatypes.TurnResponse{
		UserMessage:      res.UserMessage,
		Replies:          replies,
		SuggestedExperts: res.Suggested,
		Error:            res.ErrorMessage,
	})
}
