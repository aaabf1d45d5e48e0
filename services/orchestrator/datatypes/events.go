// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// Event Names
// =============================================================================

// Turn event names as they appear on the wire.
const (
	EventUserMessage      = "user_message"
	EventExpertStart      = "expert_start"
	EventToken            = "token"
	EventExpertEnd        = "expert_end"
	EventSuggestedExperts = "suggested_experts"
	EventError            = "error"
	EventDone             = "done"
)

// =============================================================================
// Event Envelope
// =============================================================================

// TurnEvent is one protocol event produced by the turn orchestrator.
//
// # Description
//
// Name is the SSE event name and Data the JSON payload. Transports decide
// the framing: SSE writes "event: {Name}\ndata: {json(Data)}\n\n", the
// WebSocket transport writes {"event": Name, "data": Data}.
type TurnEvent struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// ExpertStartPayload opens an expert slot. ExpertID and Name are nil on the
// default-assistant path, where Index is always 0.
type ExpertStartPayload struct {
	ExpertID *string `json:"expert_id"`
	Name     *string `json:"name"`
	Index    int     `json:"index"`
}

// TokenPayload carries one incremental text fragment.
type TokenPayload struct {
	Content string `json:"content"`
}

// SuggestedExpertsPayload lists experts matching the user's message.
type SuggestedExpertsPayload struct {
	Experts []ExpertSummary `json:"experts"`
}

// ErrorPayload carries a human-readable, sanitized error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DonePayload is empty; it marshals to {}.
type DonePayload struct{}

// =============================================================================
// Constructors
// =============================================================================

func NewUserMessageEvent(msg Message) TurnEvent {
	return TurnEvent{Name: EventUserMessage, Data: msg}
}

func NewExpertStartEvent(expertID, name *string, index int) TurnEvent {
	return TurnEvent{Name: EventExpertStart, Data: ExpertStartPayload{ExpertID: expertID, Name: name, Index: index}}
}

func NewTokenEvent(content string) TurnEvent {
	return TurnEvent{Name: EventToken, Data: TokenPayload{Content: content}}
}

func NewExpertEndEvent(msg Message) TurnEvent {
	return TurnEvent{Name: EventExpertEnd, Data: msg}
}

func NewSuggestedExpertsEvent(experts []ExpertSummary) TurnEvent {
	return TurnEvent{Name: EventSuggestedExperts, Data: SuggestedExpertsPayload{Experts: experts}}
}

func NewErrorEvent(message string) TurnEvent {
	return TurnEvent{Name: EventError, Data: ErrorPayload{Message: message}}
}

func NewDoneEvent() TurnEvent {
	return TurnEvent{Name: EventDone, Data: DonePayload{}}
}
