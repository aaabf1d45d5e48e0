// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation builds the message list sent upstream for one
// expert reply.
//
// # Description
//
// The assembler is pure: it takes already-loaded conversation state and
// returns one system message followed by the trimmed history. Loading the
// state is the turn orchestrator's job.
//
// # Thread Safety
//
// All functions are safe for concurrent use.
package conversation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/ExpertChat/services/llm"
	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
)

// DefaultAssistantPreamble opens the system prompt when no expert answers.
const DefaultAssistantPreamble = "You are a helpful AI assistant. Answer clearly and accurately."

var (
	multiNewlineRegex = regexp.MustCompile(`\n{2,}`)
	controlCharsRegex = regexp.MustCompile(`[\x00-\x09\x0b-\x1f\x7f]`)
)

// =============================================================================
// Configuration
// =============================================================================

// AssemblerConfig bounds how much context goes into one call.
type AssemblerConfig struct {
	// HistoryWindow is the number of most recent messages kept.
	HistoryWindow int

	// MemoryLimit caps injected memories.
	MemoryLimit int

	// DocumentCharLimit caps the extracted text of each document, in runes.
	DocumentCharLimit int
}

// DefaultAssemblerConfig returns a 30 message window, 10 memories and
// 8000 characters per document.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		HistoryWindow:     30,
		MemoryLimit:       10,
		DocumentCharLimit: 8000,
	}
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	d := DefaultAssemblerConfig()
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = d.MemoryLimit
	}
	if c.DocumentCharLimit <= 0 {
		c.DocumentCharLimit = d.DocumentCharLimit
	}
	return c
}

// =============================================================================
// Input
// =============================================================================

// AssembleInput is the loaded state for one reply.
type AssembleInput struct {
	// Expert is nil on the default assistant path.
	Expert *datatypes.Expert

	// Behaviors are the enabled behavior keys of Expert.
	Behaviors []string

	// Memories are ordered most recent first.
	Memories []datatypes.Memory

	Documents []datatypes.Document

	// History is chronological and includes the triggering user message.
	History []datatypes.Message

	ConversationType string

	// DebateParticipants names every expert in the debate, in order. It is
	// ignored unless it has more than one entry.
	DebateParticipants []string
}

// =============================================================================
// Assembler
// =============================================================================

// Assembler builds upstream message lists.
type Assembler struct {
	config AssemblerConfig
}

// NewAssembler creates an Assembler. Zero config fields take defaults.
func NewAssembler(config AssemblerConfig) *Assembler {
	return &Assembler{config: config.withDefaults()}
}

// Config returns the effective configuration.
func (a *Assembler) Config() AssemblerConfig {
	return a.config
}

// Assemble returns exactly one system message followed by the most recent
// HistoryWindow history messages in chronological order.
//
// # Description
//
// The system message is built from, in order: the persona preamble (or the
// type-framed default preamble), the tone clause, the behavior clause, the
// memory clause, the document clause and, for debates, the debate clause.
// Empty clauses are omitted. Unknown behavior keys are skipped.
//
// In a debate, replies from other experts carry a "Name: " prefix so the
// answering expert can tell them from its own.
//
// # Inputs
//
//   - in: Loaded conversation state. History must be chronological.
//
// # Outputs
//
//   - []llm.Message: Never empty; element 0 has role system.
func (a *Assembler) Assemble(in AssembleInput) []llm.Message {
	history := TrimHistory(in.History, a.config.HistoryWindow)

	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt(in)})

	debating := len(in.DebateParticipants) > 1
	for _, m := range history {
		switch m.Role {
		case datatypes.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case datatypes.RoleAssistant:
			content := m.Content
			if debating && m.ExpertName != nil && !isSameExpert(m, in.Expert) {
				content = *m.ExpertName + ": " + content
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: content})
		}
	}
	return out
}

func (a *Assembler) systemPrompt(in AssembleInput) string {
	var parts []string

	if in.Expert == nil {
		if clause := TypeClause(in.ConversationType); clause != "" {
			parts = append(parts, clause)
		}
		parts = append(parts, DefaultAssistantPreamble)
	} else {
		parts = append(parts, personaPreamble(in.Expert))
		if tone := strings.TrimSpace(in.Expert.Tone); tone != "" && !strings.EqualFold(tone, "default") {
			parts = append(parts, fmt.Sprintf("Respond in a %s tone.", tone))
		}
		if clause := behaviorClause(in.Behaviors); clause != "" {
			parts = append(parts, clause)
		}
	}

	if clause := memoryClause(in.Memories, a.config.MemoryLimit); clause != "" {
		parts = append(parts, clause)
	}
	if clause := documentClause(in.Documents, a.config.DocumentCharLimit); clause != "" {
		parts = append(parts, clause)
	}
	if in.Expert != nil && len(in.DebateParticipants) > 1 {
		parts = append(parts, debateClause(in.Expert.Name, in.DebateParticipants))
	}

	return strings.Join(parts, "\n\n")
}

func personaPreamble(e *datatypes.Expert) string {
	if prompt := strings.TrimSpace(e.SystemPrompt); prompt != "" {
		return prompt
	}
	return fmt.Sprintf("You are %s, an expert in %s.", e.Name, e.Domain)
}

func behaviorClause(keys []string) string {
	var sentences []string
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if sentence, ok := BehaviorInstruction(key); ok {
			sentences = append(sentences, sentence)
		}
	}
	if len(sentences) == 0 {
		return ""
	}
	return "Guidelines:\n- " + strings.Join(sentences, "\n- ")
}

func memoryClause(memories []datatypes.Memory, limit int) string {
	var b strings.Builder
	n := 0
	for _, m := range memories {
		if n == limit {
			break
		}
		fact := sanitizeLine(m.Content)
		if fact == "" {
			continue
		}
		if n == 0 {
			b.WriteString("Things you remember about this user:")
		}
		b.WriteString("\n- ")
		b.WriteString(fact)
		n++
	}
	return b.String()
}

func documentClause(docs []datatypes.Document, limit int) string {
	if len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("The user attached these documents:")
	for _, d := range docs {
		fmt.Fprintf(&b, "\n\n<document name=%q>", sanitizeLine(d.Filename))
		if text := strings.TrimSpace(d.ExtractedText); text != "" {
			b.WriteString("\n")
			b.WriteString(truncateRunes(text, limit))
			b.WriteString("\n")
		}
		b.WriteString("</document>")
	}
	return b.String()
}

func debateClause(self string, participants []string) string {
	others := make([]string, 0, len(participants)-1)
	for _, p := range participants {
		if p != self {
			others = append(others, p)
		}
	}
	return fmt.Sprintf(
		"You are taking part in a discussion with %s. Build on or respectfully challenge their points rather than repeating them.",
		strings.Join(others, ", "),
	)
}

// TrimHistory returns the last window messages of history.
func TrimHistory(history []datatypes.Message, window int) []datatypes.Message {
	if window <= 0 || len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}

func isSameExpert(m datatypes.Message, e *datatypes.Expert) bool {
	return e != nil && m.ExpertID != nil && *m.ExpertID == e.ID
}

// sanitizeLine collapses a value onto one line so it cannot break the
// prompt structure around it.
func sanitizeLine(s string) string {
	s = multiNewlineRegex.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = controlCharsRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
