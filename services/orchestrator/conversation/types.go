// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

// Type tags a conversation and frames the default assistant.
type Type string

const (
	TypeGeneral    Type = "general"
	TypeResearch   Type = "research"
	TypeBrainstorm Type = "brainstorm"
	TypeDebug      Type = "debug"
	TypePlanning   Type = "planning"
	TypeLearning   Type = "learning"
)

var typeClauses = map[Type]string{
	TypeResearch:   "This is a research conversation. Be thorough, separate facts from speculation and note open questions.",
	TypeBrainstorm: "This is a brainstorming conversation. Offer many varied ideas and build on the user's suggestions.",
	TypeDebug:      "This is a debugging conversation. Work methodically, ask for error output and narrow down the cause.",
	TypePlanning:   "This is a planning conversation. Break goals into concrete steps and call out dependencies and risks.",
	TypeLearning:   "This is a learning conversation. Teach patiently, check understanding and build from fundamentals.",
}

// TypeClause returns the framing sentence for a conversation type. General
// and unknown types return "".
func TypeClause(t string) string {
	return typeClauses[Type(t)]
}
