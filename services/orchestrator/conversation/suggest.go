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

import (
	"strings"
	"unicode"

	"github.com/AleutianAI/ExpertChat/services/orchestrator/datatypes"
)

// minKeywordLen excludes short words such as "ai" or "of".
const minKeywordLen = 3

// SuggestExperts returns the candidates whose domain shares a keyword with
// message.
//
// # Description
//
// Each candidate's domain is lower-cased and split on punctuation and
// whitespace. Words of at least three characters are keywords, and a
// candidate matches when any keyword occurs as a substring of the
// lower-cased message. Candidates whose id is in exclude are skipped.
// Order follows candidates.
//
// # Inputs
//
//   - message: The user message text.
//   - candidates: The user's experts.
//   - exclude: Ids of experts already assigned to the conversation.
//
// # Outputs
//
//   - []datatypes.ExpertSummary: Matches, never nil.
func SuggestExperts(message string, candidates []datatypes.Expert, exclude map[string]bool) []datatypes.ExpertSummary {
	out := make([]datatypes.ExpertSummary, 0)
	lowered := strings.ToLower(message)

	for _, e := range candidates {
		if exclude[e.ID] {
			continue
		}
		for _, kw := range domainKeywords(e.Domain) {
			if strings.Contains(lowered, kw) {
				out = append(out, e.Summary())
				break
			}
		}
	}
	return out
}

func domainKeywords(domain string) []string {
	words := strings.FieldsFunc(strings.ToLower(domain), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	keywords := words[:0]
	for _, w := range words {
		if len([]rune(w)) >= minKeywordLen {
			keywords = append(keywords, w)
		}
	}
	return keywords
}
