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

// Behavior is a named toggle on an expert that adds one instruction
// sentence to its system prompt.
type Behavior string

const (
	BehaviorCiteSources          Behavior = "cite_sources"
	BehaviorAskClarifying        Behavior = "ask_clarifying_questions"
	BehaviorConcise              Behavior = "concise"
	BehaviorStepByStep           Behavior = "step_by_step"
	BehaviorCodeExamples         Behavior = "code_examples"
	BehaviorChallengeAssumptions Behavior = "challenge_assumptions"
	BehaviorUseAnalogies         Behavior = "use_analogies"
	BehaviorAdmitUncertainty     Behavior = "admit_uncertainty"
)

var behaviorInstructions = map[Behavior]string{
	BehaviorCiteSources:          "Cite your sources or say where a claim comes from whenever you can.",
	BehaviorAskClarifying:        "Ask a clarifying question when the request is ambiguous instead of guessing.",
	BehaviorConcise:              "Keep answers short and to the point.",
	BehaviorStepByStep:           "Explain your reasoning step by step.",
	BehaviorCodeExamples:         "Include code examples when they help.",
	BehaviorChallengeAssumptions: "Point out questionable assumptions in the question.",
	BehaviorUseAnalogies:         "Use analogies to explain difficult ideas.",
	BehaviorAdmitUncertainty:     "Say plainly when you are not sure of something.",
}

// BehaviorInstruction returns the sentence for key. ok is false for keys
// outside the known set.
func BehaviorInstruction(key string) (sentence string, ok bool) {
	sentence, ok = behaviorInstructions[Behavior(key)]
	return sentence, ok
}

// KnownBehaviors lists every behavior key in a stable order.
func KnownBehaviors() []Behavior {
	return []Behavior{
		BehaviorCiteSources,
		BehaviorAskClarifying,
		BehaviorConcise,
		BehaviorStepByStep,
		BehaviorCodeExamples,
		BehaviorChallengeAssumptions,
		BehaviorUseAnalogies,
		BehaviorAdmitUncertainty,
	}
}
