// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine detects credentials and personal data in text that
// is about to leave the machine.
//
// # Description
//
// Patterns are compiled from YAML embedded in the binary. The engine only
// reports; callers decide what to do with findings. Findings never carry
// the matched text so they are safe to log and audit.
//
// # Thread Safety
//
// A PolicyEngine is immutable after construction and safe for concurrent
// use.
package policy_engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/ExpertChat/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PublicClassification is returned by Classify when nothing matches.
const PublicClassification = "public"

// PolicyEngine scans text against the embedded classifications.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the embedded outbound patterns.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.OutboundPatterns)
}

// NewPolicyEngineFromYAML builds an engine from a classifications document.
// Classifications are ordered by descending priority.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file classificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	return &PolicyEngine{Classifiers: file.Classifications}, nil
}

// Classify returns the name of the highest priority classification that
// matches text, or PublicClassification.
func (e *PolicyEngine) Classify(text string) string {
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			if p.compiled.MatchString(text) {
				return c.Name
			}
		}
	}
	return PublicClassification
}

// ScanText reports every pattern hit in text, line by line.
func (e *PolicyEngine) ScanText(text string) []Finding {
	var findings []Finding
	for lineNum, line := range strings.Split(text, "\n") {
		for _, c := range e.Classifiers {
			for _, p := range c.Patterns {
				if !p.compiled.MatchString(line) {
					continue
				}
				findings = append(findings, Finding{
					LineNumber:         lineNum + 1,
					ClassificationName: c.Name,
					PatternID:          p.ID,
					PatternDescription: p.Description,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}

// ScanMessages scans each message body and tags findings with the message
// index.
func (e *PolicyEngine) ScanMessages(contents []string) []Finding {
	var findings []Finding
	for i, content := range contents {
		for _, f := range e.ScanText(content) {
			f.MessageIndex = i
			findings = append(findings, f)
		}
	}
	return findings
}
