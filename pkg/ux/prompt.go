// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/huh"
)

// BackendInput is what `expertchat backend add` collects.
type BackendInput struct {
	Name        string
	BaseURL     string
	APIKey      string
	OrgID       string
	MakeDefault bool
}

// Missing reports whether a required field is still empty.
func (b BackendInput) Missing() bool {
	return strings.TrimSpace(b.Name) == "" || strings.TrimSpace(b.BaseURL) == ""
}

// Validate checks the required fields.
func (b BackendInput) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return errors.New("name is required")
	}
	return ValidateBaseURL(b.BaseURL)
}

// ValidateBaseURL accepts absolute http and https URLs.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("base URL must start with http:// or https://")
	}
	if u.Host == "" {
		return errors.New("base URL needs a host")
	}
	return nil
}

// PromptBackend asks for every field of in interactively, prefilled with
// what the flags already set. accessible switches huh to plain prompts
// for screen readers and dumb terminals.
func PromptBackend(in *BackendInput, accessible bool) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Name").
				Description("Shown in the backend list").
				Value(&in.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("name is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Base URL").
				Description("OpenAI-compatible server root, e.g. http://localhost:11434").
				Value(&in.BaseURL).
				Validate(ValidateBaseURL),
			huh.NewInput().
				Title("API key").
				Description("Leave empty for local servers").
				EchoMode(huh.EchoModePassword).
				Value(&in.APIKey),
			huh.NewInput().
				Title("Organization id").
				Value(&in.OrgID),
			huh.NewConfirm().
				Title("Make this your default backend?").
				Value(&in.MakeDefault),
		),
	).WithAccessible(accessible)

	if err := form.Run(); err != nil {
		return fmt.Errorf("backend prompt: %w", err)
	}
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	return nil
}
