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

import (
	"net"
	"net/url"
	"strings"
	"time"
)

// Backend is the persisted row describing an OpenAI-compatible provider.
//
// SealedAPIKey holds the credential encrypted under the owner's derived
// key; it is only opened by the backend resolver.
type Backend struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	BaseURL      string    `json:"base_url"`
	SealedAPIKey []byte    `json:"-"`
	OrgID        string    `json:"org_id,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// BackendConfig is the resolved, call-ready upstream configuration.
//
// It is derived per call and never cached: APIKey is plaintext and must
// not be logged or persisted.
type BackendConfig struct {
	BackendID string `json:"backend_id,omitempty"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"-"`
	OrgID     string `json:"org_id,omitempty"`
}

// IsLocal reports whether the backend points at the loopback interface.
//
// Outbound content scanning is skipped for local backends since nothing
// leaves the machine.
func (b BackendConfig) IsLocal() bool {
	u, err := url.Parse(b.BaseURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
