// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// LocalUserID is the identity used when no tokens are configured.
const LocalUserID = "local-user"

// ErrUnauthorized is returned when a token is missing or unknown.
// Implementations wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// TokenName labels which configured token matched, for logs. Never the
	// token itself.
	TokenName string
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	// Validate returns the identity for token or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as LocalUserID. Used for local
// single-user installs.
type NopAuthProvider struct{}

// Validate ignores token.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID}, nil
}

type staticToken struct {
	token  []byte
	userID string
	name   string
}

// StaticTokenAuthProvider accepts a fixed set of bearer tokens, each bound
// to one user id.
//
// # Description
//
// Tokens are compared in constant time. Every configured token is checked
// on each call so the match position does not leak through timing.
//
// # Thread Safety
//
// Immutable after construction.
type StaticTokenAuthProvider struct {
	tokens []staticToken
}

// NewStaticTokenAuthProvider builds a provider from token -> user id pairs.
// Empty tokens or user ids are rejected.
func NewStaticTokenAuthProvider(tokens map[string]string) (*StaticTokenAuthProvider, error) {
	p := &StaticTokenAuthProvider{}
	i := 0
	for token, userID := range tokens {
		i++
		if strings.TrimSpace(token) == "" || strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("auth token entry %d: token and user id are required", i)
		}
		p.tokens = append(p.tokens, staticToken{
			token:  []byte(token),
			userID: userID,
			name:   fmt.Sprintf("%s-token", userID),
		})
	}
	return p, nil
}

// Validate looks token up among the configured tokens.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	candidate := []byte(token)
	var match *staticToken
	for i := range p.tokens {
		if subtle.ConstantTimeCompare(candidate, p.tokens[i].token) == 1 {
			match = &p.tokens[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: match.userID, TokenName: match.name}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
