// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Interface
// =============================================================================

// KeyCache holds per-user credential keys for a bounded time.
//
// # Description
//
// Argon2id derivation is slow, so derived keys are
// kept for a short TTL. Only keys are cached; decrypted credentials never
// are. GetOrDerive returns a copy the caller must wipe after use.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type KeyCache interface {
	// GetOrDerive returns the cached key for userID, calling derive on a
	// miss or after expiry.
	GetOrDerive(userID string, derive func() ([]byte, error)) ([]byte, error)

	// Purge drops every cached key.
	Purge()
}

// =============================================================================
// Enclave Implementation
// =============================================================================

type cachedKey struct {
	enclave   *memguard.Enclave
	expiresAt time.Time
}

// EnclaveKeyCache stores keys in memguard enclaves, encrypted at rest in
// process memory, and expires them after a TTL.
type EnclaveKeyCache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.Mutex
	keys  map[string]cachedKey
	group singleflight.Group
}

// NewEnclaveKeyCache creates a cache with the given TTL. A non-positive TTL
// disables caching: every call derives.
func NewEnclaveKeyCache(ttl time.Duration) *EnclaveKeyCache {
	return &EnclaveKeyCache{
		ttl:  ttl,
		now:  time.Now,
		keys: make(map[string]cachedKey),
	}
}

var _ KeyCache = (*EnclaveKeyCache)(nil)

// GetOrDerive implements KeyCache. Concurrent misses for the same user
// share one derivation.
func (c *EnclaveKeyCache) GetOrDerive(userID string, derive func() ([]byte, error)) ([]byte, error) {
	if key, ok := c.lookup(userID); ok {
		return key, nil
	}

	// The derived key is sealed straight away; callers only ever receive
	// their own copy opened from the enclave.
	v, err, _ := c.group.Do(userID, func() (any, error) {
		key, err := derive()
		if err != nil {
			return nil, err
		}
		enclave := memguard.NewEnclave(key)
		if enclave == nil {
			return nil, errors.New("derived key is empty")
		}
		if c.ttl > 0 {
			c.store(userID, enclave)
		}
		return enclave, nil
	})
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	out, err := openCopy(v.(*memguard.Enclave))
	if err != nil {
		return nil, fmt.Errorf("open derived key: %w", err)
	}
	return out, nil
}

// Purge implements KeyCache.
func (c *EnclaveKeyCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]cachedKey)
}

// Len returns the number of unexpired keys.
func (c *EnclaveKeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	now := c.now()
	for _, k := range c.keys {
		if now.Before(k.expiresAt) {
			n++
		}
	}
	return n
}

func (c *EnclaveKeyCache) lookup(userID string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.keys[userID]
	if ok && !c.now().Before(entry.expiresAt) {
		delete(c.keys, userID)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	out, err := openCopy(entry.enclave)
	if err != nil {
		slog.Warn("Failed to open cached key enclave", "error", err)
		return nil, false
	}
	return out, true
}

func openCopy(enclave *memguard.Enclave) ([]byte, error) {
	buf, err := enclave.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *EnclaveKeyCache) store(userID string, enclave *memguard.Enclave) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID] = cachedKey{
		enclave:   enclave,
		expiresAt: c.now().Add(c.ttl),
	}
}
