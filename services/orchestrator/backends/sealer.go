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
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// MinMasterKeyBytes is the shortest accepted master secret.
const MinMasterKeyBytes = 16

const saltDomain = "expertchat/backend-credential/v1/"

// ErrMalformedCiphertext is returned when a sealed credential is too short
// or fails authentication.
var ErrMalformedCiphertext = errors.New("malformed sealed credential")

// SealerConfig holds the Argon2id parameters for per-user key derivation.
type SealerConfig struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultSealerConfig follows the OWASP minimum for Argon2id.
func DefaultSealerConfig() SealerConfig {
	return SealerConfig{Time: 2, MemoryKiB: 19 * 1024, Threads: 1}
}

// Sealer encrypts backend credentials at rest.
//
// # Description
//
// Each user gets a key derived with Argon2id from the process master
// secret and a salt bound to the user id. Credentials are sealed with
// XChaCha20-Poly1305 using the user id as associated data, so a sealed
// credential copied to another user's row fails to open.
//
// Layout: nonce (24 bytes) || ciphertext+tag.
//
// # Thread Safety
//
// Safe for concurrent use.
type Sealer struct {
	master *memguard.Enclave
	cache  KeyCache
	config SealerConfig
}

// NewSealer creates a Sealer. The master slice is wiped.
func NewSealer(master []byte, cache KeyCache, config SealerConfig) (*Sealer, error) {
	if len(master) < MinMasterKeyBytes {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinMasterKeyBytes, len(master))
	}
	if cache == nil {
		panic("NewSealer: cache must not be nil")
	}
	defaults := DefaultSealerConfig()
	if config.Time == 0 {
		config.Time = defaults.Time
	}
	if config.MemoryKiB == 0 {
		config.MemoryKiB = defaults.MemoryKiB
	}
	if config.Threads == 0 {
		config.Threads = defaults.Threads
	}
	return &Sealer{
		master: memguard.NewEnclave(master),
		cache:  cache,
		config: config,
	}, nil
}

// Seal encrypts plaintext for userID. An empty plaintext seals to nil.
func (s *Sealer) Seal(userID, plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}

	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID)), nil
}

// Open decrypts a credential sealed for userID. A nil or empty input opens
// to "".
func (s *Sealer) Open(userID string, sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrMalformedCiphertext
	}

	key, err := s.userKey(userID)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	defer memguard.WipeBytes(plaintext)
	return string(plaintext), nil
}

func (s *Sealer) userKey(userID string) ([]byte, error) {
	return s.cache.GetOrDerive(userID, func() ([]byte, error) {
		buf, err := s.master.Open()
		if err != nil {
			return nil, fmt.Errorf("open master key: %w", err)
		}
		defer buf.Destroy()

		salt := sha256.Sum256([]byte(saltDomain + userID))
		return argon2.IDKey(buf.Bytes(), salt[:16], s.config.Time, s.config.MemoryKiB,
			s.config.Threads, chacha20poly1305.KeySize), nil
	})
}
