// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize caps one streamed reply. 512 KB is roughly 130k tokens.
	ReplyBufferSize = 512 * 1024

	// lockedHeadroom is left for the sealer master key, opened key cache
	// entries and memguard's own session key.
	lockedHeadroom = 2 * 1024 * 1024
)

var (
	errAccumulatorClosed = errors.New("reply accumulator already closed")
	errReplyTooLarge     = errors.New("reply exceeds the reply buffer")
)

var (
	replyBudgetOnce sync.Once
	replyBudget     *lockedBudget
)

// =============================================================================
// replyAccumulator
// =============================================================================

// replyAccumulator collects the tokens of one in-flight reply and hashes
// them as they arrive.
//
// # Description
//
// When the process may lock enough memory the reply lives in a memguard
// LockedBuffer, so partial replies are never swapped to disk and are wiped
// on cancellation. Otherwise a plain slice is used and zeroed on close.
//
// # Thread Safety
//
// Safe for concurrent use.
type replyAccumulator struct {
	mu       sync.Mutex
	locked   *memguard.LockedBuffer
	plain    []byte
	size     int
	hasher   hash.Hash
	overflow bool
	closed   bool
	budget   *lockedBudget
}

// newReplyAccumulator allocates a reply buffer, locked while the process
// budget has room.
func newReplyAccumulator() *replyAccumulator {
	return newReplyAccumulatorWithin(defaultReplyBudget())
}

// newReplyAccumulatorWithin takes a locked slot from budget when one is
// free and falls back to ordinary memory otherwise.
func newReplyAccumulatorWithin(budget *lockedBudget) *replyAccumulator {
	acc := &replyAccumulator{hasher: sha256.New()}
	if budget.tryAcquire() {
		acc.locked = memguard.NewBuffer(ReplyBufferSize)
		acc.locked.Melt()
		acc.budget = budget
	} else {
		acc.plain = make([]byte, 0, 4096)
	}
	return acc
}

// Secure reports whether the reply is held in locked memory.
func (a *replyAccumulator) Secure() bool {
	return a.locked != nil
}

// Write appends token and feeds it to the hash.
func (a *replyAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errAccumulatorClosed
	}
	if a.overflow || a.size+len(token) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("%w: need %d bytes, %d remaining", errReplyTooLarge, len(token), ReplyBufferSize-a.size)
	}

	if a.locked != nil {
		copy(a.locked.Bytes()[a.size:], token)
	} else {
		a.plain = append(a.plain, token...)
	}
	a.size += len(token)
	a.hasher.Write([]byte(token))
	return nil
}

// Finalize returns the reply and its hex SHA-256, then wipes the buffer.
// The accumulator cannot be used afterwards.
func (a *replyAccumulator) Finalize() (content, contentHash string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", "", errAccumulatorClosed
	}
	if a.overflow {
		a.wipe()
		return "", "", errReplyTooLarge
	}

	if a.locked != nil {
		content = string(a.locked.Bytes()[:a.size])
	} else {
		content = string(a.plain)
	}
	contentHash = hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return content, contentHash, nil
}

// Destroy wipes the buffer without returning data. Idempotent.
func (a *replyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.wipe()
	}
}

func (a *replyAccumulator) wipe() {
	if a.locked != nil {
		a.locked.Destroy()
		a.budget.release()
		a.budget = nil
	}
	for i := range a.plain {
		a.plain[i] = 0
	}
	a.plain = nil
	a.closed = true
}

// =============================================================================
// Locked memory budget
// =============================================================================

// lockedBudget bounds how many reply buffers are locked at once. memguard
// panics and purges every enclave when mlock fails, so the locked total
// must stay under RLIMIT_MEMLOCK.
//
// # Thread Safety
//
// Safe for concurrent use.
type lockedBudget struct {
	sem   *semaphore.Weighted
	slots int64
}

func newLockedBudget(slots int64) *lockedBudget {
	if slots < 0 {
		slots = 0
	}
	return &lockedBudget{sem: semaphore.NewWeighted(slots), slots: slots}
}

func (b *lockedBudget) tryAcquire() bool {
	if b == nil || b.slots == 0 {
		return false
	}
	return b.sem.TryAcquire(1)
}

func (b *lockedBudget) release() {
	if b != nil {
		b.sem.Release(1)
	}
}

// replySlots returns how many reply buffers fit in limit bytes of locked
// memory after headroom. Each buffer may cost one extra page.
func replySlots(limit uint64) int64 {
	if limit == unix.RLIM_INFINITY {
		return math.MaxInt32
	}
	if limit <= lockedHeadroom {
		return 0
	}
	perSlot := uint64(ReplyBufferSize + os.Getpagesize())
	return int64((limit - lockedHeadroom) / perSlot)
}

func defaultReplyBudget() *lockedBudget {
	replyBudgetOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			slog.Warn("Cannot read mlock limit, replies are accumulated in ordinary memory", "error", err)
			replyBudget = newLockedBudget(0)
			return
		}
		slots := replySlots(rlimit.Cur)
		replyBudget = newLockedBudget(slots)
		if slots == 0 {
			slog.Warn("mlock limit too low, replies are accumulated in ordinary memory",
				"mlock_limit_kb", rlimit.Cur/1024,
				"required_kb", (lockedHeadroom+ReplyBufferSize)/1024,
			)
			return
		}
		slog.Debug("Replies are accumulated in locked memory", "locked_reply_slots", slots)
	})
	return replyBudget
}
