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
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReplyAccumulator_FinalizeHashesContent(t *testing.T) {
	acc := newReplyAccumulator()
	require.NoError(t, acc.Write("Hello "))
	require.NoError(t, acc.Write("world!"))

	content, hash, err := acc.Finalize()

	require.NoError(t, err)
	assert.Equal(t, "Hello world!", content)
	assert.Equal(t, sha("Hello world!"), hash)
	assert.Len(t, hash, 64)
}

func TestReplyAccumulator_UnusableAfterClose(t *testing.T) {
	acc := newReplyAccumulator()
	require.NoError(t, acc.Write("x"))
	acc.Destroy()
	acc.Destroy()

	assert.ErrorIs(t, acc.Write("y"), errAccumulatorClosed)
	_, _, err := acc.Finalize()
	assert.ErrorIs(t, err, errAccumulatorClosed)
}

func TestReplyAccumulator_Overflow(t *testing.T) {
	acc := newReplyAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write(strings.Repeat("a", ReplyBufferSize-1)))
	assert.ErrorIs(t, acc.Write("bb"), errReplyTooLarge)
	assert.ErrorIs(t, acc.Write("c"), errReplyTooLarge)

	_, _, err := acc.Finalize()
	assert.ErrorIs(t, err, errReplyTooLarge)
}

func TestReplyAccumulator_ConcurrentWrites(t *testing.T) {
	acc := newReplyAccumulator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = acc.Write("ab")
		}()
	}
	wg.Wait()

	content, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Len(t, content, 100)
}

func TestReplyAccumulator_EmptyReply(t *testing.T) {
	content, hash, err := newReplyAccumulator().Finalize()

	require.NoError(t, err)
	assert.Empty(t, content)
	assert.Equal(t, sha(""), hash)
}

func TestReplyAccumulator_FallsBackWhenLockedBudgetSpent(t *testing.T) {
	budget := newLockedBudget(1)

	accs := make([]*replyAccumulator, 0, 40)
	assert.NotPanics(t, func() {
		for i := 0; i < 40; i++ {
			accs = append(accs, newReplyAccumulatorWithin(budget))
		}
	})

	secure := 0
	for i, acc := range accs {
		if acc.Secure() {
			secure++
		}
		require.NoError(t, acc.Write("reply "+strings.Repeat("x", i)))
	}
	assert.Equal(t, 1, secure)
	assert.True(t, accs[0].Secure())

	content, _, err := accs[39].Finalize()
	require.NoError(t, err)
	assert.Equal(t, "reply "+strings.Repeat("x", 39), content)

	for _, acc := range accs {
		acc.Destroy()
	}
	acc := newReplyAccumulatorWithin(budget)
	defer acc.Destroy()
	assert.True(t, acc.Secure(), "closing a locked reply returns its slot")
}

func TestReplyAccumulator_ZeroBudgetNeverLocks(t *testing.T) {
	acc := newReplyAccumulatorWithin(newLockedBudget(0))
	defer acc.Destroy()

	assert.False(t, acc.Secure())
	assert.False(t, newReplyAccumulatorWithin(nil).Secure())
}

func TestReplySlots(t *testing.T) {
	perSlot := uint64(ReplyBufferSize + os.Getpagesize())

	assert.Zero(t, replySlots(0))
	assert.Zero(t, replySlots(lockedHeadroom))
	assert.Zero(t, replySlots(lockedHeadroom+perSlot-1))
	assert.Equal(t, int64(1), replySlots(lockedHeadroom+perSlot))
	assert.Equal(t, int64((8*1024*1024-lockedHeadroom)/perSlot), replySlots(8*1024*1024))
	assert.Greater(t, replySlots(unix.RLIM_INFINITY), int64(1000))
}
