/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScheduledRingSetGet(t *testing.T) {
	var r scheduledRing
	rec := NewGameplayCommand(KindMove, 1, 2, 3, 4, false)
	r.Set(500, 2, 0, rec)

	got := r.Get(500, 2, 0)
	assert.Equal(t, Cycle(500), got.TargetCycle)
	assert.Equal(t, KindMove, got.Kind)
}

func TestScheduledRingWrapsAt256(t *testing.T) {
	var r scheduledRing
	r.Set(10, 1, 0, NewGameplayCommand(KindMove, 1, 0, 0, 0, false))
	r.Set(266, 1, 0, NewGameplayCommand(KindStop, 2, 0, 0, 0, false))

	// Same slot (10 mod 256 == 266 mod 256); the later Set wins.
	got := r.Get(10, 1, 0)
	assert.Equal(t, Cycle(266), got.TargetCycle)
	assert.Equal(t, KindStop, got.Kind)
}

func TestScheduledRingReady(t *testing.T) {
	var r scheduledRing
	active := []PeerID{1, 2}
	assert.False(t, r.Ready(40, active))

	r.Set(40, 1, 0, CommandRecord{Kind: KindSync})
	assert.False(t, r.Ready(40, active))

	r.Set(40, 2, 0, CommandRecord{Kind: KindSync})
	assert.True(t, r.Ready(40, active))
}

func TestScheduledRingClearRow(t *testing.T) {
	var r scheduledRing
	r.Set(5, 3, 0, NewGameplayCommand(KindMove, 1, 0, 0, 0, false))
	r.ClearRow(3)
	got := r.Get(5, 3, 0)
	assert.True(t, got.empty())
}

func TestScheduledRingPrimeSync(t *testing.T) {
	var r scheduledRing
	r.PrimeSync(1, 10, 5)
	for c := Cycle(0); c <= 10; c += 5 {
		row := r.Row(c, 1)
		assert.Equal(t, KindSync, row[0].Kind)
		assert.Equal(t, c, row[0].TargetCycle)
	}
	// A cycle not on a multiple-of-updates boundary was never primed.
	assert.True(t, r.Get(3, 1, 0).empty())
}
