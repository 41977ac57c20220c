/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "time"

// Token-bucket constants for incoming-datagram admission per peer. A
// well-behaved peer sends at most one packet every Updates cycles plus
// the occasional immediate SELECTION/RESEND; the burst allowance covers
// that without opening the door to a peer hammering the socket.
const (
	packetsPerSecond   = 30
	packetsBurstable   = 8
	packetCost         = int64(time.Second) / packetsPerSecond
	maxTokens          = packetCost * packetsBurstable
	limiterEntryMaxAge = 30 * time.Second
)

// limiterEntry is one peer's token bucket.
type limiterEntry struct {
	tokens   int64
	lastSeen time.Time
}

// peerRateLimiter bounds how much OnReceive work a single peer can cause
// per unit time. Unlike the concurrent, goroutine-collected limiter this
// is adapted from, it does its bookkeeping inline on Allow: the engine
// is single-threaded cooperative (§5) and has no background routine to
// spare for garbage collection.
type peerRateLimiter struct {
	now     func() time.Time
	entries map[PeerID]*limiterEntry
}

func newPeerRateLimiter() *peerRateLimiter {
	return &peerRateLimiter{now: time.Now, entries: make(map[PeerID]*limiterEntry)}
}

// Allow reports whether a datagram from peer should be processed,
// consuming one token if so. Entries idle past limiterEntryMaxAge are
// evicted opportunistically on access rather than by a timer.
func (r *peerRateLimiter) Allow(peer PeerID) bool {
	now := r.now()
	for id, e := range r.entries {
		if now.Sub(e.lastSeen) > limiterEntryMaxAge {
			delete(r.entries, id)
		}
	}

	e, ok := r.entries[peer]
	if !ok {
		r.entries[peer] = &limiterEntry{tokens: maxTokens - packetCost, lastSeen: now}
		return true
	}

	e.tokens += now.Sub(e.lastSeen).Nanoseconds()
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	e.lastSeen = now

	if e.tokens >= packetCost {
		e.tokens -= packetCost
		return true
	}
	return false
}
