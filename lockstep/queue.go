/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "errors"

// ErrPoolExhausted is returned when a submission finds the outbound
// queue at its fixed capacity; the oldest entry has then already been
// dropped to make room for the new one.
var ErrPoolExhausted = errors.New("lockstep: outbound queue exhausted")

// outboundCapacity bounds each of the two outbound FIFOs. This is the
// reference pool size (100 records); overflow drops the oldest entry
// rather than growing without bound, matching the "never use unbounded
// allocation" constraint in DESIGN.md.
const outboundCapacity = 100

// outboundRing is a fixed-capacity circular buffer of CommandRecord. It
// replaces the bump-allocator-with-swap-delete pool of the original
// implementation with an equivalent, clearer ring, per the design note
// in §9 of the spec.
type outboundRing struct {
	buf        [outboundCapacity]CommandRecord
	head, size int
}

func (q *outboundRing) len() int { return q.size }

func (q *outboundRing) push(rec CommandRecord) (dropped bool) {
	if q.size == outboundCapacity {
		// Drop the oldest to make room.
		q.head = (q.head + 1) % outboundCapacity
		q.size--
		dropped = true
	}
	idx := (q.head + q.size) % outboundCapacity
	q.buf[idx] = rec
	q.size++
	return dropped
}

func (q *outboundRing) pop() (CommandRecord, bool) {
	if q.size == 0 {
		return CommandRecord{}, false
	}
	rec := q.buf[q.head]
	q.head = (q.head + 1) % outboundCapacity
	q.size--
	return rec, true
}

func (q *outboundRing) contains(kind Kind, payload [8]byte) bool {
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % outboundCapacity
		if q.buf[idx].Kind == kind && q.buf[idx].Payload == payload {
			return true
		}
	}
	return false
}

// outboundQueue is the per-local-peer staging area for input commands and
// chat/selection fragments awaiting the next send opportunity. Gameplay
// commands are drained ahead of chat/selection records, matching the
// priority rule in §4.D.
type outboundQueue struct {
	gameplay outboundRing
	sidecar  outboundRing
}

// enqueueGameplay stages a gameplay (or EXTENDED) command, suppressing an
// exact (Kind, Payload) duplicate already queued.
func (q *outboundQueue) enqueueGameplay(rec CommandRecord) (dropped bool) {
	if q.gameplay.contains(rec.Kind, rec.Payload) {
		return false
	}
	return q.gameplay.push(rec)
}

// enqueueSidecar stages a chat or selection fragment.
func (q *outboundQueue) enqueueSidecar(rec CommandRecord) (dropped bool) {
	return q.sidecar.push(rec)
}

// drain pops up to max records, gameplay first, into out, and returns how
// many were written.
func (q *outboundQueue) drain(out []CommandRecord, max int) int {
	n := 0
	for n < max {
		rec, ok := q.gameplay.pop()
		if !ok {
			break
		}
		out[n] = rec
		n++
	}
	for n < max {
		rec, ok := q.sidecar.pop()
		if !ok {
			break
		}
		out[n] = rec
		n++
	}
	return n
}

func (q *outboundQueue) empty() bool { return q.gameplay.len() == 0 && q.sidecar.len() == 0 }
