/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "sync/atomic"

// Peer is a participant in the game, local or remote, assembled from the external
// lobby roster at init-phase-two and stable for the duration of the
// game.
type Peer struct {
	ID   PeerID
	Name string
	Team int
	Addr Addr

	lastSeenFrame atomic.Uint64
	quit          atomic.Bool

	// lastAcceptedCycle is one past the full Cycle of the last normal
	// update packet accepted from this peer, 0 meaning none yet. Offset
	// by one so the zero value means "unseen" rather than colliding with
	// the legitimate cycle 0.
	lastAcceptedCycle atomic.Uint32
}

// Quit reports whether this peer has been marked quit, either
// voluntarily (QUIT arrived) or via forced timeout.
func (p *Peer) Quit() bool { return p.quit.Load() }

// LastSeenFrame is the FrameCounter value at which the engine last
// accepted a datagram from this peer.
func (p *Peer) LastSeenFrame() uint64 { return p.lastSeenFrame.Load() }

// roster owns the active peer set in fixed PeerID dispatch order, plus
// the local peer's own identity.
type roster struct {
	local   PeerID
	peers   map[PeerID]*Peer
	byAddr  map[Addr]PeerID
	ordered []PeerID // ascending PeerID, recomputed on add/remove
}

func newRoster(local PeerID) *roster {
	return &roster{
		local:  local,
		peers:  make(map[PeerID]*Peer),
		byAddr: make(map[Addr]PeerID),
	}
}

func (r *roster) add(p *Peer) {
	r.peers[p.ID] = p
	r.byAddr[p.Addr] = p.ID
	r.reorder()
}

func (r *roster) remove(id PeerID) {
	if p, ok := r.peers[id]; ok {
		delete(r.byAddr, p.Addr)
	}
	delete(r.peers, id)
	r.reorder()
}

func (r *roster) reorder() {
	r.ordered = r.ordered[:0]
	for id := range r.peers {
		r.ordered = append(r.ordered, id)
	}
	// Ascending PeerId dispatch order, required by §5.
	for i := 1; i < len(r.ordered); i++ {
		for j := i; j > 0 && r.ordered[j-1] > r.ordered[j]; j-- {
			r.ordered[j-1], r.ordered[j] = r.ordered[j], r.ordered[j-1]
		}
	}
}

func (r *roster) byAddress(addr Addr) (*Peer, bool) {
	id, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	p := r.peers[id]
	return p, p != nil
}

func (r *roster) get(id PeerID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// active returns the ascending-PeerId-ordered remote peer IDs that have
// not quit. The local peer is excluded — broadcast fan-out and
// readiness both iterate remote peers only, per §4.E.
func (r *roster) active() []PeerID {
	out := make([]PeerID, 0, len(r.ordered))
	for _, id := range r.ordered {
		if id == r.local {
			continue
		}
		if p := r.peers[id]; p != nil && !p.Quit() {
			out = append(out, id)
		}
	}
	return out
}

// allExceptLocal returns every remote peer, quit or not, in ascending
// order — used for broadcast fan-out.
func (r *roster) allExceptLocal() []PeerID {
	out := make([]PeerID, 0, len(r.ordered))
	for _, id := range r.ordered {
		if id != r.local {
			out = append(out, id)
		}
	}
	return out
}
