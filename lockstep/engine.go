/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import (
	"fmt"
	"sync/atomic"
)

// State is the Engine's own lifecycle state, independent of whether the
// command stream is currently complete for the next scheduling boundary
// (see InSync for that).
type State int32

const (
	StateUninitialized State = iota
	StateBound
	StateActive
	StateStalled
	StateExiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateExiting:
		return "exiting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// bindAttempts is how many consecutive ports the engine tries before
// giving up, per §4.A/§6.
const bindAttempts = 10

// Engine is the protocol core: it owns the roster, the scheduled command
// ring, the outbound queues, the determinism guard, chat reassembly, and
// the per-tick state machine driving all of it. It never touches a
// socket directly, and it never runs its own goroutine — the caller
// drives it with Tick and OnReceive from its own event loop. An Engine
// is not safe for concurrent use: callers that reach it from more than
// one goroutine must synchronize those calls themselves.
type Engine struct {
	cfg Config
	log *Logger

	endpoint Endpoint
	sim      Simulation

	roster  *roster
	ring    scheduledRing
	out     outboundQueue
	guard   determinismGuard
	chat    chatReassembler
	stats   stats
	limiter *peerRateLimiter

	state atomic.Int32

	currentCycle   Cycle
	inSync         bool
	resendDeadline uint64

	// OnOutOfSync is invoked when a received SYNC beacon disagrees with
	// the locally recorded one for the same cycle. The engine does not
	// attempt to recover from this itself.
	OnOutOfSync func(cycle Cycle)

	// OnChatMessage is invoked once a CHAT/CHAT_TERMINAL sequence from a
	// peer completes.
	OnChatMessage func(sender PeerID, message string)

	// OnSelection is invoked when a teammate's SELECTION packet is
	// accepted.
	OnSelection func(sender PeerID, selection SelectionPayload)

	// OnPeerQuit is invoked when a peer's QUIT (voluntary or forced by
	// timeout) is executed and the peer evicted from the roster.
	OnPeerQuit func(who PeerID)
}

// NewEngine constructs an Engine bound to no socket and no roster yet.
// Bind and InitRoster must be called, in that order, before Tick or
// OnReceive do anything.
func NewEngine(cfg Config, endpoint Endpoint, sim Simulation, log *Logger) *Engine {
	if log == nil {
		log = NewLogger(LogSilent, "")
	}
	return &Engine{
		cfg:      cfg.normalize(),
		log:      log,
		endpoint: endpoint,
		sim:      sim,
		limiter:  newPeerRateLimiter(),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// InSync reports whether the ring currently holds a complete set of
// entries for the next scheduling boundary.
func (e *Engine) InSync() bool { return e.inSync }

// Stats returns a snapshot of the engine's traffic counters.
func (e *Engine) Stats() Stats { return e.stats.snapshot() }

// Peers returns the roster's peers, local peer excluded, in ascending
// PeerID order.
func (e *Engine) Peers() []*Peer {
	ids := e.roster.allExceptLocal()
	out := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.roster.get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Bind opens the local endpoint, trying up to bindAttempts consecutive
// ports starting at cfg.LocalPort when the configured one is taken. It
// corresponds to init-phase-one in §4.A.
func (e *Engine) Bind(local PeerID) error {
	if e.State() != StateUninitialized {
		return fmt.Errorf("lockstep: Bind called in state %s", e.State())
	}
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port := e.cfg.LocalPort + uint16(i)
		if err := e.endpoint.Bind(e.cfg.LocalAddress, port); err != nil {
			lastErr = err
			continue
		}
		e.cfg.LocalPort = port
		e.roster = newRoster(local)
		e.state.Store(int32(StateBound))
		e.log.Verbosef("bound to %s:%d", e.cfg.LocalAddress, port)
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBindFailed, lastErr)
}

// InitRoster installs the local and remote peers resolved during the
// external lobby/setup phase, primes the scheduled ring with enough SYNC
// entries to advance without network input for the configured lag
// window, and transitions the engine to StateActive. It corresponds to
// init-phase-two in §4.A.
func (e *Engine) InitRoster(local *Peer, remotes []*Peer) error {
	if e.State() != StateBound {
		return fmt.Errorf("lockstep: InitRoster called in state %s", e.State())
	}
	e.roster.add(local)
	for _, p := range remotes {
		e.roster.add(p)
	}
	for _, id := range e.roster.active() {
		e.ring.PrimeSync(id, e.cfg.Lag, e.cfg.Updates)
	}
	e.inSync = true
	e.state.Store(int32(StateActive))
	return nil
}

// Tick drives one simulation cycle's worth of protocol work: on
// multiples of Updates it composes and broadcasts the outbound packet,
// executes the commands scheduled for cycle, and re-checks readiness for
// the next scheduling boundary; every cycle it runs the resend/timeout
// recovery path while stalled. It is §4.E verbatim.
func (e *Engine) Tick(cycle Cycle) {
	switch e.State() {
	case StateActive, StateStalled:
	default:
		return
	}
	e.currentCycle = cycle

	if uint32(cycle)%e.cfg.Updates == 0 {
		e.sendUpdate(cycle)
		e.executeCycle(cycle)

		next := cycle + Cycle(e.cfg.Updates)
		if e.ring.Ready(next, e.roster.active()) {
			e.inSync = true
			if e.State() == StateStalled {
				e.state.Store(int32(StateActive))
			}
		} else {
			if e.State() != StateStalled {
				e.resendDeadline = e.sim.FrameCounter() + uint64(e.cfg.Updates)
			}
			e.inSync = false
			e.state.Store(int32(StateStalled))
		}
	}

	if e.State() == StateStalled {
		e.recover()
	}
}

// sendUpdate composes the outbound packet for target cycle+Lag: the
// drained outbound queue if non-empty, or a lone SYNC beacon otherwise,
// stamps it into the local row of the ring, snapshots the determinism
// beacon, and broadcasts it to every peer.
func (e *Engine) sendUpdate(cycle Cycle) {
	target := cycle + Cycle(e.cfg.Lag)

	var recs [K]CommandRecord
	n := 0
	if e.out.empty() {
		recs[0] = newSyncCommand(e.sim.CurrentSeed(), e.sim.CurrentHash())
		n = 1
	} else {
		n = e.out.drain(recs[:], K)
	}

	for i := 0; i < n; i++ {
		e.ring.Set(target, e.roster.local, i, recs[i])
	}
	if n < K {
		e.ring.Set(target, e.roster.local, n, CommandRecord{Kind: KindNone})
	}

	e.guard.record(target, e.sim.CurrentSeed(), e.sim.CurrentHash())

	pkt := Packet{CycleLow: target.Low()}
	for i := 0; i < n; i++ {
		pkt.Kinds[i] = recs[i].Kind
		pkt.Commands[i] = recs[i]
	}
	for i := n; i < K; i++ {
		pkt.Kinds[i] = KindNone
	}
	e.broadcastRaw(pkt.Serialize(n))
	e.stats.sendPackets.Add(1)
}

// executeCycle dispatches every ring entry scheduled for cycle, in
// ascending PeerID then ascending slot order, per §5's determinism
// requirement.
func (e *Engine) executeCycle(cycle Cycle) {
	for _, id := range e.roster.ordered {
		row := e.ring.Row(cycle, id)
		for j := 0; j < K; j++ {
			rec := row[j]
			if rec.Kind == KindNone {
				break
			}
			e.dispatch(id, rec)
		}
	}
}

func (e *Engine) dispatch(peer PeerID, rec CommandRecord) {
	switch rec.Kind {
	case KindSync:
		payload := rec.Sync()
		if !e.guard.check(rec.TargetCycle, payload) {
			e.log.Errorf("determinism mismatch with peer %d at cycle %d", peer, rec.TargetCycle)
			if e.OnOutOfSync != nil {
				e.OnOutOfSync(rec.TargetCycle)
			}
		}
	case KindChat, KindChatTerminal:
		payload := rec.Chat()
		if msg, done := e.chat.Append(payload.Sender, payload.Text[:], rec.Kind == KindChatTerminal); done {
			if e.OnChatMessage != nil {
				e.OnChatMessage(payload.Sender, msg)
			}
		}
	case KindQuit:
		quitter := rec.Quit().Quitter
		if p, ok := e.roster.get(quitter); ok {
			p.quit.Store(true)
		}
		e.ring.ClearRow(quitter)
		e.roster.remove(quitter)
		e.log.Verbosef("peer %d quit", quitter)
		if e.OnPeerQuit != nil {
			e.OnPeerQuit(quitter)
		}
	case KindQuitAck, KindResend, KindSelection:
		// Never scheduled into the ring; ignore defensively.
	case KindExtended:
		e.sim.ExecuteCommand(peer, rec)
	default:
		e.sim.ExecuteCommand(peer, rec)
	}
}

// recover runs the resend/timeout path in §4.E: it only does work once
// per Updates-cycle-equivalent of frames, evicting any peer silent past
// TimeoutSeconds and re-requesting the next scheduling boundary from
// everyone else.
func (e *Engine) recover() {
	active := e.roster.active()
	if len(active) == 0 {
		e.inSync = true
		e.state.Store(int32(StateActive))
		return
	}
	fc := e.sim.FrameCounter()
	if fc <= e.resendDeadline {
		return
	}
	e.resendDeadline = fc + uint64(e.cfg.Updates)

	fps := e.sim.FramesPerSecond()
	for _, id := range active {
		p, ok := e.roster.get(id)
		if !ok {
			continue
		}
		last := p.LastSeenFrame()
		if last == 0 {
			continue
		}
		if timeoutSeconds(fc-last, fps) >= uint64(e.cfg.TimeoutSeconds) {
			e.forceQuit(id)
		}
	}
	e.resendCommands()
}

// forceQuit stamps and broadcasts a synthetic QUIT on behalf of a peer
// that has gone silent past TimeoutSeconds.
func (e *Engine) forceQuit(id PeerID) {
	p, ok := e.roster.get(id)
	if !ok || p.Quit() {
		return
	}
	n := e.currentCycle + Cycle(e.cfg.Updates)
	rec := newQuitCommand(id)
	e.ring.Set(n, id, 0, rec)
	p.quit.Store(true)

	pkt := Packet{CycleLow: n.Low()}
	pkt.Kinds[0] = KindQuit
	for i := 1; i < K; i++ {
		pkt.Kinds[i] = KindNone
	}
	pkt.Commands[0] = rec
	e.broadcastRaw(pkt.Serialize(1))
	e.stats.sendPackets.Add(1)
	e.log.Errorf("peer %d timed out", id)
}

// resendCommands re-requests the next scheduling boundary from every
// peer by broadcasting a RESEND packet whose single record is the RESEND
// marker itself, with an empty payload.
func (e *Engine) resendCommands() {
	next := roundUp(e.currentCycle, e.cfg.Updates)
	pkt := Packet{CycleLow: next.Low()}
	pkt.Kinds[0] = KindResend
	for i := 1; i < K; i++ {
		pkt.Kinds[i] = KindNone
	}
	e.broadcastRaw(pkt.Serialize(1))
	e.stats.sendResends.Add(1)
	e.log.Verbosef("resend requested for cycle %d", next)
}

// broadcastRaw sends data to every non-local peer, quit or not (a peer
// marked quit but not yet evicted from the roster must still see the
// QUIT itself replayed to it via resend).
func (e *Engine) broadcastRaw(data []byte) {
	for _, id := range e.roster.allExceptLocal() {
		p, ok := e.roster.get(id)
		if !ok {
			continue
		}
		if err := e.endpoint.Send(p.Addr, data); err != nil {
			e.log.Errorf("send to %s failed: %v", p.Name, err)
		}
	}
}

// OnReceive pulls and processes a single pending datagram from the
// endpoint. The caller is expected to call it once per readability
// notification, and may call it in a loop to drain backlog.
func (e *Engine) OnReceive() {
	if e.State() == StateUninitialized || e.State() == StateClosed {
		return
	}
	buf := make([]byte, Size(K))
	n, addr, ok, err := e.endpoint.Recv(buf)
	if err != nil {
		e.log.Errorf("recv failed: %v", err)
		return
	}
	if !ok {
		return
	}
	e.stats.receivedPackets.Add(1)
	e.handleDatagram(buf[:n], addr)
}

func (e *Engine) handleDatagram(data []byte, addr Addr) {
	sender, ok := e.roster.byAddress(addr)
	if !ok || sender.Quit() {
		e.log.Errorf("%v: %v", ErrUnknownPeer, addr)
		return
	}
	if !e.limiter.Allow(sender.ID) {
		return
	}

	var pkt Packet
	n, err := pkt.Deserialize(data)
	if err != nil {
		e.log.Errorf("bad packet from %s: %v", sender.Name, err)
		return
	}

	if n == 0 || pkt.Kinds[0] == KindSelection {
		e.handleSelection(&pkt, n, sender)
		return
	}
	if pkt.Kinds[0] == KindResend {
		e.handleResend(&pkt)
		return
	}

	full := DecodeCycle(e.currentCycle, pkt.CycleLow)
	if prev := sender.lastAcceptedCycle.Load(); prev != 0 && Cycle(prev-1) == full {
		e.stats.receivedDups.Add(1)
	}
	sender.lastAcceptedCycle.Store(uint32(full) + 1)

	for i := 0; i < n; i++ {
		rec := pkt.Commands[i]
		rec.Kind = pkt.Kinds[i]
		if !e.validate(rec, sender) {
			e.log.Errorf("%v: peer %d, kind %d", ErrInvalidCommand, sender.ID, rec.Kind)
			continue
		}
		e.ring.Set(full, sender.ID, i, rec)
	}
	if n < K {
		e.ring.Set(full, sender.ID, n, CommandRecord{Kind: KindNone})
	}
	sender.lastSeenFrame.Store(e.sim.FrameCounter())

	if !e.inSync {
		boundary := Cycle((uint32(e.currentCycle)/e.cfg.Updates)*e.cfg.Updates + e.cfg.Updates)
		if e.ring.Ready(boundary, e.roster.active()) {
			e.inSync = true
			if e.State() == StateStalled {
				e.state.Store(int32(StateActive))
			}
		}
	}
}

// validate applies §4.E's per-command acceptance rule: control kinds are
// always accepted; a gameplay command is accepted only if the sender
// owns the referenced unit, or a teammate of the sender does.
func (e *Engine) validate(rec CommandRecord, sender *Peer) bool {
	if !rec.Kind.IsGameplay() {
		return true
	}
	payload := rec.Gameplay()
	owner, ok := e.sim.UnitOwner(payload.Unit)
	if !ok {
		return false
	}
	if owner == sender.ID {
		return true
	}
	ownerPeer, ok := e.roster.get(owner)
	return ok && ownerPeer.Team == sender.Team
}

// handleResend replies to a RESEND request by re-broadcasting the local
// peer's own row for the requested cycle, and re-broadcasting any QUIT
// scheduled for that cycle by any other peer, so a peer that missed the
// original QUIT still converges.
func (e *Engine) handleResend(pkt *Packet) {
	full := DecodeCycle(e.currentCycle, pkt.CycleLow)

	local := e.ring.Row(full, e.roster.local)
	if local[0].TargetCycle == full {
		var out Packet
		out.CycleLow = full.Low()
		n := 0
		for j := 0; j < K; j++ {
			rec := local[j]
			if rec.Kind == KindNone {
				break
			}
			out.Kinds[j] = rec.Kind
			out.Commands[j] = rec
			n++
		}
		e.broadcastRaw(out.Serialize(n))
		e.stats.sendPackets.Add(1)
	}

	for _, id := range e.roster.allExceptLocal() {
		row := e.ring.Row(full, id)
		if row[0].TargetCycle == full && row[0].Kind == KindQuit {
			qp := Packet{CycleLow: full.Low()}
			qp.Kinds[0] = KindQuit
			for k := 1; k < K; k++ {
				qp.Kinds[k] = KindNone
			}
			qp.Commands[0] = row[0]
			e.broadcastRaw(qp.Serialize(1))
		}
	}
}

// handleSelection decodes a SELECTION packet and hands it to
// OnSelection, provided the sender is on the local peer's team — the
// same restriction that governs who SubmitSelection addresses.
func (e *Engine) handleSelection(pkt *Packet, n int, sender *Peer) {
	local, ok := e.roster.get(e.roster.local)
	if !ok || local.Team != sender.Team {
		return
	}
	payload := decodeSelectionPacket(pkt, n)
	if e.OnSelection != nil {
		e.OnSelection(sender.ID, payload)
	}
}

// SubmitCommand stages a gameplay command for the next outbound packet.
// An exact duplicate already queued is silently dropped; a full queue
// drops its oldest entry to make room and returns ErrPoolExhausted.
func (e *Engine) SubmitCommand(kind Kind, unit, x, y, destOrType uint16, flush bool) error {
	rec := NewGameplayCommand(kind, unit, x, y, destOrType, flush)
	if e.out.enqueueGameplay(rec) {
		e.log.Errorf("%v", ErrPoolExhausted)
		return ErrPoolExhausted
	}
	return nil
}

// SubmitExtended stages an EXTENDED command, sharing the gameplay
// queue's priority and duplicate suppression.
func (e *Engine) SubmitExtended(subkind, arg1 uint8, arg2, arg3, arg4 uint16, flush bool) error {
	rec := NewExtendedCommand(subkind, arg1, arg2, arg3, arg4, flush)
	if e.out.enqueueGameplay(rec) {
		e.log.Errorf("%v", ErrPoolExhausted)
		return ErrPoolExhausted
	}
	return nil
}

// SubmitChat fragments text into chatChunkSize-byte CHAT records
// terminated by a CHAT_TERMINAL, and stages them on the sidecar queue.
func (e *Engine) SubmitChat(text string) {
	sender := e.roster.local
	b := []byte(text)
	for len(b) > chatChunkSize {
		var chunk [chatChunkSize]byte
		copy(chunk[:], b[:chatChunkSize])
		rec := CommandRecord{Kind: KindChat, Payload: ChatPayload{Sender: sender, Text: chunk}.encode()}
		e.out.enqueueSidecar(rec)
		b = b[chatChunkSize:]
	}
	var chunk [chatChunkSize]byte
	copy(chunk[:], b)
	rec := CommandRecord{Kind: KindChatTerminal, Payload: ChatPayload{Sender: sender, Text: chunk}.encode()}
	e.out.enqueueSidecar(rec)
}

// SubmitSelection broadcasts units directly to every teammate, bypassing
// the per-cycle packet schedule entirely, splitting across multiple
// packets (Set then Add) when more than K*4 units are given.
func (e *Engine) SubmitSelection(units []uint16) {
	local, ok := e.roster.get(e.roster.local)
	if !ok {
		return
	}
	var teammates []*Peer
	for _, id := range e.roster.allExceptLocal() {
		if p, ok := e.roster.get(id); ok && p.Team == local.Team {
			teammates = append(teammates, p)
		}
	}
	if len(teammates) == 0 {
		return
	}

	offset, first := 0, true
	for {
		chunk := units[offset:]
		if len(chunk) == 0 && !first {
			break
		}
		mode := SelectionSet
		if !first {
			mode = SelectionAdd
		}
		pkt, numRecords := encodeSelectionPacket(mode, chunk)
		consumed := numRecords * selectionUnitsPerRecord
		if consumed > len(chunk) {
			consumed = len(chunk)
		}
		data := pkt.Serialize(numRecords)
		for _, p := range teammates {
			if err := e.endpoint.Send(p.Addr, data); err != nil {
				e.log.Errorf("selection send to %s failed: %v", p.Name, err)
			}
		}
		offset += consumed
		first = false
		if consumed == 0 {
			break
		}
	}
}

// Quit schedules a voluntary QUIT for the earliest cycle the outbound
// schedule can still reach and broadcasts it immediately, then moves the
// engine to StateExiting; Tick becomes a no-op from here on.
func (e *Engine) Quit() {
	n := Cycle(((uint32(e.currentCycle)+e.cfg.Updates)/e.cfg.Updates)*e.cfg.Updates + e.cfg.Lag)
	rec := newQuitCommand(e.roster.local)
	e.ring.Set(n, e.roster.local, 0, rec)
	if 1 < K {
		e.ring.Set(n, e.roster.local, 1, CommandRecord{Kind: KindNone})
	}

	pkt := Packet{CycleLow: n.Low()}
	pkt.Kinds[0] = KindQuit
	for i := 1; i < K; i++ {
		pkt.Kinds[i] = KindNone
	}
	pkt.Commands[0] = rec
	e.broadcastRaw(pkt.Serialize(1))
	e.stats.sendPackets.Add(1)
	e.state.Store(int32(StateExiting))
}

// Close releases the underlying endpoint. The Engine must not be used
// afterward.
func (e *Engine) Close() error {
	e.state.Store(int32(StateClosed))
	return e.endpoint.Close()
}
