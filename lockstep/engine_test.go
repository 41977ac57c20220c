/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAddr is a comparable concrete Addr, as the Endpoint contract requires.
type fakeAddr string

// fakeHub wires a set of fakeEndpoints together in memory: Send on one
// appends to the named destination's inbox.
type fakeHub struct {
	mu        sync.Mutex
	endpoints map[fakeAddr]*fakeEndpoint
	dropped   map[[2]fakeAddr]bool // [from,to] pairs whose datagrams vanish
}

func newFakeHub() *fakeHub {
	return &fakeHub{endpoints: make(map[fakeAddr]*fakeEndpoint), dropped: make(map[[2]fakeAddr]bool)}
}

func (h *fakeHub) register(e *fakeEndpoint) { h.endpoints[e.self] = e }

func (h *fakeHub) dropFrom(from, to fakeAddr) { h.dropped[[2]fakeAddr{from, to}] = true }

func (h *fakeHub) allow(from, to fakeAddr) { delete(h.dropped, [2]fakeAddr{from, to}) }

func (h *fakeHub) deliver(from, to fakeAddr, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dropped[[2]fakeAddr{from, to}] {
		return
	}
	dst, ok := h.endpoints[to]
	if !ok {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	dst.inbox = append(dst.inbox, fakeDatagram{from: from, data: cp})
}

type fakeDatagram struct {
	from fakeAddr
	data []byte
}

type fakeEndpoint struct {
	hub   *fakeHub
	self  fakeAddr
	inbox []fakeDatagram
}

func newFakeEndpoint(hub *fakeHub, self fakeAddr) *fakeEndpoint {
	e := &fakeEndpoint{hub: hub, self: self}
	hub.register(e)
	return e
}

func (e *fakeEndpoint) Bind(string, uint16) error { return nil }

func (e *fakeEndpoint) Send(addr Addr, data []byte) error {
	e.hub.deliver(e.self, addr.(fakeAddr), data)
	return nil
}

func (e *fakeEndpoint) Recv(buf []byte) (int, Addr, bool, error) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if len(e.inbox) == 0 {
		return 0, nil, false, nil
	}
	d := e.inbox[0]
	e.inbox = e.inbox[1:]
	n := copy(buf, d.data)
	return n, d.from, true, nil
}

func (e *fakeEndpoint) Close() error { return nil }

// fakeSimulation is a test-controlled Simulation: frame and fps are set
// directly by the test, and every dispatched command is recorded.
type fakeSimulation struct {
	frame    uint64
	fps      uint32
	seed     uint32
	hash     uint32
	owners   map[uint16]PeerID
	executed []executedCommand
}

type executedCommand struct {
	peer PeerID
	rec  CommandRecord
}

func newFakeSimulation(fps uint32) *fakeSimulation {
	return &fakeSimulation{fps: fps, owners: make(map[uint16]PeerID)}
}

func (s *fakeSimulation) ExecuteCommand(peer PeerID, rec CommandRecord) {
	s.executed = append(s.executed, executedCommand{peer: peer, rec: rec})
}
func (s *fakeSimulation) CurrentSeed() uint32     { return s.seed }
func (s *fakeSimulation) CurrentHash() uint32     { return s.hash }
func (s *fakeSimulation) FrameCounter() uint64    { return s.frame }
func (s *fakeSimulation) FramesPerSecond() uint32 { return s.fps }
func (s *fakeSimulation) UnitOwner(slot uint16) (PeerID, bool) {
	id, ok := s.owners[slot]
	return id, ok
}

func testConfig() Config {
	return Config{Updates: 2, Lag: 4, TimeoutSeconds: 3}
}

// frameClock makes e's rate limiter read time from sim's frame counter
// at sim's frame rate, so a test that runs many simulated frames per
// real millisecond is not throttled as if all its datagrams arrived at
// once.
func frameClock(e *Engine, sim *fakeSimulation) {
	e.limiter.now = func() time.Time {
		return time.Unix(0, 0).Add(time.Duration(sim.frame) * time.Second / time.Duration(sim.fps))
	}
}

// drainAll pulls every pending datagram queued for e off the hub.
func drainAll(e *Engine, max int) {
	for i := 0; i < max; i++ {
		e.OnReceive()
	}
}

func TestEngineTwoPeersExchangeGameplayCommands(t *testing.T) {
	hub := newFakeHub()
	epA := newFakeEndpoint(hub, "A")
	epB := newFakeEndpoint(hub, "B")

	simA := newFakeSimulation(10)
	simA.owners[1] = 0
	simB := newFakeSimulation(10)
	simB.owners[1] = 0

	engA := NewEngine(testConfig(), epA, simA, nil)
	engB := NewEngine(testConfig(), epB, simB, nil)
	frameClock(engA, simA)
	frameClock(engB, simB)

	require.NoError(t, engA.Bind(0))
	require.NoError(t, engB.Bind(1))
	require.NoError(t, engA.InitRoster(&Peer{ID: 0, Addr: fakeAddr("A")}, []*Peer{{ID: 1, Addr: fakeAddr("B")}}))
	require.NoError(t, engB.InitRoster(&Peer{ID: 1, Addr: fakeAddr("B")}, []*Peer{{ID: 0, Addr: fakeAddr("A")}}))

	require.NoError(t, engA.SubmitCommand(KindMove, 1, 10, 20, 0, false))

	for cycle := Cycle(0); cycle < 20; cycle++ {
		simA.frame++
		simB.frame++
		drainAll(engA, 4)
		drainAll(engB, 4)
		engA.Tick(cycle)
		engB.Tick(cycle)
	}

	var found bool
	for _, ex := range simB.executed {
		if ex.peer == 0 && ex.rec.Kind == KindMove {
			found = true
			p := ex.rec.Gameplay()
			assert.Equal(t, uint16(1), p.Unit)
			assert.Equal(t, uint16(10), p.X)
			assert.Equal(t, uint16(20), p.Y)
		}
	}
	assert.True(t, found, "peer B never executed A's MOVE command")
	assert.True(t, engA.InSync())
	assert.True(t, engB.InSync())
}

func TestEngineResendOnStall(t *testing.T) {
	hub := newFakeHub()
	epA := newFakeEndpoint(hub, "A")
	epB := newFakeEndpoint(hub, "B")

	simA := newFakeSimulation(10)
	simB := newFakeSimulation(10)

	engA := NewEngine(testConfig(), epA, simA, nil)
	engB := NewEngine(testConfig(), epB, simB, nil)
	frameClock(engA, simA)
	frameClock(engB, simB)

	require.NoError(t, engA.Bind(0))
	require.NoError(t, engB.Bind(1))
	require.NoError(t, engA.InitRoster(&Peer{ID: 0, Addr: fakeAddr("A")}, []*Peer{{ID: 1, Addr: fakeAddr("B")}}))
	require.NoError(t, engB.InitRoster(&Peer{ID: 1, Addr: fakeAddr("B")}, []*Peer{{ID: 0, Addr: fakeAddr("A")}}))

	// B's outbound datagrams never reach A for a while: A should stall
	// and ask for a resend once its ring runs out of primed cycles.
	hub.dropFrom("B", "A")

	for cycle := Cycle(0); cycle < 16; cycle++ {
		simA.frame++
		simB.frame++
		drainAll(engA, 4)
		drainAll(engB, 4)
		engA.Tick(cycle)
		engB.Tick(cycle)
	}
	assert.False(t, engA.InSync())
	assert.Equal(t, StateStalled, engA.State())
	assert.Greater(t, engA.Stats().SendResends, uint64(0))

	// B can hear A's resend request and will eventually retransmit once
	// delivery is restored; confirm A recovers.
	hub.allow("B", "A")
	for cycle := Cycle(16); cycle < 40; cycle++ {
		simA.frame++
		simB.frame++
		drainAll(engA, 8)
		drainAll(engB, 8)
		engA.Tick(cycle)
		engB.Tick(cycle)
	}
	assert.True(t, engA.InSync())
	assert.Equal(t, StateActive, engA.State())
}

func TestEngineCountsDuplicateUpdatePackets(t *testing.T) {
	hub := newFakeHub()
	epA := newFakeEndpoint(hub, "A")
	simA := newFakeSimulation(10)

	engA := NewEngine(testConfig(), epA, simA, nil)
	require.NoError(t, engA.Bind(0))
	require.NoError(t, engA.InitRoster(&Peer{ID: 0, Addr: fakeAddr("A")}, []*Peer{{ID: 1, Addr: fakeAddr("B")}}))

	var pkt Packet
	pkt.CycleLow = Cycle(4).Low()
	pkt.Kinds[0] = KindSync
	pkt.Commands[0] = newSyncCommand(simA.seed, simA.hash)
	for i := 1; i < K; i++ {
		pkt.Kinds[i] = KindNone
	}
	data := pkt.Serialize(1)

	engA.handleDatagram(data, fakeAddr("B"))
	assert.Equal(t, uint64(0), engA.Stats().ReceivedDups)

	// A second packet for the same cycle from the same peer, as a RESEND
	// reply would carry, counts as a duplicate.
	engA.handleDatagram(data, fakeAddr("B"))
	assert.Equal(t, uint64(1), engA.Stats().ReceivedDups)
}

func TestEngineTimesOutSilentPeer(t *testing.T) {
	hub := newFakeHub()
	epA := newFakeEndpoint(hub, "A")
	epB := newFakeEndpoint(hub, "B")

	simA := newFakeSimulation(10)
	simB := newFakeSimulation(10)

	cfg := testConfig()
	cfg.TimeoutSeconds = 2
	engA := NewEngine(cfg, epA, simA, nil)
	engB := NewEngine(cfg, epB, simB, nil)
	frameClock(engA, simA)
	frameClock(engB, simB)

	require.NoError(t, engA.Bind(0))
	require.NoError(t, engB.Bind(1))
	require.NoError(t, engA.InitRoster(&Peer{ID: 0, Addr: fakeAddr("A")}, []*Peer{{ID: 1, Addr: fakeAddr("B")}}))
	require.NoError(t, engB.InitRoster(&Peer{ID: 1, Addr: fakeAddr("B")}, []*Peer{{ID: 0, Addr: fakeAddr("A")}}))

	var quit PeerID
	var quitFired bool
	engA.OnPeerQuit = func(who PeerID) { quit = who; quitFired = true }

	cycle := Cycle(0)
	// B behaves normally for a few cycles, so A records a real
	// lastSeenFrame for it, then goes silent for the rest of the run.
	for ; cycle < 6; cycle++ {
		simA.frame++
		simB.frame++
		drainAll(engA, 4)
		drainAll(engB, 4)
		engA.Tick(cycle)
		engB.Tick(cycle)
	}
	require.Positive(t, engA.roster.peers[1].LastSeenFrame())

	hub.dropFrom("B", "A")
	for frame := 0; frame < 200 && !quitFired; frame++ {
		simA.frame++
		drainAll(engA, 4)
		engA.Tick(cycle)
		cycle++
	}

	require.True(t, quitFired, "peer B was never evicted after timing out")
	assert.Equal(t, PeerID(1), quit)
	assert.Empty(t, engA.roster.active())
}
