/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Command lockstepd is a minimal driver for package lockstep: it wires a
// UDP netconn.UDPEndpoint and a toy Simulation together and runs the
// engine's tick loop, enough to exercise a real session end to end
// without pulling in an actual game's simulation code.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/boskee/stratagus/lockstep"
	"github.com/boskee/stratagus/netconn"
)

// toySimulation is a deterministic stand-in for a real game loop: its
// "hash" is a running sum of kind plus peer ID over executed commands,
// and each peer owns exactly the unit slot equal to its own PeerID.
type toySimulation struct {
	frame  atomic.Uint64
	seed   uint32
	hash   atomic.Uint32
	fps    uint32
	owners map[uint16]lockstep.PeerID
	log    *lockstep.Logger
}

func (s *toySimulation) ExecuteCommand(peer lockstep.PeerID, rec lockstep.CommandRecord) {
	s.hash.Add(uint32(rec.Kind) + uint32(peer))
	if rec.Kind.IsGameplay() {
		p := rec.Gameplay()
		s.log.Verbosef("peer %d: unit %d kind %d -> (%d,%d)/%d", peer, p.Unit, rec.Kind, p.X, p.Y, p.Dest)
	}
}

func (s *toySimulation) CurrentSeed() uint32       { return s.seed }
func (s *toySimulation) CurrentHash() uint32       { return s.hash.Load() }
func (s *toySimulation) FrameCounter() uint64      { return s.frame.Load() }
func (s *toySimulation) FramesPerSecond() uint32   { return s.fps }
func (s *toySimulation) UnitOwner(slot uint16) (lockstep.PeerID, bool) {
	id, ok := s.owners[slot]
	return id, ok
}

func main() {
	localAddr := flag.String("addr", "0.0.0.0", "local bind address")
	localPort := flag.Uint("port", uint(lockstep.DefaultPort), "local bind port")
	localID := flag.Uint("id", 0, "this peer's PeerID")
	peersFlag := flag.String("peers", "", "comma-separated id=host:port,... for every other peer")
	updates := flag.Uint("updates", uint(lockstep.DefaultUpdates), "cycles between broadcasts")
	lag := flag.Uint("lag", uint(lockstep.DefaultLag), "scheduling lag in cycles")
	timeoutSec := flag.Uint("timeout", uint(lockstep.DefaultTimeoutSeconds), "peer silence timeout in seconds")
	fps := flag.Uint("fps", 30, "simulation frames per second")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := lockstep.LogError
	if *verbose {
		level = lockstep.LogVerbose
	}
	log := lockstep.NewLogger(level, "lockstepd: ")

	cfg := lockstep.Config{
		LocalAddress:   *localAddr,
		LocalPort:      uint16(*localPort),
		Updates:        uint32(*updates),
		Lag:            uint32(*lag),
		TimeoutSeconds: uint32(*timeoutSec),
	}

	remotes, err := parsePeers(*peersFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	endpoint := &netconn.UDPEndpoint{}
	sim := &toySimulation{
		seed:   0xC0FFEE,
		fps:    uint32(*fps),
		owners: make(map[uint16]lockstep.PeerID),
		log:    log,
	}
	for _, p := range remotes {
		sim.owners[uint16(p.ID)] = p.ID
	}
	sim.owners[uint16(*localID)] = lockstep.PeerID(*localID)

	engine := lockstep.NewEngine(cfg, endpoint, sim, log)
	engine.OnChatMessage = func(sender lockstep.PeerID, message string) {
		fmt.Printf("<peer %d> %s\n", sender, message)
	}
	engine.OnPeerQuit = func(who lockstep.PeerID) {
		fmt.Printf("peer %d left the game\n", who)
	}
	engine.OnOutOfSync = func(cycle lockstep.Cycle) {
		fmt.Printf("WARNING: desync detected at cycle %d\n", cycle)
	}

	if err := engine.Bind(lockstep.PeerID(*localID)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	local := &lockstep.Peer{ID: lockstep.PeerID(*localID), Name: "local"}
	if err := engine.InitRoster(local, remotes); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	go readChatStdin(engine)

	frameDuration := time.Second / time.Duration(sim.fps)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var cycle lockstep.Cycle
	for range ticker.C {
		sim.frame.Add(1)
		for {
			before := engine.Stats().ReceivedPackets
			engine.OnReceive()
			if engine.Stats().ReceivedPackets == before {
				break
			}
		}
		engine.Tick(cycle)
		cycle++
		if engine.State() == lockstep.StateExiting {
			break
		}
	}
}

func readChatStdin(engine *lockstep.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "/quit" {
			engine.Quit()
			return
		}
		engine.SubmitChat(line)
	}
}

func parsePeers(spec string) ([]*lockstep.Peer, error) {
	if spec == "" {
		return nil, nil
	}
	var out []*lockstep.Peer
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("lockstepd: malformed peer spec %q, want id=host:port", entry)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("lockstepd: bad peer id in %q: %w", entry, err)
		}
		addr, err := netconn.Resolve(parts[1])
		if err != nil {
			return nil, fmt.Errorf("lockstepd: bad peer address in %q: %w", entry, err)
		}
		out = append(out, &lockstep.Peer{ID: lockstep.PeerID(id), Name: parts[1], Addr: addr})
	}
	return out, nil
}
