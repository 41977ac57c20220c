/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

// Endpoint is the minimal datagram transport contract the engine
// consumes. It carries no reliability, ordering, or deduplication
// obligations of its own — the engine handles all of that above it. A
// concrete UDP implementation lives in package netconn; tests use an
// in-memory fake.
type Endpoint interface {
	// Bind opens the endpoint on exactly the given local address and
	// port. Engine.Bind calls it once per candidate port, trying up to 10
	// consecutive ports, and fails startup with ErrBindFailed only when
	// every attempt returns an error.
	Bind(localAddress string, port uint16) error

	// Send is a non-blocking, best-effort delivery of a single datagram
	// to addr. Errors are not retried by the endpoint; the engine's own
	// resend path is the only recovery mechanism.
	Send(addr Addr, data []byte) error

	// Recv returns the next pending datagram without blocking. When none
	// is available it returns ok == false and no error.
	Recv(buf []byte) (n int, addr Addr, ok bool, err error)

	// Close releases the endpoint's resources. No operation started
	// before Close may observably complete afterward.
	Close() error
}

// Addr is an opaque peer address as seen by an Endpoint, e.g. a
// netip.AddrPort for netconn.UDPEndpoint. Roster lookups compare Addr
// values with ==, so implementations must use a value-comparable
// concrete type — a pointer type is comparable too, but compares
// identity, not the address it points at, which is never what a
// roster lookup wants.
type Addr = any

// Simulation is the external collaborator the engine dispatches decoded
// commands into and reads determinism state from. It is never asked to
// do anything blocking.
type Simulation interface {
	// ExecuteCommand applies one decoded command, in the fixed dispatch
	// order (ascending PeerID, then ascending slot index) mandated by the
	// per-cycle execute step.
	ExecuteCommand(peer PeerID, rec CommandRecord)

	// CurrentSeed and CurrentHash snapshot the determinism-affecting
	// state for the cycle currently being executed.
	CurrentSeed() uint32
	CurrentHash() uint32

	// FrameCounter and FramesPerSecond drive the wall-clock side of the
	// timeout calculation in §4.E.
	FrameCounter() uint64
	FramesPerSecond() uint32

	// UnitOwner resolves the owning PeerID of a unit slot, used to
	// validate an incoming gameplay command against the sender (or a
	// teammate of the sender). ok is false for an unknown/out-of-range
	// slot, which fails validation.
	UnitOwner(slot uint16) (owner PeerID, ok bool)
}
