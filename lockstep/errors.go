/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "errors"

// Sentinel errors for the taxonomy in §7. ErrBadPacket and
// ErrPoolExhausted are declared in packet.go and queue.go respectively,
// next to the code that produces them.
var (
	// ErrUnknownPeer is returned/logged when a datagram arrives from an
	// address not present in the roster, or belonging to a peer already
	// marked quit.
	ErrUnknownPeer = errors.New("lockstep: unknown peer")

	// ErrInvalidCommand marks a gameplay command whose referenced unit is
	// not owned by the sender or a teammate. The offending record is
	// skipped; the connection is never torn down because of it.
	ErrInvalidCommand = errors.New("lockstep: invalid command")

	// ErrBindFailed is fatal at initialization: no free port was found in
	// the configured range.
	ErrBindFailed = errors.New("lockstep: bind failed")
)
