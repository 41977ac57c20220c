/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package lockstep implements the deterministic lockstep networking core
// of the Stratagus real-time strategy engine.
//
// Every peer executes the identical game simulation in lockstep: only
// player intent (move, attack, build, sync beacons, chat, quit) crosses
// the wire, never game state. Each peer schedules every other peer's
// commands for a fixed future simulation cycle so that, at any given
// cycle, all peers have executed the identical sequence of commands in
// the identical order.
//
// The simulation itself, the pre-game lobby, and the datagram socket are
// external collaborators reached only through the Simulation and Endpoint
// interfaces; this package owns packet framing, the scheduled command
// ring, the outbound queue, resend/timeout handling, and the determinism
// guard.
package lockstep
