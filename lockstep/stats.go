/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "sync/atomic"

// stats mirrors the #ifdef DEBUG packet counters from the original
// implementation as always-compiled-in atomic counters — Go has no
// conditional compilation switch for this, and the counters are cheap
// enough to keep in every build.
type stats struct {
	receivedPackets atomic.Uint64
	// receivedDups counts normal update packets whose decoded cycle
	// matches the last one accepted from the same sender, e.g. a RESEND
	// reply for a cycle already received once.
	receivedDups atomic.Uint64
	sendPackets  atomic.Uint64
	sendResends  atomic.Uint64
}

// Stats is a point-in-time snapshot of an Engine's traffic counters.
type Stats struct {
	ReceivedPackets uint64
	ReceivedDups    uint64
	SendPackets     uint64
	SendResends     uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		ReceivedPackets: s.receivedPackets.Load(),
		ReceivedDups:    s.receivedDups.Load(),
		SendPackets:     s.sendPackets.Load(),
		SendResends:     s.sendResends.Load(),
	}
}
