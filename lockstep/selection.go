/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

// SelectionPayload is the decoded view of one SELECTION packet: the
// adjustment mode plus the unit slots it carries. Only team-mates of the
// sender apply it (enforced by the caller, which knows team membership).
type SelectionPayload struct {
	Mode  SelectionMode
	Units []uint16
}

// encodeSelectionPacket builds a Packet carrying up to K*4 unit slots
// using the header-aliasing layout from §4.B/§9: CycleLow is overwritten
// with the packed {mode, count} byte (see DESIGN.md for why this lives
// on CycleLow rather than kinds[0]), and every record up to the unit
// count is tagged KindSelection. mode is carried as given; SubmitSelection
// passes Set for the first packet of a send and Add for each
// continuation, and never sends Remove.
func encodeSelectionPacket(mode SelectionMode, units []uint16) (pkt Packet, numRecords int) {
	n := len(units)
	if n > K*selectionUnitsPerRecord {
		n = K * selectionUnitsPerRecord
	}
	numRecords = (n + selectionUnitsPerRecord - 1) / selectionUnitsPerRecord
	if numRecords == 0 {
		numRecords = 0
	}

	hdr := selectionHeader{mode: mode, count: uint8(n)}
	pkt.CycleLow = hdr.encode()

	idx := 0
	for r := 0; r < numRecords; r++ {
		pkt.Kinds[r] = KindSelection
		var payload [8]byte
		for slot := 0; slot < selectionUnitsPerRecord && idx < n; slot++ {
			u := units[idx]
			payload[slot*2] = byte(u >> 8)
			payload[slot*2+1] = byte(u)
			idx++
		}
		pkt.Commands[r] = CommandRecord{Kind: KindSelection, Payload: payload}
	}
	for r := numRecords; r < K; r++ {
		pkt.Kinds[r] = KindNone
	}
	return pkt, numRecords
}

// decodeSelectionPacket reverses encodeSelectionPacket, given the packet
// and the number of commands it was deserialized with.
func decodeSelectionPacket(pkt *Packet, numRecords int) SelectionPayload {
	hdr := decodeSelectionHeader(pkt.CycleLow)
	units := make([]uint16, 0, hdr.count)
	for r := 0; r < numRecords && len(units) < int(hdr.count); r++ {
		payload := pkt.Commands[r].Payload
		for slot := 0; slot < selectionUnitsPerRecord && len(units) < int(hdr.count); slot++ {
			u := uint16(payload[slot*2])<<8 | uint16(payload[slot*2+1])
			units = append(units, u)
		}
	}
	return SelectionPayload{Mode: hdr.mode, Units: units}
}
