/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

import "encoding/binary"

// Cycle is a monotonically increasing simulation tick counter. The wire
// only ever carries its low 8 bits.
type Cycle uint32

// Low returns the wire-carried low byte of the cycle.
func (c Cycle) Low() byte { return byte(c & 0xFF) }

// DecodeCycle recovers a full Cycle from the receiver's current cycle and
// a wire-carried low byte, per the cycle-division rule: the decoded value
// is the unique full cycle in [current-127, current+128] whose low byte
// equals b.
func DecodeCycle(current Cycle, b byte) Cycle {
	n := (uint32(current) + 128) &^ 0xFF
	n |= uint32(b)
	if n > uint32(current)+128 {
		n -= 0x100
	}
	return Cycle(n)
}

// PeerID identifies a peer for the lifetime of a game. It is assigned
// during the external lobby/setup phase and stays stable thereafter.
type PeerID uint8

// MaxPeers bounds the roster size; the design target is small LAN/internet
// games (<=8 peers) for bandwidth reasons (see ring sizing in §2).
const MaxPeers = 8

// K is the maximum number of command records carried in a single packet.
// The reference value keeps a full packet under ~480 bytes.
const K = 9

// Kind identifies the logical meaning of a CommandRecord. The low 7 bits
// select the kind; callers of CommandRecord never see the flush bit mixed
// in — it is carried separately as CommandRecord.Flush and combined only
// at the wire boundary (Packet.Serialize/Deserialize).
type Kind byte

const (
	KindNone Kind = iota
	KindSync
	KindChat
	KindChatTerminal
	KindQuit
	KindQuitAck
	KindResend
	KindSelection
	KindExtended
)

// Gameplay commands occupy a numeric range above the well-known control
// kinds. Renumbering is safe within a single build: nothing outside this
// module is wire-compatible with it (see DESIGN.md).
const (
	KindMove Kind = 16 + iota
	KindStop
	KindAttack
	KindBuild
	KindTrain
)

const (
	kindFlushBit byte = 0x80
	kindMask     byte = 0x7F
)

// IsGameplay reports whether k is one of the numeric gameplay commands
// (as opposed to a well-known control kind).
func (k Kind) IsGameplay() bool {
	switch k {
	case KindNone, KindSync, KindChat, KindChatTerminal, KindQuit, KindQuitAck,
		KindResend, KindSelection, KindExtended:
		return false
	default:
		return true
	}
}

// CommandRecord is the atomic unit of simulation input: a tagged payload
// scheduled to execute at a specific future cycle.
//
// The wire payload is a raw 8-byte blob whose interpretation depends on
// Kind; reimplementations are required (see DESIGN.md) to use a tagged
// sum type with one accessor per logical shape rather than a C-style
// union, which is what the Gameplay/Extended/Chat/Sync/Quit accessor
// methods below provide.
type CommandRecord struct {
	Kind        Kind
	Flush       bool
	Payload     [8]byte
	TargetCycle Cycle
}

// GameplayPayload is the decoded view of a gameplay command's payload:
// {unit-slot, x, y, destination-or-type-slot}.
type GameplayPayload struct {
	Unit uint16
	X    uint16
	Y    uint16
	Dest uint16
}

func (p GameplayPayload) encode() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], p.Unit)
	binary.BigEndian.PutUint16(b[2:4], p.X)
	binary.BigEndian.PutUint16(b[4:6], p.Y)
	binary.BigEndian.PutUint16(b[6:8], p.Dest)
	return b
}

func decodeGameplayPayload(b [8]byte) GameplayPayload {
	return GameplayPayload{
		Unit: binary.BigEndian.Uint16(b[0:2]),
		X:    binary.BigEndian.Uint16(b[2:4]),
		Y:    binary.BigEndian.Uint16(b[4:6]),
		Dest: binary.BigEndian.Uint16(b[6:8]),
	}
}

// Gameplay decodes the record's payload as a GameplayPayload. Callers must
// check Kind.IsGameplay() first.
func (c CommandRecord) Gameplay() GameplayPayload { return decodeGameplayPayload(c.Payload) }

// NewGameplayCommand builds a gameplay CommandRecord. destOrType carries
// either a destination unit slot or a unit-type slot; the two never
// coexist (see NetworkSendCommand in the original implementation).
func NewGameplayCommand(kind Kind, unit, x, y, destOrType uint16, flush bool) CommandRecord {
	return CommandRecord{
		Kind:    kind,
		Flush:   flush,
		Payload: GameplayPayload{Unit: unit, X: x, Y: y, Dest: destOrType}.encode(),
	}
}

// ExtendedPayload is the decoded view of an EXTENDED command's payload:
// {subkind, four integer args}. Arg1 is a raw byte (not byte-swapped);
// Arg2-4 are 16-bit fields, matching the original wire layout.
type ExtendedPayload struct {
	Subkind uint8
	Arg1    uint8
	Arg2    uint16
	Arg3    uint16
	Arg4    uint16
}

func (p ExtendedPayload) encode() [8]byte {
	var b [8]byte
	b[0] = p.Subkind
	b[1] = p.Arg1
	binary.BigEndian.PutUint16(b[2:4], p.Arg2)
	binary.BigEndian.PutUint16(b[4:6], p.Arg3)
	binary.BigEndian.PutUint16(b[6:8], p.Arg4)
	return b
}

func decodeExtendedPayload(b [8]byte) ExtendedPayload {
	return ExtendedPayload{
		Subkind: b[0],
		Arg1:    b[1],
		Arg2:    binary.BigEndian.Uint16(b[2:4]),
		Arg3:    binary.BigEndian.Uint16(b[4:6]),
		Arg4:    binary.BigEndian.Uint16(b[6:8]),
	}
}

// Extended decodes the record's payload as an ExtendedPayload.
func (c CommandRecord) Extended() ExtendedPayload { return decodeExtendedPayload(c.Payload) }

// NewExtendedCommand builds an EXTENDED CommandRecord.
func NewExtendedCommand(subkind uint8, arg1 uint8, arg2, arg3, arg4 uint16, flush bool) CommandRecord {
	return CommandRecord{
		Kind:    KindExtended,
		Flush:   flush,
		Payload: ExtendedPayload{Subkind: subkind, Arg1: arg1, Arg2: arg2, Arg3: arg3, Arg4: arg4}.encode(),
	}
}

// chatChunkSize is the number of text bytes carried per CHAT/CHAT_TERMINAL
// record: 8-byte payload minus the 1-byte sender field.
const chatChunkSize = 7

// ChatPayload is the decoded view of a CHAT/CHAT_TERMINAL payload:
// {sender PeerID, fixed-size text chunk}.
type ChatPayload struct {
	Sender PeerID
	Text   [chatChunkSize]byte
}

func (p ChatPayload) encode() [8]byte {
	var b [8]byte
	b[0] = byte(p.Sender)
	copy(b[1:], p.Text[:])
	return b
}

func decodeChatPayload(b [8]byte) ChatPayload {
	var p ChatPayload
	p.Sender = PeerID(b[0])
	copy(p.Text[:], b[1:])
	return p
}

// Chat decodes the record's payload as a ChatPayload.
func (c CommandRecord) Chat() ChatPayload { return decodeChatPayload(c.Payload) }

// SyncPayload is the decoded view of a SYNC payload: {low 16 bits of
// hash, high 16 bits of seed, low 16 bits of seed}.
type SyncPayload struct {
	HashLow  uint16
	SeedHigh uint16
	SeedLow  uint16
}

// Seed reassembles the full 32-bit seed from its two halves.
func (p SyncPayload) Seed() uint32 { return uint32(p.SeedHigh)<<16 | uint32(p.SeedLow) }

func (p SyncPayload) encode() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:2], p.HashLow)
	binary.BigEndian.PutUint16(b[2:4], p.SeedHigh)
	binary.BigEndian.PutUint16(b[4:6], p.SeedLow)
	return b
}

func decodeSyncPayload(b [8]byte) SyncPayload {
	return SyncPayload{
		HashLow:  binary.BigEndian.Uint16(b[0:2]),
		SeedHigh: binary.BigEndian.Uint16(b[2:4]),
		SeedLow:  binary.BigEndian.Uint16(b[4:6]),
	}
}

// Sync decodes the record's payload as a SyncPayload.
func (c CommandRecord) Sync() SyncPayload { return decodeSyncPayload(c.Payload) }

func newSyncCommand(seed, hash uint32) CommandRecord {
	return CommandRecord{
		Kind: KindSync,
		Payload: SyncPayload{
			HashLow:  uint16(hash & 0xFFFF),
			SeedHigh: uint16(seed >> 16),
			SeedLow:  uint16(seed & 0xFFFF),
		}.encode(),
	}
}

// QuitPayload is the decoded view of a QUIT payload: {PeerID of quitter}.
type QuitPayload struct {
	Quitter PeerID
}

func (p QuitPayload) encode() [8]byte {
	var b [8]byte
	b[0] = byte(p.Quitter)
	return b
}

func decodeQuitPayload(b [8]byte) QuitPayload { return QuitPayload{Quitter: PeerID(b[0])} }

// Quit decodes the record's payload as a QuitPayload.
func (c CommandRecord) Quit() QuitPayload { return decodeQuitPayload(c.Payload) }

func newQuitCommand(who PeerID) CommandRecord {
	return CommandRecord{Kind: KindQuit, Payload: QuitPayload{Quitter: who}.encode()}
}

// empty reports whether the record is the zero value (no real command was
// ever stamped into this slot).
func (c CommandRecord) empty() bool { return c.Kind == KindNone && c.TargetCycle == 0 }
