/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package lockstep

// chatBufferCapacity bounds the per-sender reassembly buffer. Overflow
// truncates rather than growing, matching the original's fixed 128-byte
// NetMsgBuf.
const chatBufferCapacity = 128

// chatReassembler accumulates CHAT fragments per sender until a
// CHAT_TERMINAL completes the message. Lost fragments are not detected:
// a lost CHAT leaves a gap in the completed message, and a lost
// CHAT_TERMINAL leaves the sender's buffer accumulating until the
// sender's next CHAT_TERMINAL, which completes both texts as one message.
type chatReassembler struct {
	buf [MaxPeers][chatBufferCapacity]byte
	len [MaxPeers]int
}

// Append appends chunk to sender's accumulation buffer, truncating any
// bytes beyond chatBufferCapacity. It reports the completed message and
// true when terminal is set, clearing the buffer in that case.
func (c *chatReassembler) Append(sender PeerID, chunk []byte, terminal bool) (message string, done bool) {
	if int(sender) >= MaxPeers {
		return "", false
	}
	n := c.len[sender]
	for _, b := range chunk {
		if n < chatBufferCapacity {
			c.buf[sender][n] = b
		}
		n++
	}
	c.len[sender] = n
	if !terminal {
		return "", false
	}
	end := n
	if end > chatBufferCapacity {
		end = chatBufferCapacity
	}
	raw := c.buf[sender][:end]
	if z := indexZero(raw); z >= 0 {
		raw = raw[:z]
	}
	message = string(raw)
	c.len[sender] = 0
	return message, true
}

func indexZero(b []byte) int {
	for i, v := range b {
		if v == 0 {
			return i
		}
	}
	return -1
}
