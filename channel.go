// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

// Channel is an independent ordering lane between two peers (§3, GLOSSARY).
type Channel struct {
	OutgoingReliableSequenceNumber   uint16
	OutgoingUnreliableSequenceNumber uint16
	UsedReliableWindows              uint16
	ReliableWindows                  [PeerReliableWindows]uint16

	IncomingReliableSequenceNumber   uint16
	IncomingUnreliableSequenceNumber uint16

	incomingReliable   incomingQueue
	incomingUnreliable incomingQueue
}

func (c *Channel) reset() {
	*c = Channel{}
}

// reliableWindow returns which of the 16 sliding windows a sequence
// number belongs to (§4.3: window = sequence / 4096).
func reliableWindow(seq uint16) uint16 {
	return seq / PeerReliableWindowSize
}

// sequenceGreater compares two 16-bit sequence numbers that may have
// wrapped, per the window-aware comparison in §4.3.
func sequenceGreater(s1, s2 uint16) bool {
	return (s1 - s2) < 0x8000
}

func sequenceLess(s1, s2 uint16) bool {
	return sequenceGreater(s2, s1)
}
