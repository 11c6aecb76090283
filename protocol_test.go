// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "testing"

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := CommandHeader{Command: CommandSendReliable | CommandFlagAcknowledge, ChannelID: 3, ReliableSequenceNumber: 4242}
	buf := h.marshal(nil)
	if len(buf) != commandHeaderSize {
		t.Fatalf("marshal size = %d, want %d", len(buf), commandHeaderSize)
	}
	got, err := unmarshalCommandHeader(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestCommandHeaderShortBuffer(t *testing.T) {
	if _, err := unmarshalCommandHeader([]byte{1, 2}); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestSendFragmentRoundTrip(t *testing.T) {
	c := protocolSendFragment{
		Header:              CommandHeader{Command: CommandSendFragment, ChannelID: 1, ReliableSequenceNumber: 9},
		StartSequenceNumber: 9,
		DataLength:          128,
		FragmentCount:       3,
		FragmentNumber:       1,
		TotalLength:         300,
		FragmentOffset:      128,
	}
	buf := c.marshal(nil)
	header, err := unmarshalCommandHeader(buf)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	got, err := unmarshalSendFragment(header, buf[commandHeaderSize:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c.Header = header
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestVerifyConnectRoundTrip(t *testing.T) {
	c := protocolVerifyConnect{
		Header:         CommandHeader{Command: CommandVerifyConnect, ChannelID: 0xFF},
		OutgoingPeerID: 7,
		MTU:            1400,
		WindowSize:     ProtocolMaximumWindowSize,
		ChannelCount:   4,
		ConnectID:      0xDEADBEEF,
	}
	for i := range c.PublicKx {
		c.PublicKx[i] = byte(i)
	}
	for i := range c.Signature {
		c.Signature[i] = byte(255 - i)
	}
	buf := c.marshal(nil)
	header, err := unmarshalCommandHeader(buf)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	got, err := unmarshalVerifyConnect(header, buf[commandHeaderSize:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c.Header = header
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestPackUnpackPeerID(t *testing.T) {
	cases := []struct {
		id        uint16
		session   uint8
		compress  bool
		sentTime  bool
	}{
		{0, 0, false, false},
		{4095, 3, true, true},
		{1234, 1, false, true},
		{ProtocolMaximumPeerID, 0, false, false},
	}
	for _, c := range cases {
		packed := packPeerID(c.id, c.session, c.compress, c.sentTime)
		id, session, compress, sentTime := unpackPeerID(packed)
		if id != c.id&0x0FFF || session != c.session || compress != c.compress || sentTime != c.sentTime {
			t.Errorf("pack/unpack(%+v) = (%d,%d,%v,%v)", c, id, session, compress, sentTime)
		}
	}
}

func TestReliableWindowAndSequenceComparison(t *testing.T) {
	if reliableWindow(0) != 0 || reliableWindow(PeerReliableWindowSize) != 1 {
		t.Fatalf("reliableWindow boundary mismatch")
	}
	if !sequenceLess(1, 2) || sequenceLess(2, 1) {
		t.Fatalf("sequenceLess basic ordering broken")
	}
	// wraparound: a sequence just past 0xFFFF should compare greater
	// than one near the top of the space.
	if !sequenceGreater(10, 0xFFF0) {
		t.Fatalf("sequenceGreater should treat wraparound as forward progress")
	}
}
