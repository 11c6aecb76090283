// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"testing"
	"time"
)

func newTestPeer(channelCount int) *Peer {
	p := &Peer{OutgoingSessionID: 0xFF, IncomingSessionID: 0xFF}
	p.setupChannels(uint32(channelCount))
	p.initThrottle(time.Unix(0, 0))
	return p
}

func TestQueueOutgoingCommandChannelSequencing(t *testing.T) {
	p := newTestPeer(2)

	reliable := &OutgoingCommand{Command: CommandSendReliable, ChannelID: 0}
	p.queueOutgoingCommand(reliable)
	if reliable.ReliableSequenceNumber != 1 {
		t.Fatalf("first reliable send on channel 0 = %d, want 1", reliable.ReliableSequenceNumber)
	}

	reliable2 := &OutgoingCommand{Command: CommandSendReliable, ChannelID: 0}
	p.queueOutgoingCommand(reliable2)
	if reliable2.ReliableSequenceNumber != 2 {
		t.Fatalf("second reliable send on channel 0 = %d, want 2", reliable2.ReliableSequenceNumber)
	}

	otherChannel := &OutgoingCommand{Command: CommandSendReliable, ChannelID: 1}
	p.queueOutgoingCommand(otherChannel)
	if otherChannel.ReliableSequenceNumber != 1 {
		t.Fatalf("channel 1's sequence space should be independent, got %d", otherChannel.ReliableSequenceNumber)
	}

	unreliable := &OutgoingCommand{Command: CommandSendUnreliable, ChannelID: 0}
	p.queueOutgoingCommand(unreliable)
	if unreliable.UnreliableSequenceNumber != 1 {
		t.Fatalf("unreliable sequence = %d, want 1", unreliable.UnreliableSequenceNumber)
	}

	unsequenced := &OutgoingCommand{Command: CommandSendUnsequenced, ChannelID: 0}
	p.queueOutgoingCommand(unsequenced)
	if unsequenced.UnreliableSequenceNumber != 1 {
		t.Fatalf("unsequenced group = %d, want 1", unsequenced.UnreliableSequenceNumber)
	}

	if p.outgoingCommands.len() != 5 {
		t.Fatalf("outgoing queue len = %d, want 5", p.outgoingCommands.len())
	}
}

func TestQueueOutgoingCommandPeerLevelControl(t *testing.T) {
	p := newTestPeer(1)
	ping := &OutgoingCommand{Command: CommandPing | CommandFlagAcknowledge, ChannelID: 0xFF}
	p.queueOutgoingCommand(ping)
	if ping.ReliableSequenceNumber != 1 {
		t.Fatalf("peer-level control sequence = %d, want 1", ping.ReliableSequenceNumber)
	}

	bandwidth := &OutgoingCommand{Command: CommandBandwidthLimit, ChannelID: 0xFF}
	p.queueOutgoingCommand(bandwidth)
	if bandwidth.ReliableSequenceNumber != 0 {
		t.Fatalf("non-ack-expected control command should not consume a sequence number, got %d", bandwidth.ReliableSequenceNumber)
	}
}

func TestOnAcknowledgeRoundTripAcceleratesOnFastRTT(t *testing.T) {
	p := newTestPeer(1)
	p.PacketsSent = 2
	p.PacketThrottle = PeerDefaultPacketThrottleLimit / 2 // below the limit, so there is room to accelerate
	start := p.PacketThrottle

	p.onAcknowledgeRoundTrip(p.lastRoundTripTime/2, time.Unix(0, 0))

	if p.PacketThrottle <= start {
		t.Fatalf("throttle should accelerate on an RTT faster than the last snapshot: before=%d after=%d", start, p.PacketThrottle)
	}
}

func TestOnAcknowledgeRoundTripDeceleratesOnSlowRTT(t *testing.T) {
	p := newTestPeer(1)
	p.PacketsSent = 2
	p.lastRoundTripTimeVariance = 0
	start := p.PacketThrottle

	slow := p.lastRoundTripTime*4 + time.Second
	p.onAcknowledgeRoundTrip(slow, time.Unix(0, 0))

	if p.PacketThrottle >= start {
		t.Fatalf("throttle should decelerate on an RTT much slower than the last snapshot: before=%d after=%d", start, p.PacketThrottle)
	}
}

func TestOnAcknowledgeRoundTripFirstPacketSetsLowest(t *testing.T) {
	p := newTestPeer(1)
	p.PacketsSent = 1
	p.RoundTripTime = 10 * time.Second

	p.onAcknowledgeRoundTrip(200*time.Millisecond, time.Unix(0, 0))

	if p.lowestRoundTripTime != p.RoundTripTime {
		t.Fatalf("first acknowledged packet should set lowestRoundTripTime to the fresh estimate")
	}
}
