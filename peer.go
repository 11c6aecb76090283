// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"net"
	"time"
)

// PeerState is the peer lifecycle (§3).
type PeerState int

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

// PeerSecret holds the per-direction session keys derived at handshake
// time (Design Notes §9: "keep a PeerSecret{send_key,recv_key} type and
// derive it from an explicit Role enum ... do not rely on
// position-of-call"). It stays on the Peer for the whole session and
// is set to nil when the peer is reset; the ephemeral KX keypair (kx)
// is what is dropped once the handshake completes.
type PeerSecret struct {
	SendKey [sessionKeyBytes]byte
	RecvKey [sessionKeyBytes]byte
}

// Peer is a slot in a Host's fixed-size peer array.
type Peer struct {
	host *Host

	State PeerState

	Address net.Addr

	IncomingPeerID    uint16
	OutgoingPeerID    uint16
	IncomingSessionID uint8
	OutgoingSessionID uint8

	MTU        uint32
	WindowSize uint32

	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	// Throttle state (§4.2).
	PacketThrottle             uint32
	PacketThrottleLimit        uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	packetThrottleEpoch        time.Time
	packetThrottleCounter      uint32

	// RTT estimation (§4.2, §8).
	RoundTripTime             time.Duration
	RoundTripTimeVariance     time.Duration
	lastRoundTripTime         time.Duration
	lastRoundTripTimeVariance time.Duration
	lowestRoundTripTime       time.Duration
	highestRoundTripTimeVariance time.Duration

	PacketsSent uint32
	PacketsLost uint32

	// connection bookkeeping
	ConnectID       uint32
	EventData       uint32
	mtuNegotiated   bool

	secret *PeerSecret
	kx     *kxKeyPair // ephemeral, erased post-handshake

	channels []Channel

	acknowledgements    commandQueue
	sentReliableCommands commandQueue
	sentUnreliableCommands commandQueue
	outgoingCommands     commandQueue
	dispatchedCommands   incomingQueue

	outgoingReliableSequenceNumber uint16

	unsequencedGroup   uint16
	unsequencedWindow  [PeerUnsequencedWindowSize / 32]uint32

	totalWaitingData uint64

	// outgoingDataThisInterval accumulates bytes written to the wire
	// since the last bandwidth-throttle tick (§4.5).
	outgoingDataThisInterval uint64

	earliestTimeout time.Time

	lastReceiveTime time.Time
	lastSendTime    time.Time
	nextPingTime    time.Time

	needsDispatch bool

	// Per-peer ping interval and timeout knobs. Nothing in the package
	// sets them: pingIntervalOrDefault falls back to PeerPingInterval
	// while pingInterval is zero, and checkTimeouts uses the package
	// timeout constants rather than these fields.
	pingInterval    time.Duration
	timeoutLimit    uint32
	timeoutMinimum  time.Duration
	timeoutMaximum  time.Duration

	// Data carries the application's user pointer equivalent; unused
	// internally, provided for API parity with secudp_peer.data.
	Data any
}

func (p *Peer) reset() {
	host := p.host
	incomingID := p.IncomingPeerID
	*p = Peer{
		host:              host,
		IncomingPeerID:    incomingID,
		OutgoingSessionID: 0xFF,
		IncomingSessionID: 0xFF,
		State:             StateDisconnected,
	}
	p.resetQueues()
}

func (p *Peer) resetQueues() {
	p.acknowledgements = commandQueue{}
	p.sentReliableCommands = commandQueue{}
	p.sentUnreliableCommands = commandQueue{}
	p.outgoingCommands = commandQueue{}
	p.dispatchedCommands = incomingQueue{}
}

func (p *Peer) setupChannels(count uint32) {
	p.channels = make([]Channel, count)
}

func (p *Peer) channel(id uint8) *Channel {
	if int(id) >= len(p.channels) {
		return nil
	}
	return &p.channels[id]
}

// Connected reports whether the peer is in the CONNECTED state.
func (p *Peer) Connected() bool { return p.State == StateConnected }

// ---- Throttle (§4.2) ----

func (p *Peer) initThrottle(now time.Time) {
	p.PacketThrottle = PeerDefaultPacketThrottle
	p.PacketThrottleLimit = PeerDefaultPacketThrottleLimit
	p.PacketThrottleInterval = PeerPacketThrottleInterval
	p.PacketThrottleAcceleration = PeerPacketThrottleAcceleration
	p.PacketThrottleDeceleration = PeerPacketThrottleDeceleration
	p.packetThrottleEpoch = now
	p.RoundTripTime = PeerDefaultRoundTripTime * time.Millisecond
	p.lastRoundTripTime = p.RoundTripTime
	p.lowestRoundTripTime = p.RoundTripTime
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
}

// onAcknowledgeRoundTrip updates the throttle and RTT estimator on
// every acknowledged reliable packet, per §4.2's exact branching.
func (p *Peer) onAcknowledgeRoundTrip(rtt time.Duration, now time.Time) {
	if rtt <= p.lastRoundTripTime {
		p.PacketThrottle += p.PacketThrottleAcceleration
		if p.PacketThrottle > p.PacketThrottleLimit {
			p.PacketThrottle = p.PacketThrottleLimit
		}
	} else if rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance {
		if p.PacketThrottle > p.PacketThrottleDeceleration {
			p.PacketThrottle -= p.PacketThrottleDeceleration
		} else {
			p.PacketThrottle = 0
		}
	}

	// TCP-like EWMA update of the running RTT/variance estimate.
	if rtt >= p.RoundTripTime {
		diff := rtt - p.RoundTripTime
		p.RoundTripTimeVariance -= p.RoundTripTimeVariance / 4
		p.RoundTripTimeVariance += diff / 4
		p.RoundTripTime += diff / 8
	} else {
		diff := p.RoundTripTime - rtt
		p.RoundTripTimeVariance -= p.RoundTripTimeVariance / 4
		p.RoundTripTimeVariance += diff / 4
		p.RoundTripTime -= diff / 8
	}

	if p.RoundTripTime < p.lowestRoundTripTime || p.PacketsSent == 1 {
		p.lowestRoundTripTime = p.RoundTripTime
	}
	if p.RoundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.RoundTripTimeVariance
	}

	if now.Sub(p.packetThrottleEpoch) >= time.Duration(p.PacketThrottleInterval)*time.Millisecond {
		p.lastRoundTripTime = p.lowestRoundTripTime
		p.lastRoundTripTimeVariance = maxDuration(p.highestRoundTripTimeVariance, 1)
		p.lowestRoundTripTime = p.RoundTripTime
		p.highestRoundTripTimeVariance = p.RoundTripTimeVariance
		p.packetThrottleEpoch = now
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ThrottleConfigure lets the application override the interval /
// acceleration / deceleration knobs and pushes a THROTTLE_CONFIGURE
// command to the peer (secudp_peer_throttle_configure).
func (p *Peer) ThrottleConfigure(interval, acceleration, deceleration uint32) {
	p.PacketThrottleInterval = interval
	p.PacketThrottleAcceleration = acceleration
	p.PacketThrottleDeceleration = deceleration

	body := protocolThrottleConfigure{
		PacketThrottleInterval:     interval,
		PacketThrottleAcceleration: acceleration,
		PacketThrottleDeceleration: deceleration,
	}
	p.queueReliableControl(CommandThrottleConfigure, 0xFF, body)
}

// queueOutgoingCommand assigns the per-command-type sequence number
// (secudp_peer_setup_outgoing_command) and appends the command to the
// outgoing queue, to be serialized by the next send pass.
func (p *Peer) queueOutgoingCommand(cmd *OutgoingCommand) {
	switch cmd.Command & CommandMask {
	case CommandSendReliable, CommandSendFragment:
		if ch := p.channel(cmd.ChannelID); ch != nil {
			ch.OutgoingReliableSequenceNumber++
			cmd.ReliableSequenceNumber = ch.OutgoingReliableSequenceNumber
		}
	case CommandSendUnreliable, CommandSendUnreliableFragment:
		if ch := p.channel(cmd.ChannelID); ch != nil {
			ch.OutgoingUnreliableSequenceNumber++
			cmd.UnreliableSequenceNumber = ch.OutgoingUnreliableSequenceNumber
		}
	case CommandSendUnsequenced:
		p.unsequencedGroup++
		cmd.UnreliableSequenceNumber = p.unsequencedGroup
	default:
		// Connection-level commands use one per-peer reliable sequence
		// space rather than a channel's; only ACK-expected ones consume
		// a number, the rest keep ReliableSequenceNumber 0.
		if cmd.Command&CommandFlagAcknowledge != 0 {
			p.outgoingReliableSequenceNumber++
			cmd.ReliableSequenceNumber = p.outgoingReliableSequenceNumber
		}
	}

	cmd.RoundTripTimeout = p.RoundTripTime + 4*p.RoundTripTimeVariance
	cmd.RoundTripTimeoutLimit = cmd.RoundTripTimeout * PeerTimeoutLimit

	p.outgoingCommands.pushBack(cmd)
}

// queueReliableControl builds and enqueues a fixed-size control command
// (ACK-expected) such as PING, THROTTLE_CONFIGURE, BANDWIDTH_LIMIT,
// DISCONNECT.
func (p *Peer) queueReliableControl(opcode ProtocolCommand, channelID uint8, body protocolBody) {
	cmd := &OutgoingCommand{
		Command:   opcode | CommandFlagAcknowledge,
		ChannelID: channelID,
	}
	p.queueOutgoingCommand(cmd)
	header := CommandHeader{Command: cmd.Command, ChannelID: channelID, ReliableSequenceNumber: cmd.ReliableSequenceNumber}
	cmd.Body = body.marshalWithHeader(header)
}

// queueAcknowledgement queues an ACK carrying an incoming command's
// reliable sequence number and the sentTime value passed in
// (handleCommandStream passes the low 16 bits of the local clock in
// milliseconds, not a time taken from the sender's datagram). The ACK
// is dropped when the sequence number lies more than one reliable
// window ahead of the channel's incoming reliable sequence number (the
// reliable-window based ACK-drop rule from secudp_peer_queue_acknowledgement).
func (p *Peer) queueAcknowledgement(channelID uint8, reliableSeq uint16, sentTime uint16) {
	if ch := p.channel(channelID); ch != nil {
		if reliableWindow(reliableSeq) > reliableWindow(ch.IncomingReliableSequenceNumber)+1 {
			return
		}
	}

	cmd := &OutgoingCommand{Command: CommandAcknowledge, ChannelID: channelID}
	body := protocolAcknowledge{
		ReceivedReliableSequenceNumber: reliableSeq,
		ReceivedSentTime:               sentTime,
	}
	header := CommandHeader{Command: CommandAcknowledge, ChannelID: channelID}
	cmd.Body = body.marshalWithHeader(header)
	p.acknowledgements.pushBack(cmd)
}

// Ping queues a reliable (ACK-expected) PING command used to keep the
// connection alive and to refresh RTT estimates during idle periods.
func (p *Peer) Ping() {
	if p.State != StateConnected {
		return
	}
	p.queueReliableControl(CommandPing, 0xFF, protocolPing{})
}

// checkTimeouts walks sentReliableCommands and returns true if the
// peer should be disconnected (moved to ZOMBIE): either a command has
// gone PeerTimeoutMaximum since its own last send (measured from its
// SentTime, not from earliestTimeout), or its timeout has reached
// RoundTripTimeoutLimit and PeerTimeoutMinimum has passed since
// earliestTimeout. earliestTimeout is set on the first reliable send
// and is not cleared again until the peer is reset.
func (p *Peer) checkTimeouts(now time.Time) bool {
	dead := false
	p.sentReliableCommands.each(func(cmd *OutgoingCommand) bool {
		if cmd.SendAttempts == 0 {
			return true
		}
		elapsed := now.Sub(p.earliestTimeout)
		if now.Sub(cmd.SentTime) >= PeerTimeoutMaximum*time.Millisecond ||
			(cmd.RoundTripTimeout >= cmd.RoundTripTimeoutLimit && elapsed >= PeerTimeoutMinimum*time.Millisecond) {
			dead = true
			return false
		}
		return true
	})
	return dead
}
