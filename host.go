// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// hostMaxDatagramsPerService bounds a single Service call's receive
// loop (§5 Bounded work: "processes at most 256 datagrams... before
// yielding back into send").
const hostMaxDatagramsPerService = 256

// Host owns the socket, the fixed peer array, and every per-peer
// allocation, the same ownership shape the teacher's Device holds over
// its peers and queues. Not safe for concurrent use from multiple
// goroutines (§5): exactly one goroutine is expected to call
// Service/Flush/Broadcast/Peer.Send.
type Host struct {
	bind  Bind
	peers []Peer

	channelLimit       uint32
	incomingBandwidth  uint32
	outgoingBandwidth  uint32
	mtu                uint32
	maxPacketSize      uint32
	maximumWaitingData uint32

	signingKey        signingKeyPair
	remoteSigningKey  ed25519.PublicKey // trust anchor used by clients to verify VERIFY_CONNECT

	log *Logger

	// Checksum, if set, is computed over the whole datagram and
	// appended as its last 4 bytes (little-endian), and verified the
	// same way on receive; it is not placed directly after the datagram
	// header. Compressor is stored on the Host, but neither the send
	// pass nor the receive path calls it, so datagrams are never
	// compressed or decompressed.
	Checksum   func([]byte) uint32
	Compressor Compressor

	// RecalculateBandwidthLimits, when set, makes the bandwidth
	// throttle also emit BANDWIDTH_LIMIT commands to every peer it
	// newly limits (§4.5), not just update PacketThrottleLimit locally.
	RecalculateBandwidthLimits bool

	// Intercept, if set, is called on every raw datagram before
	// parsing. A return of 1 queues the returned event and stops
	// processing of that datagram; -1 drops the datagram without
	// returning an error from Service; any other value, 0 included,
	// lets the datagram be parsed normally.
	Intercept func(buf []byte, addr net.Addr) (handled int, event Event)

	duplicatePeerAddresses map[string]uint16
	connectIDCounter       uint32

	pendingEvents []Event

	bandwidthThrottleEpoch time.Time

	// Aggregate counters (§2c), atomically-in-spirit but updated from
	// the single Host goroutine so plain fields suffice.
	TotalSentData        uint64
	TotalSentPackets      uint64
	TotalReceivedData     uint64
	TotalReceivedPackets  uint64
	ConnectedPeers        uint32
	BandwidthLimitedPeers uint32
	DuplicatePeers        uint32

	recvBuf []byte
	closed  bool
}

// HostConfig configures NewHost (host_create).
type HostConfig struct {
	PeerCount         int
	ChannelLimit      uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
	MTU               uint32
	SigningKey        signingKeyPair
	RemoteSigningKey  ed25519.PublicKey
	Logger            *Logger
}

// NewHost allocates peer slots, wraps bind with its fixed defaults,
// and leaves every peer DISCONNECTED (§4.1 Creation).
func NewHost(bind Bind, cfg HostConfig) (*Host, error) {
	if cfg.PeerCount <= 0 {
		return nil, fmt.Errorf("new host: %w", ErrInvalidArgument)
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = HostDefaultMTU
	}
	mtu = clampUint32(mtu, ProtocolMinimumMTU, ProtocolMaximumMTU)

	channelLimit := cfg.ChannelLimit
	if channelLimit == 0 || channelLimit > ProtocolMaximumChannelCount {
		channelLimit = ProtocolMaximumChannelCount
	}

	log := cfg.Logger
	if log == nil {
		log = NewLogger(LogLevelSilent, "")
	}

	h := &Host{
		bind:                   bind,
		peers:                  make([]Peer, cfg.PeerCount),
		channelLimit:           channelLimit,
		incomingBandwidth:      cfg.IncomingBandwidth,
		outgoingBandwidth:      cfg.OutgoingBandwidth,
		mtu:                    mtu,
		maxPacketSize:          HostDefaultMaximumPacketSize,
		maximumWaitingData:     HostDefaultMaximumWaitingData,
		signingKey:             cfg.SigningKey,
		remoteSigningKey:       cfg.RemoteSigningKey,
		log:                    log,
		duplicatePeerAddresses: make(map[string]uint16),
		recvBuf:                make([]byte, HostReceiveBufferSize),
	}
	for i := range h.peers {
		h.peers[i].host = h
		h.peers[i].IncomingPeerID = uint16(i)
		h.peers[i].reset()
	}
	h.bandwidthThrottleEpoch = h.now()
	return h, nil
}

func (h *Host) now() time.Time { return time.Now() }

func (h *Host) maximumPacketSize() uint32 { return h.maxPacketSize }

func (h *Host) nextConnectID() uint32 {
	var b [4]byte
	rand.Read(b[:])
	h.connectIDCounter++
	return binary.BigEndian.Uint32(b[:]) ^ h.connectIDCounter
}

// allocatePeer finds a free (DISCONNECTED) slot. Outbound connects
// search from the high end of the array and inbound connects from the
// low end, so the two roles fill opposite zones (§2c). It does not
// touch DuplicatePeers; handleConnect counts repeat CONNECTs there.
func (h *Host) allocatePeer(outbound bool) *Peer {
	if outbound {
		for i := len(h.peers) - 1; i >= 0; i-- {
			if h.peers[i].State == StateDisconnected {
				return &h.peers[i]
			}
		}
		return nil
	}
	for i := range h.peers {
		if h.peers[i].State == StateDisconnected {
			return &h.peers[i]
		}
	}
	return nil
}

func (h *Host) peerByAddress(addr net.Addr) *Peer {
	key := addrKey(addr)
	for i := range h.peers {
		if h.peers[i].State != StateDisconnected && addrKey(h.peers[i].Address) == key {
			return &h.peers[i]
		}
	}
	return nil
}

// Peers returns the live (non-DISCONNECTED) peers, for iteration by
// callers that want to broadcast or inspect connection state.
func (h *Host) Peers() []*Peer {
	var out []*Peer
	for i := range h.peers {
		if h.peers[i].State != StateDisconnected {
			out = append(out, &h.peers[i])
		}
	}
	return out
}

// Broadcast calls Peer.Send for every CONNECTED peer. Each peer seals
// its own Packet under its own send key, so nothing is shared between
// peers; if no peer is CONNECTED nothing is queued and the call is only
// logged (§2c, secudp_host_broadcast).
func (h *Host) Broadcast(channelID uint8, data []byte, reliable bool) {
	sent := false
	for i := range h.peers {
		p := &h.peers[i]
		if p.State != StateConnected {
			continue
		}
		if err := p.Send(channelID, data, reliable, false); err == nil {
			sent = true
		}
	}
	if !sent {
		h.log.Verbosef("secudp: broadcast on channel %d reached no connected peer", channelID)
	}
}

// Close releases the socket. Pending peers are not gracefully
// disconnected; callers wanting a clean teardown should call
// Peer.Disconnect on each live peer and pump Service first.
func (h *Host) Close() error {
	h.closed = true
	return h.bind.Close()
}

// Service drives one iteration of the control loop (§4.1, §2): flush
// due retransmits and fresh sends, read up to hostMaxDatagramsPerService
// datagrams, dispatch their commands, then report the first pending
// event (CONNECT completed, DISCONNECT observed, RECEIVE ready). It
// blocks up to timeout waiting for a datagram only when there is
// nothing else to report.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if h.closed {
		return Event{}, ErrHostClosed
	}

	now := h.now()
	h.runBandwidthThrottle(now)
	h.checkAllTimeouts(now)
	h.promoteDeferredDisconnects()
	h.pingDuePeers(now)

	if ev, ok := h.popEvent(); ok {
		return ev, nil
	}

	if err := h.flushOutgoing(now); err != nil {
		return Event{}, err
	}

	if ev, ok := h.popEvent(); ok {
		return ev, nil
	}
	if ev, ok := h.dispatchReceive(); ok {
		return ev, nil
	}

	deadline := now.Add(timeout)
	if timeout <= 0 {
		deadline = now
	}
	if err := h.bind.SetReadDeadline(deadline); err != nil {
		return Event{}, fmt.Errorf("service: %w", ErrIoError)
	}

	n, addr, err := h.bind.ReceiveFrom(h.recvBuf)
	if err != nil {
		if isTimeout(err) {
			return Event{}, nil
		}
		return Event{}, fmt.Errorf("service: %w", ErrIoError)
	}
	h.handleDatagram(h.recvBuf[:n], addr, now)

	for i := 1; i < hostMaxDatagramsPerService; i++ {
		if err := h.bind.SetReadDeadline(now); err != nil {
			break
		}
		n, addr, err := h.bind.ReceiveFrom(h.recvBuf)
		if err != nil {
			break
		}
		h.handleDatagram(h.recvBuf[:n], addr, now)
	}

	if ev, ok := h.popEvent(); ok {
		return ev, nil
	}
	if ev, ok := h.dispatchReceive(); ok {
		return ev, nil
	}
	return Event{}, nil
}

// Flush performs only the send pass of the service loop (§4.1 Flush):
// it never reads from the socket.
func (h *Host) Flush() error {
	return h.flushOutgoing(h.now())
}

func (h *Host) popEvent() (Event, bool) {
	if len(h.pendingEvents) == 0 {
		return Event{}, false
	}
	ev := h.pendingEvents[0]
	h.pendingEvents = h.pendingEvents[1:]
	return ev, true
}

// dispatchReceive scans peers in index order, starting from the first
// slot on every call, for a ready dispatched command and surfaces it as
// a RECEIVE event (§4.1).
func (h *Host) dispatchReceive() (Event, bool) {
	for i := range h.peers {
		p := &h.peers[i]
		if p.State != StateConnected || p.dispatchedCommands.empty() {
			continue
		}
		channelID, data, ok := p.Receive()
		if !ok {
			continue
		}
		h.TotalReceivedPackets++
		h.TotalReceivedData += uint64(len(data))
		return Event{Type: EventReceive, Peer: p, ChannelID: channelID, Data: data}, true
	}
	return Event{}, false
}

func (h *Host) handleDatagram(buf []byte, addr net.Addr, now time.Time) {
	if h.Intercept != nil {
		switch handled, ev := h.Intercept(buf, addr); handled {
		case 1:
			h.pendingEvents = append(h.pendingEvents, ev)
			return
		case -1:
			return
		}
	}

	if h.Checksum != nil {
		if len(buf) < 4 {
			return
		}
		want := h.Checksum(buf[:len(buf)-4])
		got := binary.LittleEndian.Uint32(buf[len(buf)-4:])
		if want != got {
			return
		}
		buf = buf[:len(buf)-4]
	}

	if len(buf) < 2 {
		return
	}
	peerIDWord := binary.BigEndian.Uint16(buf[0:2])
	peerID, _, _, hasSentTime := unpackPeerID(peerIDWord)
	buf = buf[2:]
	if hasSentTime {
		if len(buf) < 2 {
			return
		}
		buf = buf[2:]
	}

	var p *Peer
	if peerID == ProtocolMaximumPeerID {
		p = h.peerByAddress(addr)
		if p == nil {
			// Bootstrap slot for an inbound CONNECT: handleConnect
			// allocates the real slot once it parses the command.
			p = &Peer{host: h, Address: addr}
		}
	} else if int(peerID) < len(h.peers) {
		p = &h.peers[peerID]
		if addrKey(p.Address) != addrKey(addr) {
			return
		}
	} else {
		return
	}

	p.lastReceiveTime = now
	h.handleCommandStream(p, now, buf)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// checkAllTimeouts zombifies any peer whose sentReliableCommands have
// aged past the bounds in §4.2 Timeouts.
func (h *Host) checkAllTimeouts(now time.Time) {
	for i := range h.peers {
		p := &h.peers[i]
		if p.State == StateDisconnected || p.State == StateZombie {
			continue
		}
		if p.checkTimeouts(now) {
			p.EventData = 0
			h.zombify(p)
		}
	}
}

// pingDuePeers queues a PING for every CONNECTED peer whose
// nextPingTime has elapsed, keeping RTT estimates fresh during idle
// periods (§4.2).
func (h *Host) pingDuePeers(now time.Time) {
	for i := range h.peers {
		p := &h.peers[i]
		if p.State != StateConnected {
			continue
		}
		if now.Before(p.nextPingTime) {
			continue
		}
		p.Ping()
		p.nextPingTime = now.Add(p.pingIntervalOrDefault())
	}
}

// flushOutgoing is the host's send pass (§4.1 Flush / step 3 of
// Service): it retransmits timed-out reliable commands, serializes
// acknowledgements and fresh outgoing commands into MTU-sized
// datagrams, and moves ACK-expected commands into sentReliableCommands
// once actually written to the wire.
func (h *Host) flushOutgoing(now time.Time) error {
	for i := range h.peers {
		p := &h.peers[i]
		if p.State == StateDisconnected || p.Address == nil {
			continue
		}
		h.requeueExpiredReliable(p, now)
		if err := h.flushPeer(p, now); err != nil {
			return err
		}
		if p.State == StateDisconnecting && p.sentReliableCommands.empty() && p.outgoingCommands.empty() && p.acknowledgements.empty() {
			h.completeDisconnect(p)
		}
	}
	return nil
}

// requeueExpiredReliable moves reliable commands whose roundTripTimeout
// has elapsed back onto outgoingCommands for retransmission, doubling
// the timeout up to roundTripTimeoutLimit (§4.2 Timeouts).
func (h *Host) requeueExpiredReliable(p *Peer, now time.Time) {
	var expired []*OutgoingCommand
	p.sentReliableCommands.each(func(cmd *OutgoingCommand) bool {
		if now.Sub(cmd.SentTime) >= cmd.RoundTripTimeout {
			expired = append(expired, cmd)
		}
		return true
	})
	for _, cmd := range expired {
		p.sentReliableCommands.remove(cmd)
		cmd.RoundTripTimeout *= 2
		if cmd.RoundTripTimeout > cmd.RoundTripTimeoutLimit {
			cmd.RoundTripTimeout = cmd.RoundTripTimeoutLimit
		}
		p.outgoingCommands.pushBack(cmd)
	}
}

// flushPeer packs one peer's pending acknowledgements and outgoing
// commands into as many MTU-bounded datagrams as needed.
func (h *Host) flushPeer(p *Peer, now time.Time) error {
	buf := make([]byte, 0, h.mtu)
	count := 0

	flush := func() error {
		if count == 0 {
			return nil
		}
		out := buf
		if h.Checksum != nil {
			sum := h.Checksum(out)
			var sumBytes [4]byte
			binary.LittleEndian.PutUint32(sumBytes[:], sum)
			out = append(out, sumBytes[:]...)
		}
		if err := h.bind.Send(out, p.Address); err != nil {
			return fmt.Errorf("flush peer: %w", ErrIoError)
		}
		h.TotalSentData += uint64(len(out))
		h.TotalSentPackets++
		p.outgoingDataThisInterval += uint64(len(out))
		buf = make([]byte, 0, h.mtu)
		count = 0
		return nil
	}

	header := DatagramHeader{PeerID: packPeerID(p.OutgoingPeerID, p.OutgoingSessionID, false, false)}
	buf = header.marshal(buf)

	for !p.acknowledgements.empty() {
		cmd := p.acknowledgements.front()
		if len(buf)+len(cmd.Body) > int(p.MTU) || count >= ProtocolMaximumPacketCommands {
			if err := flush(); err != nil {
				return err
			}
			buf = header.marshal(buf)
		}
		p.acknowledgements.popFront()
		buf = append(buf, cmd.Body...)
		count++
	}

	for !p.outgoingCommands.empty() {
		cmd := p.outgoingCommands.front()
		size := cmd.wireSize()
		if len(buf)+size > int(p.MTU) || count >= ProtocolMaximumPacketCommands {
			if err := flush(); err != nil {
				return err
			}
			buf = header.marshal(buf)
			if len(buf)+size > int(p.MTU) {
				// Single command exceeds MTU even alone; drop it
				// rather than looping forever (should not happen:
				// send.go bounds fragment size to fit).
				p.outgoingCommands.popFront()
				continue
			}
		}

		p.outgoingCommands.popFront()
		buf = append(buf, cmd.Body...)
		if cmd.Packet != nil {
			buf = append(buf, cmd.Packet.Ciphertext[cmd.FragmentOffset:cmd.FragmentOffset+cmd.FragmentLength]...)
		}
		count++

		ackExpected := cmd.Command&CommandFlagAcknowledge != 0
		if ackExpected {
			if p.earliestTimeout.IsZero() {
				p.earliestTimeout = now
			}
			cmd.SentTime = now
			cmd.SendAttempts++
			p.sentReliableCommands.pushBack(cmd)
		} else {
			if cmd.Packet != nil {
				cmd.Packet.release()
			}
		}
		p.lastSendTime = now
	}

	return flush()
}
