// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"fmt"
	"net"
	"time"
)

// Connect initiates the client side of the handshake (§4.4 step 1):
// allocate a peer slot, generate an ephemeral KX keypair, and queue a
// CONNECT command. The returned Peer is in StateConnecting; Service
// must be pumped until it reaches Connected or is reset to ZOMBIE.
func (h *Host) Connect(addr net.Addr, channelCount uint32) (*Peer, error) {
	if channelCount < ProtocolMinimumChannelCount {
		channelCount = h.channelLimit
	}
	if channelCount > ProtocolMaximumChannelCount {
		channelCount = ProtocolMaximumChannelCount
	}

	p := h.allocatePeer(true)
	if p == nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, ErrTooManyPeers)
	}

	kx, err := generateKxKeyPair()
	if err != nil {
		p.reset()
		return nil, fmt.Errorf("connect to %s: %w", addr, ErrCryptoFailure)
	}

	p.Address = addr
	p.kx = &kx
	p.State = StateConnecting
	p.MTU = h.mtu
	p.setupChannels(channelCount)
	p.initThrottle(h.now())
	p.IncomingBandwidth = h.incomingBandwidth
	p.OutgoingBandwidth = h.outgoingBandwidth
	p.ConnectID = h.nextConnectID()
	p.OutgoingPeerID = ProtocolMaximumPeerID // pre-handshake id until VERIFY_CONNECT names the server's slot

	body := protocolConnect{
		OutgoingPeerID:             p.IncomingPeerID,
		IncomingSessionID:          p.IncomingSessionID,
		OutgoingSessionID:          p.OutgoingSessionID,
		MTU:                        p.MTU,
		WindowSize:                 ProtocolMaximumWindowSize,
		ChannelCount:               channelCount,
		IncomingBandwidth:          p.IncomingBandwidth,
		OutgoingBandwidth:          p.OutgoingBandwidth,
		PacketThrottleInterval:     p.PacketThrottleInterval,
		PacketThrottleAcceleration: p.PacketThrottleAcceleration,
		PacketThrottleDeceleration: p.PacketThrottleDeceleration,
		ConnectID:                  p.ConnectID,
		PublicKx:                   kx.public,
	}
	p.queueReliableControl(CommandConnect, 0xFF, body)
	return p, nil
}

// handleConnect is the server side of §4.4 step 2. Failures are silent
// drops (no reply, no peer retained) per §7's handshake error policy.
func (h *Host) handleConnect(addr net.Addr, now time.Time, cmd protocolConnect) {
	if existing := h.peerByAddress(addr); existing != nil && existing.State != StateDisconnected {
		return
	}
	if _, seen := h.duplicatePeerAddresses[addrKey(addr)]; seen {
		h.DuplicatePeers++
	}

	p := h.allocatePeer(false)
	if p == nil {
		h.log.Verbosef("secudp: connect from %s refused, no free peer slot", addr)
		return
	}

	channelCount := cmd.ChannelCount
	if channelCount < ProtocolMinimumChannelCount || channelCount > ProtocolMaximumChannelCount {
		p.reset()
		return
	}

	kx, err := generateKxKeyPair()
	if err != nil {
		p.reset()
		return
	}

	sendKey, recvKey, err := kxDeriveSessionKeys(kxRoleServer, kx, cmd.PublicKx)
	if err != nil {
		h.log.Errorf("secudp: kx derivation failed for %s: %v", addr, err)
		p.reset()
		return
	}

	p.Address = addr
	p.State = StateAcknowledgingConnect
	p.MTU = clampUint32(cmd.MTU, ProtocolMinimumMTU, ProtocolMaximumMTU)
	p.setupChannels(channelCount)
	p.initThrottle(now)
	p.IncomingBandwidth = cmd.IncomingBandwidth
	p.OutgoingBandwidth = cmd.OutgoingBandwidth
	p.PacketThrottleInterval = cmd.PacketThrottleInterval
	p.PacketThrottleAcceleration = cmd.PacketThrottleAcceleration
	p.PacketThrottleDeceleration = cmd.PacketThrottleDeceleration
	p.ConnectID = cmd.ConnectID
	p.OutgoingPeerID = cmd.OutgoingPeerID
	p.secret = &PeerSecret{SendKey: sendKey, RecvKey: recvKey}

	sig := signMessage(h.signingKey.private, kx.public[:])
	body := protocolVerifyConnect{
		OutgoingPeerID:             p.IncomingPeerID,
		IncomingSessionID:          p.IncomingSessionID,
		OutgoingSessionID:          p.OutgoingSessionID,
		MTU:                       p.MTU,
		WindowSize:                ProtocolMaximumWindowSize,
		ChannelCount:              channelCount,
		IncomingBandwidth:         p.IncomingBandwidth,
		OutgoingBandwidth:         p.OutgoingBandwidth,
		PacketThrottleInterval:    p.PacketThrottleInterval,
		PacketThrottleAcceleration: p.PacketThrottleAcceleration,
		PacketThrottleDeceleration: p.PacketThrottleDeceleration,
		ConnectID:                 p.ConnectID,
		PublicKx:                  kx.public,
		Signature:                 sig,
	}
	p.queueReliableControl(CommandVerifyConnect, 0xFF, body)
	h.duplicatePeerAddresses[addrKey(addr)] = p.IncomingPeerID
}

// handleVerifyConnect is the client side of §4.4 step 3. On any
// mismatch or signature failure the peer is zombified with
// eventData=0 and a DISCONNECT event is queued, per the handshake's
// consolidated error policy.
func (h *Host) handleVerifyConnect(p *Peer, now time.Time, cmd protocolVerifyConnect) {
	if p.State != StateConnecting || p.kx == nil {
		return
	}

	if cmd.ConnectID != p.ConnectID ||
		cmd.MTU != p.MTU ||
		cmd.ChannelCount != uint32(len(p.channels)) ||
		cmd.PacketThrottleInterval != p.PacketThrottleInterval ||
		cmd.PacketThrottleAcceleration != p.PacketThrottleAcceleration ||
		cmd.PacketThrottleDeceleration != p.PacketThrottleDeceleration {
		p.EventData = 0
		h.zombify(p)
		return
	}

	if err := verifySignature(h.remoteSigningKey, cmd.PublicKx[:], cmd.Signature); err != nil {
		p.EventData = 0
		h.zombify(p)
		return
	}

	sendKey, recvKey, err := kxDeriveSessionKeys(kxRoleClient, *p.kx, cmd.PublicKx)
	if err != nil {
		p.EventData = 0
		h.zombify(p)
		return
	}

	p.secret = &PeerSecret{SendKey: sendKey, RecvKey: recvKey}
	p.kx = nil
	p.OutgoingPeerID = cmd.OutgoingPeerID
	p.State = StateConnected
	p.lastReceiveTime = now
	p.nextPingTime = now.Add(p.pingIntervalOrDefault())

	h.ConnectedPeers++
	h.pendingEvents = append(h.pendingEvents, Event{Type: EventConnect, Peer: p})
}

// zombify transitions a peer to ZOMBIE and queues its DISCONNECT event
// (§4.2 Timeouts, §4.4 step 3's failure path).
func (h *Host) zombify(p *Peer) {
	if p.State == StateZombie || p.State == StateDisconnected {
		return
	}
	wasConnected := p.State == StateConnected
	p.State = StateZombie
	h.pendingEvents = append(h.pendingEvents, Event{Type: EventDisconnect, Peer: p, EventData: p.EventData})
	if wasConnected && h.ConnectedPeers > 0 {
		h.ConnectedPeers--
	}
}

// completeDisconnect finalizes a graceful DISCONNECTING peer once its
// outgoing queues have drained (§5 Cancellation: peer_disconnect).
func (h *Host) completeDisconnect(p *Peer) {
	if p.State == StateConnected && h.ConnectedPeers > 0 {
		h.ConnectedPeers--
	}
	h.pendingEvents = append(h.pendingEvents, Event{Type: EventDisconnect, Peer: p, EventData: p.EventData})
	p.reset()
}

func (p *Peer) pingIntervalOrDefault() time.Duration {
	if p.pingInterval > 0 {
		return p.pingInterval
	}
	return PeerPingInterval * time.Millisecond
}

func clampUint32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
