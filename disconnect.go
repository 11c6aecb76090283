// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

// Disconnect initiates graceful teardown: a reliable DISCONNECT is
// queued and the peer is fully reset only once it has been
// acknowledged (§5 Cancellation: peer_disconnect).
func (p *Peer) Disconnect(data uint32) {
	if p.State == StateDisconnected || p.State == StateZombie {
		return
	}
	p.EventData = data
	p.State = StateDisconnecting
	p.queueReliableControl(CommandDisconnect, 0xFF, protocolDisconnect{Data: data})
}

// DisconnectLater defers graceful teardown until every already-queued
// outgoing command has drained, then behaves like Disconnect (§5).
func (p *Peer) DisconnectLater(data uint32) {
	if p.State == StateDisconnected || p.State == StateZombie {
		return
	}
	p.EventData = data
	p.State = StateDisconnectLater
}

// DisconnectNow is immediate and local on the wire side: it emits one
// unsequenced DISCONNECT (no retry, no ack wait) and resets the peer
// right away (§5 Cancellation: peer_disconnect_now).
func (p *Peer) DisconnectNow(data uint32) {
	if p.State == StateDisconnected {
		return
	}
	if p.State != StateZombie {
		body := protocolDisconnect{Data: data}
		cmdBody := body.marshalWithHeader(CommandHeader{Command: CommandDisconnect | CommandFlagUnsequenced, ChannelID: 0xFF})
		if p.host != nil && p.Address != nil {
			header := DatagramHeader{PeerID: packPeerID(p.OutgoingPeerID, p.OutgoingSessionID, false, false)}
			datagram := header.marshal(nil)
			datagram = append(datagram, cmdBody...)
			p.host.bind.Send(datagram, p.Address)
		}
	}
	p.reset()
}

// Reset tears the peer down immediately with no wire notification at
// all (§5 Cancellation: peer_reset).
func (p *Peer) Reset() {
	p.reset()
}

// promoteDeferredDisconnects advances any DISCONNECT_LATER peer whose
// outgoing work has drained into a normal graceful Disconnect.
func (h *Host) promoteDeferredDisconnects() {
	for i := range h.peers {
		p := &h.peers[i]
		if p.State != StateDisconnectLater {
			continue
		}
		if p.outgoingCommands.empty() && p.sentReliableCommands.empty() {
			p.Disconnect(p.EventData)
		}
	}
}
