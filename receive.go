// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "time"

// Receive implements peer_receive (§4.2): pop the head of
// dispatchedCommands, open the ciphertext under the peer's receive key,
// and publish the cleartext. Returns (0, nil, false) when nothing is ready.
func (p *Peer) Receive() (channelID uint8, data []byte, ok bool) {
	cmd := p.dispatchedCommands.popFront()
	if cmd == nil {
		return 0, nil, false
	}
	packet := cmd.Packet
	if packet == nil {
		return 0, nil, false
	}

	if p.secret == nil {
		packet.release()
		return 0, nil, false
	}

	plain, err := secretboxOpen(nil, packet.Ciphertext, &p.secret.RecvKey)
	if err != nil {
		packet.release()
		return 0, nil, false
	}

	p.totalWaitingData -= uint64(len(packet.Ciphertext))
	packet.release()
	return cmd.ChannelID, plain, true
}

// handleCommandStream walks a parsed command stream for one datagram,
// mutating peer state per-opcode. Parsing/processing errors abort the
// rest of this datagram only (§7 propagation policy) and never
// penalize the peer.
func (h *Host) handleCommandStream(p *Peer, now time.Time, buf []byte) {
	for len(buf) > 0 {
		header, err := unmarshalCommandHeader(buf)
		if err != nil {
			return
		}
		rest := buf[commandHeaderSize:]

		var consumed int
		switch header.Command & CommandMask {
		case CommandAcknowledge:
			cmd, err := unmarshalAcknowledge(header, rest)
			if err != nil {
				return
			}
			h.handleAcknowledge(p, now, cmd)
			consumed = sizeAcknowledge - commandHeaderSize

		case CommandConnect:
			cmd, err := unmarshalConnect(header, rest)
			if err != nil {
				return
			}
			h.handleConnect(p.Address, now, cmd)
			consumed = sizeConnectFixed - commandHeaderSize + kxPublicBytes

		case CommandVerifyConnect:
			cmd, err := unmarshalVerifyConnect(header, rest)
			if err != nil {
				return
			}
			h.handleVerifyConnect(p, now, cmd)
			consumed = sizeVerifyConnectFixed - commandHeaderSize + kxPublicBytes + signBytes

		case CommandDisconnect:
			cmd, err := unmarshalDisconnect(header, rest)
			if err != nil {
				return
			}
			h.handleDisconnect(p, cmd)
			consumed = 4

		case CommandPing:
			consumed = 0

		case CommandSendReliable:
			cmd, err := unmarshalSendReliable(header, rest)
			if err != nil {
				return
			}
			if len(rest) < 2+int(cmd.DataLength) {
				return
			}
			h.handleSendReliable(p, header, cmd, rest[2:2+int(cmd.DataLength)])
			consumed = 2 + int(cmd.DataLength)

		case CommandSendUnreliable:
			cmd, err := unmarshalSendUnreliable(header, rest)
			if err != nil {
				return
			}
			if len(rest) < 4+int(cmd.DataLength) {
				return
			}
			h.handleSendUnreliable(p, header, cmd, rest[4:4+int(cmd.DataLength)])
			consumed = 4 + int(cmd.DataLength)

		case CommandSendUnsequenced:
			cmd, err := unmarshalSendUnsequenced(header, rest)
			if err != nil {
				return
			}
			if len(rest) < 4+int(cmd.DataLength) {
				return
			}
			h.handleSendUnsequenced(p, header, cmd, rest[4:4+int(cmd.DataLength)])
			consumed = 4 + int(cmd.DataLength)

		case CommandSendFragment, CommandSendUnreliableFragment:
			cmd, err := unmarshalSendFragment(header, rest)
			if err != nil {
				return
			}
			fixed := sizeSendFragmentFixed - commandHeaderSize
			if len(rest) < fixed+int(cmd.DataLength) {
				return
			}
			h.handleSendFragment(p, header, cmd, rest[fixed:fixed+int(cmd.DataLength)])
			consumed = fixed + int(cmd.DataLength)

		case CommandBandwidthLimit:
			cmd, err := unmarshalBandwidthLimit(header, rest)
			if err != nil {
				return
			}
			p.IncomingBandwidth = cmd.IncomingBandwidth
			p.OutgoingBandwidth = cmd.OutgoingBandwidth
			consumed = 8

		case CommandThrottleConfigure:
			cmd, err := unmarshalThrottleConfigure(header, rest)
			if err != nil {
				return
			}
			p.PacketThrottleInterval = cmd.PacketThrottleInterval
			p.PacketThrottleAcceleration = cmd.PacketThrottleAcceleration
			p.PacketThrottleDeceleration = cmd.PacketThrottleDeceleration
			consumed = 12

		default:
			return
		}

		if header.Command&CommandFlagAcknowledge != 0 {
			p.queueAcknowledgement(header.ChannelID, header.ReliableSequenceNumber, uint16(now.UnixMilli()))
		}

		buf = rest[consumed:]
	}
}

// handleAcknowledge reconciles an ACK against sentReliableCommands,
// updating RTT/throttle (§4.2) and freeing the acknowledged command.
func (h *Host) handleAcknowledge(p *Peer, now time.Time, ack protocolAcknowledge) {
	var matched *OutgoingCommand
	p.sentReliableCommands.each(func(cmd *OutgoingCommand) bool {
		if cmd.ChannelID == ack.Header.ChannelID && cmd.ReliableSequenceNumber == ack.ReceivedReliableSequenceNumber {
			matched = cmd
			return false
		}
		return true
	})
	if matched == nil {
		return
	}
	p.sentReliableCommands.remove(matched)

	p.PacketsSent++
	rtt := now.Sub(matched.SentTime)
	p.onAcknowledgeRoundTrip(rtt, now)

	if matched.Packet != nil {
		matched.Packet.release()
	}

	if matched.Command&CommandMask == CommandVerifyConnect && p.State == StateAcknowledgingConnect {
		p.State = StateConnected
		p.lastReceiveTime = now
		p.nextPingTime = now.Add(p.pingIntervalOrDefault())
		h.ConnectedPeers++
		h.pendingEvents = append(h.pendingEvents, Event{Type: EventConnect, Peer: p})
	}

	if p.State == StateDisconnecting && p.sentReliableCommands.empty() && p.outgoingCommands.empty() {
		h.completeDisconnect(p)
	}
}

func (h *Host) handleDisconnect(p *Peer, cmd protocolDisconnect) {
	if p.State == StateDisconnected || p.State == StateZombie {
		return
	}
	p.EventData = cmd.Data
	h.zombify(p)
}

func (h *Host) handleSendReliable(p *Peer, header CommandHeader, cmd protocolSendReliable, payload []byte) {
	ch := p.channel(header.ChannelID)
	if ch == nil {
		return
	}
	if !h.acceptIncomingReliable(ch, header.ReliableSequenceNumber) {
		return
	}
	data := append([]byte(nil), payload...)
	packet := &Packet{Ciphertext: data, Flags: PacketFlagReliable}
	packet.refCount.Store(1)
	in := &IncomingCommand{
		ReliableSequenceNumber: header.ReliableSequenceNumber,
		Command:                header.Command,
		ChannelID:              header.ChannelID,
		Packet:                 packet,
	}
	h.insertIncomingReliable(p, ch, in)
	h.dispatchIncomingReliable(p, ch)
}

func (h *Host) handleSendUnreliable(p *Peer, header CommandHeader, cmd protocolSendUnreliable, payload []byte) {
	ch := p.channel(header.ChannelID)
	if ch == nil {
		return
	}
	if sequenceLess(cmd.UnreliableSequenceNumber, ch.IncomingUnreliableSequenceNumber) {
		return
	}
	data := append([]byte(nil), payload...)
	packet := &Packet{Ciphertext: data}
	packet.refCount.Store(1)
	ch.IncomingUnreliableSequenceNumber = cmd.UnreliableSequenceNumber
	p.dispatchedCommands.pushBack(&IncomingCommand{
		UnreliableSequenceNumber: cmd.UnreliableSequenceNumber,
		Command:                  header.Command,
		ChannelID:                header.ChannelID,
		Packet:                   packet,
	})
}

func (h *Host) handleSendUnsequenced(p *Peer, header CommandHeader, cmd protocolSendUnsequenced, payload []byte) {
	if !p.unsequencedSeen(cmd.UnsequencedGroup) {
		return
	}
	data := append([]byte(nil), payload...)
	packet := &Packet{Ciphertext: data, Flags: PacketFlagUnsequenced}
	packet.refCount.Store(1)
	p.dispatchedCommands.pushBack(&IncomingCommand{
		Command:   header.Command,
		ChannelID: header.ChannelID,
		Packet:    packet,
	})
}

// unsequencedSeen implements the 1024-entry sliding duplicate bitmap
// (GLOSSARY: Unsequenced group); returns true if group is new.
func (p *Peer) unsequencedSeen(group uint16) bool {
	const windowSize = PeerUnsequencedWindowSize
	delta := int(group) - int(p.unsequencedGroup)
	if delta > 0 && delta < windowSize {
		shift := delta
		for shift >= 32 {
			for i := 0; i < len(p.unsequencedWindow)-1; i++ {
				p.unsequencedWindow[i] = p.unsequencedWindow[i+1]
			}
			p.unsequencedWindow[len(p.unsequencedWindow)-1] = 0
			shift -= 32
		}
		p.unsequencedGroup = group
	} else if delta >= windowSize || delta < -windowSize {
		for i := range p.unsequencedWindow {
			p.unsequencedWindow[i] = 0
		}
		p.unsequencedGroup = group
		delta = 0
	} else if delta < 0 {
		delta = -delta
	}

	index := delta / 32
	bit := uint32(1) << uint(delta%32)
	if index >= len(p.unsequencedWindow) {
		return false
	}
	if p.unsequencedWindow[index]&bit != 0 {
		return false
	}
	p.unsequencedWindow[index] |= bit
	return true
}

// acceptIncomingReliable enforces the reliable-window discard gate and
// duplicate rejection from secudp_peer_queue_incoming_command.
func (h *Host) acceptIncomingReliable(ch *Channel, seq uint16) bool {
	if sequenceLess(seq, ch.IncomingReliableSequenceNumber) {
		return false
	}
	if reliableWindow(seq) >= reliableWindow(ch.IncomingReliableSequenceNumber)+PeerReliableWindows {
		return false
	}

	dup := false
	ch.incomingReliable.eachFromTail(func(c *IncomingCommand) bool {
		if c.ReliableSequenceNumber == seq {
			dup = true
			return false
		}
		if sequenceLess(c.ReliableSequenceNumber, seq) {
			return false
		}
		return true
	})
	return !dup
}

// insertIncomingReliable keeps incomingReliable sorted by sequence
// number, walking from the tail (§4.3).
func (h *Host) insertIncomingReliable(p *Peer, ch *Channel, in *IncomingCommand) {
	var before *IncomingCommand
	ch.incomingReliable.eachFromTail(func(c *IncomingCommand) bool {
		if sequenceLess(c.ReliableSequenceNumber, in.ReliableSequenceNumber) {
			return false
		}
		before = c
		return true
	})
	ch.incomingReliable.insertBefore(in, before)
}

// dispatchIncomingReliable flushes a run of consecutive, fully-assembled
// reliable commands starting at IncomingReliableSequenceNumber+1 into
// dispatchedCommands (§4.3).
func (h *Host) dispatchIncomingReliable(p *Peer, ch *Channel) {
	for {
		head := ch.incomingReliable.front()
		if head == nil {
			return
		}
		if head.FragmentsRemaining > 0 {
			return
		}
		first := head.ReliableSequenceNumber
		if head.FragmentCount > 0 {
			first -= uint16(head.FragmentCount - 1) // renumbered to its last fragment on completion
		}
		if first != ch.IncomingReliableSequenceNumber+1 {
			return
		}
		ch.incomingReliable.popFront()
		ch.IncomingReliableSequenceNumber = head.ReliableSequenceNumber
		p.dispatchedCommands.pushBack(head)
	}
}

func (h *Host) handleSendFragment(p *Peer, header CommandHeader, cmd protocolSendFragment, payload []byte) {
	ch := p.channel(header.ChannelID)
	if ch == nil {
		return
	}
	reliable := header.Command&CommandMask == CommandSendFragment

	var queue *incomingQueue
	if reliable {
		// Window gate only: repeated fragments are caught by the bitmap.
		fragSeq := cmd.StartSequenceNumber + uint16(cmd.FragmentNumber)
		if sequenceLess(fragSeq, ch.IncomingReliableSequenceNumber) ||
			reliableWindow(fragSeq) >= reliableWindow(ch.IncomingReliableSequenceNumber)+PeerReliableWindows {
			return
		}
		queue = &ch.incomingReliable
	} else {
		queue = &ch.incomingUnreliable
	}

	if cmd.FragmentNumber >= cmd.FragmentCount || cmd.FragmentCount > ProtocolMaximumFragmentCount {
		return
	}
	if cmd.TotalLength > h.maxPacketSize {
		return
	}

	seq := cmd.StartSequenceNumber
	var existing *IncomingCommand
	queue.eachFromHead(func(c *IncomingCommand) bool {
		first := c.ReliableSequenceNumber
		if c.FragmentCount > 0 && c.FragmentsRemaining == 0 {
			first -= uint16(c.FragmentCount - 1)
		}
		if reliable && first == seq {
			existing = c
			return false
		}
		if !reliable && c.UnreliableSequenceNumber == seq {
			existing = c
			return false
		}
		return true
	})

	if existing == nil {
		data := make([]byte, cmd.TotalLength)
		packet := &Packet{Ciphertext: data}
		packet.refCount.Store(1)
		existing = &IncomingCommand{
			ReliableSequenceNumber:   seq,
			UnreliableSequenceNumber: seq,
			Command:                  header.Command,
			ChannelID:                header.ChannelID,
			Packet:                   packet,
			FragmentCount:            cmd.FragmentCount,
			FragmentsRemaining:       cmd.FragmentCount,
			FragmentBitmap:           make([]uint32, (cmd.FragmentCount+31)/32),
		}
		if reliable {
			h.insertIncomingReliable(p, ch, existing)
		} else {
			queue.pushBack(existing)
		}
	}

	bitIndex := int(cmd.FragmentNumber / 32)
	bit := uint32(1) << (cmd.FragmentNumber % 32)
	if existing.FragmentBitmap[bitIndex]&bit != 0 {
		return // duplicate fragment
	}
	existing.FragmentBitmap[bitIndex] |= bit
	existing.FragmentsRemaining--

	if int(cmd.FragmentOffset)+len(payload) <= len(existing.Packet.Ciphertext) {
		copy(existing.Packet.Ciphertext[cmd.FragmentOffset:], payload)
	}

	if existing.FragmentsRemaining == 0 {
		if reliable {
			existing.ReliableSequenceNumber = seq + uint16(cmd.FragmentCount) - 1
			h.dispatchIncomingReliable(p, ch)
		} else {
			queue.remove(existing)
			p.dispatchedCommands.pushBack(existing)
		}
	}
}
