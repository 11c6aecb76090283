// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "fmt"

// Send implements peer_send (§4.2): seal the cleartext under the peer's
// send key, decide whether to fragment, and enqueue one or more
// outgoing commands onto p.outgoingCommands. The host's send pass
// (host.go flushOutgoing) is what actually puts bytes on the wire.
func (p *Peer) Send(channelID uint8, data []byte, reliable bool, unsequenced bool) error {
	if p.State != StateConnected {
		return fmt.Errorf("send to channel %d: %w", channelID, ErrPeerNotConnected)
	}
	ch := p.channel(channelID)
	if ch == nil {
		return fmt.Errorf("send to channel %d: %w", channelID, ErrInvalidArgument)
	}
	maxPacket := p.host.maximumPacketSize()
	if uint64(len(data)) > uint64(maxPacket) {
		return fmt.Errorf("send %d bytes (max %d): %w", len(data), maxPacket, ErrInvalidArgument)
	}

	cipherLen := uint64(len(data)) + secretboxNonceBytes + secretboxMACBytes

	if p.secret == nil {
		return fmt.Errorf("send: %w", ErrCryptoFailure)
	}
	ciphertext, err := secretboxSeal(nil, data, &p.secret.SendKey)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}

	packet := &Packet{Ciphertext: ciphertext}
	packet.refCount.Store(0)

	checksumOverhead := 0
	if p.host.Checksum != nil {
		checksumOverhead = 4
	}
	fragmentLength := int(p.MTU) - 2 - checksumOverhead - sizeSendFragmentFixed
	if fragmentLength <= 0 {
		fragmentLength = 1
	}

	if unsequenced && int(cipherLen) <= fragmentLength {
		return p.enqueueUnsequenced(channelID, packet, uint32(len(ciphertext)))
	}
	if int(cipherLen) <= fragmentLength {
		return p.enqueueSingle(channelID, packet, uint32(len(ciphertext)), reliable)
	}
	return p.enqueueFragmented(channelID, packet, uint32(len(ciphertext)), fragmentLength, reliable)
}

func (p *Peer) enqueueUnsequenced(channelID uint8, packet *Packet, cipherLen uint32) error {
	packet.addRef()
	cmd := &OutgoingCommand{
		Command:        CommandSendUnsequenced | CommandFlagUnsequenced,
		ChannelID:      channelID,
		FragmentLength: cipherLen,
		Packet:         packet,
	}
	p.queueOutgoingCommand(cmd)
	header := CommandHeader{Command: cmd.Command, ChannelID: channelID}
	cmd.Body = (protocolSendUnsequenced{Header: header, UnsequencedGroup: cmd.UnreliableSequenceNumber, DataLength: uint16(cipherLen)}).marshal(nil)
	return nil
}

func (p *Peer) enqueueSingle(channelID uint8, packet *Packet, cipherLen uint32, reliable bool) error {
	packet.addRef()
	opcode := CommandSendUnreliable
	if reliable {
		opcode = CommandSendReliable | CommandFlagAcknowledge
	}
	cmd := &OutgoingCommand{Command: opcode, ChannelID: channelID, FragmentLength: cipherLen, Packet: packet}
	p.queueOutgoingCommand(cmd)

	header := CommandHeader{Command: cmd.Command, ChannelID: channelID, ReliableSequenceNumber: cmd.ReliableSequenceNumber}
	if reliable {
		cmd.Body = (protocolSendReliable{Header: header, DataLength: uint16(cipherLen)}).marshal(nil)
	} else {
		cmd.Body = (protocolSendUnreliable{Header: header, UnreliableSequenceNumber: cmd.UnreliableSequenceNumber, DataLength: uint16(cipherLen)}).marshal(nil)
	}
	return nil
}

// enqueueFragmented splits cipherLen bytes into ceil(cipherLen/fragmentLength)
// SEND_FRAGMENT (or SEND_UNRELIABLE_FRAGMENT) commands per §4.2 step 3.
// Reliable fragments share the channel's reliable sequence space;
// unreliable fragments share its unreliable sequence space.
func (p *Peer) enqueueFragmented(channelID uint8, packet *Packet, cipherLen uint32, fragmentLength int, reliable bool) error {
	fragmentCount := (int(cipherLen) + fragmentLength - 1) / fragmentLength
	if fragmentCount > ProtocolMaximumFragmentCount {
		return fmt.Errorf("send: %w", ErrInvalidArgument)
	}

	opcode := CommandSendFragment
	ackFlag := ProtocolCommand(CommandFlagAcknowledge)
	if !reliable {
		opcode = CommandSendUnreliableFragment
		ackFlag = 0
	}

	var startSeq uint16
	cmds := make([]*OutgoingCommand, fragmentCount)
	for i := 0; i < fragmentCount; i++ {
		offset := uint32(i * fragmentLength)
		length := uint32(fragmentLength)
		if remaining := cipherLen - offset; length > remaining {
			length = remaining
		}

		packet.addRef()
		cmd := &OutgoingCommand{
			Command:        opcode | ackFlag,
			ChannelID:      channelID,
			FragmentOffset: offset,
			FragmentLength: length,
			Packet:         packet,
		}
		p.queueOutgoingCommand(cmd)
		cmds[i] = cmd

		if i == 0 {
			if reliable {
				startSeq = cmd.ReliableSequenceNumber
			} else {
				startSeq = cmd.UnreliableSequenceNumber
			}
		}
	}

	for i, cmd := range cmds {
		body := protocolSendFragment{
			Header:              CommandHeader{Command: cmd.Command, ChannelID: channelID, ReliableSequenceNumber: cmd.ReliableSequenceNumber},
			StartSequenceNumber: startSeq,
			DataLength:          uint16(cmd.FragmentLength),
			FragmentCount:       uint32(fragmentCount),
			FragmentNumber:      uint32(i),
			TotalLength:         cipherLen,
			FragmentOffset:      cmd.FragmentOffset,
		}
		cmd.Body = body.marshal(nil)
	}
	return nil
}
