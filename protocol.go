// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "encoding/binary"

// Protocol limits (protocol.h).
const (
	ProtocolMinimumMTU            = 576
	ProtocolMaximumMTU            = 4096
	ProtocolMaximumPacketCommands = 32
	ProtocolMinimumWindowSize     = 4096
	ProtocolMaximumWindowSize     = 65536
	ProtocolMinimumChannelCount   = 1
	ProtocolMaximumChannelCount   = 255
	ProtocolMaximumPeerID         = 0xFFF
	ProtocolMaximumFragmentCount  = 1024 * 1024
)

// Host-level defaults (secudp.h / design notes §6 configuration knobs).
const (
	HostDefaultMTU                  = 1400
	HostDefaultMaximumPacketSize    = 32 * 1024 * 1024
	HostDefaultMaximumWaitingData   = 32 * 1024 * 1024
	HostReceiveBufferSize           = 256 * 1024
	HostSendBufferSize               = 256 * 1024
	HostBandwidthThrottleInterval   = 1000 // ms

	PeerDefaultRoundTripTime        = 500 // ms
	PeerDefaultPacketThrottle       = 32
	PeerDefaultPacketThrottleLimit  = 32
	PeerPacketThrottleScale         = 32
	PeerPacketThrottleInterval      = 5000 // ms
	PeerPacketThrottleAcceleration  = 2
	PeerPacketThrottleDeceleration  = 2
	PeerPingInterval                = 500   // ms
	PeerTimeoutLimit                = 32
	PeerTimeoutMinimum              = 5000  // ms
	PeerTimeoutMaximum              = 30000 // ms
	PeerFreeReliableWindows         = 8
	PeerReliableWindows             = 16
	PeerReliableWindowSize          = 4096
	PeerUnsequencedWindowSize       = 1024
	PeerWindowSizeScale             = 64 * 1024
)

// Command opcodes (protocol.h SecUdpProtocolCommand).
type ProtocolCommand uint8

const (
	CommandNone ProtocolCommand = iota
	CommandAcknowledge
	CommandConnect
	CommandVerifyConnect
	CommandDisconnect
	CommandPing
	CommandSendReliable
	CommandSendUnreliable
	CommandSendFragment
	CommandSendUnsequenced
	CommandBandwidthLimit
	CommandThrottleConfigure
	CommandSendUnreliableFragment
	commandCount

	CommandMask = 0x0F
)

// Command/header flag bits (protocol.h SecUdpProtocolFlag).
const (
	CommandFlagAcknowledge = 1 << 7
	CommandFlagUnsequenced = 1 << 6

	HeaderFlagCompressed = 1 << 14
	HeaderFlagSentTime   = 1 << 15
	HeaderFlagMask       = HeaderFlagCompressed | HeaderFlagSentTime

	HeaderSessionMask  = 3 << 12
	HeaderSessionShift = 12
)

// CommandHeader is the 4-byte prefix on every command in the stream.
type CommandHeader struct {
	Command                ProtocolCommand
	ChannelID               uint8
	ReliableSequenceNumber  uint16
}

const commandHeaderSize = 4

func (h CommandHeader) marshal(b []byte) []byte {
	b = append(b, uint8(h.Command), h.ChannelID)
	return binary.BigEndian.AppendUint16(b, h.ReliableSequenceNumber)
}

// protocolBody is any fixed-size command payload that can be (re-)stamped
// with a freshly assigned CommandHeader and marshaled, used by the
// control-command helpers in peer.go (queueReliableControl,
// queueAcknowledgement) which don't know the final sequence number
// until the moment of enqueue.
type protocolBody interface {
	marshalWithHeader(header CommandHeader) []byte
}

func (c protocolAcknowledge) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolPing) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolThrottleConfigure) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolDisconnect) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolBandwidthLimit) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolConnect) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func (c protocolVerifyConnect) marshalWithHeader(h CommandHeader) []byte {
	c.Header = h
	return c.marshal(nil)
}

func unmarshalCommandHeader(b []byte) (CommandHeader, error) {
	if len(b) < commandHeaderSize {
		return CommandHeader{}, ErrProtocolViolation
	}
	return CommandHeader{
		Command:                ProtocolCommand(b[0]),
		ChannelID:               b[1],
		ReliableSequenceNumber:  binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// protocolAcknowledge mirrors SecUdpProtocolAcknowledge.
type protocolAcknowledge struct {
	Header                         CommandHeader
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime               uint16
}

const sizeAcknowledge = commandHeaderSize + 4

func (c protocolAcknowledge) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.ReceivedReliableSequenceNumber)
	return binary.BigEndian.AppendUint16(b, c.ReceivedSentTime)
}

func unmarshalAcknowledge(header CommandHeader, b []byte) (protocolAcknowledge, error) {
	if len(b) < 4 {
		return protocolAcknowledge{}, ErrProtocolViolation
	}
	return protocolAcknowledge{
		Header:                         header,
		ReceivedReliableSequenceNumber: binary.BigEndian.Uint16(b[0:2]),
		ReceivedSentTime:               binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// protocolConnect mirrors SecUdpProtocolConnect, extended per the
// consolidated design (§9 open questions) with the KX public key that
// the source's protocol.h omitted but protocol.c actually reads.
type protocolConnect struct {
	Header                     CommandHeader
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
	Data                       uint32
	PublicKx                   [kxPublicBytes]byte
}

const sizeConnectFixed = commandHeaderSize + 2 + 1 + 1 + 4*10

func (c protocolConnect) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.OutgoingPeerID)
	b = append(b, c.IncomingSessionID, c.OutgoingSessionID)
	b = binary.BigEndian.AppendUint32(b, c.MTU)
	b = binary.BigEndian.AppendUint32(b, c.WindowSize)
	b = binary.BigEndian.AppendUint32(b, c.ChannelCount)
	b = binary.BigEndian.AppendUint32(b, c.IncomingBandwidth)
	b = binary.BigEndian.AppendUint32(b, c.OutgoingBandwidth)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleInterval)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleAcceleration)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleDeceleration)
	b = binary.BigEndian.AppendUint32(b, c.ConnectID)
	b = binary.BigEndian.AppendUint32(b, c.Data)
	return append(b, c.PublicKx[:]...)
}

func unmarshalConnect(header CommandHeader, b []byte) (protocolConnect, error) {
	if len(b) < sizeConnectFixed-commandHeaderSize+kxPublicBytes {
		return protocolConnect{}, ErrProtocolViolation
	}
	c := protocolConnect{Header: header}
	c.OutgoingPeerID = binary.BigEndian.Uint16(b[0:2])
	c.IncomingSessionID = b[2]
	c.OutgoingSessionID = b[3]
	c.MTU = binary.BigEndian.Uint32(b[4:8])
	c.WindowSize = binary.BigEndian.Uint32(b[8:12])
	c.ChannelCount = binary.BigEndian.Uint32(b[12:16])
	c.IncomingBandwidth = binary.BigEndian.Uint32(b[16:20])
	c.OutgoingBandwidth = binary.BigEndian.Uint32(b[20:24])
	c.PacketThrottleInterval = binary.BigEndian.Uint32(b[24:28])
	c.PacketThrottleAcceleration = binary.BigEndian.Uint32(b[28:32])
	c.PacketThrottleDeceleration = binary.BigEndian.Uint32(b[32:36])
	c.ConnectID = binary.BigEndian.Uint32(b[36:40])
	c.Data = binary.BigEndian.Uint32(b[40:44])
	copy(c.PublicKx[:], b[44:44+kxPublicBytes])
	return c, nil
}

// protocolVerifyConnect mirrors SecUdpProtocolVerifyConnect, extended
// with PublicKx and the Ed25519 Signature per §4.4/§9.
type protocolVerifyConnect struct {
	Header                     CommandHeader
	OutgoingPeerID             uint16
	IncomingSessionID          uint8
	OutgoingSessionID          uint8
	MTU                        uint32
	WindowSize                 uint32
	ChannelCount               uint32
	IncomingBandwidth          uint32
	OutgoingBandwidth          uint32
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
	ConnectID                  uint32
	PublicKx                   [kxPublicBytes]byte
	Signature                  [signBytes]byte
}

const sizeVerifyConnectFixed = commandHeaderSize + 2 + 1 + 1 + 4*9

func (c protocolVerifyConnect) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.OutgoingPeerID)
	b = append(b, c.IncomingSessionID, c.OutgoingSessionID)
	b = binary.BigEndian.AppendUint32(b, c.MTU)
	b = binary.BigEndian.AppendUint32(b, c.WindowSize)
	b = binary.BigEndian.AppendUint32(b, c.ChannelCount)
	b = binary.BigEndian.AppendUint32(b, c.IncomingBandwidth)
	b = binary.BigEndian.AppendUint32(b, c.OutgoingBandwidth)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleInterval)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleAcceleration)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleDeceleration)
	b = binary.BigEndian.AppendUint32(b, c.ConnectID)
	b = append(b, c.PublicKx[:]...)
	return append(b, c.Signature[:]...)
}

func unmarshalVerifyConnect(header CommandHeader, b []byte) (protocolVerifyConnect, error) {
	need := sizeVerifyConnectFixed - commandHeaderSize + kxPublicBytes + signBytes
	if len(b) < need {
		return protocolVerifyConnect{}, ErrProtocolViolation
	}
	c := protocolVerifyConnect{Header: header}
	c.OutgoingPeerID = binary.BigEndian.Uint16(b[0:2])
	c.IncomingSessionID = b[2]
	c.OutgoingSessionID = b[3]
	c.MTU = binary.BigEndian.Uint32(b[4:8])
	c.WindowSize = binary.BigEndian.Uint32(b[8:12])
	c.ChannelCount = binary.BigEndian.Uint32(b[12:16])
	c.IncomingBandwidth = binary.BigEndian.Uint32(b[16:20])
	c.OutgoingBandwidth = binary.BigEndian.Uint32(b[20:24])
	c.PacketThrottleInterval = binary.BigEndian.Uint32(b[24:28])
	c.PacketThrottleAcceleration = binary.BigEndian.Uint32(b[28:32])
	c.PacketThrottleDeceleration = binary.BigEndian.Uint32(b[32:36])
	c.ConnectID = binary.BigEndian.Uint32(b[36:40])
	off := 40
	copy(c.PublicKx[:], b[off:off+kxPublicBytes])
	off += kxPublicBytes
	copy(c.Signature[:], b[off:off+signBytes])
	return c, nil
}

type protocolBandwidthLimit struct {
	Header            CommandHeader
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

func (c protocolBandwidthLimit) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint32(b, c.IncomingBandwidth)
	return binary.BigEndian.AppendUint32(b, c.OutgoingBandwidth)
}

func unmarshalBandwidthLimit(header CommandHeader, b []byte) (protocolBandwidthLimit, error) {
	if len(b) < 8 {
		return protocolBandwidthLimit{}, ErrProtocolViolation
	}
	return protocolBandwidthLimit{
		Header:            header,
		IncomingBandwidth: binary.BigEndian.Uint32(b[0:4]),
		OutgoingBandwidth: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

type protocolThrottleConfigure struct {
	Header                     CommandHeader
	PacketThrottleInterval     uint32
	PacketThrottleAcceleration uint32
	PacketThrottleDeceleration uint32
}

func (c protocolThrottleConfigure) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleInterval)
	b = binary.BigEndian.AppendUint32(b, c.PacketThrottleAcceleration)
	return binary.BigEndian.AppendUint32(b, c.PacketThrottleDeceleration)
}

func unmarshalThrottleConfigure(header CommandHeader, b []byte) (protocolThrottleConfigure, error) {
	if len(b) < 12 {
		return protocolThrottleConfigure{}, ErrProtocolViolation
	}
	return protocolThrottleConfigure{
		Header:                     header,
		PacketThrottleInterval:     binary.BigEndian.Uint32(b[0:4]),
		PacketThrottleAcceleration: binary.BigEndian.Uint32(b[4:8]),
		PacketThrottleDeceleration: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

type protocolDisconnect struct {
	Header CommandHeader
	Data   uint32
}

func (c protocolDisconnect) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	return binary.BigEndian.AppendUint32(b, c.Data)
}

func unmarshalDisconnect(header CommandHeader, b []byte) (protocolDisconnect, error) {
	if len(b) < 4 {
		return protocolDisconnect{}, ErrProtocolViolation
	}
	return protocolDisconnect{Header: header, Data: binary.BigEndian.Uint32(b[0:4])}, nil
}

type protocolPing struct {
	Header CommandHeader
}

func (c protocolPing) marshal(b []byte) []byte { return c.Header.marshal(b) }

type protocolSendReliable struct {
	Header     CommandHeader
	DataLength uint16
}

func (c protocolSendReliable) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	return binary.BigEndian.AppendUint16(b, c.DataLength)
}

func unmarshalSendReliable(header CommandHeader, b []byte) (protocolSendReliable, error) {
	if len(b) < 2 {
		return protocolSendReliable{}, ErrProtocolViolation
	}
	return protocolSendReliable{Header: header, DataLength: binary.BigEndian.Uint16(b[0:2])}, nil
}

type protocolSendUnreliable struct {
	Header                   CommandHeader
	UnreliableSequenceNumber uint16
	DataLength               uint16
}

func (c protocolSendUnreliable) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.UnreliableSequenceNumber)
	return binary.BigEndian.AppendUint16(b, c.DataLength)
}

func unmarshalSendUnreliable(header CommandHeader, b []byte) (protocolSendUnreliable, error) {
	if len(b) < 4 {
		return protocolSendUnreliable{}, ErrProtocolViolation
	}
	return protocolSendUnreliable{
		Header:                   header,
		UnreliableSequenceNumber: binary.BigEndian.Uint16(b[0:2]),
		DataLength:               binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

type protocolSendUnsequenced struct {
	Header            CommandHeader
	UnsequencedGroup  uint16
	DataLength        uint16
}

func (c protocolSendUnsequenced) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.UnsequencedGroup)
	return binary.BigEndian.AppendUint16(b, c.DataLength)
}

func unmarshalSendUnsequenced(header CommandHeader, b []byte) (protocolSendUnsequenced, error) {
	if len(b) < 4 {
		return protocolSendUnsequenced{}, ErrProtocolViolation
	}
	return protocolSendUnsequenced{
		Header:           header,
		UnsequencedGroup: binary.BigEndian.Uint16(b[0:2]),
		DataLength:       binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

type protocolSendFragment struct {
	Header              CommandHeader
	StartSequenceNumber uint16
	DataLength          uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
}

const sizeSendFragmentFixed = commandHeaderSize + 2 + 2 + 4*4

func (c protocolSendFragment) marshal(b []byte) []byte {
	b = c.Header.marshal(b)
	b = binary.BigEndian.AppendUint16(b, c.StartSequenceNumber)
	b = binary.BigEndian.AppendUint16(b, c.DataLength)
	b = binary.BigEndian.AppendUint32(b, c.FragmentCount)
	b = binary.BigEndian.AppendUint32(b, c.FragmentNumber)
	b = binary.BigEndian.AppendUint32(b, c.TotalLength)
	return binary.BigEndian.AppendUint32(b, c.FragmentOffset)
}

func unmarshalSendFragment(header CommandHeader, b []byte) (protocolSendFragment, error) {
	if len(b) < 20 {
		return protocolSendFragment{}, ErrProtocolViolation
	}
	return protocolSendFragment{
		Header:              header,
		StartSequenceNumber: binary.BigEndian.Uint16(b[0:2]),
		DataLength:          binary.BigEndian.Uint16(b[2:4]),
		FragmentCount:       binary.BigEndian.Uint32(b[4:8]),
		FragmentNumber:      binary.BigEndian.Uint32(b[8:12]),
		TotalLength:         binary.BigEndian.Uint32(b[12:16]),
		FragmentOffset:      binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// DatagramHeader is the 2-or-4-byte prefix on every datagram (§6).
type DatagramHeader struct {
	PeerID     uint16 // low 12 bits id, bits 12-13 session, bit14 compressed, bit15 sentTime
	SentTime   uint16
	HasSentTime bool
}

func packPeerID(peerID uint16, sessionID uint8, compressed, sentTime bool) uint16 {
	v := peerID & 0x0FFF
	v |= (uint16(sessionID) << HeaderSessionShift) & HeaderSessionMask
	if compressed {
		v |= HeaderFlagCompressed
	}
	if sentTime {
		v |= HeaderFlagSentTime
	}
	return v
}

func unpackPeerID(v uint16) (peerID uint16, sessionID uint8, compressed, sentTime bool) {
	peerID = v & 0x0FFF
	sessionID = uint8((v & HeaderSessionMask) >> HeaderSessionShift)
	compressed = v&HeaderFlagCompressed != 0
	sentTime = v&HeaderFlagSentTime != 0
	return
}

func (h DatagramHeader) marshal(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, h.PeerID)
	if h.HasSentTime {
		b = binary.BigEndian.AppendUint16(b, h.SentTime)
	}
	return b
}
