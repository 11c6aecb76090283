// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "sync/atomic"

// PacketFlag mirrors secudp.h's SecUdpPacketFlag bits.
type PacketFlag uint32

const (
	PacketFlagReliable PacketFlag = 1 << iota
	PacketFlagUnsequenced
	PacketFlagNoAllocate
	PacketFlagUnreliableFragment
	PacketFlagSent
)

// Packet is a reference-counted message. Ciphertext holds the
// ciphertext ∥ mac ∥ nonce frame once sealed for send, or the raw wire
// bytes on receive. Data is the cleartext view for packets built with
// NewPacket; the engine's send and receive paths leave it unset, and
// Receive returns the opened cleartext directly instead of storing it
// in Data.
type Packet struct {
	Data       []byte
	Ciphertext []byte
	Flags      PacketFlag

	refCount atomic.Int32

	// FreeCallback, if set, runs once the packet's reference count
	// reaches zero, mirroring SecUdpPacket's userData free callback.
	FreeCallback func(*Packet)
}

// NewPacket wraps application data in a Packet whose reference count
// starts at 1, owned by the caller. Peer.Send takes a byte slice and
// does not accept a Packet.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	p := &Packet{Data: data, Flags: flags}
	p.refCount.Store(1)
	return p
}

func (p *Packet) addRef() {
	p.refCount.Add(1)
}

// release decrements the reference count and frees the packet's buffers
// once it reaches zero, per §3's Packet lifecycle invariant.
func (p *Packet) release() {
	if p.refCount.Add(-1) > 0 {
		return
	}
	if p.FreeCallback != nil {
		p.FreeCallback(p)
	}
	p.Data = nil
	p.Ciphertext = nil
}
