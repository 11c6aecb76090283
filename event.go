// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

// EventType classifies what Host.Service observed (§4.1).
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

// Event is the single-slot result of Host.Service, mirroring
// secudp_host_service's out-parameter contract.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Data      []byte
	EventData uint32
}
