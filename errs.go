// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import "errors"

// Sentinel error kinds, one per §7 of the design. Call sites wrap these
// with fmt.Errorf("...: %w", ErrX) rather than define a parallel type
// hierarchy, matching how the teacher wraps conn/bind failures.
var (
	ErrInvalidArgument  = errors.New("secudp: invalid argument")
	ErrOutOfMemory      = errors.New("secudp: out of memory")
	ErrProtocolViolation = errors.New("secudp: protocol violation")
	ErrCryptoFailure    = errors.New("secudp: crypto failure")
	ErrTimeout          = errors.New("secudp: peer timeout")
	ErrIoError          = errors.New("secudp: io error")

	ErrHostClosed    = errors.New("secudp: host closed")
	ErrTooManyPeers  = errors.New("secudp: too many peers")
	ErrPeerNotConnected = errors.New("secudp: peer not connected")
)
