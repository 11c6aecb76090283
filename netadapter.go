// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"net"
	"time"
)

// Bind is the out-of-scope datagram socket collaborator (§1, §5): bind,
// send-to, receive-from, non-blocking wait. Typed here the way the
// teacher types conn.Bind against device.Device, so the Host Engine
// never touches a raw net.PacketConn directly and a test harness can
// substitute an in-memory Bind for loopback scenarios without a real
// socket.
type Bind interface {
	// ReceiveFrom blocks until a datagram arrives, the deadline set by
	// SetReadDeadline elapses, or Close is called, returning the
	// number of bytes read and the sender's address.
	ReceiveFrom(buf []byte) (n int, addr net.Addr, err error)

	// Send writes buf to addr.
	Send(buf []byte, addr net.Addr) error

	// SetReadDeadline bounds the next ReceiveFrom call, implementing
	// the "timeout or interrupt" half of socket_wait.
	SetReadDeadline(t time.Time) error

	Close() error
}

// udpBind is the real implementation of Bind over a UDP socket, the
// analogue of wireguard-go's platform conn.Bind for this transport.
type udpBind struct {
	conn *net.UDPConn
}

func ListenUDP(laddr *net.UDPAddr) (Bind, *net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, err
	}
	return &udpBind{conn: conn}, conn.LocalAddr().(*net.UDPAddr), nil
}

func (b *udpBind) ReceiveFrom(buf []byte) (int, net.Addr, error) {
	return b.conn.ReadFromUDP(buf)
}

func (b *udpBind) Send(buf []byte, addr net.Addr) error {
	_, err := b.conn.WriteTo(buf, addr)
	return err
}

func (b *udpBind) SetReadDeadline(t time.Time) error {
	return b.conn.SetReadDeadline(t)
}

func (b *udpBind) Close() error {
	return b.conn.Close()
}
