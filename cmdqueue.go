// SPDX-License-Identifier: MIT
//
// Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.

package secudp

import (
	"container/list"
	"time"
)

// OutgoingCommand is a queued command awaiting transmission or
// acknowledgement. Re-architected from the source's intrusive
// sentinel-linked list (Design Notes §9) into a typed payload stored in
// a container/list.List element — the structure the teacher itself
// reaches for per-peer ordered state (device/peer.go's trieEntries) —
// which keeps the O(1) splice/move-to-back semantics fragment dispatch
// depends on.
type OutgoingCommand struct {
	Command                ProtocolCommand
	ChannelID               uint8
	ReliableSequenceNumber  uint16
	UnreliableSequenceNumber uint16

	FragmentOffset uint32
	FragmentLength uint32

	SendAttempts      uint16
	SentTime          time.Time
	RoundTripTimeout  time.Duration
	RoundTripTimeoutLimit time.Duration

	// Body is the fully marshaled fixed-size command (header + its
	// per-opcode fields). For SEND_* commands carrying a Packet, Body
	// stops after the dataLength/fragment fields — the payload bytes
	// are appended from Packet.Ciphertext[FragmentOffset:][:FragmentLength]
	// at write time (host.go flushPeer).
	Body []byte

	Packet *Packet

	elem *list.Element
}

func (cmd *OutgoingCommand) wireSize() int {
	n := len(cmd.Body)
	if cmd.Packet != nil {
		n += int(cmd.FragmentLength)
	}
	return n
}

// commandQueue is an ordered, owned queue of *OutgoingCommand (or
// *IncomingCommand, via the same shape) with O(1) push/pop/remove.
type commandQueue struct {
	l list.List
}

func (q *commandQueue) pushBack(cmd *OutgoingCommand) {
	cmd.elem = q.l.PushBack(cmd)
}

func (q *commandQueue) front() *OutgoingCommand {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*OutgoingCommand)
}

func (q *commandQueue) popFront() *OutgoingCommand {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	cmd := e.Value.(*OutgoingCommand)
	cmd.elem = nil
	return cmd
}

func (q *commandQueue) remove(cmd *OutgoingCommand) {
	if cmd.elem != nil {
		q.l.Remove(cmd.elem)
		cmd.elem = nil
	}
}

func (q *commandQueue) empty() bool { return q.l.Len() == 0 }
func (q *commandQueue) len() int    { return q.l.Len() }

func (q *commandQueue) each(fn func(*OutgoingCommand) bool) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		if !fn(e.Value.(*OutgoingCommand)) {
			break
		}
		e = next
	}
}

// IncomingCommand is a parsed command buffered for in-order delivery or
// fragment reassembly (§3, §4.3).
type IncomingCommand struct {
	ReliableSequenceNumber   uint16
	UnreliableSequenceNumber uint16
	Command                  ProtocolCommand
	ChannelID                 uint8

	Packet *Packet

	FragmentCount     uint32
	FragmentsRemaining uint32
	FragmentBitmap     []uint32

	elem *list.Element
}

type incomingQueue struct {
	l list.List
}

func (q *incomingQueue) pushBack(cmd *IncomingCommand) {
	cmd.elem = q.l.PushBack(cmd)
}

func (q *incomingQueue) insertBefore(cmd *IncomingCommand, before *IncomingCommand) {
	if before == nil {
		cmd.elem = q.l.PushBack(cmd)
		return
	}
	cmd.elem = q.l.InsertBefore(cmd, before.elem)
}

func (q *incomingQueue) remove(cmd *IncomingCommand) {
	if cmd.elem != nil {
		q.l.Remove(cmd.elem)
		cmd.elem = nil
	}
}

func (q *incomingQueue) front() *IncomingCommand {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*IncomingCommand)
}

func (q *incomingQueue) popFront() *IncomingCommand {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	cmd := e.Value.(*IncomingCommand)
	cmd.elem = nil
	return cmd
}

func (q *incomingQueue) empty() bool { return q.l.Len() == 0 }
func (q *incomingQueue) len() int    { return q.l.Len() }

// eachFromTail walks from the tail, matching peer.c's insertion-sort-from-tail
// approach for ordered incoming reliable commands.
func (q *incomingQueue) eachFromTail(fn func(*IncomingCommand) bool) {
	for e := q.l.Back(); e != nil; {
		prev := e.Prev()
		if !fn(e.Value.(*IncomingCommand)) {
			break
		}
		e = prev
	}
}

func (q *incomingQueue) eachFromHead(fn func(*IncomingCommand) bool) {
	for e := q.l.Front(); e != nil; {
		next := e.Next()
		if !fn(e.Value.(*IncomingCommand)) {
			break
		}
		e = next
	}
}
