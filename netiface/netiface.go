// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 mars-research
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package netiface names the TCP/IP trait (spec §6, item 3): the shape
// a network-stack domain exposes to every other domain through a
// proxy.Proxy[Net]. Packets cross the boundary in an
// rref.RRefDeque[Packet] of fixed capacity 32, each element a fixed
// 1514-byte frame (spec §6: "RRefDeque<byte-array[1514], 32>"). As
// with fsiface, the stack itself is an out-of-scope collaborator; this
// package exists so the core's RRefDeque-crossing convention has a
// concrete, testable trait, with a minimal loopback reference
// implementation.
package netiface

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/rref"
	"github.com/mars-research/redkern/sheap"
)

// PacketSize is the fixed frame size crossing the boundary (spec §6).
const PacketSize = 1514

// PacketQueueCapacity is the fixed RRefDeque capacity for a socket's
// packet queue (spec §6).
const PacketQueueCapacity = 32

// Packet is one fixed-size frame.
type Packet [PacketSize]byte

// SocketID names a socket, scoped to the net domain's own table.
type SocketID int

var (
	ErrNoSocket    = xerrors.New("netiface: no such socket")
	ErrNotListener = xerrors.New("netiface: socket is not listening")
)

// Net is the cross-domain TCP/IP trait (spec §6 item 3).
type Net interface {
	Create(caller domainid.ID) (SocketID, error)
	Listen(caller domainid.ID, sock SocketID, port uint16) error
	Close(caller domainid.ID, sock SocketID) error
	ReadSocket(caller domainid.ID, sock SocketID) (*rref.RRefDeque[Packet], error)
	WriteSocket(caller domainid.ID, sock SocketID, packets *rref.RRefDeque[Packet]) (int, error)
	Poll(caller domainid.ID, sock SocketID) error
	CanRecv(caller domainid.ID, sock SocketID) (bool, error)
	IsActive(caller domainid.ID, sock SocketID) (bool, error)
	IsListening(caller domainid.ID, sock SocketID) (bool, error)
}

type socket struct {
	id        SocketID
	listening bool
	active    bool
	port      uint16
	inbound   []Packet // loopback delivery queue, drained by ReadSocket
}

// Loopback is a minimal Net implementation that delivers anything
// written on a listening socket back to that same socket's inbound
// queue, enough to exercise Create/Listen/Write/Read/Poll/Close and
// the RRefDeque argument-passing convention end to end without a real
// network stack.
type Loopback struct {
	heap   *sheap.Heap
	typeID sheap.TypeID
	home   domainid.ID

	mu      sync.Mutex
	sockets map[SocketID]*socket
	nextID  SocketID
}

// NewLoopback returns an empty Loopback net stack. heap must already
// have typeID registered for *rref.RRefDeque[Packet] payloads.
func NewLoopback(heap *sheap.Heap, typeID sheap.TypeID, home domainid.ID) *Loopback {
	return &Loopback{
		heap:    heap,
		typeID:  typeID,
		home:    home,
		sockets: make(map[SocketID]*socket),
	}
}

func (n *Loopback) Create(_ domainid.ID) (SocketID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.sockets[id] = &socket{id: id}
	return id, nil
}

func (n *Loopback) Listen(_ domainid.ID, sock SocketID, port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sockets[sock]
	if !ok {
		return ErrNoSocket
	}
	s.listening = true
	s.active = true
	s.port = port
	return nil
}

func (n *Loopback) Close(_ domainid.ID, sock SocketID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[sock]; !ok {
		return ErrNoSocket
	}
	delete(n.sockets, sock)
	return nil
}

func (n *Loopback) ReadSocket(_ domainid.ID, sock SocketID) (*rref.RRefDeque[Packet], error) {
	n.mu.Lock()
	s, ok := n.sockets[sock]
	if !ok {
		n.mu.Unlock()
		return nil, ErrNoSocket
	}
	pending := s.inbound
	s.inbound = nil
	n.mu.Unlock()

	deque, err := rref.NewRRefDeque[Packet](n.heap, n.home, n.typeID, PacketQueueCapacity)
	if err != nil {
		return nil, xerrors.Errorf("netiface: read socket %d: %w", sock, err)
	}
	for _, p := range pending {
		if err := deque.PushBack(p); err != nil {
			break // queue capacity is smaller than what arrived; rest stays dropped, matching a real NIC ring overrun
		}
	}
	return deque, nil
}

func (n *Loopback) WriteSocket(_ domainid.ID, sock SocketID, packets *rref.RRefDeque[Packet]) (int, error) {
	n.mu.Lock()
	s, ok := n.sockets[sock]
	if !ok {
		n.mu.Unlock()
		return 0, ErrNoSocket
	}
	if !s.listening {
		n.mu.Unlock()
		return 0, ErrNotListener
	}
	n.mu.Unlock()

	count := 0
	for {
		p, ok := packets.PopFront()
		if !ok {
			break
		}
		n.mu.Lock()
		s.inbound = append(s.inbound, p)
		n.mu.Unlock()
		count++
	}
	return count, nil
}

func (n *Loopback) Poll(_ domainid.ID, sock SocketID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[sock]; !ok {
		return ErrNoSocket
	}
	return nil
}

func (n *Loopback) CanRecv(_ domainid.ID, sock SocketID) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sockets[sock]
	if !ok {
		return false, ErrNoSocket
	}
	return len(s.inbound) > 0, nil
}

func (n *Loopback) IsActive(_ domainid.ID, sock SocketID) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sockets[sock]
	if !ok {
		return false, ErrNoSocket
	}
	return s.active, nil
}

func (n *Loopback) IsListening(_ domainid.ID, sock SocketID) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sockets[sock]
	if !ok {
		return false, ErrNoSocket
	}
	return s.listening, nil
}

var _ Net = (*Loopback)(nil)
