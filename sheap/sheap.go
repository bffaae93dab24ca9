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

// Package sheap is the shared heap (spec §4.1, component C1): the
// single allocator backing every datum that crosses a domain boundary.
// Every allocation carries owner-domain-id and borrow-count metadata
// next to its payload so that domain teardown can walk live
// allocations and reclaim exactly those owned by the dying domain.
package sheap

import (
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
)

// TypeID names a type registered with the heap. The heap refuses to
// allocate a type it does not recognize; this is how a domain
// advertises, at startup, the set of things it is willing to receive.
type TypeID uint64

// Layout describes a registered type's size and alignment, recorded
// for bookkeeping only (Stats does not report it); the Go allocator
// does the real placement for typed (non-byte-buffer) allocations.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// DropFunc runs when an allocation of a registered type is reclaimed,
// either by an explicit Dealloc or by a teardown Sweep. Value is the
// payload that was stored at allocation time.
type DropFunc func(value any)

type typeEntry struct {
	layout Layout
	drop   DropFunc
}

var (
	// ErrUnknownType is returned by Alloc/AllocBytes when typeID was
	// never registered.
	ErrUnknownType = xerrors.New("sheap: unknown type id")
	// ErrOutOfMemory is returned when the heap's configured byte
	// budget would be exceeded.
	ErrOutOfMemory = xerrors.New("sheap: out of memory")
	// ErrAlreadyRegistered is returned by RegisterType for a type id
	// that already has an entry.
	ErrAlreadyRegistered = xerrors.New("sheap: type already registered")
)

// Header is the shared-heap allocation header: the triple of
// (value, owner-domain-id, borrow-count) that the heap and every RRef
// built on top of it use to decide ownership and reclamation (spec
// §3 "Shared-heap allocation header", §6 "byte-exact external surface").
type Header struct {
	owner  atomic.Uint64
	borrow atomic.Int64
	typeID TypeID
	value  any
	bytes  []byte // non-nil iff this allocation is arena-backed
	heap   *Heap
}

// Owner returns the allocation's current owning domain.
func (h *Header) Owner() domainid.ID { return domainid.ID(h.owner.Load()) }

// MoveTo atomically reparents the allocation to newOwner. This is the
// single primitive the RRef and proxy layers use to transfer or
// reparent ownership; it performs no liveness check of its own
// (liveness is the caller's responsibility, enforced by the proxy
// protocol and by the rref package's move-only discipline).
func (h *Header) MoveTo(newOwner domainid.ID) { h.owner.Store(uint64(newOwner)) }

// Borrow increments the borrow count. A non-zero borrow count marks
// the allocation as not "owned" in the sense of spec §3, and
// rref.RRef.MoveTo refuses to move it while the count is non-zero;
// Header.MoveTo itself does not check (the proxy never borrows
// across a cross-domain call, by design; see spec §9 open question).
func (h *Header) Borrow() int64 { return h.borrow.Add(1) }

// Forfeit decrements the borrow count. Borrow followed by Forfeit is
// required to be a no-op on the count (spec §8).
func (h *Header) Forfeit() int64 { return h.borrow.Add(-1) }

// BorrowCount reads the current borrow count.
func (h *Header) BorrowCount() int64 { return h.borrow.Load() }

// TypeID reports the allocation's registered type.
func (h *Header) TypeID() TypeID { return h.typeID }

// Value returns the typed payload for a non-byte-buffer allocation.
func (h *Header) Value() any { return h.value }

// SetValue replaces the typed payload in place; used by rref.RRef's
// deref_mut to write through to the backing allocation.
func (h *Header) SetValue(v any) { h.value = v }

// Bytes returns the backing slice for an arena-backed allocation, or
// nil if this Header holds a typed Go value instead.
func (h *Header) Bytes() []byte { return h.bytes }

// Heap is the shared heap: a type registry, a live-allocation set, and
// an optional byte budget for the arena that backs byte-buffer
// allocations.
type Heap struct {
	mu            sync.Mutex
	types         map[TypeID]typeEntry
	live          map[*Header]struct{}
	arena         arena
	maxArenaBytes int64 // 0 means unlimited

	liveByOwner map[domainid.ID]int
	liveByType  map[TypeID]int
}

// New returns an empty Heap. maxArenaBytes caps the byte-buffer arena's
// total footprint (0 disables the cap) so that the out-of-memory path
// (spec §8 scenario 5) is reachable without exhausting the host.
func New(maxArenaBytes int64) *Heap {
	return &Heap{
		types:         make(map[TypeID]typeEntry),
		live:          make(map[*Header]struct{}),
		maxArenaBytes: maxArenaBytes,
		liveByOwner:   make(map[domainid.ID]int),
		liveByType:    make(map[TypeID]int),
	}
}

// RegisterType advertises that the heap may allocate values of typeID.
func (heap *Heap) RegisterType(typeID TypeID, layout Layout, drop DropFunc) error {
	heap.mu.Lock()
	defer heap.mu.Unlock()
	if _, ok := heap.types[typeID]; ok {
		return xerrors.Errorf("sheap: register type %d: %w", typeID, ErrAlreadyRegistered)
	}
	heap.types[typeID] = typeEntry{layout: layout, drop: drop}
	return nil
}

// Alloc allocates a block for a typed Go value, owned by owner.
func (heap *Heap) Alloc(owner domainid.ID, typeID TypeID, value any) (*Header, error) {
	heap.mu.Lock()
	defer heap.mu.Unlock()
	if _, ok := heap.types[typeID]; !ok {
		return nil, xerrors.Errorf("sheap: alloc type %d: %w", typeID, ErrUnknownType)
	}
	h := &Header{typeID: typeID, value: value, heap: heap}
	h.owner.Store(uint64(owner))
	heap.link(h, owner)
	return h, nil
}

// AllocBytes allocates an arena-backed byte buffer of length n, owned
// by owner. rref.RRefVec and rref.RRefDeque do not use it: their
// payloads, byte buffers included, are allocated through Alloc.
func (heap *Heap) AllocBytes(owner domainid.ID, typeID TypeID, n int) (*Header, error) {
	heap.mu.Lock()
	defer heap.mu.Unlock()
	if _, ok := heap.types[typeID]; !ok {
		return nil, xerrors.Errorf("sheap: alloc bytes type %d: %w", typeID, ErrUnknownType)
	}
	if heap.maxArenaBytes > 0 && heap.arena.mappedBytes()+int64(n) > heap.maxArenaBytes {
		return nil, ErrOutOfMemory
	}
	b, _, err := heap.arena.allocatePages(n)
	if err != nil {
		return nil, xerrors.Errorf("sheap: mmap %d bytes: %w", n, err)
	}
	h := &Header{typeID: typeID, bytes: b[:n:n], heap: heap}
	h.owner.Store(uint64(owner))
	heap.link(h, owner)
	return h, nil
}

func (heap *Heap) link(h *Header, owner domainid.ID) {
	heap.live[h] = struct{}{}
	heap.liveByOwner[owner]++
	heap.liveByType[h.typeID]++
}

func (heap *Heap) unlink(h *Header) {
	if _, ok := heap.live[h]; !ok {
		return
	}
	delete(heap.live, h)
	owner := h.Owner()
	heap.liveByOwner[owner]--
	if heap.liveByOwner[owner] <= 0 {
		delete(heap.liveByOwner, owner)
	}
	heap.liveByType[h.typeID]--
	if heap.liveByType[h.typeID] <= 0 {
		delete(heap.liveByType, h.typeID)
	}
}

// Dealloc releases a single allocation. Safe to call during a Sweep
// (Sweep takes its own snapshot under the lock) and idempotent: a
// Header already unlinked is a no-op.
func (heap *Heap) Dealloc(h *Header) {
	heap.mu.Lock()
	if _, ok := heap.live[h]; !ok {
		heap.mu.Unlock()
		return
	}
	heap.unlink(h)
	entry, hasDrop := heap.types[h.typeID]
	heap.mu.Unlock()

	if h.bytes != nil {
		if err := heap.arena.releasePages(h.bytes); err != nil {
			log.Printf("sheap: munmap failed: %v", err)
		}
	}
	if hasDrop && entry.drop != nil {
		runDrop(entry.drop, h.value)
	}
}

// HasOutstandingBorrows reports whether any allocation currently owned
// by owner has a non-zero borrow count. Teardown polls this before
// sweeping, so a domain's allocations are only reclaimed once nothing
// still holds a live borrow on them (spec §4.5's restart barrier:
// "restart waits until every RRef owned by the dead domain has a
// borrow count of zero").
func (heap *Heap) HasOutstandingBorrows(owner domainid.ID) bool {
	heap.mu.Lock()
	defer heap.mu.Unlock()
	for h := range heap.live {
		if h.Owner() == owner && h.BorrowCount() > 0 {
			return true
		}
	}
	return false
}

// Sweep frees every live allocation owned by domain id. It is invoked
// exactly once per dying domain by the loader's teardown protocol
// (spec §4.4 step 4). Sweep never fails: a panicking destructor is
// logged and sweeping continues.
func (heap *Heap) Sweep(owner domainid.ID) {
	heap.mu.Lock()
	var victims []*Header
	for h := range heap.live {
		if h.Owner() == owner {
			victims = append(victims, h)
		}
	}
	heap.mu.Unlock()

	for _, h := range victims {
		heap.Dealloc(h)
	}
}

func runDrop(drop DropFunc, value any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sheap: destructor panicked: %v", r)
		}
	}()
	drop(value)
}

// Stats is a read-only snapshot of heap occupancy, used by the debug
// introspection surface and by tests.
type Stats struct {
	LiveTotal   int
	LiveByOwner map[domainid.ID]int
	LiveByType  map[TypeID]int
	ArenaBytes  int64
}

// Stats returns a copy of the heap's current occupancy counters.
func (heap *Heap) Stats() Stats {
	heap.mu.Lock()
	defer heap.mu.Unlock()
	byOwner := make(map[domainid.ID]int, len(heap.liveByOwner))
	for k, v := range heap.liveByOwner {
		byOwner[k] = v
	}
	byType := make(map[TypeID]int, len(heap.liveByType))
	for k, v := range heap.liveByType {
		byType[k] = v
	}
	return Stats{
		LiveTotal:   len(heap.live),
		LiveByOwner: byOwner,
		LiveByType:  byType,
		ArenaBytes:  heap.arena.mappedBytes(),
	}
}
