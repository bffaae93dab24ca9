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

package rref

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/sheap"
)

// ErrFull is returned by RRefDeque.PushBack when the deque is at
// capacity. spec.md models RRefDeque<T, N> with a compile-time
// capacity N; Go generics have no const-generic equivalent, so the
// capacity is a runtime field fixed at construction (see DESIGN.md).
var ErrFull = xerrors.New("rref: deque at capacity")

// RRefDeque is a fixed-capacity ring buffer that is itself an RRef of
// a container type: moving it reparents every element it holds that
// implements Reparentable (spec §3 "RRef containers").
type RRefDeque[T any] struct {
	mu   sync.Mutex
	hdr  *sheap.Header
	buf  []T
	head int
	n    int
	cap  int
	live bool
}

// NewRRefDeque allocates a deque of the given fixed capacity.
func NewRRefDeque[T any](heap *sheap.Heap, owner domainid.ID, typeID sheap.TypeID, capacity int) (*RRefDeque[T], error) {
	if capacity <= 0 {
		return nil, xerrors.New("rref: deque capacity must be positive")
	}
	d := &RRefDeque[T]{buf: make([]T, capacity), cap: capacity}
	hdr, err := heap.Alloc(owner, typeID, d)
	if err != nil {
		return nil, xerrors.Errorf("rref: new deque: %w", err)
	}
	d.hdr = hdr
	d.live = true
	return d, nil
}

// Len reports the number of elements currently queued.
func (d *RRefDeque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Cap reports the fixed capacity.
func (d *RRefDeque[T]) Cap() int { return d.cap }

// PushBack enqueues v, failing with ErrFull once the deque is at
// capacity.
func (d *RRefDeque[T]) PushBack(v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live {
		return ErrMoved
	}
	if d.n == d.cap {
		return ErrFull
	}
	d.buf[(d.head+d.n)%d.cap] = v
	d.n++
	return nil
}

// PopFront dequeues the oldest element.
func (d *RRefDeque[T]) PopFront() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % d.cap
	d.n--
	return v, true
}

// MoveTo reparents the deque's own allocation and, for every queued
// element that implements Reparentable, reparents it too.
func (d *RRefDeque[T]) MoveTo(newOwner domainid.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live {
		return ErrMoved
	}
	d.hdr.MoveTo(newOwner)
	for i := 0; i < d.n; i++ {
		idx := (d.head + i) % d.cap
		if rp, ok := any(d.buf[idx]).(Reparentable); ok {
			rp.ReparentTo(newOwner)
		}
	}
	return nil
}

// Owner reports the deque's current owning domain.
func (d *RRefDeque[T]) Owner() domainid.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hdr.Owner()
}

// Drop releases the deque's own allocation, dropping every remaining
// element that implements Dropper first.
func (d *RRefDeque[T]) Drop(heap *sheap.Heap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.live {
		return
	}
	for i := 0; i < d.n; i++ {
		idx := (d.head + i) % d.cap
		if dr, ok := any(d.buf[idx]).(Dropper); ok {
			dr.DropRRef()
		}
	}
	heap.Dealloc(d.hdr)
	d.live = false
}

// RRefVec is a length-prefixed contiguous buffer that is itself an
// RRef of a container type (spec §3 "RRef containers").
type RRefVec[T any] struct {
	mu   sync.Mutex
	hdr  *sheap.Header
	data []T
	live bool
}

// NewRRefVec allocates a vector by copying data.
func NewRRefVec[T any](heap *sheap.Heap, owner domainid.ID, typeID sheap.TypeID, data []T) (*RRefVec[T], error) {
	v := &RRefVec[T]{data: append([]T(nil), data...)}
	hdr, err := heap.Alloc(owner, typeID, v)
	if err != nil {
		return nil, xerrors.Errorf("rref: new vec: %w", err)
	}
	v.hdr = hdr
	v.live = true
	return v, nil
}

// Len reports the vector's length.
func (v *RRefVec[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// AsSlice returns a read-only view bounded by the RRef's lifetime: the
// caller must not retain it past a MoveTo or Drop.
func (v *RRefVec[T]) AsSlice() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data
}

// AsMutSlice returns a mutable view with the same lifetime bound as
// AsSlice.
func (v *RRefVec[T]) AsMutSlice() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data
}

// MoveTo reparents the vector's own allocation and every contained
// element that implements Reparentable.
func (v *RRefVec[T]) MoveTo(newOwner domainid.ID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live {
		return ErrMoved
	}
	v.hdr.MoveTo(newOwner)
	for i := range v.data {
		if rp, ok := any(v.data[i]).(Reparentable); ok {
			rp.ReparentTo(newOwner)
		}
	}
	return nil
}

// Owner reports the vector's current owning domain.
func (v *RRefVec[T]) Owner() domainid.ID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hdr.Owner()
}

// Drop releases the vector's own allocation, dropping every element
// that implements Dropper first.
func (v *RRefVec[T]) Drop(heap *sheap.Heap) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.live {
		return
	}
	for i := range v.data {
		if dr, ok := any(v.data[i]).(Dropper); ok {
			dr.DropRRef()
		}
	}
	heap.Dealloc(v.hdr)
	v.live = false
}
