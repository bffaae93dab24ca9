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

// Package rref implements the remote-reference discipline (spec §4.2,
// component C2): an owned handle to a shared-heap block that is the
// only legal way to pass mutable data across a domain boundary.
//
// Calling MoveTo on an RRef transfers ownership of the underlying
// allocation and, if the payload itself holds nested RRefs,
// recursively reparents them. MoveTo does not consume the handle: the
// same handle stays usable afterward (the proxy reparents a result
// back to the caller through it), so discarding a moved-from handle is
// left to the caller. Only Drop retires a handle: after Drop, Deref,
// DerefMut, Borrow, Forfeit and MoveTo report ErrMoved, and a second
// Drop does nothing.
package rref

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/sheap"
)

// Reparentable is implemented by payload types that themselves hold
// RRefs, so that reparenting the outer allocation recursively
// reparents the whole subtree (spec §4.2 "RRef is itself a value
// type... A reparent of the root recursively reparents the subtree").
type Reparentable interface {
	ReparentTo(domainid.ID)
}

// Dropper is implemented by payload types that own further RRefs and
// must release them when the outer allocation is dropped.
type Dropper interface {
	DropRRef()
}

// Movable is the method set shared by RRef, RRefVec and RRefDeque. The
// cross-domain call proxy reparents arguments and results through this
// interface alone, so it never needs to know which concrete container
// crossed the boundary (spec §4.5 steps 3 and 5).
type Movable interface {
	MoveTo(domainid.ID) error
}

var (
	// ErrMoved is returned by Deref, DerefMut, Borrow, Forfeit and
	// MoveTo on an RRef that has been dropped, and by the containers'
	// PushBack and MoveTo after Drop.
	ErrMoved = xerrors.New("rref: use of moved handle")
	// ErrBorrowed is returned by MoveTo when the allocation has a
	// non-zero borrow count; a borrowed allocation does not move.
	ErrBorrowed = xerrors.New("rref: move of borrowed handle")
	// ErrWrongDomain is returned by Deref/DerefMut when the calling
	// domain does not currently own the allocation.
	ErrWrongDomain = xerrors.New("rref: deref from non-owning domain")
)

// RRef is an owned handle to a value of type T allocated on the
// shared heap.
type RRef[T any] struct {
	mu   sync.Mutex
	hdr  *sheap.Header
	live bool
}

// New allocates a block for value on heap, owned by owner, and returns
// a handle to it. Fails if typeID was not registered with the heap.
func New[T any](heap *sheap.Heap, owner domainid.ID, typeID sheap.TypeID, value T) (*RRef[T], error) {
	hdr, err := heap.Alloc(owner, typeID, value)
	if err != nil {
		return nil, xerrors.Errorf("rref: new: %w", err)
	}
	return &RRef[T]{hdr: hdr, live: true}, nil
}

// NewAligned is New with an explicit alignment argument. The alignment
// is neither applied nor recorded: Go's allocator decides real
// placement, and the type's Layout is whatever RegisterType was given.
func NewAligned[T any](heap *sheap.Heap, owner domainid.ID, typeID sheap.TypeID, value T, alignment uintptr) (*RRef[T], error) {
	return New(heap, owner, typeID, value)
}

// MoveTo atomically reparents the underlying allocation to newOwner.
// This is the primitive the cross-domain call proxy uses to reparent
// arguments and returns. If the payload implements Reparentable, its
// nested RRefs are reparented too. A handle with a non-zero borrow
// count is not moved and ErrBorrowed is returned.
func (r *RRef[T]) MoveTo(newOwner domainid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return ErrMoved
	}
	if r.hdr.BorrowCount() != 0 {
		return ErrBorrowed
	}
	r.hdr.MoveTo(newOwner)
	if rp, ok := any(r.hdr.Value()).(Reparentable); ok {
		rp.ReparentTo(newOwner)
	}
	return nil
}

// ReparentTo implements Reparentable so an RRef may itself be nested
// inside another RRef's payload.
func (r *RRef[T]) ReparentTo(to domainid.ID) { _ = r.MoveTo(to) }

// Borrow increments the allocation's borrow count without transferring
// ownership. The cross-domain call protocol never borrows an argument
// across the boundary (spec §9); Borrow exists for same-domain
// read-only sharing only.
func (r *RRef[T]) Borrow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return ErrMoved
	}
	r.hdr.Borrow()
	return nil
}

// Forfeit decrements the borrow count. Borrow followed by Forfeit is a
// no-op on the count (spec §8).
func (r *RRef[T]) Forfeit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return ErrMoved
	}
	r.hdr.Forfeit()
	return nil
}

// Owner reports the allocation's current owning domain.
func (r *RRef[T]) Owner() domainid.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hdr.Owner()
}

// Deref yields the payload, provided caller names the domain that
// currently owns the allocation. This is the runtime check spec §4.2
// calls for: "the caller must be running in the domain that currently
// owns the allocation."
func (r *RRef[T]) Deref(caller domainid.ID) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if !r.live {
		return zero, ErrMoved
	}
	if r.hdr.Owner() != caller {
		return zero, ErrWrongDomain
	}
	return r.hdr.Value().(T), nil
}

// DerefMut yields the payload and a writer function that commits a new
// value back to the allocation, again gated on caller owning it.
func (r *RRef[T]) DerefMut(caller domainid.ID) (T, func(T), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if !r.live {
		return zero, nil, ErrMoved
	}
	if r.hdr.Owner() != caller {
		return zero, nil, ErrWrongDomain
	}
	return r.hdr.Value().(T), func(v T) { r.hdr.SetValue(v) }, nil
}

// Drop releases the allocation through the shared heap. If the payload
// implements Dropper, its nested RRefs are dropped first.
func (r *RRef[T]) Drop(heap *sheap.Heap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.live {
		return
	}
	if d, ok := any(r.hdr.Value()).(Dropper); ok {
		d.DropRRef()
	}
	heap.Dealloc(r.hdr)
	r.live = false
}

// IsLive reports whether the handle has not yet been moved or dropped.
func (r *RRef[T]) IsLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
