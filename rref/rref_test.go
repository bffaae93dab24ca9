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

package rref_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/rref"
	"github.com/mars-research/redkern/sheap"
)

func Test(t *testing.T) { TestingT(t) }

type rrefSuite struct {
	heap *sheap.Heap
}

var _ = Suite(&rrefSuite{})

const (
	typeInt    sheap.TypeID = 1
	typeDeque  sheap.TypeID = 2
	typeVec    sheap.TypeID = 3
	typeNested sheap.TypeID = 4
)

func (s *rrefSuite) SetUpTest(c *C) {
	s.heap = sheap.New(0)
	c.Assert(s.heap.RegisterType(typeInt, sheap.Layout{}, nil), IsNil)
	c.Assert(s.heap.RegisterType(typeDeque, sheap.Layout{}, nil), IsNil)
	c.Assert(s.heap.RegisterType(typeVec, sheap.Layout{}, nil), IsNil)
	c.Assert(s.heap.RegisterType(typeNested, sheap.Layout{}, nil), IsNil)
}

func (s *rrefSuite) TestNewThenDerefRoundTrips(c *C) {
	r, err := rref.New(s.heap, domainid.ID(1), typeInt, 42)
	c.Assert(err, IsNil)
	v, err := r.Deref(domainid.ID(1))
	c.Assert(err, IsNil)
	c.Check(v, Equals, 42)
}

func (s *rrefSuite) TestDerefFromNonOwnerFails(c *C) {
	r, _ := rref.New(s.heap, domainid.ID(1), typeInt, 42)
	_, err := r.Deref(domainid.ID(2))
	c.Assert(err, Equals, rref.ErrWrongDomain)
}

func (s *rrefSuite) TestMoveToThenMoveToLeavesOwnerAtLast(c *C) {
	r, _ := rref.New(s.heap, domainid.ID(1), typeInt, 1)
	c.Assert(r.MoveTo(domainid.ID(2)), IsNil)
	c.Assert(r.MoveTo(domainid.ID(3)), IsNil)
	c.Check(r.Owner(), Equals, domainid.ID(3))
}

func (s *rrefSuite) TestBorrowForfeitRoundTrip(c *C) {
	r, _ := rref.New(s.heap, domainid.ID(1), typeInt, 1)
	c.Assert(r.Borrow(), IsNil)
	c.Assert(r.Forfeit(), IsNil)
}

func (s *rrefSuite) TestDropFreesFromHeap(c *C) {
	r, _ := rref.New(s.heap, domainid.ID(1), typeInt, 1)
	r.Drop(s.heap)
	c.Check(s.heap.Stats().LiveTotal, Equals, 0)
	c.Check(r.IsLive(), Equals, false)

	_, err := r.Deref(domainid.ID(1))
	c.Assert(err, Equals, rref.ErrMoved)
}

func (s *rrefSuite) TestDequeMoveToReparentsContainerAndElements(c *C) {
	d, err := rref.NewRRefDeque[*rref.RRef[int]](s.heap, domainid.ID(1), typeDeque, 4)
	c.Assert(err, IsNil)

	e1, _ := rref.New(s.heap, domainid.ID(1), typeInt, 10)
	e2, _ := rref.New(s.heap, domainid.ID(1), typeInt, 20)
	c.Assert(d.PushBack(e1), IsNil)
	c.Assert(d.PushBack(e2), IsNil)

	c.Assert(d.MoveTo(domainid.ID(2)), IsNil)

	c.Check(d.Owner(), Equals, domainid.ID(2))
	c.Check(e1.Owner(), Equals, domainid.ID(2))
	c.Check(e2.Owner(), Equals, domainid.ID(2))
}

func (s *rrefSuite) TestDequeRejectsPushPastCapacity(c *C) {
	d, _ := rref.NewRRefDeque[int](s.heap, domainid.ID(1), typeDeque, 2)
	c.Assert(d.PushBack(1), IsNil)
	c.Assert(d.PushBack(2), IsNil)
	c.Assert(d.PushBack(3), Equals, rref.ErrFull)
}

func (s *rrefSuite) TestDequeFIFOOrder(c *C) {
	d, _ := rref.NewRRefDeque[int](s.heap, domainid.ID(1), typeDeque, 4)
	for _, v := range []int{1, 2, 3} {
		c.Assert(d.PushBack(v), IsNil)
	}
	for _, want := range []int{1, 2, 3} {
		got, ok := d.PopFront()
		c.Assert(ok, Equals, true)
		c.Check(got, Equals, want)
	}
	_, ok := d.PopFront()
	c.Check(ok, Equals, false)
}

func (s *rrefSuite) TestVecMoveToReparentsContainerAndElements(c *C) {
	e1, _ := rref.New(s.heap, domainid.ID(1), typeInt, 1)
	e2, _ := rref.New(s.heap, domainid.ID(1), typeInt, 2)

	v, err := rref.NewRRefVec[*rref.RRef[int]](s.heap, domainid.ID(1), typeVec, []*rref.RRef[int]{e1, e2})
	c.Assert(err, IsNil)

	c.Assert(v.MoveTo(domainid.ID(5)), IsNil)
	c.Check(v.Owner(), Equals, domainid.ID(5))
	c.Check(e1.Owner(), Equals, domainid.ID(5))
	c.Check(e2.Owner(), Equals, domainid.ID(5))
}

func (s *rrefSuite) TestVecByteBufferRoundTrip(c *C) {
	payload := []byte("hello kernel")
	v, err := rref.NewRRefVec[byte](s.heap, domainid.ID(1), typeVec, payload)
	c.Assert(err, IsNil)
	c.Check(v.Len(), Equals, len(payload))
	c.Check(string(v.AsSlice()), Equals, "hello kernel")

	mut := v.AsMutSlice()
	mut[0] = 'H'
	c.Check(string(v.AsSlice()), Equals, "Hello kernel")
}

// nestedRef embeds an RRef to exercise the Reparentable tree case
// described in spec §4.2: "An RRef is itself a value type: it can be
// stored inside another RRef's payload, forming trees."
type nestedRef struct {
	inner *rref.RRef[int]
}

func (n nestedRef) ReparentTo(to domainid.ID) { _ = n.inner.MoveTo(to) }

func (s *rrefSuite) TestNestedRRefTreeReparentsRecursively(c *C) {
	inner, _ := rref.New(s.heap, domainid.ID(1), typeInt, 7)
	outer, err := rref.New(s.heap, domainid.ID(1), typeNested, nestedRef{inner: inner})
	c.Assert(err, IsNil)

	c.Assert(outer.MoveTo(domainid.ID(2)), IsNil)
	c.Check(outer.Owner(), Equals, domainid.ID(2))
	c.Check(inner.Owner(), Equals, domainid.ID(2))
}
