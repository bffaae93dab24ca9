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

package sheap_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/sheap"
)

func Test(t *testing.T) { TestingT(t) }

type sheapSuite struct{}

var _ = Suite(&sheapSuite{})

const (
	typeBlkReq sheap.TypeID = 1
	typeBytes  sheap.TypeID = 2
)

func (s *sheapSuite) TestAllocRejectsUnknownType(c *C) {
	h := sheap.New(0)
	_, err := h.Alloc(domainid.ID(1), typeBlkReq, 42)
	c.Assert(err, ErrorMatches, "sheap: alloc type 1: sheap: unknown type id")
}

func (s *sheapSuite) TestAllocSetsOwnerToAllocatingDomain(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{Size: 8}, nil), IsNil)

	hdr, err := h.Alloc(domainid.ID(5), typeBlkReq, "payload")
	c.Assert(err, IsNil)
	c.Check(hdr.Owner(), Equals, domainid.ID(5))
	c.Check(hdr.BorrowCount(), Equals, int64(0))
	c.Check(hdr.Value(), Equals, "payload")
}

func (s *sheapSuite) TestMoveToReparents(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, nil), IsNil)
	hdr, err := h.Alloc(domainid.ID(1), typeBlkReq, nil)
	c.Assert(err, IsNil)

	hdr.MoveTo(domainid.ID(2))
	c.Check(hdr.Owner(), Equals, domainid.ID(2))
	hdr.MoveTo(domainid.ID(3))
	c.Check(hdr.Owner(), Equals, domainid.ID(3))
}

func (s *sheapSuite) TestBorrowForfeitRoundTrip(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, nil), IsNil)
	hdr, _ := h.Alloc(domainid.ID(1), typeBlkReq, nil)

	hdr.Borrow()
	c.Check(hdr.BorrowCount(), Equals, int64(1))
	hdr.Forfeit()
	c.Check(hdr.BorrowCount(), Equals, int64(0))
}

func (s *sheapSuite) TestSweepFreesOnlyDyingDomain(c *C) {
	h := sheap.New(0)
	var dropped []string
	drop := func(v any) { dropped = append(dropped, v.(string)) }
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, drop), IsNil)

	a1, _ := h.Alloc(domainid.ID(1), typeBlkReq, "a1")
	_, _ = h.Alloc(domainid.ID(1), typeBlkReq, "a2")
	b1, _ := h.Alloc(domainid.ID(2), typeBlkReq, "b1")

	h.Sweep(domainid.ID(1))

	stats := h.Stats()
	c.Check(stats.LiveTotal, Equals, 1)
	c.Check(stats.LiveByOwner[domainid.ID(1)], Equals, 0)
	c.Check(stats.LiveByOwner[domainid.ID(2)], Equals, 1)
	c.Check(len(dropped), Equals, 2)

	// both domain-1 allocations are gone; domain-2's allocation survives
	_ = a1
	c.Check(b1.Owner(), Equals, domainid.ID(2))
}

func (s *sheapSuite) TestSweepRecoversFromPanickingDestructor(c *C) {
	h := sheap.New(0)
	drop := func(v any) { panic("boom") }
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, drop), IsNil)
	_, _ = h.Alloc(domainid.ID(9), typeBlkReq, "x")

	c.Check(func() { h.Sweep(domainid.ID(9)) }, Not(PanicMatches), ".*")
	c.Check(h.Stats().LiveTotal, Equals, 0)
}

func (s *sheapSuite) TestAllocBytesArenaBacked(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBytes, sheap.Layout{}, nil), IsNil)

	hdr, err := h.AllocBytes(domainid.ID(1), typeBytes, 512)
	c.Assert(err, IsNil)
	c.Check(len(hdr.Bytes()), Equals, 512)
	c.Check(hdr.Value(), IsNil)

	hdr.Bytes()[0] = 0xAB
	c.Check(hdr.Bytes()[0], Equals, byte(0xAB))
}

func (s *sheapSuite) TestAllocBytesOutOfMemory(c *C) {
	h := sheap.New(4096)
	c.Assert(h.RegisterType(typeBytes, sheap.Layout{}, nil), IsNil)

	_, err := h.AllocBytes(domainid.ID(1), typeBytes, 4096)
	c.Assert(err, IsNil)

	_, err = h.AllocBytes(domainid.ID(1), typeBytes, 4096)
	c.Assert(err, Equals, sheap.ErrOutOfMemory)
}

func (s *sheapSuite) TestDeallocIsIdempotent(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, nil), IsNil)
	hdr, _ := h.Alloc(domainid.ID(1), typeBlkReq, nil)

	h.Dealloc(hdr)
	h.Dealloc(hdr) // must not double-count or panic
	c.Check(h.Stats().LiveTotal, Equals, 0)
}

func (s *sheapSuite) TestHasOutstandingBorrowsReflectsBorrowCount(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, nil), IsNil)
	hdr, _ := h.Alloc(domainid.ID(1), typeBlkReq, nil)

	c.Check(h.HasOutstandingBorrows(domainid.ID(1)), Equals, false)

	hdr.Borrow()
	c.Check(h.HasOutstandingBorrows(domainid.ID(1)), Equals, true)
	c.Check(h.HasOutstandingBorrows(domainid.ID(2)), Equals, false)

	hdr.Forfeit()
	c.Check(h.HasOutstandingBorrows(domainid.ID(1)), Equals, false)
}

func (s *sheapSuite) TestRegisterTypeTwiceFails(c *C) {
	h := sheap.New(0)
	c.Assert(h.RegisterType(typeBlkReq, sheap.Layout{}, nil), IsNil)
	err := h.RegisterType(typeBlkReq, sheap.Layout{}, nil)
	c.Assert(err, ErrorMatches, ".*type already registered")
}
