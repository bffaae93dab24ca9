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

package fsiface_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/fsiface"
	"github.com/mars-research/redkern/rref"
	"github.com/mars-research/redkern/sheap"
)

func Test(t *testing.T) { TestingT(t) }

type fsSuite struct{}

var _ = Suite(&fsSuite{})

const byteVecType sheap.TypeID = 1

func newMem(c *C) (*fsiface.Mem, *sheap.Heap) {
	heap := sheap.New(0)
	c.Assert(heap.RegisterType(byteVecType, sheap.Layout{}, nil), IsNil)
	return fsiface.NewMem(heap, byteVecType, domainid.ID(1)), heap
}

func (s *fsSuite) TestWriteThenReadRoundTrips(c *C) {
	m, heap := newMem(c)
	fd, err := m.Open(domainid.ID(2), "/tmp/x", 0)
	c.Assert(err, IsNil)

	buf, err := rref.NewRRefVec(heap, domainid.ID(1), byteVecType, []byte("hello"))
	c.Assert(err, IsNil)
	n, err := m.Write(domainid.ID(2), fd, buf)
	c.Assert(err, IsNil)
	c.Check(n, Equals, 5)

	_, err = m.Seek(domainid.ID(2), fd, 0, fsiface.SeekSet)
	c.Assert(err, IsNil)

	got, err := m.Read(domainid.ID(2), fd, 5)
	c.Assert(err, IsNil)
	c.Check(string(got.AsSlice()), Equals, "hello")
}

func (s *fsSuite) TestStatReportsSize(c *C) {
	m, heap := newMem(c)
	fd, _ := m.Open(domainid.ID(2), "/tmp/y", 0)
	buf, _ := rref.NewRRefVec(heap, domainid.ID(1), byteVecType, []byte("1234"))
	m.Write(domainid.ID(2), fd, buf)

	st, err := m.Stat(domainid.ID(2), fd)
	c.Assert(err, IsNil)
	c.Check(st.Size, Equals, int64(4))
}

func (s *fsSuite) TestCloseInvalidatesFd(c *C) {
	m, _ := newMem(c)
	fd, _ := m.Open(domainid.ID(2), "/tmp/z", 0)
	c.Assert(m.Close(domainid.ID(2), fd), IsNil)
	_, err := m.Stat(domainid.ID(2), fd)
	c.Check(err, Equals, fsiface.ErrBadFd)
}

func (s *fsSuite) TestLinkAndUnlink(c *C) {
	m, _ := newMem(c)
	m.Open(domainid.ID(2), "/a", 0)
	c.Assert(m.Link(domainid.ID(2), "/a", "/b"), IsNil)
	c.Assert(m.Unlink(domainid.ID(2), "/a"), IsNil)
	c.Check(m.Unlink(domainid.ID(2), "/a"), Equals, fsiface.ErrNotFound)
}

func (s *fsSuite) TestPipeReturnsDistinctEnds(c *C) {
	m, _ := newMem(c)
	r, w, err := m.Pipe(domainid.ID(2))
	c.Assert(err, IsNil)
	c.Check(r, Not(Equals), w)
}

func (s *fsSuite) TestDupStartsAtOriginalOffset(c *C) {
	m, heap := newMem(c)
	fd, _ := m.Open(domainid.ID(2), "/dup", 0)
	buf, _ := rref.NewRRefVec(heap, domainid.ID(1), byteVecType, []byte("abcdef"))
	m.Write(domainid.ID(2), fd, buf)
	m.Seek(domainid.ID(2), fd, 2, fsiface.SeekSet)

	dup, err := m.Dup(domainid.ID(2), fd)
	c.Assert(err, IsNil)
	got, err := m.Read(domainid.ID(2), dup, 2)
	c.Assert(err, IsNil)
	c.Check(string(got.AsSlice()), Equals, "cd")
}
