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

package registry_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/registry"
)

func Test(t *testing.T) { TestingT(t) }

type registrySuite struct{}

var _ = Suite(&registrySuite{})

func (s *registrySuite) TestInsertThenGet(c *C) {
	r := registry.New()
	rec, err := r.Insert(domainid.ID(1), "netd", registry.ImageRange{Base: 0x1000, End: 0x2000}, 0x1000)
	c.Assert(err, IsNil)
	c.Check(rec.Alive(), Equals, true)

	got, err := r.Get(domainid.ID(1))
	c.Assert(err, IsNil)
	c.Check(got, Equals, rec)
}

func (s *registrySuite) TestInsertDuplicateFails(c *C) {
	r := registry.New()
	_, err := r.Insert(domainid.ID(1), "a", registry.ImageRange{}, 0)
	c.Assert(err, IsNil)
	_, err = r.Insert(domainid.ID(1), "b", registry.ImageRange{}, 0)
	c.Assert(err, ErrorMatches, ".*already registered")
}

func (s *registrySuite) TestGetUnknownFails(c *C) {
	r := registry.New()
	_, err := r.Get(domainid.ID(42))
	c.Assert(err, Equals, registry.ErrNotFound)
}

func (s *registrySuite) TestMarkDeadThenIsLive(c *C) {
	r := registry.New()
	r.Insert(domainid.ID(1), "a", registry.ImageRange{}, 0)
	c.Check(r.IsLive(domainid.ID(1)), Equals, true)

	c.Assert(r.MarkDead(domainid.ID(1)), IsNil)
	c.Check(r.IsLive(domainid.ID(1)), Equals, false)
}

func (s *registrySuite) TestIsLiveFalseForUnknown(c *C) {
	r := registry.New()
	c.Check(r.IsLive(domainid.ID(7)), Equals, false)
}

func (s *registrySuite) TestRemoveDeletesRecord(c *C) {
	r := registry.New()
	r.Insert(domainid.ID(1), "a", registry.ImageRange{}, 0)
	r.Remove(domainid.ID(1))
	_, err := r.Get(domainid.ID(1))
	c.Assert(err, Equals, registry.ErrNotFound)
}

func (s *registrySuite) TestListSortedByID(c *C) {
	r := registry.New()
	r.Insert(domainid.ID(3), "c", registry.ImageRange{}, 0)
	r.Insert(domainid.ID(1), "a", registry.ImageRange{}, 0)
	r.Insert(domainid.ID(2), "b", registry.ImageRange{}, 0)

	list := r.List()
	c.Assert(list, HasLen, 3)
	c.Check(list[0].ID, Equals, domainid.ID(1))
	c.Check(list[1].ID, Equals, domainid.ID(2))
	c.Check(list[2].ID, Equals, domainid.ID(3))
}
