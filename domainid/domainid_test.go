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

package domainid_test

import (
	"sync"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
)

func Test(t *testing.T) { TestingT(t) }

type domainidSuite struct{}

var _ = Suite(&domainidSuite{})

func (s *domainidSuite) TestKernelIsZero(c *C) {
	c.Check(domainid.Kernel, Equals, domainid.ID(0))
	c.Check(domainid.Kernel.IsKernel(), Equals, true)
	c.Check(domainid.Kernel.String(), Equals, "kernel")
}

func (s *domainidSuite) TestAllocatorNeverReturnsKernel(c *C) {
	a := domainid.NewAllocator()
	first := a.Next()
	c.Check(first, Equals, domainid.ID(1))
	c.Check(first.IsKernel(), Equals, false)
}

func (s *domainidSuite) TestAllocatorMonotonic(c *C) {
	a := domainid.NewAllocator()
	seen := make(map[domainid.ID]bool)
	var prev domainid.ID
	for i := 0; i < 100; i++ {
		id := a.Next()
		c.Assert(seen[id], Equals, false, Commentf("id %v reused", id))
		c.Assert(id > prev, Equals, true)
		seen[id] = true
		prev = id
	}
}

func (s *domainidSuite) TestAllocatorConcurrent(c *C) {
	a := domainid.NewAllocator()
	const n = 500
	ids := make(chan domainid.ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- a.Next()
		}()
	}
	wg.Wait()
	close(ids)
	seen := make(map[domainid.ID]bool, n)
	for id := range ids {
		c.Assert(seen[id], Equals, false)
		seen[id] = true
	}
	c.Check(len(seen), Equals, n)
}
