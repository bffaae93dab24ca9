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

package sched_test

import (
	"context"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/sched"
)

func Test(t *testing.T) { TestingT(t) }

type schedSuite struct{}

var _ = Suite(&schedSuite{})

func (s *schedSuite) TestSpawnAssignsCurrentDomain(c *C) {
	sc := sched.New(2)
	done := make(chan domainid.ID, 1)
	sc.SpawnThread(domainid.ID(3), "t1", 5, func(ctx context.Context, t *sched.Thread) {
		done <- t.CurrentDomain()
	})
	select {
	case d := <-done:
		c.Check(d, Equals, domainid.ID(3))
	case <-time.After(time.Second):
		c.Fatal("thread never ran")
	}
}

func (s *schedSuite) TestQuiesceWaitsForTermination(c *C) {
	sc := sched.New(1)
	started := make(chan struct{})
	sc.SpawnThread(domainid.ID(1), "t1", 0, func(ctx context.Context, t *sched.Thread) {
		close(started)
		<-ctx.Done()
	})
	<-started

	sc.Kill(domainid.ID(1))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Assert(sc.Quiesce(ctx, domainid.ID(1)), IsNil)
	c.Check(sc.BlamedOn(domainid.ID(1)), HasLen, 0)
}

func (s *schedSuite) TestQuiesceIsNoOpForUnknownDomain(c *C) {
	sc := sched.New(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Assert(sc.Quiesce(ctx, domainid.ID(99)), IsNil)
}

func (s *schedSuite) TestPriorityQueueHighestFirst(c *C) {
	sc := sched.New(1)
	lowReady := make(chan struct{})
	highReady := make(chan struct{})
	low := sc.SpawnThread(domainid.ID(1), "low", 1, func(ctx context.Context, t *sched.Thread) {
		close(lowReady)
		<-ctx.Done()
	})
	high := sc.SpawnThread(domainid.ID(1), "high", 10, func(ctx context.Context, t *sched.Thread) {
		close(highReady)
		<-ctx.Done()
	})
	<-lowReady
	<-highReady

	next, ok := sc.Next(0)
	c.Assert(ok, Equals, true)
	c.Check(next.Priority, Equals, 10)

	next, ok = sc.Next(0)
	c.Assert(ok, Equals, true)
	c.Check(next.Priority, Equals, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sc.Kill(domainid.ID(1))
	c.Assert(sc.Quiesce(ctx, domainid.ID(1)), IsNil)
	_ = low
	_ = high
}

func (s *schedSuite) TestCPUNextOnEmptyQueue(c *C) {
	sc := sched.New(1)
	_, ok := sc.Next(0)
	c.Check(ok, Equals, false)
	_, ok = sc.Next(5) // out of range
	c.Check(ok, Equals, false)
}

func (s *schedSuite) TestMarkForTermination(c *C) {
	sc := sched.New(1)
	ready := make(chan *sched.Thread, 1)
	sc.SpawnThread(domainid.ID(2), "t", 0, func(ctx context.Context, t *sched.Thread) {
		ready <- t
		<-ctx.Done()
	})
	t := <-ready
	c.Check(t.ShouldTerminate(), Equals, false)
	t.MarkForTermination()
	c.Check(t.ShouldTerminate(), Equals, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sc.Kill(domainid.ID(2))
	c.Assert(sc.Quiesce(ctx, domainid.ID(2)), IsNil)
}
