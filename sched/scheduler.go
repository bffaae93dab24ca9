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

package sched

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"gopkg.in/tomb.v2"

	"github.com/mars-research/redkern/domainid"
)

// ErrUnknownDomain is returned by operations addressing a domain's
// thread group that was never spawned into.
var ErrUnknownDomain = xerrors.New("sched: unknown domain")

// ThreadFunc is the body of a spawned thread. It should check ctx and
// return promptly once ctx is done (spec §4.3's suspension points:
// yield, sleep, and condition/interrupt waits all honor ctx).
type ThreadFunc func(ctx context.Context, t *Thread)

// domainGroup is one domain's supervised thread group: a tomb.Tomb
// gives teardown the "signal every thread to terminate, then wait
// until they've quiesced" primitive spec §4.4 step 2-3 asks for.
type domainGroup struct {
	tb      tomb.Tomb
	threads []*Thread
	mu      sync.Mutex
}

// Scheduler multiplexes threads across a fixed number of simulated
// CPUs, each with its own priority-banded runnable queues, and owns
// every thread's current-domain-id.
type Scheduler struct {
	cpus []*cpu
	reg  *registry

	mu      sync.Mutex
	groups  map[domainid.ID]*domainGroup
	nextID  atomic.Uint64
	roundRR atomic.Uint64
}

// New returns a Scheduler with numCPU simulated cores. numCPU must be
// at least 1.
func New(numCPU int) *Scheduler {
	if numCPU < 1 {
		numCPU = 1
	}
	s := &Scheduler{
		reg:    newRegistry(),
		groups: make(map[domainid.ID]*domainGroup),
	}
	for i := 0; i < numCPU; i++ {
		s.cpus = append(s.cpus, newCPU(i))
	}
	return s
}

func (s *Scheduler) groupFor(domain domainid.ID) *domainGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[domain]
	if !ok {
		g = &domainGroup{}
		s.groups[domain] = g
	}
	return g
}

// SpawnThread creates a thread homed in domain, assigns it round-robin
// to a CPU, enqueues it on that CPU's active queue at its priority
// band, and starts it under the domain's supervision group.
func (s *Scheduler) SpawnThread(domain domainid.ID, name string, priority int, fn ThreadFunc) *Thread {
	id := s.nextID.Add(1)
	cpuIdx := int(s.roundRR.Add(1)-1) % len(s.cpus)
	t := newThread(id, name, priority, cpuIdx, domain)

	s.reg.add(t)
	s.cpus[cpuIdx].enqueue(t)

	g := s.groupFor(domain)
	g.mu.Lock()
	g.threads = append(g.threads, t)
	g.mu.Unlock()

	g.tb.Go(func() error {
		t.setState(Running)
		fn(g.tb.Context(nil), t)
		s.cpus[cpuIdx].remove(t)
		s.reg.remove(t.ID)
		t.setState(Terminated)
		return nil
	})
	return t
}

// Next returns the highest-priority runnable thread on the given CPU,
// flipping active/passive if the active queue was exhausted. It does
// not itself run the thread; it exposes the scheduling policy for
// introspection and testing (see DESIGN.md: actual concurrent
// execution is delegated to the Go runtime via SpawnThread/tomb.Tomb).
func (s *Scheduler) Next(cpuIdx int) (*Thread, bool) {
	if cpuIdx < 0 || cpuIdx >= len(s.cpus) {
		return nil, false
	}
	return s.cpus[cpuIdx].next()
}

// NumCPU reports the number of simulated cores.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// Yield is a cooperative suspension point: it briefly hands control
// back to the Go runtime so other goroutines on the same CPU can run.
func Yield() { runtime.Gosched() }

// Sleep is a suspension point that honors cancellation.
func Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Kill marks every thread currently blamed on domain for termination
// and signals the domain's supervision group to stop (spec §4.4
// teardown steps 2-3). It does not wait; call Quiesce for that.
func (s *Scheduler) Kill(domain domainid.ID) {
	for _, t := range s.reg.blamedOn(domain) {
		t.MarkForTermination()
	}
	s.mu.Lock()
	g, ok := s.groups[domain]
	s.mu.Unlock()
	if !ok {
		return
	}
	g.tb.Kill(xerrors.Errorf("sched: domain %v torn down", domain))
}

// Quiesce blocks until every thread homed in domain has either
// terminated or is not currently blamed on domain (i.e. it is mid-call
// into a peer and will unwind on its own). It fans the wait out across
// threads with errgroup so a teardown with many in-flight callers does
// not serialize on them one at a time.
func (s *Scheduler) Quiesce(ctx context.Context, domain domainid.ID) error {
	s.mu.Lock()
	g, ok := s.groups[domain]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	g.mu.Lock()
	threads := append([]*Thread(nil), g.threads...)
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, t := range threads {
		t := t
		eg.Go(func() error {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for {
				if t.Quiesced(domain) {
					return nil
				}
				select {
				case <-egCtx.Done():
					return egCtx.Err()
				case <-ticker.C:
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return xerrors.Errorf("sched: quiesce domain %v: %w", domain, err)
	}

	s.mu.Lock()
	delete(s.groups, domain)
	s.mu.Unlock()
	return nil
}

// BlamedOn returns every thread currently attributed to domain.
func (s *Scheduler) BlamedOn(domain domainid.ID) []*Thread {
	return s.reg.blamedOn(domain)
}
