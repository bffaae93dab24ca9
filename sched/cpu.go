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

import "sync"

// PriorityLevels is the number of priority bands each CPU's runnable
// queues carry (spec §4.3: "at least 16").
const PriorityLevels = 16

// cpu holds one core's pair of priority-banded runnable queues. When
// the active queue is exhausted the scheduler flips active and
// passive to bound tail latency (spec §4.3).
type cpu struct {
	id int

	mu      sync.Mutex
	active  [PriorityLevels][]*Thread
	passive [PriorityLevels][]*Thread
}

func newCPU(id int) *cpu { return &cpu{id: id} }

func (c *cpu) enqueue(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	band := clampPriority(t.Priority)
	c.active[band] = append(c.active[band], t)
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= PriorityLevels {
		return PriorityLevels - 1
	}
	return p
}

// next pops the highest-priority runnable thread. If the active queue
// is empty it flips active/passive once and retries.
func (c *cpu) next() (*Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.popHighest(&c.active); ok {
		return t, true
	}
	c.active, c.passive = c.passive, c.active
	return c.popHighest(&c.active)
}

func (c *cpu) popHighest(queues *[PriorityLevels][]*Thread) (*Thread, bool) {
	for band := PriorityLevels - 1; band >= 0; band-- {
		q := queues[band]
		if len(q) == 0 {
			continue
		}
		t := q[0]
		queues[band] = q[1:]
		return t, true
	}
	return nil, false
}

// remove deletes t from whichever queue it is currently sitting in
// (used when a thread is reassigned or reaped without ever being
// dispatched via next).
func (c *cpu) remove(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removeFrom(&c.active, t)
	removeFrom(&c.passive, t)
}

func removeFrom(queues *[PriorityLevels][]*Thread, t *Thread) {
	band := clampPriority(t.Priority)
	q := queues[band]
	for i, cand := range q {
		if cand == t {
			queues[band] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
