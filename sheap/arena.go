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

package sheap

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// basePageSize is the unit the arena maps from the OS. Byte-buffer
// allocations made through Heap.AllocBytes are rounded up to a whole
// number of pages and backed by their own anonymous mapping,
// mirroring a page-provider-style slab allocator rather than Go's own
// GC'd heap, so they are neither pinned by nor scanned as pointers by
// the Go GC. RRefVec/RRefDeque payloads are not arena-backed; they are
// allocated through Heap.Alloc.
const basePageSize = 4096

// arena hands out and reclaims page-granularity anonymous mappings. It
// is the allocator backing byte-buffer allocations; typed, pointer-
// bearing values still go through the ordinary Go allocator (see
// Heap.Alloc in sheap.go) since only the GC can safely scan them.
type arena struct {
	mapped atomic.Int64 // bytes currently mapped, for Stats()
}

// allocatePages maps n bytes rounded up to a full page and returns the
// slice view over it plus the rounded size (needed to munmap later).
func (a *arena) allocatePages(n int) ([]byte, int, error) {
	if n <= 0 {
		n = 1
	}
	size := ((n + basePageSize - 1) / basePageSize) * basePageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, err
	}
	a.mapped.Add(int64(size))
	return b, size, nil
}

// releasePages unmaps a region previously returned by allocatePages.
func (a *arena) releasePages(b []byte) error {
	if b == nil {
		return nil
	}
	err := unix.Munmap(b)
	if err == nil {
		a.mapped.Add(-int64(len(b)))
	}
	return err
}

// mappedBytes reports the arena's current footprint.
func (a *arena) mappedBytes() int64 { return a.mapped.Load() }
