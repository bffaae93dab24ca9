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

// Package loader is the domain loader half of component C4 (spec
// §4.4): it turns an Image into a live, registered domain, and runs
// the teardown and restart protocols that retire one.
package loader

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
	"gopkg.in/retry.v1"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/registry"
	"github.com/mars-research/redkern/sched"
	"github.com/mars-research/redkern/sheap"
)

// restartStrategy bounds how hard Restart retries a failing Entry
// point before giving up: five attempts inside thirty seconds,
// backing off exponentially from a quarter second. Grounded on
// snapd's own retry.v1 composition of LimitCount+LimitTime+Exponential
// for bounded-retry external calls.
var restartStrategy = retry.LimitCount(5, retry.LimitTime(30*time.Second,
	retry.Exponential{
		Initial: 250 * time.Millisecond,
		Factor:  2,
	},
))

// Domain is a loaded domain: its registry record, its loaded image
// region, and the service surface its entry point returned.
type Domain struct {
	ID      domainid.ID
	Record  *registry.Record
	Service any

	region []byte // the mmap'd, relocated image region
}

// Loader ties the registry, the shared heap, and the scheduler
// together into the create/teardown/restart lifecycle (spec §4.4).
type Loader struct {
	reg   *registry.Registry
	heap  *sheap.Heap
	sched *sched.Scheduler
	ids   *domainid.Allocator

	mu      sync.Mutex
	domains map[domainid.ID]*Domain
}

// New returns a Loader wired to the given registry, heap, and
// scheduler. All three are normally shared singletons for the whole
// kernel process.
func New(reg *registry.Registry, heap *sheap.Heap, sc *sched.Scheduler) *Loader {
	return &Loader{
		reg:     reg,
		heap:    heap,
		sched:   sc,
		ids:     domainid.NewAllocator(),
		domains: make(map[domainid.ID]*Domain),
	}
}

// mapRegion lays img's segments out contiguously starting at vaddr 0,
// applies relocations, and protects RELRO segments read-only (spec
// §4.4 steps 1-5). It returns the mmap'd region; on any error the
// region, if allocated, is unmapped before returning.
func mapRegion(img Image) ([]byte, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	_, end := img.bounds()
	if end == 0 {
		end = 1
	}
	region, err := unix.Mmap(-1, 0, int(end), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, xerrors.Errorf("loader: mmap %d bytes: %w", end, err)
	}

	for _, seg := range img.Segments {
		if seg.VAddr+uintptr(len(seg.Data)) > uintptr(len(region)) {
			unix.Munmap(region)
			return nil, xerrors.Errorf("loader: segment overruns image bounds")
		}
		copy(region[seg.VAddr:], seg.Data)
	}

	for i, r := range img.Relocations {
		if r.Offset+8 > uintptr(len(region)) {
			unix.Munmap(region)
			return nil, xerrors.Errorf("loader: relocation %d offset out of bounds", i)
		}
		binary.LittleEndian.PutUint64(region[r.Offset:], uint64(r.Addend))
	}

	pageFloor := func(v uintptr) uintptr { return v &^ (basePageSize - 1) }
	pageCeil := func(v uintptr) uintptr { return (v + basePageSize - 1) &^ (basePageSize - 1) }
	for _, seg := range img.Segments {
		if !seg.RelocReadOnly {
			continue
		}
		lo, hi := pageFloor(seg.VAddr), pageCeil(seg.VAddr+seg.MemSize)
		if hi > uintptr(len(region)) {
			hi = uintptr(len(region))
		}
		if lo >= hi {
			continue
		}
		if err := unix.Mprotect(region[lo:hi], unix.PROT_READ); err != nil {
			log.Printf("loader: mprotect relro [%d:%d) failed: %v", lo, hi, err)
		}
	}
	return region, nil
}

const basePageSize = 4096

// Load realizes an image as a fresh, registered, running domain (spec
// §4.4 steps 1-7). On failure nothing is left behind: the region is
// unmapped and no registry entry is created.
func (l *Loader) Load(ctx context.Context, img Image, args map[string]string) (*Domain, error) {
	region, err := mapRegion(img)
	if err != nil {
		return nil, err
	}

	id := l.ids.Next()
	var entry uintptr
	rec, err := l.reg.Insert(id, img.Name, registry.ImageRange{Base: 0, End: uintptr(len(region))}, entry)
	if err != nil {
		unix.Munmap(region)
		return nil, err
	}

	facing := KernelFacing{
		Heap: l.heap,
		Self: func() any { return id },
	}
	service, err := img.Entry(facing, args)
	if err != nil {
		l.reg.MarkDead(id)
		l.reg.Remove(id)
		unix.Munmap(region)
		return nil, xerrors.Errorf("loader: domain %v entry: %w", id, err)
	}

	dom := &Domain{ID: id, Record: rec, Service: service, region: region}
	l.mu.Lock()
	l.domains[id] = dom
	l.mu.Unlock()
	return dom, nil
}

// Teardown runs the full retirement protocol for a domain (spec §4.4
// teardown): mark dead so stale proxies see "domain dead" rather than
// "not found", kill and quiesce its threads, sweep its heap
// allocations, and finally unmap its image region and erase its
// registry entry.
func (l *Loader) Teardown(ctx context.Context, id domainid.ID) error {
	l.mu.Lock()
	dom, ok := l.domains[id]
	l.mu.Unlock()
	if !ok {
		return xerrors.Errorf("loader: teardown %v: %w", id, registry.ErrNotFound)
	}

	if err := l.reg.MarkDead(id); err != nil {
		return err
	}
	l.sched.Kill(id)
	if err := l.sched.Quiesce(ctx, id); err != nil {
		return xerrors.Errorf("loader: quiesce %v: %w", id, err)
	}
	if err := l.awaitZeroBorrows(ctx, id); err != nil {
		return xerrors.Errorf("loader: teardown %v: borrow barrier: %w", id, err)
	}
	l.heap.Sweep(id)

	if err := unix.Munmap(dom.region); err != nil {
		log.Printf("loader: munmap domain %v region failed: %v", id, err)
	}
	l.reg.Remove(id)

	l.mu.Lock()
	delete(l.domains, id)
	l.mu.Unlock()
	return nil
}

// Restart tears a domain down and reloads it from a (possibly updated)
// image under the bounded backoff in restartStrategy, matching spec
// §4.4's "readers in flight see the call fail, not hang forever"
// resolution: Restart does not itself touch any proxy pointed at the
// old id, it only produces a new Domain; redirecting live proxies to
// it is the caller's responsibility (see proxy.Proxy.Redirect).
func (l *Loader) Restart(ctx context.Context, id domainid.ID, img Image, args map[string]string) (*Domain, error) {
	if err := l.Teardown(ctx, id); err != nil {
		return nil, xerrors.Errorf("loader: restart %v: teardown: %w", id, err)
	}

	var last error
	for a := retry.StartWithCancel(restartStrategy, nil, ctx.Done()); a.Next(); {
		dom, err := l.Load(ctx, img, args)
		if err == nil {
			return dom, nil
		}
		last = err
		if !a.More() {
			break
		}
	}
	if last == nil {
		last = xerrors.New("restart canceled")
	}
	return nil, xerrors.Errorf("loader: restart %v: entry never succeeded: %w", id, last)
}

// awaitZeroBorrows blocks until no allocation owned by id has an
// outstanding borrow, or ctx is done. Borrow counts are the quiesce
// barrier spec §4.5 describes for restart: a borrowed allocation is
// being read by same-domain code right now, and sweeping it out from
// under that reader would be a use-after-free.
func (l *Loader) awaitZeroBorrows(ctx context.Context, id domainid.ID) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !l.heap.HasOutstandingBorrows(id) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lookup returns the loaded Domain for id, if this Loader created it.
func (l *Loader) Lookup(id domainid.ID) (*Domain, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dom, ok := l.domains[id]
	return dom, ok
}
