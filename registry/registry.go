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

// Package registry is the domain-id-to-record mapping half of the
// domain loader and registry component (spec §4.4, component C4).
// Domains are nodes in an arena owned by the registry; everything
// else in the system — proxies in particular — holds an opaque
// domainid.ID and resolves it through here, never a raw pointer to a
// Record, so that a dead domain cannot be reached through a stale
// reference (spec §9 "Design Notes": "proxies hold opaque ids, never
// raw back-pointers").
package registry

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = xerrors.New("registry: no such domain")

// ImageRange is the address range a domain's loaded image occupies
// (spec §3 "Domain record").
type ImageRange struct {
	Base uintptr
	End  uintptr
}

// Record is a domain's entry in the registry (spec §3 "Domain record").
type Record struct {
	ID         domainid.ID
	Name       string
	Image      ImageRange
	EntryPoint uintptr

	mu    sync.RWMutex
	alive bool
}

func newRecord(id domainid.ID, name string, image ImageRange, entry uintptr) *Record {
	return &Record{ID: id, Name: name, Image: image, EntryPoint: entry, alive: true}
}

// Alive reports whether the domain is still live.
func (r *Record) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive
}

func (r *Record) markDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive = false
}

// Registry maps domain id to Record under a single coarse lock (spec
// §3: "a mapping from id to record, keys unique, insertion order
// irrelevant, protected by a coarse lock").
type Registry struct {
	mu      sync.Mutex
	domains map[domainid.ID]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{domains: make(map[domainid.ID]*Record)}
}

// Insert creates and inserts a new live Record for id. It is an error
// to insert the same id twice (domain ids are never reused, so this
// would indicate a bug in the allocator or a double-create).
func (reg *Registry) Insert(id domainid.ID, name string, image ImageRange, entry uintptr) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.domains[id]; ok {
		return nil, xerrors.Errorf("registry: domain %v already registered", id)
	}
	rec := newRecord(id, name, image, entry)
	reg.domains[id] = rec
	return rec, nil
}

// Get resolves id to its Record.
func (reg *Registry) Get(id domainid.ID) (*Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.domains[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// MarkDead flips a domain's liveness flag under the registry lock
// (spec §4.4 teardown step 1). The record itself is not removed yet —
// that happens in Remove once the heap has been swept and the image
// released, so a stale proxy still resolves the id to something it
// can recognize as dead rather than getting a not-found surprise.
func (reg *Registry) MarkDead(id domainid.ID) error {
	reg.mu.Lock()
	rec, ok := reg.domains[id]
	reg.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	rec.markDead()
	return nil
}

// Remove deletes a domain's record entirely, the final step of
// teardown (spec §4.4 step 6, the trait-object handle drop implies the
// record itself is gone too once nothing can call into it).
func (reg *Registry) Remove(id domainid.ID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.domains, id)
}

// List returns every known record, sorted by id for deterministic
// output (the registry's own storage order is irrelevant per spec §3).
func (reg *Registry) List() []*Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Record, 0, len(reg.domains))
	for _, rec := range reg.domains {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsLive is a convenience check combining Get and Alive; it reports
// false, not an error, for an unknown id — a stale proxy treats
// "never existed" and "torn down" identically (spec §7 "Domain-dead").
func (reg *Registry) IsLive(id domainid.ID) bool {
	rec, err := reg.Get(id)
	if err != nil {
		return false
	}
	return rec.Alive()
}
