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

package loader

import (
	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/sheap"
)

// Access is a segment's requested page permissions. Per spec §4.4 step
// 3 the only legal combinations are read-only, read-execute,
// read-write, and read-write-execute (the last discouraged).
type Access uint8

const (
	AccessR Access = 1 << iota
	AccessW
	AccessX
)

func (a Access) legal() bool {
	switch a {
	case AccessR, AccessR | AccessX, AccessR | AccessW, AccessR | AccessW | AccessX:
		return true
	default:
		return false
	}
}

// Segment is one loadable program header.
type Segment struct {
	VAddr       uintptr // offset from the image's own base, not a live address
	Data        []byte
	MemSize     uintptr // may exceed len(Data); the remainder is BSS, zero-filled
	Access      Access
	RelocReadOnly bool // mark read-only once relocations are applied (RELRO)
}

// RelocKind enumerates the relocation kinds the loader understands.
// Per spec §4.4 step 4, "relative" is the only legal kind; anything
// else is a load error.
type RelocKind int

const (
	RelocRelative RelocKind = iota
)

// Relocation rewrites the 8 bytes at region_base+Offset to
// region_base+Addend (spec §4.4 step 4).
type Relocation struct {
	Kind   RelocKind
	Offset uintptr
	Addend uintptr
}

// EntryFunc is a domain's trusted entry point. It receives the
// facilities the kernel hands every domain (spec §4.4 step 7: "syscall
// table, heap handle, any domain-specific arguments") and returns the
// domain's service surface: the trait-object handle other domains will
// reach through a proxy.
//
// A literal machine-code entry point cannot be invoked from within a
// Go process without cgo/dlopen, which this project deliberately does
// not use (see DESIGN.md); EntryFunc is the Go-native substitute for
// "jump to the image's entry address."
type EntryFunc func(facing KernelFacing, args map[string]string) (service any, err error)

// Image is a loadable domain image: the Go-native analogue of an
// ELF-like object the original loads into a fresh address region.
type Image struct {
	Name        string
	Segments    []Segment
	Relocations []Relocation
	Entry       EntryFunc
}

// ErrIllegalAccess is returned when a segment requests a combination
// of permissions the loader does not consider legal.
var ErrIllegalAccess = xerrors.New("loader: illegal segment access combination")

// ErrUnsupportedRelocation is returned for any relocation kind other
// than RelocRelative (spec §4.4 step 4: "Any other relocation kind is
// an error").
var ErrUnsupportedRelocation = xerrors.New("loader: unsupported relocation kind")

// bounds computes [minBase, maxEnd) across all segments (spec §4.4
// step 1). No alignment is computed: segments carry none, and the
// backing store is always page-mapped.
func (img Image) bounds() (minBase, maxEnd uintptr) {
	first := true
	for _, seg := range img.Segments {
		end := seg.VAddr + seg.MemSize
		if first || seg.VAddr < minBase {
			minBase = seg.VAddr
		}
		if first || end > maxEnd {
			maxEnd = end
		}
		first = false
	}
	return minBase, maxEnd
}

func (img Image) validate() error {
	for i, seg := range img.Segments {
		if !seg.Access.legal() {
			return xerrors.Errorf("loader: segment %d: %w", i, ErrIllegalAccess)
		}
		if seg.MemSize < uintptr(len(seg.Data)) {
			return xerrors.Errorf("loader: segment %d: memsz smaller than file data", i)
		}
	}
	for i, r := range img.Relocations {
		if r.Kind != RelocRelative {
			return xerrors.Errorf("loader: relocation %d: %w", i, ErrUnsupportedRelocation)
		}
	}
	if img.Entry == nil {
		return xerrors.New("loader: image has no entry point")
	}
	return nil
}

// KernelFacing is what every domain's entry point receives: a handle
// to the shared heap and the new domain's own id, so it can make its
// own allocations. It carries no scheduler handle and no syscall
// table, and no ambient access to the registry or to other domains'
// proxies (spec §9 "Design Notes": domains see opaque ids, not
// back-pointers).
type KernelFacing struct {
	Heap  *sheap.Heap
	Self  func() any // returns the domain's own id, a domainid.ID boxed in any
}
