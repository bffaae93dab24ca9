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

package main

import (
	"fmt"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/fsiface"
	"github.com/mars-research/redkern/loader"
	"github.com/mars-research/redkern/netiface"
	"github.com/mars-research/redkern/sheap"
)

// Type ids for the shared-heap payloads the built-in reference
// collaborators exchange across their trait boundary (spec §6's
// RRefVec<byte> and RRefDeque<[1514]byte, 32>).
const (
	typeByteVec     sheap.TypeID = 1
	typePacketQueue sheap.TypeID = 2
)

// registerBuiltinTypes advertises every payload type the bundled
// fsiface/netiface reference collaborators allocate. A real deployment
// would have each loaded domain register its own types from its own
// entry point; these two are registered up front since the reference
// collaborators are wired in by this command, not discovered.
func registerBuiltinTypes(heap *sheap.Heap) error {
	if err := heap.RegisterType(typeByteVec, sheap.Layout{}, nil); err != nil {
		return err
	}
	if err := heap.RegisterType(typePacketQueue, sheap.Layout{}, nil); err != nil {
		return err
	}
	return nil
}

// builtinImage resolves a manifest entry's image name to a loader.Image
// backed by one of this repository's own reference collaborators
// (fsiface.Mem, netiface.Loopback). A production deployment would load
// these from real on-disk images instead; see DESIGN.md for why no
// foreign-machine-code loader is implemented.
func builtinImage(name string) (loader.Image, error) {
	switch name {
	case "fs.img":
		return loader.Image{
			Name: "fs",
			Segments: []loader.Segment{
				{VAddr: 0, Data: []byte("redkern-fs-reference"), MemSize: 32, Access: loader.AccessR},
			},
			Entry: func(facing loader.KernelFacing, args map[string]string) (any, error) {
				self := facing.Self().(domainid.ID)
				return fsiface.NewMem(facing.Heap, typeByteVec, self), nil
			},
		}, nil
	case "net.img":
		return loader.Image{
			Name: "net",
			Segments: []loader.Segment{
				{VAddr: 0, Data: []byte("redkern-net-reference"), MemSize: 32, Access: loader.AccessR},
			},
			Entry: func(facing loader.KernelFacing, args map[string]string) (any, error) {
				self := facing.Self().(domainid.ID)
				return netiface.NewLoopback(facing.Heap, typePacketQueue, self), nil
			},
		}, nil
	default:
		return loader.Image{}, fmt.Errorf("redkernd: no built-in image named %q", name)
	}
}
