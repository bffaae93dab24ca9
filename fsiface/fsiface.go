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

// Package fsiface names the filesystem trait (spec §6, item 2): the
// shape a filesystem domain exposes to every other domain through a
// proxy.Proxy[FS]. The filesystem implementation itself is an
// out-of-scope collaborator; this package exists so the core's
// RRefVec-crossing argument convention has a concrete, testable trait
// to exercise, along with a minimal in-memory reference implementation
// used by this module's own tests and by anyone bring-up testing the
// loader/proxy wiring before a real filesystem domain exists.
package fsiface

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/rref"
	"github.com/mars-research/redkern/sheap"
)

// Fd is a file descriptor: a plain integer scoped to a kernel-held
// table (spec §6: "File descriptors are plain integers scoped to a
// kernel-held table").
type Fd int

// Whence mirrors the standard seek origins.
type Whence int

const (
	SeekSet Whence = iota
	SeekCur
	SeekEnd
)

// Stat is the subset of file metadata the trait surface exposes.
type Stat struct {
	Size  int64
	IsDir bool
}

// FS is the cross-domain filesystem trait (spec §6 item 2). Every
// buffer-carrying method takes or returns an *rref.RRefVec[byte]
// rather than a plain slice: buffers crossing a domain boundary are
// shared-heap allocations subject to the ownership-transfer discipline
// the whole core is built around, not borrowed Go slices.
type FS interface {
	Open(caller domainid.ID, path string, flags int) (Fd, error)
	Close(caller domainid.ID, fd Fd) error
	Read(caller domainid.ID, fd Fd, n int) (*rref.RRefVec[byte], error)
	Write(caller domainid.ID, fd Fd, buf *rref.RRefVec[byte]) (int, error)
	Seek(caller domainid.ID, fd Fd, offset int64, whence Whence) (int64, error)
	Stat(caller domainid.ID, fd Fd) (Stat, error)
	Link(caller domainid.ID, oldPath, newPath string) error
	Unlink(caller domainid.ID, path string) error
	Mkdir(caller domainid.ID, path string, mode int) error
	Mknod(caller domainid.ID, path string, mode int) error
	Dup(caller domainid.ID, fd Fd) (Fd, error)
	Pipe(caller domainid.ID) (Fd, Fd, error)
	SaveThreadLocal(caller domainid.ID, key string, value *rref.RRefVec[byte]) error
	SetThreadLocal(caller domainid.ID, key string, value *rref.RRefVec[byte]) error
}

var (
	ErrNotFound = xerrors.New("fsiface: no such path")
	ErrBadFd    = xerrors.New("fsiface: bad file descriptor")
)

type memFile struct {
	path string
	data []byte
	dir  bool
}

// Mem is a minimal in-memory FS, owned by heap's domain home, used to
// exercise the trait surface and the RRefVec argument-passing
// convention without a real filesystem domain.
type Mem struct {
	heap  *sheap.Heap
	typeID sheap.TypeID
	home  domainid.ID

	mu      sync.Mutex
	byPath  map[string]*memFile
	byFd    map[Fd]*memFile
	offsets map[Fd]int64
	nextFd  Fd
	locals  map[string]*rref.RRefVec[byte]
}

// NewMem returns an empty Mem filesystem. heap must already have
// typeID registered for []byte payloads (see rref.RRefVec).
func NewMem(heap *sheap.Heap, typeID sheap.TypeID, home domainid.ID) *Mem {
	return &Mem{
		heap:    heap,
		typeID:  typeID,
		home:    home,
		byPath:  make(map[string]*memFile),
		byFd:    make(map[Fd]*memFile),
		offsets: make(map[Fd]int64),
		locals:  make(map[string]*rref.RRefVec[byte]),
	}
}

func (m *Mem) Open(_ domainid.ID, path string, flags int) (Fd, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byPath[path]
	if !ok {
		f = &memFile{path: path}
		m.byPath[path] = f
	}
	m.nextFd++
	fd := m.nextFd
	m.byFd[fd] = f
	m.offsets[fd] = 0
	return fd, nil
}

func (m *Mem) Close(_ domainid.ID, fd Fd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byFd[fd]; !ok {
		return ErrBadFd
	}
	delete(m.byFd, fd)
	delete(m.offsets, fd)
	return nil
}

func (m *Mem) Read(_ domainid.ID, fd Fd, n int) (*rref.RRefVec[byte], error) {
	m.mu.Lock()
	f, ok := m.byFd[fd]
	if !ok {
		m.mu.Unlock()
		return nil, ErrBadFd
	}
	off := m.offsets[fd]
	end := off + int64(n)
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	var chunk []byte
	if off < end {
		chunk = append([]byte(nil), f.data[off:end]...)
		m.offsets[fd] = end
	}
	m.mu.Unlock()
	return rref.NewRRefVec(m.heap, m.home, m.typeID, chunk)
}

func (m *Mem) Write(_ domainid.ID, fd Fd, buf *rref.RRefVec[byte]) (int, error) {
	m.mu.Lock()
	f, ok := m.byFd[fd]
	m.mu.Unlock()
	if !ok {
		return 0, ErrBadFd
	}
	data := buf.AsSlice()
	m.mu.Lock()
	off := m.offsets[fd]
	if need := off + int64(len(data)); need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], data)
	m.offsets[fd] = off + int64(len(data))
	m.mu.Unlock()
	return len(data), nil
}

func (m *Mem) Seek(_ domainid.ID, fd Fd, offset int64, whence Whence) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byFd[fd]
	if !ok {
		return 0, ErrBadFd
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = m.offsets[fd]
	case SeekEnd:
		base = int64(len(f.data))
	}
	m.offsets[fd] = base + offset
	return m.offsets[fd], nil
}

func (m *Mem) Stat(_ domainid.ID, fd Fd) (Stat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byFd[fd]
	if !ok {
		return Stat{}, ErrBadFd
	}
	return Stat{Size: int64(len(f.data)), IsDir: f.dir}, nil
}

func (m *Mem) Link(_ domainid.ID, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byPath[oldPath]
	if !ok {
		return ErrNotFound
	}
	m.byPath[newPath] = f
	return nil
}

func (m *Mem) Unlink(_ domainid.ID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPath[path]; !ok {
		return ErrNotFound
	}
	delete(m.byPath, path)
	return nil
}

func (m *Mem) Mkdir(_ domainid.ID, path string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPath[path] = &memFile{path: path, dir: true}
	return nil
}

func (m *Mem) Mknod(caller domainid.ID, path string, mode int) error {
	return m.Mkdir(caller, path, mode)
}

func (m *Mem) Dup(_ domainid.ID, fd Fd) (Fd, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byFd[fd]
	if !ok {
		return 0, ErrBadFd
	}
	m.nextFd++
	nfd := m.nextFd
	m.byFd[nfd] = f
	m.offsets[nfd] = m.offsets[fd]
	return nfd, nil
}

func (m *Mem) Pipe(_ domainid.ID) (Fd, Fd, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFile{path: "<pipe>"}
	m.nextFd++
	r := m.nextFd
	m.nextFd++
	w := m.nextFd
	m.byFd[r] = f
	m.byFd[w] = f
	m.offsets[r] = 0
	m.offsets[w] = 0
	return r, w, nil
}

func (m *Mem) SaveThreadLocal(_ domainid.ID, key string, value *rref.RRefVec[byte]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locals[key] = value
	return nil
}

func (m *Mem) SetThreadLocal(_ domainid.ID, key string, value *rref.RRefVec[byte]) error {
	return m.SaveThreadLocal(domainid.Kernel, key, value)
}

var _ FS = (*Mem)(nil)
