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

// Package rpcerr is the structured error taxonomy surfaced across a
// cross-domain call boundary (spec §7). Every error a proxy stub
// returns to its caller is one of these kinds, wrapped with a
// golang.org/x/xerrors frame so a kernel postmortem (see package
// journal) can report where in the callee the fault happened without
// the caller's domain ever touching the callee's stack.
package rpcerr

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
)

// Kind classifies an RPC error per spec §7's taxonomy.
type Kind int

const (
	// CalleeFault: the callee faulted (null deref, trap, assertion,
	// panic) during the call; the callee may or may not have died.
	CalleeFault Kind = iota
	// DomainDead: the call target no longer exists.
	DomainDead
	// OutOfResource: the callee could not service the call because a
	// resource (heap, descriptor table, thread slots) was exhausted.
	OutOfResource
)

func (k Kind) String() string {
	switch k {
	case CalleeFault:
		return "callee fault"
	case DomainDead:
		return "domain dead"
	case OutOfResource:
		return "out of resource"
	default:
		return "unknown rpc error"
	}
}

// Error is returned to the caller of a cross-domain call whenever the
// call did not complete normally. It deliberately carries no payload
// from the callee's address space: by the time it is constructed the
// callee's stack is gone (unwound) or suspect (dying).
type Error struct {
	Kind    Kind
	Callee  domainid.ID
	Trait   string
	Method  string
	Message string
	frame   xerrors.Frame
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Trait + "." + e.Method + " on " + e.Callee.String() + ": " + e.Message
}

// Format implements fmt.Formatter so %+v prints the frame captured
// at the fault handler.
func (e *Error) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

// FormatError implements xerrors.Formatter.
func (e *Error) FormatError(p xerrors.Printer) (next error) {
	p.Print(e.Error())
	e.frame.Format(p)
	return nil
}

// New constructs an Error, capturing the caller's frame (conventionally
// called from inside the kernel fault handler, so the frame points at
// the unwind site).
func New(kind Kind, callee domainid.ID, trait, method, message string) *Error {
	return &Error{
		Kind:    kind,
		Callee:  callee,
		Trait:   trait,
		Method:  method,
		Message: message,
		frame:   xerrors.Caller(1),
	}
}

// Fault is a convenience constructor for the common CalleeFault case.
func Fault(callee domainid.ID, trait, method string, cause error) *Error {
	e := New(CalleeFault, callee, trait, method, cause.Error())
	return e
}

// Dead is a convenience constructor for calls targeting a torn-down
// domain.
func Dead(callee domainid.ID, trait, method string) *Error {
	return New(DomainDead, callee, trait, method, "domain is not live")
}

// IsKind reports whether err is an *Error of the given kind, unwrapping
// through any xerrors wrapping in between.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !xerrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
