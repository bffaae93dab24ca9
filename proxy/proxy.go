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

// Package proxy is the cross-domain call protocol (spec §4.5,
// component C5): the indirection every inter-domain call goes through,
// the continuation bookkeeping that lets a fault be attributed, and the
// panic/recover-based unwind that turns a callee crash into a
// structured rpcerr rather than taking the caller down with it.
//
// A literal port of the original's fault handler would snapshot
// machine registers and longjmp back to a saved continuation. Go gives
// every goroutine a safely unwindable stack already; panic/recover is
// the idiomatic substitute; see spec §9 "Design Notes" and
// sched.Continuation's doc comment for the same substitution on the
// bookkeeping side.
package proxy

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/journal"
	"github.com/mars-research/redkern/registry"
	"github.com/mars-research/redkern/rpcerr"
	"github.com/mars-research/redkern/rref"
	"github.com/mars-research/redkern/sched"
)

// maxInFlight bounds the number of concurrent calls a single Proxy
// will admit into its target domain. It exists so Drain has something
// finite to wait for: a restart needs to know every in-flight call has
// either returned or unwound before it is safe to swap the target out
// from under new callers.
const maxInFlight = 256

// target is the domain and service surface a Proxy currently points
// at. Replaced wholesale by Redirect, never mutated in place, so a
// reader who has already loaded the pointer sees a consistent pair.
type target[T any] struct {
	domain  domainid.ID
	service T
}

// Proxy is the caller-side handle other domains use to reach a trait
// object living in domain. It is itself safe to call concurrently from
// many threads, and safe to Redirect out from under in-flight callers:
// each call snapshots the target once at entry.
type Proxy[T any] struct {
	current  atomic.Pointer[target[T]]
	reg      *registry.Registry
	jrnl     *journal.Journal
	trait    string
	inFlight *semaphore.Weighted
}

// New returns a Proxy pointed at service, currently living in domain.
// trait names the interface for error messages (spec §7's
// CalleeFault/DomainDead errors name both trait and method). jrnl may
// be nil, in which case a callee fault is still turned into a
// DomainDead registry entry but nothing is persisted about it.
func New[T any](reg *registry.Registry, jrnl *journal.Journal, trait string, domain domainid.ID, service T) *Proxy[T] {
	p := &Proxy[T]{reg: reg, jrnl: jrnl, trait: trait, inFlight: semaphore.NewWeighted(maxInFlight)}
	p.current.Store(&target[T]{domain: domain, service: service})
	return p
}

// Drain blocks until every call currently in Invoke has returned, then
// releases the permits it acquired. A supervisor calls this between
// tearing the old domain down and calling Redirect, so that no call
// can still be running against a service object the loader is about to
// discard (spec §4.5's restart barrier). Drain itself does not stop
// new calls from starting once it returns; pair it with having already
// marked the old domain dead in the registry so Invoke's liveness
// check turns them away.
func (p *Proxy[T]) Drain(ctx context.Context) error {
	if err := p.inFlight.Acquire(ctx, maxInFlight); err != nil {
		return err
	}
	p.inFlight.Release(maxInFlight)
	return nil
}

// Redirect repoints the proxy at a freshly loaded incarnation of the
// domain, after loader.Restart has produced one. Calls already past
// the liveness check in Invoke are unaffected by a concurrent
// Redirect; calls starting afterward see the new target.
func (p *Proxy[T]) Redirect(domain domainid.ID, service T) {
	p.current.Store(&target[T]{domain: domain, service: service})
}

// Domain reports the domain the proxy currently targets.
func (p *Proxy[T]) Domain() domainid.ID {
	return p.current.Load().domain
}

// Invoke performs one cross-domain call through the proxy (spec
// §4.5): it checks the target is live, moves every argument in args
// to the callee domain, registers a continuation blaming the call on
// caller, flips the calling thread's current-domain-id to the callee
// for the duration of fn, and converts any panic inside fn into an
// *rpcerr.Error rather than letting it propagate into the caller's own
// stack. A callee panic also marks the callee domain dead in the
// registry and, if a journal was supplied to New, persists a fault
// record for it (spec §4.5 steps 6-7 and §8 scenario 3).
//
// fn receives the callee's service object and should invoke the
// requested method on it directly. args lists every RRef/RRefVec/
// RRefDeque argument fn's call will pass through; Invoke reparents
// each to the callee before calling fn (spec §4.5 step 3) and, if the
// returned result itself implements rref.Movable, reparents it back to
// caller afterward (spec §4.5 step 5). The proxy never borrows an
// argument across the boundary, only ever moves it (spec §9).
func (p *Proxy[T]) Invoke(thread *sched.Thread, caller domainid.ID, method string, args []rref.Movable, fn func(service T) (any, error)) (result any, err error) {
	tgt := p.current.Load()
	if !p.reg.IsLive(tgt.domain) {
		return nil, rpcerr.Dead(tgt.domain, p.trait, method)
	}

	if err := p.inFlight.Acquire(context.Background(), 1); err != nil {
		return nil, rpcerr.New(rpcerr.OutOfResource, tgt.domain, p.trait, method, err.Error())
	}
	defer p.inFlight.Release(1)

	for _, a := range args {
		if a == nil {
			continue
		}
		if merr := a.MoveTo(tgt.domain); merr != nil {
			return nil, rpcerr.New(rpcerr.OutOfResource, tgt.domain, p.trait, method, merr.Error())
		}
	}

	prevDomain := thread.CurrentDomain()
	prevCont := thread.Continuation()
	thread.SetContinuation(&sched.Continuation{CallerID: caller, Trait: p.trait, Method: method})
	thread.SetCurrentDomain(tgt.domain)

	defer func() {
		thread.SetCurrentDomain(prevDomain)
		thread.SetContinuation(prevCont)
		if r := recover(); r != nil {
			result = nil
			cause := asError(r)
			p.reg.MarkDead(tgt.domain)
			if p.jrnl != nil {
				p.jrnl.Record(journal.Record{Domain: tgt.domain, Trait: p.trait, Method: method, Message: cause.Error()})
			}
			err = rpcerr.Fault(tgt.domain, p.trait, method, cause)
		}
	}()

	result, err = fn(tgt.service)
	if err == nil {
		if m, ok := result.(rref.Movable); ok {
			if merr := m.MoveTo(caller); merr != nil {
				return result, rpcerr.New(rpcerr.OutOfResource, tgt.domain, p.trait, method, merr.Error())
			}
		}
	}
	return result, err
}

func asError(recovered any) error {
	if e, ok := recovered.(error); ok {
		return e
	}
	return fmt.Errorf("%v", recovered)
}
