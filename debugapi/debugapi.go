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

// Package debugapi is a read-only HTTP introspection surface over the
// registry, the shared heap, and the scheduler: a human-readable
// listing of what is loaded and how busy it is, for the operator
// restarting a domain (spec SPEC_FULL.md §10 "Domain naming and a
// human-readable registry listing").
package debugapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mars-research/redkern/domainid"
	"github.com/mars-research/redkern/journal"
	"github.com/mars-research/redkern/registry"
	"github.com/mars-research/redkern/sched"
	"github.com/mars-research/redkern/sheap"
)

// Server serves the introspection endpoints. A nil Journal is legal;
// the per-domain fault history endpoint reports an empty list.
type Server struct {
	Registry  *registry.Registry
	Heap      *sheap.Heap
	Scheduler *sched.Scheduler
	Journal   *journal.Journal
}

// domainView is what /domains and /domains/{id} render.
type domainView struct {
	ID    domainid.ID `json:"id"`
	Name  string      `json:"name"`
	Alive bool        `json:"alive"`
}

// Router builds the read-only mux.Router for this server. Every route
// is GET-only: this surface never mutates kernel state.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/domains", s.listDomains).Methods(http.MethodGet)
	r.HandleFunc("/domains/{id}", s.getDomain).Methods(http.MethodGet)
	r.HandleFunc("/domains/{id}/faults", s.getFaults).Methods(http.MethodGet)
	r.HandleFunc("/domains/{id}/threads", s.getThreads).Methods(http.MethodGet)
	r.HandleFunc("/heap/stats", s.heapStats).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseDomainID(r *http.Request) (domainid.ID, error) {
	raw := mux.Vars(r)["id"]
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return domainid.ID(n), nil
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	var out []domainView
	for _, rec := range s.Registry.List() {
		out = append(out, domainView{ID: rec.ID, Name: rec.Name, Alive: rec.Alive()})
	}
	writeJSON(w, out)
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	id, err := parseDomainID(r)
	if err != nil {
		http.Error(w, "bad domain id", http.StatusBadRequest)
		return
	}
	rec, err := s.Registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, domainView{ID: rec.ID, Name: rec.Name, Alive: rec.Alive()})
}

func (s *Server) getFaults(w http.ResponseWriter, r *http.Request) {
	id, err := parseDomainID(r)
	if err != nil {
		http.Error(w, "bad domain id", http.StatusBadRequest)
		return
	}
	if s.Journal == nil {
		writeJSON(w, []journal.Record{})
		return
	}
	recs, err := s.Journal.List(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

type threadView struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	State    string `json:"state"`
}

func (s *Server) getThreads(w http.ResponseWriter, r *http.Request) {
	id, err := parseDomainID(r)
	if err != nil {
		http.Error(w, "bad domain id", http.StatusBadRequest)
		return
	}
	var out []threadView
	for _, t := range s.Scheduler.BlamedOn(id) {
		out = append(out, threadView{ID: t.ID, Name: t.Name, Priority: t.Priority, State: t.State().String()})
	}
	writeJSON(w, out)
}

func (s *Server) heapStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Heap.Stats())
}
