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

// Package journal is a durable crash journal: one record per domain
// fault (faulting domain id, trait/method, timestamp, message),
// persisted so the operator restarting a domain has something to look
// at afterward. The original kernel has no equivalent — a fault prints
// to the serial console and halts — but spec §4.5's fault handler
// needs a durable record for this to be debuggable in practice, and
// the teacher's own `errtracker` package is the idiom for "centralize
// crash reports for later inspection" (see DESIGN.md).
package journal

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/mars-research/redkern/domainid"
)

var faultsBucket = []byte("faults")

// Record is one persisted fault.
type Record struct {
	Domain  domainid.ID `json:"domain"`
	Trait   string      `json:"trait"`
	Method  string      `json:"method"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// Journal is a bbolt-backed append-only log of fault records.
type Journal struct {
	db *bbolt.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(faultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("journal: init bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// key orders records first by domain, then by fault time, so List can
// prefix-scan one domain's history in chronological order.
func key(domain domainid.ID, at time.Time) []byte {
	b := make([]byte, 8+8)
	binary.BigEndian.PutUint64(b[:8], uint64(domain))
	binary.BigEndian.PutUint64(b[8:], uint64(at.UnixNano()))
	return b
}

// Record persists one fault.
func (j *Journal) Record(rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("journal: marshal record: %w", err)
	}
	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(faultsBucket)
		return b.Put(key(rec.Domain, rec.At), payload)
	})
}

// List returns every recorded fault for domain, oldest first.
func (j *Journal) List(domain domainid.ID) ([]Record, error) {
	var out []Record
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(domain))

	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(faultsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return xerrors.Errorf("journal: unmarshal record: %w", err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// All returns every recorded fault across every domain, oldest-per-domain
// first (grouped by domain since that's the key ordering).
func (j *Journal) All() ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(faultsBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return xerrors.Errorf("journal: unmarshal record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
