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

// Package bootcfg reads the kernel's two startup documents: an
// ini-style tuning file (scheduler sizing, journal location) and a
// YAML boot manifest naming which domains to load and in what order.
// The original hardcodes a boot sequence of driver/fs/net domains in
// its init domain; this package makes that sequence data instead (spec
// SPEC_FULL.md §10 "A boot-time domain manifest").
package bootcfg

import (
	"os"
	"strconv"
	"time"

	"github.com/mvo5/goconfigparser"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config is the scheduler/journal tuning read from the ini file.
type Config struct {
	NumCPU         int
	Quantum        time.Duration
	PriorityLevels int
	JournalPath    string
}

func defaultConfig() Config {
	return Config{
		NumCPU:         1,
		Quantum:        10 * time.Millisecond,
		PriorityLevels: 16,
		JournalPath:    "redkern.journal",
	}
}

// LoadConfig parses an ini-style config file via goconfigparser,
// falling back to defaultConfig for any option the file omits (spec
// SPEC_FULL.md §11 "Configuration").
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	cp := new(goconfigparser.ConfigParser)
	if err := cp.ReadFile(path); err != nil {
		return Config{}, xerrors.Errorf("bootcfg: read %s: %w", path, err)
	}

	if v, err := cp.Get("scheduler", "num_cpu"); err == nil && v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return Config{}, xerrors.Errorf("bootcfg: scheduler.num_cpu: %w", perr)
		}
		cfg.NumCPU = n
	}
	if v, err := cp.Get("scheduler", "quantum_ms"); err == nil && v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return Config{}, xerrors.Errorf("bootcfg: scheduler.quantum_ms: %w", perr)
		}
		cfg.Quantum = time.Duration(n) * time.Millisecond
	}
	if v, err := cp.Get("scheduler", "priority_levels"); err == nil && v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return Config{}, xerrors.Errorf("bootcfg: scheduler.priority_levels: %w", perr)
		}
		cfg.PriorityLevels = n
	}
	if v, err := cp.Get("journal", "path"); err == nil && v != "" {
		cfg.JournalPath = v
	}
	return cfg, nil
}

// ManifestEntry names one domain to load at boot.
type ManifestEntry struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Priority int               `yaml:"priority"`
	Args     map[string]string `yaml:"args"`
}

// Manifest is the ordered list of domains to bring up at boot.
type Manifest struct {
	Domains []ManifestEntry `yaml:"domains"`
}

// LoadManifest parses a YAML boot manifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, xerrors.Errorf("bootcfg: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, xerrors.Errorf("bootcfg: parse manifest %s: %w", path, err)
	}
	return m, nil
}
