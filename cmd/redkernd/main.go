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

// Command redkernd wires the domain isolation core into a running
// process: it reads the boot config and manifest, brings up the
// shared heap, scheduler, registry and loader, loads every domain the
// manifest names, and serves the read-only debug API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mars-research/redkern/bootcfg"
	"github.com/mars-research/redkern/debugapi"
	"github.com/mars-research/redkern/fsiface"
	"github.com/mars-research/redkern/journal"
	"github.com/mars-research/redkern/loader"
	"github.com/mars-research/redkern/netiface"
	"github.com/mars-research/redkern/proxy"
	"github.com/mars-research/redkern/registry"
	"github.com/mars-research/redkern/sched"
	"github.com/mars-research/redkern/sheap"
)

func main() {
	configPath := flag.String("config", "/etc/redkern/redkernd.conf", "ini-style scheduler/journal configuration")
	manifestPath := flag.String("manifest", "/etc/redkern/boot.yaml", "YAML boot manifest")
	debugAddr := flag.String("debug-addr", ":7780", "address for the read-only debug API")
	flag.Parse()

	if err := run(*configPath, *manifestPath, *debugAddr); err != nil {
		log.Fatalf("redkernd: %v", err)
	}
}

func run(configPath, manifestPath, debugAddr string) error {
	cfg, err := bootcfg.LoadConfig(configPath)
	if err != nil {
		return err
	}
	manifest, err := bootcfg.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	heap := sheap.New(0)
	if err := registerBuiltinTypes(heap); err != nil {
		return err
	}
	reg := registry.New()
	sc := sched.New(cfg.NumCPU)
	ld := loader.New(reg, heap, sc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// fsProxy and netProxy are the caller-side handles every other
	// domain actually calls through; they are what gets Redirect-ed
	// to a freshly loaded incarnation after a crash (see
	// loader.Restart and proxy.Proxy.Redirect).
	var fsProxy *proxy.Proxy[fsiface.FS]
	var netProxy *proxy.Proxy[netiface.Net]

	for _, entry := range manifest.Domains {
		img, err := builtinImage(entry.Image)
		if err != nil {
			log.Printf("redkernd: skipping %s: %v", entry.Name, err)
			continue
		}
		img.Name = entry.Name
		dom, err := ld.Load(ctx, img, entry.Args)
		if err != nil {
			log.Printf("redkernd: load %s failed: %v", entry.Name, err)
			jrnl.Record(journal.Record{Trait: "loader", Method: "Load", Message: err.Error()})
			continue
		}
		log.Printf("redkernd: loaded domain %v (%s)", dom.ID, entry.Name)

		switch svc := dom.Service.(type) {
		case fsiface.FS:
			fsProxy = proxy.New[fsiface.FS](reg, jrnl, "FS", dom.ID, svc)
			log.Printf("redkernd: FS proxy targeting domain %v (%s)", fsProxy.Domain(), entry.Name)
		case netiface.Net:
			netProxy = proxy.New[netiface.Net](reg, jrnl, "Net", dom.ID, svc)
			log.Printf("redkernd: Net proxy targeting domain %v (%s)", netProxy.Domain(), entry.Name)
		}
	}

	srv := &debugapi.Server{Registry: reg, Heap: heap, Scheduler: sc, Journal: jrnl}
	httpServer := &http.Server{Addr: debugAddr, Handler: srv.Router()}
	go func() {
		log.Printf("redkernd: debug API listening on %s", debugAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("redkernd: debug API stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Print("redkernd: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Quantum*100)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
