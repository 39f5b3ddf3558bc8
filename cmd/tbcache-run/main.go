// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tbcache-run loads a guest function body (a raw
// (op [, LEB128 imm])...OpEnd stream, see package guest) and executes
// it through an Engine, printing the result and the resulting cache
// statistics.
package main

import (
	"flag"
	"io/ioutil"
	"log"
	"os"

	"github.com/qemu/tbcache"
	"github.com/qemu/tbcache/codegen"
	"github.com/qemu/tbcache/guest"
)

func main() {
	log.SetPrefix("tbcache-run: ")
	log.SetFlags(0)

	memSize := flag.Int("mem", 1<<20, "guest address space size in bytes")
	arenaSize := flag.Int("arena", 0, "arena size in bytes (0 = default)")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	body, err := ioutil.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("could not read %s: %v", flag.Arg(0), err)
	}
	if err := guest.VerifyOpcodes(body); err != nil {
		log.Fatalf("could not load function body: %v", err)
	}

	mem := guest.NewMemory(*memSize)
	mem.Write(0, body)

	alloc := &codegen.MMapAllocator{}
	defer alloc.Close()

	eng, err := tbcache.NewEngine(tbcache.Config{
		ArenaSize: *arenaSize,
		Backing:   alloc,
		Decoder:   guest.Decoder{Mem: mem},
		Emitter:   codegen.AMD64Emitter{},
		Patcher:   codegen.AMD64Patcher{},
		Resolver:  guest.IdentityResolver{},
		TLB:       guest.TLB{Mem: mem},
	})
	if err != nil {
		log.Fatalf("could not create engine: %v", err)
	}

	cpu := guest.NewCPU(0, eng, mem)
	mem.OnProtectedWrite = func(start, end int64) {
		eng.InvalidatePhysRange(start, end, []*tbcache.CPU{cpu.Core()})
	}

	result, err := cpu.Call(0, nil)
	if err != nil {
		log.Fatalf("execution failed: %v", err)
	}

	stats := eng.Stats()
	log.Printf("result = %d", result)
	log.Printf("tb count=%d cross-page=%d host-bytes=%d guest-bytes=%d invalidations=%d",
		stats.Count, stats.CrossPageCount, stats.TotalHostBytes, stats.TotalGuestSize, stats.InvalidateCount)
}
