// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tbcache-dump disassembles a guest function body (see package
// guest for the format) without executing it, printing each decoded
// instruction the way the translator would see it.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/qemu/tbcache/guest"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: tbcache-dump [options] file1.bin [file2.bin [...]]

options:
`)
		flag.PrintDefaults()
		os.Exit(1)
	}
}

func main() {
	log.SetPrefix("tbcache-dump: ")
	log.SetFlags(0)

	memSize := flag.Int("mem", 1<<20, "guest address space size in bytes")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	for _, fname := range flag.Args() {
		dump(fname, *memSize)
	}
}

func dump(fname string, memSize int) {
	body, err := ioutil.ReadFile(fname)
	if err != nil {
		log.Fatalf("could not read %s: %v", fname, err)
	}
	if err := guest.VerifyOpcodes(body); err != nil {
		log.Fatalf("%s: %v", fname, err)
	}

	mem := guest.NewMemory(memSize)
	mem.Write(0, body)

	insns, guestSize, err := guest.Decoder{Mem: mem}.Decode(0, 0, 0, len(body))
	if err != nil {
		log.Fatalf("%s: decode: %v", fname, err)
	}

	fmt.Printf("%s: %d bytes, %d instructions\n", fname, guestSize, len(insns))
	for _, insn := range insns {
		fmt.Printf("  %#06x: op=0x%02x imm=%d\n", insn.GuestPC, insn.Op, insn.Imm)
	}
}
