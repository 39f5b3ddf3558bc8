// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codegen provides a concrete, runnable x86-64 implementation of
// the external collaborators tbcache.Engine is driven with: an anonymous
// executable-memory reserver and a native code emitter.
package codegen

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// minAllocSize is the size of each backing mmap block the allocator
// grows by: most TranslationBlocks are far smaller than this, so blocks
// are shared across many Reserve calls.
const minAllocSize = 32 * 1024

// allocationAlignment pads every reservation so the next one starts on
// an 8-byte boundary, the same alignment golang-asm's instruction
// stream assumes for jump targets.
const allocationAlignment = 8

type mmapBlock struct {
	mem      mmap.MMap
	consumed uint32
}

// remaining reports how many bytes are left unconsumed at the end of
// the block. It is derived from consumed and len(mem) rather than kept
// as a separately-updated counter, so it can never drift out of sync
// with the alignment padding Reserve applies to consumed.
func (b *mmapBlock) remaining() uint32 {
	return uint32(len(b.mem)) - b.consumed
}

// MMapAllocator is a tbcache.MemoryReserver backed by real anonymous
// executable mappings, one per arena Reserve call large enough that a
// single mapping cannot satisfy several calls, and one shared growing
// block otherwise.
type MMapAllocator struct {
	mu     sync.Mutex
	blocks []*mmapBlock
	last   *mmapBlock
}

// Reserve implements tbcache.MemoryReserver. It returns a slice of
// exactly size bytes carved out of a shared RWX mapping, growing the
// mapping (or allocating a dedicated one for oversized requests) as
// needed.
func (a *MMapAllocator) Reserve(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	aligned := align(size, allocationAlignment)

	if aligned > minAllocSize {
		b, err := newBlock(aligned)
		if err != nil {
			return nil, err
		}
		a.blocks = append(a.blocks, b)
		a.last = b
		b.consumed = uint32(size)
		return b.mem[:size:size], nil
	}

	if a.last == nil || int(a.last.remaining()) < aligned {
		b, err := newBlock(minAllocSize)
		if err != nil {
			return nil, err
		}
		a.blocks = append(a.blocks, b)
		a.last = b
	}

	start := uint32(align(int(a.last.consumed), allocationAlignment))
	a.last.consumed = start + uint32(size)
	return a.last.mem[start : start+uint32(size) : start+uint32(size)], nil
}

// Close releases every mapping the allocator has made. Callers must
// not touch any slice previously returned by Reserve afterwards.
func (a *MMapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, b := range a.blocks {
		if err := b.mem.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.blocks = nil
	a.last = nil
	return firstErr
}

func newBlock(size int) (*mmapBlock, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("codegen: mmap %d bytes: %w", size, err)
	}
	return &mmapBlock{mem: m}, nil
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// ProtectPages sets the protection of the host pages holding region, a
// byte slice returned by Reserve: read and execute always, plus write
// when writable is true. It works on host memory rather than on a
// guest-physical page index, so it is not itself a tbcache.TLBHooks
// implementation.
func ProtectPages(region []byte, writable bool) error {
	prot := unix.PROT_READ | unix.PROT_EXEC
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(region, prot)
}
