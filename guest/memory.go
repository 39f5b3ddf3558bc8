// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package guest is a minimal guest CPU built on tbcache.Engine: a flat
// guest address space holding simple stack-machine function bodies, a
// decoder for them, and a CPU loop that generates and runs translation
// blocks the way a real dynamic binary translator's interpreter loop
// would, including write-protecting pages holding compiled code so a
// guest program that overwrites its own bytes exercises the engine's
// invalidation path.
//
// It deliberately interprets each block's decoded instructions rather
// than jumping into the machine code codegen.AMD64Emitter produces for
// it: invoking freshly emitted code from Go requires a hand-written
// per-architecture assembly trampoline, and fabricating one with no way
// to execute or verify it would be worse than not having it. codegen's
// Emitter and Arena are still exercised for real on every Generate
// call; only the final jump into the result is stubbed out by this
// package's own interpreter.
package guest

import (
	"sync"

	"github.com/qemu/tbcache"
)

// GuestPageBits matches tbcache.GuestPageBits: Memory's protection
// bitmap is indexed at the same granularity the engine's page
// descriptor radix uses.
const GuestPageBits = 12
const GuestPageSize = 1 << GuestPageBits

// Memory is a flat guest physical address space. Writes to a
// write-protected page call back into the engine's invalidation path
// before the bytes change, the Go analogue of a guest store trapping
// into tlb_protect_code's fault handler.
type Memory struct {
	mu        sync.RWMutex
	bytes     []byte
	protected map[int64]bool

	// OnProtectedWrite is invoked with the physical byte range about to
	// be overwritten, while a page in that range is protected. It is
	// normally Engine.InvalidatePhysRange bound to the owning CPU set.
	OnProtectedWrite func(start, end int64)
}

// NewMemory allocates a zeroed guest address space of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{bytes: make([]byte, size), protected: make(map[int64]bool)}
}

// ReadAt copies len(p) bytes starting at addr into p.
func (m *Memory) ReadAt(addr int64, p []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(p, m.bytes[addr:])
}

// Protect marks page as holding compiled code: a future Write touching
// it will fire OnProtectedWrite first. Matches tlb_protect_code.
func (m *Memory) Protect(page int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protected[page] = true
}

// Unprotect clears page's protection. Matches tlb_unprotect_code.
func (m *Memory) Unprotect(page int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.protected, page)
}

// Write stores data at addr. If the write touches any protected page,
// it first invokes OnProtectedWrite once with the whole written range.
func (m *Memory) Write(addr int64, data []byte) {
	start, end := addr, addr+int64(len(data))
	m.mu.Lock()
	firstPage, lastPage := start/GuestPageSize, (end-1)/GuestPageSize
	hit := false
	for p := firstPage; p <= lastPage; p++ {
		if m.protected[p] {
			hit = true
			break
		}
	}
	m.mu.Unlock()

	if hit && m.OnProtectedWrite != nil {
		m.OnProtectedWrite(start, end)
	}

	m.mu.Lock()
	copy(m.bytes[addr:], data)
	m.mu.Unlock()
}

// IdentityResolver implements tbcache.PhysResolver for a Memory whose
// guest and physical address spaces coincide: every guest CPU maps 1:1
// onto the same Memory, so guest_to_phys is the identity function.
type IdentityResolver struct{}

// GuestToPhys implements tbcache.PhysResolver.
func (IdentityResolver) GuestToPhys(cpu *tbcache.CPU, guestPC uint64) (int64, bool) {
	return int64(guestPC), true
}
