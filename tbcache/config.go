// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "sync/atomic"

// DefaultMaxInsns is the architectural cap on instructions per block
// when a caller's cflags count is zero or exceeds it.
const DefaultMaxInsns = 512

// PhysResolver is the external physical-memory collaborator (analogous
// to guest_to_phys): it resolves a guest PC to a physical address, or
// reports that the PC is not backed by RAM at all.
type PhysResolver interface {
	GuestToPhys(cpu *CPU, guestPC uint64) (phys int64, ok bool)
}

// TLBHooks are the external OS/TLB collaborators (analogous to
// tlb_protect_code / tlb_unprotect_code) that make a guest page's
// writes trap once it holds compiled code.
type TLBHooks interface {
	ProtectCode(page int64)
	UnprotectCode(page int64)
}

// Config configures a new Engine. ArenaSize is the only tunable that
// maps directly to a primitive value (a buffer size in bytes); the
// collaborator fields are the external interfaces that must be
// supplied by the embedder.
type Config struct {
	ArenaSize int
	Backing   MemoryReserver
	Decoder   GuestDecoder
	Emitter   Emitter
	Patcher   CodePatcher
	Resolver  PhysResolver
	TLB       TLBHooks // optional

	// MaxInsns overrides DefaultMaxInsns when non-zero.
	MaxInsns int

	// PreciseSMC enables the precise-SMC policy: a write that
	// hits the currently-executing TB forces that CPU to resume after
	// the invalidation by re-entering the dispatcher and executing
	// exactly one guest instruction before resuming normal chaining.
	PreciseSMC bool

	// L1PageTableEntries sizes the page descriptor radix's top level;
	// it bounds the highest physical page index addressable.
	L1PageTableEntries int
}

func (c Config) clamp() Config {
	if c.ArenaSize <= 0 {
		c.ArenaSize = DefaultArenaSize
	}
	if c.ArenaSize < MinArenaSize {
		c.ArenaSize = MinArenaSize
	}
	if c.ArenaSize > MaxArenaSize {
		c.ArenaSize = MaxArenaSize
	}
	if c.MaxInsns <= 0 {
		c.MaxInsns = DefaultMaxInsns
	}
	if c.L1PageTableEntries <= 0 {
		c.L1PageTableEntries = 4096
	}
	return c
}

// CPU is the per-guest-CPU record the engine is driven with: its jump
// cache, trace-state mask, and (while a compiled block is executing)
// the TB it is currently inside, used by the precise-SMC path.
type CPU struct {
	ID        int
	TraceMask uint32

	JumpCache JumpCache

	runMu     spinLock
	currentTB *TranslationBlock
	precise   uint32 // atomic bool: precise-SMC re-entry pending
}

// Enter and Leave bracket execution of tb on this CPU, letting the
// invalidation engine recognize "I am invalidating the block that is
// currently running on this CPU" for the precise-SMC policy. A CPU
// loop built on Engine (see package guest) calls these around the
// native (or interpreted) execution of tb.
func (c *CPU) Enter(tb *TranslationBlock) {
	c.runMu.Lock()
	c.currentTB = tb
	c.runMu.Unlock()
}

func (c *CPU) Leave() {
	c.runMu.Lock()
	c.currentTB = nil
	c.runMu.Unlock()
}

func (c *CPU) running() *TranslationBlock {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.currentTB
}

// setPreciseSMCPending records that a write just invalidated the TB
// this CPU is currently executing (the "current-TB-modified" flag).
func (c *CPU) setPreciseSMCPending() {
	atomic.StoreUint32(&c.precise, 1)
}

// TakePreciseSMCPending reports whether setPreciseSMCPending has fired
// since the last call, clearing it atomically. The CPU loop calls this
// after InvalidatePhysRange returns to decide whether it must re-enter
// the dispatcher and execute exactly one guest instruction before
// resuming normal jump-chained execution.
func (c *CPU) TakePreciseSMCPending() bool {
	return atomic.SwapUint32(&c.precise, 0) != 0
}
