// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"fmt"
	"sync/atomic"
)

func pageIndex(phys int64) int64 {
	if phys == pageAddrUnused {
		return pageAddrUnused
	}
	return phys >> GuestPageBits
}

// pageByteRange intersects the physical range [start,end) with page p's
// bytes and returns the overlap as a (byte offset within the page,
// length) pair suitable for PageDesc.checkSMCWriteLocked.
func pageByteRange(p, start, end int64) (localStart, length int) {
	pageStart := p * int64(GuestPageSize)
	pageEnd := pageStart + int64(GuestPageSize)
	os, oe := start, end
	if os < pageStart {
		os = pageStart
	}
	if oe > pageEnd {
		oe = pageEnd
	}
	if oe < os {
		oe = os
	}
	return int(os - pageStart), int(oe - os)
}

// Engine ties together the arena, hash table, page descriptor radix,
// and jump graph into one API: Generate, Lookup, InvalidatePhysRange,
// InvalidateTB, Flush, CPURestoreState, CheckWatchpoint, and ForEachTB.
type Engine struct {
	cfg   Config
	arena *Arena
	hash  *hashTable
	pages *PageTable

	invalidateCount uint64 // atomic
}

// NewEngine builds an Engine from cfg, reserving the arena's backing
// memory up front. It returns ErrFatalArenaInit if that reservation
// fails, the one unrecoverable error in this package.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.clamp()
	if cfg.Backing == nil || cfg.Decoder == nil || cfg.Emitter == nil || cfg.Patcher == nil || cfg.Resolver == nil {
		return nil, fmt.Errorf("tbcache: NewEngine: Config missing a required collaborator")
	}
	arena, err := NewArena(cfg.Backing, cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:   cfg,
		arena: arena,
		hash:  newHashTable(),
		pages: NewPageTable(cfg.L1PageTableEntries),
	}, nil
}

// estimateReserveSize picks how much arena space to optimistically
// reserve for a block of up to maxInsns instructions: generous enough
// that most blocks fit in one Emit call, small enough that a handful of
// oversized blocks don't starve the arena via wasted best-effort
// give-back failures.
func estimateReserveSize(maxInsns int) int {
	const bytesPerInsnGuess = 32
	const reverseMapSlackPerInsn = 10 // two LEB128 columns; a guess, not a worst-case bound
	size := maxInsns * (bytesPerInsnGuess + reverseMapSlackPerInsn)
	if size < 256 {
		size = 256
	}
	return size
}

// Generate translates guest code starting at guestPC into a
// TranslationBlock, retrying around arena flushes and emitter overflow,
// and returns the TB the caller should execute (which may be a
// pre-existing TB if this call lost an insertion race).
func (e *Engine) Generate(cpu *CPU, guestPC, csBase uint64, flags, cflags uint32) (*TranslationBlock, error) {
	maxInsns := int(cflags & CFCountMask)
	if maxInsns <= 0 || maxInsns > e.cfg.MaxInsns {
		maxInsns = e.cfg.MaxInsns
	}
	if cflags&CFSingleStep != 0 {
		maxInsns = 1
	}

	physPC, resolved := e.cfg.Resolver.GuestToPhys(cpu, guestPC)
	if !resolved {
		physPC = pageAddrUnused
		maxInsns = 1
		cflags |= CFNoCache
	}

	for {
		region, base, gen, err := e.arena.Reserve(estimateReserveSize(maxInsns))
		if err == ErrArenaExhausted {
			e.Flush(gen)
			continue
		}

		insns, guestSize, derr := e.cfg.Decoder.Decode(guestPC, csBase, flags, maxInsns)
		if derr != nil {
			e.arena.Abandon(base, estimateReserveSize(maxInsns))
			return nil, derr
		}

		result, eerr := e.cfg.Emitter.Emit(region, insns)
		if eerr == ErrArenaExhausted {
			e.arena.Abandon(base, estimateReserveSize(maxInsns))
			e.Flush(gen)
			continue
		}
		if eerr == ErrBlockTooLarge {
			e.arena.Abandon(base, estimateReserveSize(maxInsns))
			if maxInsns == 1 {
				panic("tbcache: single instruction block exceeds implementation limit")
			}
			maxInsns /= 2
			continue
		}
		if eerr != nil {
			e.arena.Abandon(base, estimateReserveSize(maxInsns))
			return nil, eerr
		}

		rows := make([]reverseMapRow, len(insns))
		for i, insn := range insns {
			end := uint32(0)
			if i < len(result.InsnEndOffset) {
				end = result.InsnEndOffset[i]
			}
			rows[i] = reverseMapRow{GuestPC: insn.GuestPC, HostEndOffset: end}
		}
		packed := encodeReverseMap(rows)

		reserved := estimateReserveSize(maxInsns)
		total := result.Size + len(packed)
		if total > reserved {
			// The reverse-map didn't fit in the optimistic reservation:
			// treat exactly like an arena overflow.
			e.arena.Abandon(base, reserved)
			e.Flush(gen)
			continue
		}

		if e.arena.FlushGen() != gen {
			// A flush landed underneath us mid-translation; our
			// reservation is already meaningless.
			e.arena.Abandon(base, reserved)
			continue
		}

		copy(e.arena.bytesFor(base, reserved)[result.Size:total], packed)
		e.arena.Commit(base, reserved, total)

		tb := &TranslationBlock{
			GuestPC:        guestPC,
			CsBase:         csBase,
			Flags:          flags,
			TraceMask:      cpuTraceMask(cpu),
			PhysPC0:        uint64(physPC),
			HostCodePtr:    base,
			HostCodeSize:   result.Size,
			GuestSize:      guestSize,
			InsnCount:      len(insns),
			JmpResetOffset: result.JumpResetOffset,
			JmpTargetArg:   result.JumpSite,
			reverseMap:     e.arena.bytesFor(base+uintptr(result.Size), len(packed)),
		}
		tb.cflagsStore(cflags &^ CFInvalid)

		phys2 := pageAddrUnused
		if resolved && guestSize > 0 {
			endPC := guestPC + uint64(guestSize) - 1
			if endPC/GuestPageSize != guestPC/GuestPageSize {
				if p2, ok := e.cfg.Resolver.GuestToPhys(cpu, endPC); ok {
					phys2 = p2
				}
			}
		}

		final := e.linkPage(tb, physPC, phys2)
		if final != tb {
			e.arena.Abandon(base, total)
			return final, nil
		}
		e.arena.InsertIndex(tb)
		if cpu != nil {
			cpu.JumpCache.Put(guestPC, tb)
		}
		return tb, nil
	}
}

func cpuTraceMask(cpu *CPU) uint32 {
	if cpu == nil {
		return 0
	}
	return cpu.TraceMask
}

// linkPage resolves the one or two PageDesc records tb covers and
// splices tb onto each, losing the race to an existing identical TB if
// one was inserted concurrently.
func (e *Engine) linkPage(tb *TranslationBlock, physPC, physPage2 int64) *TranslationBlock {
	if physPC == pageAddrUnused {
		tb.PageAddr[0] = pageAddrUnused
		tb.PageAddr[1] = pageAddrUnused
		tb.cflagsStore(tb.cflagsLoad() | CFNoCache)
		return tb
	}

	p0 := pageIndex(physPC)
	p1 := pageIndex(physPage2)
	tb.PageAddr[0] = p0
	tb.PageAddr[1] = p1

	pd0 := e.pages.Find(p0)
	var pd1 *PageDesc
	if p1 != pageAddrUnused && p1 != p0 {
		pd1 = e.pages.Find(p1)
	}

	pc := NewPageCollection()
	if pd1 == nil {
		pc.Add(p0, pd0)
	} else if p0 < p1 {
		pc.Add(p0, pd0)
		pc.Add(p1, pd1)
	} else {
		pc.Add(p1, pd1)
		pc.Add(p0, pd0)
	}

	if pd0.addLocked(tb, 0) {
		if protect := e.protectFunc(p0); protect != nil {
			protect()
		}
	}
	if pd1 != nil {
		if pd1.addLocked(tb, 1) {
			if protect := e.protectFunc(p1); protect != nil {
				protect()
			}
		}
	}

	var existing *TranslationBlock
	if tb.cflagsLoad()&CFNoCache == 0 {
		fp := tb.Fingerprint()
		h := fp.hash()
		existing = e.hash.insert(tb, fp, h)
		if existing != nil {
			pd0.removeLocked(tb, 0)
			if pd1 != nil {
				pd1.removeLocked(tb, 1)
			}
		}
	}
	pc.Release()

	if existing != nil {
		return existing
	}
	return tb
}

func (e *Engine) protectFunc(page int64) func() {
	if e.cfg.TLB == nil {
		return nil
	}
	return func() { e.cfg.TLB.ProtectCode(page) }
}

// Lookup looks up a cached TB for the given context: jump-cache hint
// first, falling back to
// the hash table. A jump-cache hit is re-validated against the full
// context before being trusted, since stale hints are expected.
func (e *Engine) Lookup(cpu *CPU, guestPC, csBase uint64, flags, cflags uint32) *TranslationBlock {
	cfMask := cflags & CFCountMask
	if cpu != nil {
		if hint := cpu.JumpCache.Get(guestPC); hint != nil &&
			hint.GuestPC == guestPC && hint.CsBase == csBase && hint.Flags == flags &&
			hint.cflagsLoad()&CFCountMask == cfMask && !hint.Invalid() {
			return hint
		}
	}

	physPC, ok := e.cfg.Resolver.GuestToPhys(cpu, guestPC)
	if !ok {
		return nil
	}
	fp := Fingerprint{
		PhysPC0:        uint64(physPC),
		GuestPC:        guestPC,
		Flags:          flags,
		CflagsHashMask: cfMask,
		TraceMask:      cpuTraceMask(cpu),
		PhysPage0:      pageIndex(physPC),
		PhysPage1:      pageAddrUnused,
	}
	tb := e.hash.lookup(fp, fp.hash())
	if tb != nil && cpu != nil {
		cpu.JumpCache.Put(guestPC, tb)
	}
	return tb
}

// InvalidateTB is the single-TB invalidation entry point. Unlike
// the range path, it holds no pre-existing page locks, so it builds its
// own PageCollection over tb's one or two pages (locked in ascending
// order) before splicing tb out of them.
func (e *Engine) InvalidateTB(tb *TranslationBlock, cpus []*CPU) {
	pc := NewPageCollection()
	for n := 0; n < NumPageSlots; n++ {
		idx := tb.PageAddr[n]
		if idx == pageAddrUnused || (n == 1 && tb.PageAddr[1] == tb.PageAddr[0]) {
			continue
		}
		if pd := e.pages.Lookup(idx); pd != nil {
			pc.Add(idx, pd)
		}
	}
	e.invalidate(tb, cpus)
	pc.Release()
}

// invalidate performs the body common to every invalidation entry
// point: it assumes the caller already holds (or does not need) locks
// on tb's pages. InvalidatePhysRange calls this directly because its
// own PageCollection already covers every page it touches;
// InvalidateTB wraps it with a PageCollection of its own first.
func (e *Engine) invalidate(tb *TranslationBlock, cpus []*CPU) {
	tb.jmpLock.Lock()
	tb.markInvalid()
	tb.jmpLock.Unlock()

	if tb.cflagsLoad()&CFNoCache == 0 {
		fp := tb.Fingerprint()
		if !e.hash.remove(tb, fp.hash()) {
			return // concurrent winner already finished this invalidation
		}
		for n := 0; n < NumPageSlots; n++ {
			if tb.PageAddr[n] == pageAddrUnused {
				continue
			}
			if n == 1 && tb.PageAddr[1] == tb.PageAddr[0] {
				continue
			}
			if pd := e.pages.Lookup(tb.PageAddr[n]); pd != nil {
				pd.removeLocked(tb, n)
			}
		}
	}

	for _, cpu := range cpus {
		cpu.JumpCache.clearTB(tb)
	}

	UnlinkOutgoing(tb, 0)
	UnlinkOutgoing(tb, 1)
	UnlinkAllIncoming(e.cfg.Patcher, tb)

	atomic.AddUint64(&e.invalidateCount, 1)
}

// InvalidatePhysRange is the range invalidation entry point, including
// the precise-SMC "current TB modified" signal: if a write
// invalidates the block a cpu is presently executing, that cpu's
// PreciseSMCPending flag is set so the caller can re-enter the
// dispatcher and run exactly one guest instruction before resuming
// normal jump-chained execution.
func (e *Engine) InvalidatePhysRange(start, end int64, cpus []*CPU) {
	firstPage, lastPage := pageIndex(start), pageIndex(end-1)
	pc := NewPageCollection()
	for p := firstPage; p <= lastPage; p++ {
		if pd := e.pages.Lookup(p); pd != nil {
			pc.Add(p, pd)
		}
	}
	defer pc.Release()

	seen := make(map[*TranslationBlock]bool)
	var hits []*TranslationBlock
	for p := firstPage; p <= lastPage; p++ {
		pd := e.pages.Lookup(p)
		if pd == nil {
			continue
		}
		localStart, length := pageByteRange(p, start, end)
		if !pd.checkSMCWriteLocked(localStart, length) {
			// The bitmap has been built and confirms this page's write
			// doesn't touch any compiled code: skip the TB walk entirely.
			continue
		}
		pd.walkTBsLocked(func(tb *TranslationBlock, slot int) {
			if seen[tb] || !tb.overlapsPhys(start, end) {
				return
			}
			seen[tb] = true
			hits = append(hits, tb)
		})
	}

	// A hit TB may reach into a sibling page outside [start,end); lock
	// it too before invalidate() tries to splice it out.
	for _, tb := range hits {
		for n := 0; n < NumPageSlots; n++ {
			idx := tb.PageAddr[n]
			if idx == pageAddrUnused || (n == 1 && tb.PageAddr[1] == tb.PageAddr[0]) {
				continue
			}
			if !pc.Contains(idx) {
				if pd := e.pages.Lookup(idx); pd != nil {
					pc.Add(idx, pd)
				}
			}
		}
	}

	for _, tb := range hits {
		if e.cfg.PreciseSMC {
			for _, cpu := range cpus {
				if cpu.running() == tb {
					cpu.setPreciseSMCPending()
				}
			}
		}
		e.invalidate(tb, cpus)
	}
}

// FlushGen returns the arena's current flush generation, for a caller
// that wants to snapshot it before later deciding whether to call
// Flush.
func (e *Engine) FlushGen() uint64 {
	return e.arena.FlushGen()
}

// Flush is a global, serialized reset of the arena and every structure
// that references it. gen is the flush generation the caller observed
// before deciding to flush (via FlushGen or a failed Reserve); if
// another caller already flushed the arena since, gen is stale and
// Flush is a no-op, reporting false, matching do_tb_flush's
// double-check of tb_flush_count against the generation a caller last
// saw. A real flush clears the hash table, every page's TB list, and the
// jump caches of the cpus passed in before it returns; the Engine keeps
// no list of CPUs, so jump caches of CPUs not passed are left as they
// are.
func (e *Engine) Flush(gen uint64, cpus ...*CPU) bool {
	if !e.arena.Flush(gen) {
		return false
	}
	e.hash.reset()
	e.pages.Reset()
	for _, cpu := range cpus {
		cpu.JumpCache.ClearAll()
	}
	return true
}

// CPURestoreState is analogous to cpu_restore_state: it uses the
// arena's host-PC index and the TB's reverse-map to recover the
// guest state a fault at hostPC should resume from. It reports false if
// hostPC does not belong to any known TB. A NOCACHE (one-shot) TB is
// invalidated right after its state is restored; its arena space and
// host-PC index entry stay in place until the next Flush.
func (e *Engine) CPURestoreState(cpu *CPU, hostPC uintptr) (guestPC uint64, ok bool) {
	tb := e.arena.LookupTB(hostPC)
	if tb == nil {
		return 0, false
	}
	targetOffset := uint32(hostPC - tb.HostCodePtr)
	row, _, found := decodeReverseMapAt(tb.reverseMap, targetOffset)
	if !found {
		return 0, false
	}
	if tb.NoCache() {
		e.invalidate(tb, nil)
	}
	return row.GuestPC, true
}

// CheckWatchpoint is analogous to tb_check_watchpoint: a watchpoint
// trap always invalidates the trapping block, so it regenerates with
// watchpoint logic inlined on next translation.
func (e *Engine) CheckWatchpoint(cpu *CPU, hostPC uintptr, cpus []*CPU) (guestPC uint64, ok bool) {
	tb := e.arena.LookupTB(hostPC)
	if tb == nil {
		return 0, false
	}
	targetOffset := uint32(hostPC - tb.HostCodePtr)
	row, _, found := decodeReverseMapAt(tb.reverseMap, targetOffset)
	if !found {
		return 0, false
	}
	e.invalidate(tb, cpus)
	return row.GuestPC, true
}

// ForEachTB walks every live TB reachable from the page descriptor
// radix, calling fn once per TB. Used for statistics (analogous to
// for_each_tb); a TB spanning two pages is visited once, via the page
// in its slot 0 (the page holding its first byte).
func (e *Engine) ForEachTB(fn func(tb *TranslationBlock)) {
	for i := range e.pages.l1 {
		leaf := e.pages.l1[i].p.Load()
		if leaf == nil {
			continue
		}
		for j := range leaf {
			pd := &leaf[j]
			pd.Walk(func(tb *TranslationBlock, slot int) {
				if slot == 0 {
					fn(tb)
				}
			})
		}
	}
}

// Stats summarizes the live TB population, the Go analogue of
// dump_exec_info's tb_tree_stats.
type Stats struct {
	Count          int
	CrossPageCount int
	TotalHostBytes int64
	TotalGuestSize int64
	InvalidateCount uint64
}

// Stats computes a fresh Stats snapshot by walking every live TB.
func (e *Engine) Stats() Stats {
	var s Stats
	e.ForEachTB(func(tb *TranslationBlock) {
		s.Count++
		s.TotalHostBytes += int64(tb.HostCodeSize)
		s.TotalGuestSize += int64(tb.GuestSize)
		if tb.PageAddr[1] != pageAddrUnused {
			s.CrossPageCount++
		}
	})
	s.InvalidateCount = atomic.LoadUint64(&e.invalidateCount)
	return s
}
