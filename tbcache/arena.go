// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Tunable bounds for Config.ArenaSize: a requested size of 0 means
// "use the default", and any nonzero request is clamped to
// [MinArenaSize, MaxArenaSize]. Go has no MIPS 256 MiB branch-range
// constraint to honor, so MaxArenaSize is chosen generously rather than
// derived from a host architecture.
const (
	MinArenaSize     = 1 << 20  // 1 MiB
	DefaultArenaSize = 32 << 20 // 32 MiB
	MaxArenaSize     = 1 << 30  // 1 GiB
)

// MemoryReserver is the host-specific executable-memory allocator the
// arena is built on: static buffer, anonymous mmap, or a platform virtual
// alloc. Exactly one constructor per variant is expected to satisfy this,
// each returning a single-method handle rather than a polymorphic class
// hierarchy.
type MemoryReserver interface {
	// Reserve returns an executable byte slice of exactly size bytes.
	Reserve(size int) ([]byte, error)
}

// tbIndexEntry is one entry of the arena's host-PC index.
type tbIndexEntry struct {
	start uintptr
	tb    *TranslationBlock
}

// Arena is the contiguous executable region translation blocks are
// bump-allocated from. Its bump pointer and flush generation counter are
// single atomic words so that concurrent translators can reserve space
// without taking a lock; only Flush itself is serialized.
type Arena struct {
	buf        []byte
	base       uintptr
	bump       uintptr // offset into buf, atomic
	highWater  uintptr
	flushCount uint64 // atomic
	flushLock  spinLock

	indexMu sync.Mutex
	index   []tbIndexEntry // sorted by start, ascending
}

// NewArena reserves size bytes of executable memory from r and returns
// an Arena bump-allocating within it. size is expected to already be
// clamped to [MinArenaSize, MaxArenaSize]; NewArena does not clamp it
// itself so that Config.ArenaSize's clamping has one place to live.
func NewArena(r MemoryReserver, size int) (*Arena, error) {
	buf, err := r.Reserve(size)
	if err != nil {
		return nil, ErrFatalArenaInit
	}
	a := &Arena{
		buf: buf,
	}
	if len(buf) > 0 {
		a.base = uintptr(unsafe.Pointer(&buf[0]))
	}
	a.highWater = uintptr(len(buf))
	return a, nil
}

// FlushGen returns the current flush generation. A translator re-reads
// this at the start of a critical section and again (via Commit's
// caller) to detect a concurrent flush mid-translation.
func (a *Arena) FlushGen() uint64 {
	return atomic.LoadUint64(&a.flushCount)
}

// Reserve optimistically bump-allocates size bytes and returns the slice
// backing it along with the flush generation observed at reservation
// time. The caller may use less than size; it must call Commit (to give
// back the unused tail) or Abandon (to give back the whole reservation)
// when done.
func (a *Arena) Reserve(size int) (region []byte, base uintptr, gen uint64, err error) {
	for {
		gen = atomic.LoadUint64(&a.flushCount)
		cur := atomic.LoadUintptr(&a.bump)
		end := cur + uintptr(size)
		if end > a.highWater {
			return nil, 0, gen, ErrArenaExhausted
		}
		if atomic.CompareAndSwapUintptr(&a.bump, cur, end) {
			return a.buf[cur:end:end], a.base + cur, gen, nil
		}
	}
}

// Commit shrinks a Reserve'd region from reserved bytes down to used
// bytes. It is a best-effort give-back: it only succeeds if no other
// translator has reserved space past this region since; if it fails the
// unused tail is simply wasted until the next Flush, which is harmless.
func (a *Arena) Commit(base uintptr, reserved, used int) {
	if used >= reserved {
		return
	}
	off := base - a.base
	end := off + uintptr(reserved)
	newEnd := off + uintptr(used)
	atomic.CompareAndSwapUintptr(&a.bump, end, newEnd)
}

// Abandon gives back an entire Reserve'd region, used when a translator
// loses the insertion race or discovers mid-translation that its block
// must be discarded. Like Commit, it is best-effort.
func (a *Arena) Abandon(base uintptr, reserved int) {
	a.Commit(base, reserved, 0)
}

// InsertIndex records tb in the host-PC index so LookupTB can find it
// later; Generate inserts each new TB into the index right after it
// commits the block's code to the arena. Concurrent translators may
// finish out of address order, so each entry is placed at its sorted
// position by HostCodePtr.
func (a *Arena) InsertIndex(tb *TranslationBlock) {
	a.indexMu.Lock()
	i := sort.Search(len(a.index), func(i int) bool {
		return a.index[i].start > tb.HostCodePtr
	})
	a.index = append(a.index, tbIndexEntry{})
	copy(a.index[i+1:], a.index[i:])
	a.index[i] = tbIndexEntry{start: tb.HostCodePtr, tb: tb}
	a.indexMu.Unlock()
}

// LookupTB returns the TranslationBlock whose code region contains
// hostPC, or nil. Used by fault handlers (CPURestoreState,
// CheckWatchpoint) to recover the TB owning a trapping host PC.
func (a *Arena) LookupTB(hostPC uintptr) *TranslationBlock {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	i := sort.Search(len(a.index), func(i int) bool {
		return a.index[i].start > hostPC
	})
	if i == 0 {
		return nil
	}
	e := a.index[i-1]
	if hostPC >= e.start && hostPC < e.tb.end() {
		return e.tb
	}
	return nil
}

// Flush resets the bump pointer to the arena base, clears the host-PC
// index, and bumps the flush generation, but only if gen still matches
// the arena's current generation. gen is the generation a caller
// observed earlier (via FlushGen or a failed Reserve) before deciding
// to flush; if another caller already flushed since, gen is stale and
// this call is a no-op, reporting false. It does not touch the hash
// table, jump caches, or page descriptors: Engine.Flush orchestrates
// those in the right order around this call.
func (a *Arena) Flush(gen uint64) bool {
	a.flushLock.Lock()
	defer a.flushLock.Unlock()
	if atomic.LoadUint64(&a.flushCount) != gen {
		return false
	}
	atomic.StoreUintptr(&a.bump, 0)
	atomic.AddUint64(&a.flushCount, 1)
	a.indexMu.Lock()
	a.index = a.index[:0]
	a.indexMu.Unlock()
	return true
}

// bytesFor returns the live slice backing a committed [base, base+size)
// region, used by code emitters and the reverse-map codec to get at the
// raw bytes of a TB's code.
func (a *Arena) bytesFor(base uintptr, size int) []byte {
	off := base - a.base
	return a.buf[off : off+uintptr(size)]
}
