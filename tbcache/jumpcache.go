// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"sync/atomic"
	"unsafe"
)

// jumpCacheBits is k in "N = 2^k entries". The cache has no per-page
// clearing: clearTB and ClearAll are its only ways to drop entries.
const jumpCacheBits = 12

// JumpCacheSize is N, the number of slots in a per-CPU jump cache.
const JumpCacheSize = 1 << jumpCacheBits

// JumpCache is a per-CPU, lock-free, best-effort direct-mapped cache
// from guest PC to a TB hint. Every slot is a single pointer-sized
// atomic word; a miss or a stale hit is harmless because callers
// re-validate the fingerprint before using a hit.
type JumpCache struct {
	slots [JumpCacheSize]unsafe.Pointer // *TranslationBlock
}

func jumpCacheIndex(guestPC uint64) uint64 {
	// A simple multiplicative hash spreads sequential guest PCs (common
	// for straight-line code) across slots instead of clustering them.
	const mul = 0x9E3779B97F4A7C15
	return (guestPC * mul) >> (64 - jumpCacheBits)
}

// Get returns the TB hinted for guestPC, or nil on a miss.
func (c *JumpCache) Get(guestPC uint64) *TranslationBlock {
	p := atomic.LoadPointer(&c.slots[jumpCacheIndex(guestPC)])
	return (*TranslationBlock)(p)
}

// Put records tb as the hint for guestPC.
func (c *JumpCache) Put(guestPC uint64, tb *TranslationBlock) {
	atomic.StorePointer(&c.slots[jumpCacheIndex(guestPC)], unsafe.Pointer(tb))
}

// clearTB zeroes every slot currently holding tb (there is at most one,
// but a guest PC's hash and a TB's own guest_pc may legitimately
// disagree after self-modifying code changes control flow, so this
// scans rather than assuming a single known slot).
func (c *JumpCache) clearTB(tb *TranslationBlock) {
	want := unsafe.Pointer(tb)
	for i := range c.slots {
		if atomic.LoadPointer(&c.slots[i]) == want {
			atomic.CompareAndSwapPointer(&c.slots[i], want, nil)
		}
	}
}

// ClearAll zeroes the whole array, used by Flush.
func (c *JumpCache) ClearAll() {
	for i := range c.slots {
		atomic.StorePointer(&c.slots[i], nil)
	}
}
