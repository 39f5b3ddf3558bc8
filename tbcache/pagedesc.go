// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "sync/atomic"

// l2Bits sizes each radix leaf at 2^l2Bits PageDesc slots. A real
// implementation picks this from host address-space width; a fixed,
// modest leaf keeps a two-level radix without wasting memory on guests
// that only ever touch a handful of pages.
const l2Bits = 10

const l2Size = 1 << l2Bits

// PageDesc is the per-physical-page record: the head of the intrusive
// list of TBs covering the page, its lazily-built SMC bitmap, and the
// spin lock serializing both.
type PageDesc struct {
	lock          spinLock
	firstTB       atomicTaggedTB
	smc           smcBitmap
	smcWriteCount uint32
}

// PageTable is the sparse two-level map page_index → *PageDesc.
// Top-level slots are allocated lazily and published with a CAS so that
// concurrent Find calls racing to allocate the same leaf never clobber
// each other's PageDesc objects; pages that are never touched cost
// nothing beyond the top-level slice itself.
type PageTable struct {
	l1 []atomicL1Slot
}

type atomicL1Slot struct {
	p atomic.Pointer[[l2Size]PageDesc]
}

// NewPageTable creates a radix with l1Entries top-level slots, enough to
// address l1Entries*l2Size physical pages.
func NewPageTable(l1Entries int) *PageTable {
	return &PageTable{l1: make([]atomicL1Slot, l1Entries)}
}

// find descends to the PageDesc for idx, allocating (and CAS-publishing)
// the leaf if alloc is true and it does not exist yet. It returns nil if
// alloc is false and the leaf was never allocated.
func (pt *PageTable) find(idx int64, alloc bool) *PageDesc {
	l1 := idx / l2Size
	l2 := idx % l2Size
	if l1 < 0 || int(l1) >= len(pt.l1) {
		return nil
	}
	slot := &pt.l1[l1]
	leaf := slot.p.Load()
	if leaf == nil {
		if !alloc {
			return nil
		}
		fresh := new([l2Size]PageDesc)
		if !slot.p.CompareAndSwap(nil, fresh) {
			leaf = slot.p.Load()
		} else {
			leaf = fresh
		}
	}
	return &leaf[l2]
}

// Find returns the PageDesc for physical page idx, allocating it on
// first touch.
func (pt *PageTable) Find(idx int64) *PageDesc {
	return pt.find(idx, true)
}

// Lookup returns the PageDesc for idx, or nil if the page has never
// held code.
func (pt *PageTable) Lookup(idx int64) *PageDesc {
	return pt.find(idx, false)
}

// Reset clears every allocated leaf's firstTB list, used by Flush.
// Leaves themselves are kept (not deallocated), and so are their SMC
// bitmaps and write-hit counters: a kept bitmap may still mark bytes of
// TBs the flush dropped, which only sends later writes down the TB walk,
// and the next addLocked on the page discards it. Reallocating every
// leaf on every flush would be wasted CAS traffic for long-running
// guests that repeatedly flush and retranslate the same working set.
func (pt *PageTable) Reset() {
	for i := range pt.l1 {
		leaf := pt.l1[i].p.Load()
		if leaf == nil {
			continue
		}
		for j := range leaf {
			leaf[j].firstTB.store(0)
		}
	}
}
