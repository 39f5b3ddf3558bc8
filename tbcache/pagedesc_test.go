// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "testing"

func TestPageTableFindAllocatesOnce(t *testing.T) {
	pt := NewPageTable(4)
	a := pt.Find(5)
	b := pt.Find(5)
	if a != b {
		t.Fatalf("Find returned different PageDesc pointers for the same page: %p vs %p", a, b)
	}
	if pt.Lookup(5) != a {
		t.Fatalf("Lookup disagreed with Find")
	}
}

func TestPageTableLookupMissing(t *testing.T) {
	pt := NewPageTable(4)
	if pt.Lookup(5) != nil {
		t.Fatalf("Lookup on an untouched page should return nil")
	}
	if pt.Find(l2Size+5) == nil {
		t.Fatalf("Find should allocate a page in the second l1 slot")
	}
}

func TestPageTableOutOfRange(t *testing.T) {
	pt := NewPageTable(1)
	if pt.Find(l2Size*2) != nil {
		t.Fatalf("Find should return nil for an index beyond the configured l1 entries")
	}
}

func TestPageTableResetClearsLists(t *testing.T) {
	pt := NewPageTable(4)
	pd := pt.Find(3)
	tb := &TranslationBlock{PageAddr: [NumPageSlots]int64{3, pageAddrUnused}}
	pd.Add(tb, 0, nil)
	if pd.Empty() {
		t.Fatalf("page should not be empty after Add")
	}
	pt.Reset()
	if !pd.Empty() {
		t.Fatalf("Reset should clear the page's TB list")
	}
}

func TestPageDescAddRemoveWalkOrder(t *testing.T) {
	pd := &PageDesc{}
	tb1 := &TranslationBlock{GuestPC: 1, PageAddr: [NumPageSlots]int64{0, pageAddrUnused}}
	tb2 := &TranslationBlock{GuestPC: 2, PageAddr: [NumPageSlots]int64{0, pageAddrUnused}}
	tb3 := &TranslationBlock{GuestPC: 3, PageAddr: [NumPageSlots]int64{0, pageAddrUnused}}

	protectCalls := 0
	pd.Add(tb1, 0, func() { protectCalls++ })
	pd.Add(tb2, 0, func() { protectCalls++ })
	pd.Add(tb3, 0, func() { protectCalls++ })
	if protectCalls != 1 {
		t.Fatalf("protect callback should only fire for the first TB on an empty page, got %d calls", protectCalls)
	}

	var order []uint64
	pd.Walk(func(tb *TranslationBlock, slot int) {
		order = append(order, tb.GuestPC)
		if slot != 0 {
			t.Errorf("unexpected slot %d", slot)
		}
	})
	// addLocked prepends, so the list is in reverse insertion order.
	want := []uint64{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}

	pd.Remove(tb2, 0)
	order = nil
	pd.Walk(func(tb *TranslationBlock, slot int) { order = append(order, tb.GuestPC) })
	if len(order) != 2 || order[0] != 3 || order[1] != 1 {
		t.Fatalf("after removing the middle entry, got %v", order)
	}

	pd.Remove(tb1, 0)
	pd.Remove(tb3, 0)
	if !pd.Empty() {
		t.Fatalf("page should be empty after removing every TB")
	}
}
