// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "testing"

func TestPageCollectionAddIsOrderedAndDeduped(t *testing.T) {
	pt := NewPageTable(4)
	c := NewPageCollection()
	defer c.Release()

	c.Add(5, pt.Find(5))
	c.Add(1, pt.Find(1))
	c.Add(3, pt.Find(3))
	c.Add(3, pt.Find(3)) // duplicate add must be a no-op

	if !c.Contains(1) || !c.Contains(3) || !c.Contains(5) {
		t.Fatalf("expected 1, 3 and 5 to be present")
	}
	pages := c.Pages()
	if len(pages) != 3 {
		t.Fatalf("duplicate Add should not grow the collection, got %d entries", len(pages))
	}

	var order []int64
	for i, e := range c.entries {
		order = append(order, e.idx)
		_ = i
	}
	want := []int64{1, 3, 5}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("entries not kept in ascending order: %v", order)
		}
	}
}

func TestPageCollectionReleaseUnlocksEverything(t *testing.T) {
	pt := NewPageTable(4)
	c := NewPageCollection()
	pd := pt.Find(1)
	c.Add(1, pd)
	c.Release()

	// A fresh collection must be able to lock the same page again,
	// proving Release actually unlocked it rather than leaking the hold.
	c2 := NewPageCollection()
	defer c2.Release()
	c2.Add(1, pd)
	if !c2.Contains(1) {
		t.Fatalf("expected to be able to re-lock page 1 after Release")
	}
}
