// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "sort"

type pcEntry struct {
	idx int64
	pd  *PageDesc
}

// PageCollection is an ordered set of locked pages built up while an
// invalidation walks a possibly multi-page range. At every point
// where it might block, the pages it already holds are locked in
// strictly ascending index order, which is what makes it safe to hold
// several page locks at once without risking a deadlock cycle against
// another PageCollection doing the same thing in a different order.
type PageCollection struct {
	entries []pcEntry // always sorted ascending by idx
	present map[int64]*PageDesc
}

// NewPageCollection returns an empty collection.
func NewPageCollection() *PageCollection {
	return &PageCollection{present: make(map[int64]*PageDesc)}
}

// Contains reports whether idx is already locked in the collection.
func (c *PageCollection) Contains(idx int64) bool {
	_, ok := c.present[idx]
	return ok
}

// Add locks pd under page index idx and adds it to the collection,
// following the ascending-order locking discipline: if idx is beyond
// every page already held, lock it unconditionally; otherwise try a
// non-blocking lock, and on contention release every lock held so far,
// re-acquire them all in ascending order, and retry. Add is a no-op if
// idx is already present.
func (c *PageCollection) Add(idx int64, pd *PageDesc) {
	if c.present[idx] != nil {
		return
	}
	for {
		if len(c.entries) == 0 || idx > c.entries[len(c.entries)-1].idx {
			pd.lock.Lock()
			c.insert(idx, pd)
			return
		}
		if pd.lock.TryLock() {
			c.insert(idx, pd)
			return
		}
		c.releaseAndReacquireAscending()
	}
}

func (c *PageCollection) insert(idx int64, pd *PageDesc) {
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].idx >= idx })
	c.entries = append(c.entries, pcEntry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = pcEntry{idx: idx, pd: pd}
	c.present[idx] = pd
}

func (c *PageCollection) releaseAndReacquireAscending() {
	for _, e := range c.entries {
		e.pd.lock.Unlock()
	}
	for _, e := range c.entries {
		e.pd.lock.Lock()
	}
}

// Pages returns the locked PageDesc entries in ascending index order.
func (c *PageCollection) Pages() []*PageDesc {
	out := make([]*PageDesc, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.pd
	}
	return out
}

// Release unlocks every page held by the collection. The collection
// must not be used again afterwards.
func (c *PageCollection) Release() {
	for _, e := range c.entries {
		e.pd.lock.Unlock()
	}
	c.entries = nil
	c.present = nil
}
