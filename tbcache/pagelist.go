// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

// addLocked prepends tb to pd's intrusive TB list at page slot n (which
// of tb's PageAddr entries this page is) and discards the page's SMC
// bitmap, since the list just changed structurally. It reports whether
// the page was empty beforehand, so the caller can decide whether to
// arm write protection; callers must already hold pd.lock, which is
// normally true because every multi-page caller reaches this through a
// PageCollection.
func (pd *PageDesc) addLocked(tb *TranslationBlock, n int) (wasEmpty bool) {
	wasEmpty = pd.firstTB.load().tb() == nil
	tb.pageNext[n].store(pd.firstTB.load())
	pd.firstTB.store(newTaggedTB(tb, n != 0))
	pd.smc.discard()
	return wasEmpty
}

// removeLocked splices tb out of pd's TB list at page slot n. It is a
// no-op if tb is not present. Callers must already hold pd.lock.
func (pd *PageDesc) removeLocked(tb *TranslationBlock, n int) {
	cur := &pd.firstTB
	for {
		h := cur.load()
		cand := h.tb()
		if cand == nil {
			return
		}
		candSlot := 0
		if h.tag() {
			candSlot = 1
		}
		if cand == tb && candSlot == n {
			cur.store(tb.pageNext[n].load())
			pd.smc.discard()
			return
		}
		cur = &cand.pageNext[candSlot]
	}
}

// Add is the self-locking form of addLocked, for standalone callers
// that are not already holding pd.lock via a PageCollection.
func (pd *PageDesc) Add(tb *TranslationBlock, n int, protect func()) {
	pd.lock.Lock()
	wasEmpty := pd.addLocked(tb, n)
	pd.lock.Unlock()
	if wasEmpty && protect != nil {
		protect()
	}
}

// Remove is the self-locking form of removeLocked.
func (pd *PageDesc) Remove(tb *TranslationBlock, n int) {
	pd.lock.Lock()
	defer pd.lock.Unlock()
	pd.removeLocked(tb, n)
}

// walkTBsLocked calls fn for every TB on pd's list, in list order.
// Callers must already hold pd.lock.
func (pd *PageDesc) walkTBsLocked(fn func(tb *TranslationBlock, slot int)) {
	h := pd.firstTB.load()
	for {
		tb := h.tb()
		if tb == nil {
			return
		}
		slot := 0
		if h.tag() {
			slot = 1
		}
		fn(tb, slot)
		h = tb.pageNext[slot].load()
	}
}

// Walk calls fn for every TB on pd's list, taking pd.lock for the
// duration.
func (pd *PageDesc) Walk(fn func(tb *TranslationBlock, slot int)) {
	pd.lock.Lock()
	defer pd.lock.Unlock()
	pd.walkTBsLocked(fn)
}

// Empty reports whether pd's TB list has no entries.
func (pd *PageDesc) Empty() bool {
	pd.lock.Lock()
	defer pd.lock.Unlock()
	return pd.firstTB.load().tb() == nil
}
