// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

// LinkJump chains a's outgoing slot n to b: it patches a's jump site in
// host code to land on b's entry point, records the link on both TBs,
// and pushes a onto b's incoming-jump list. It refuses (returning false,
// doing nothing) if b has already been invalidated or if a's slot n has
// been frozen by an unlink.
//
// The link is established entirely under b.jmpLock; a's own jmpLock is
// never taken here, so a thread never holds two TB jmpLocks at once.
func LinkJump(patcher CodePatcher, a *TranslationBlock, n int, b *TranslationBlock) bool {
	b.jmpLock.Lock()
	defer b.jmpLock.Unlock()
	if b.Invalid() {
		return false
	}
	if a.jmpDest[n].load().tag() {
		return false
	}
	if a.JmpTargetArg[n] != 0 {
		patcher.PatchJump(a.JmpTargetArg[n], b.HostCodePtr)
	}
	a.jmpDest[n].store(newTaggedTB(b, false))
	a.jmpListNext[n].store(b.jmpListHead.load())
	b.jmpListHead.store(newTaggedTB(a, n != 0))
	return true
}

// UnlinkOutgoing severs a's outgoing slot n from whatever it currently
// targets, used when a itself is being invalidated. It does not touch
// a's host code (a is being torn down regardless); it only removes a
// from its destination's incoming list so that destination never tries
// to reach back into a again.
func UnlinkOutgoing(a *TranslationBlock, n int) {
	old := a.jmpDest[n].orTag()
	b := old.tb()
	if b == nil {
		return
	}
	postOr := old.setTag()
	b.jmpLock.Lock()
	defer b.jmpLock.Unlock()
	if a.jmpDest[n].load() != postOr {
		// b already unlinked a concurrently (incoming-side teardown
		// races outgoing-side teardown harmlessly).
		return
	}
	spliceIncoming(b, a, n)
}

// spliceIncoming removes target's slot-n link from b's incoming list.
// Callers must hold b.jmpLock.
func spliceIncoming(b *TranslationBlock, target *TranslationBlock, slot int) {
	cur := &b.jmpListHead
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
		if cand == target && candSlot == slot {
			cur.store(target.jmpListNext[slot].load())
			return
		}
		cur = &cand.jmpListNext[candSlot]
	}
}

// UnlinkAllIncoming tears down every jump that currently targets b,
// used when b itself is being invalidated. For every TB a on b's
// incoming list, it patches a's jump site back to a's own self-loop
// reset offset (so a will exit the dispatcher instead of jumping into
// now-dead code) and freezes a's outgoing slot so a concurrent LinkJump
// from a sees it is no longer safe to reuse.
func UnlinkAllIncoming(patcher CodePatcher, b *TranslationBlock) {
	b.jmpLock.Lock()
	defer b.jmpLock.Unlock()
	h := b.jmpListHead.load()
	for {
		a := h.tb()
		if a == nil {
			break
		}
		slot := 0
		if h.tag() {
			slot = 1
		}
		next := a.jmpListNext[slot].load()
		if a.JmpTargetArg[slot] != 0 {
			patcher.PatchJump(a.JmpTargetArg[slot], a.HostCodePtr+uintptr(a.JmpResetOffset[slot]))
		}
		a.jmpDest[slot].andClearKeepTag()
		h = next
	}
	b.jmpListHead.store(0)
}
