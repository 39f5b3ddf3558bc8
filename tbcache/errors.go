// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import "errors"

// ErrArenaExhausted is returned internally by the arena when a reserve
// request cannot be satisfied before the high-water mark. Engine.Generate
// handles it by requesting a flush and retrying; it is never returned to
// callers of Generate.
var ErrArenaExhausted = errors.New("tbcache: arena exhausted")

// ErrBlockTooLarge is returned by Emitter implementations when a single
// candidate block exceeds an implementation limit (not arena space).
// Engine.Generate retries with max_insns halved; if max_insns is already
// 1 this is a programmer bug and Generate panics rather than looping
// forever.
var ErrBlockTooLarge = errors.New("tbcache: block too large")

// ErrFatalArenaInit is returned by NewEngine when the arena's backing
// store cannot be obtained at all (e.g. the executable mapping fails).
// It is unrecoverable: callers should abort startup.
var ErrFatalArenaInit = errors.New("tbcache: fatal arena initialization failure")

// ErrUnresolvableGuestPC names the case where the Resolver reports (by
// returning ok == false) that guest_pc does not map to physical RAM. No
// function in this package returns it: Engine.Generate instead gives the
// caller a NOCACHE, single-instruction TranslationBlock.
var ErrUnresolvableGuestPC = errors.New("tbcache: guest pc does not resolve to physical memory")

// The lost-insertion-race and already-invalidated cases have no error
// value: they are normal, expected internal control flow, never returned
// to a caller of the package. A lost insertion race is detected by
// hashTable.insert returning a non-nil existing TB; an already-invalidated
// TB is detected by hashTable.remove returning false.
