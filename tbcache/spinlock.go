// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a short-held, busy-waiting lock, the Go analogue of QEMU's
// QemuSpin. It backs per-page and per-TB locks: the critical sections
// they protect are a handful of pointer writes, so parking a goroutine on
// a channel or sync.Mutex would cost more than it saves.
type spinLock struct {
	state uint32
}

const (
	spinUnlocked = 0
	spinLocked   = 1
)

func (s *spinLock) Lock() {
	for !atomic.CompareAndSwapUint32(&s.state, spinUnlocked, spinLocked) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	atomic.StoreUint32(&s.state, spinUnlocked)
}

// TryLock attempts to acquire the lock without blocking. It reports
// whether the lock was acquired.
func (s *spinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&s.state, spinUnlocked, spinLocked)
}
