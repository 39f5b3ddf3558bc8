// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import "testing"

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	m := NewMemory(64)
	m.Write(8, []byte{1, 2, 3, 4})
	got := make([]byte, 4)
	m.ReadAt(8, got)
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMemoryWriteFiresOnProtectedWriteOnlyForProtectedPages(t *testing.T) {
	m := NewMemory(GuestPageSize * 2)
	var calls [][2]int64
	m.OnProtectedWrite = func(start, end int64) {
		calls = append(calls, [2]int64{start, end})
	}

	m.Write(4, []byte{0xaa}) // page 0, unprotected: no callback
	if len(calls) != 0 {
		t.Fatalf("unexpected callback on unprotected write: %v", calls)
	}

	m.Protect(0)
	m.Write(4, []byte{0xbb})
	if len(calls) != 1 || calls[0] != [2]int64{4, 5} {
		t.Fatalf("expected one callback for [4,5), got %v", calls)
	}

	m.Unprotect(0)
	m.Write(4, []byte{0xcc})
	if len(calls) != 1 {
		t.Fatalf("unprotect should stop further callbacks, got %v", calls)
	}
}

func TestMemoryWriteSpanningProtectedPage(t *testing.T) {
	m := NewMemory(GuestPageSize * 2)
	m.Protect(1)
	hit := false
	m.OnProtectedWrite = func(start, end int64) { hit = true }

	// A write starting on the unprotected page 0 but extending into the
	// protected page 1 must still trigger the callback.
	addr := int64(GuestPageSize - 2)
	m.Write(addr, []byte{1, 2, 3, 4})
	if !hit {
		t.Fatalf("expected a write spanning into a protected page to fire the callback")
	}
}

func TestIdentityResolverGuestToPhys(t *testing.T) {
	var r IdentityResolver
	phys, ok := r.GuestToPhys(nil, 0x1234)
	if !ok || phys != 0x1234 {
		t.Fatalf("GuestToPhys = (%#x, %v), want (0x1234, true)", phys, ok)
	}
}
