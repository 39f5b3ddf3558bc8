// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import (
	"testing"
	"unsafe"
)

func TestAlign(t *testing.T) {
	cases := []struct{ n, to, want int }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{33, 32, 64},
	}
	for _, c := range cases {
		if got := align(c.n, c.to); got != c.want {
			t.Errorf("align(%d, %d) = %d, want %d", c.n, c.to, got, c.want)
		}
	}
}

func TestMMapAllocatorReserveSharesABlock(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	r1, err := a.Reserve(64)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.Reserve(64)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.blocks) != 1 {
		t.Fatalf("two small reservations should share one block, got %d blocks", len(a.blocks))
	}
	r1[0] = 0x90
	r2[0] = 0x91
	if r1[0] == r2[0] {
		t.Fatalf("reservations should not alias the same bytes")
	}
}

func TestMMapAllocatorOversizedGetsDedicatedBlock(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	if _, err := a.Reserve(64); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Reserve(minAllocSize * 2); err != nil {
		t.Fatal(err)
	}
	if len(a.blocks) != 2 {
		t.Fatalf("an oversized request should get its own block, got %d blocks", len(a.blocks))
	}
}

func TestMMapAllocatorReserveKeepsConsecutiveReservationsAligned(t *testing.T) {
	a := &MMapAllocator{}
	defer a.Close()

	// An odd size forces the next reservation's start to depend on
	// alignment padding rather than landing on a boundary by chance.
	if _, err := a.Reserve(3); err != nil {
		t.Fatal(err)
	}
	r2, err := a.Reserve(5)
	if err != nil {
		t.Fatal(err)
	}
	r3, err := a.Reserve(5)
	if err != nil {
		t.Fatal(err)
	}

	base := &a.last.mem[0]
	off2 := uintptr(unsafe.Pointer(&r2[0])) - uintptr(unsafe.Pointer(base))
	off3 := uintptr(unsafe.Pointer(&r3[0])) - uintptr(unsafe.Pointer(base))
	if off2%allocationAlignment != 0 {
		t.Fatalf("second reservation started at offset %d, not %d-byte aligned", off2, allocationAlignment)
	}
	if off3%allocationAlignment != 0 {
		t.Fatalf("third reservation started at offset %d, not %d-byte aligned", off3, allocationAlignment)
	}
	if off3 < off2+5 {
		t.Fatalf("third reservation at %d overlaps second reservation ending at %d", off3, off2+5)
	}
}

func TestMMapAllocatorCloseUnmapsEverything(t *testing.T) {
	a := &MMapAllocator{}
	if _, err := a.Reserve(64); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(a.blocks) != 0 || a.last != nil {
		t.Fatalf("Close should clear allocator state")
	}
}
