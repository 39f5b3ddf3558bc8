// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

import (
	"testing"
)

// fakeReserver hands back a plain heap slice, good enough to exercise
// the arena's bookkeeping without a real executable mapping.
type fakeReserver struct {
	fail bool
}

func (f fakeReserver) Reserve(size int) ([]byte, error) {
	if f.fail {
		return nil, errTestReserveFailed
	}
	return make([]byte, size), nil
}

var errTestReserveFailed = &testError{"reserve failed"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func TestNewArenaFailure(t *testing.T) {
	if _, err := NewArena(fakeReserver{fail: true}, 4096); err != ErrFatalArenaInit {
		t.Fatalf("want ErrFatalArenaInit, got %v", err)
	}
}

func TestArenaReserveExhaustion(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := a.Reserve(32); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, _, _, err := a.Reserve(32); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if _, _, _, err := a.Reserve(1); err != ErrArenaExhausted {
		t.Fatalf("want ErrArenaExhausted, got %v", err)
	}
}

func TestArenaCommitShrinksBumpWhenUncontended(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	region, base, _, err := a.Reserve(32)
	if err != nil {
		t.Fatal(err)
	}
	_ = region
	a.Commit(base, 32, 8)

	// The freed 24 bytes must be reusable: with 8 bytes still used, a
	// 56-byte reserve should now fit (24 freed + 32 never reserved = 56).
	if _, _, _, err := a.Reserve(56); err != nil {
		t.Fatalf("expected commit to give back unused tail, got %v", err)
	}
}

func TestArenaAbandonGivesBackWholeRegion(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	_, base, _, err := a.Reserve(32)
	if err != nil {
		t.Fatal(err)
	}
	a.Abandon(base, 32)
	if _, _, _, err := a.Reserve(64); err != nil {
		t.Fatalf("expected abandon to free the whole region, got %v", err)
	}
}

func TestArenaFlushResetsBumpAndBumpsGeneration(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	gen0 := a.FlushGen()
	if _, _, _, err := a.Reserve(64); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := a.Reserve(1); err != ErrArenaExhausted {
		t.Fatalf("want exhausted before flush, got %v", err)
	}
	if !a.Flush(gen0) {
		t.Fatal("expected first Flush(gen0) to perform the flush")
	}
	if a.FlushGen() != gen0+1 {
		t.Fatalf("flush generation did not advance: got %d want %d", a.FlushGen(), gen0+1)
	}
	if _, _, _, err := a.Reserve(64); err != nil {
		t.Fatalf("expected full arena to be reusable after flush, got %v", err)
	}
}

func TestArenaFlushStaleGenerationIsNoop(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	gen0 := a.FlushGen()
	if !a.Flush(gen0) {
		t.Fatal("expected first Flush(gen0) to perform the flush")
	}
	if a.Flush(gen0) {
		t.Fatal("expected second Flush(gen0) with a now-stale generation to be a no-op")
	}
	if a.FlushGen() != gen0+1 {
		t.Fatalf("stale Flush must not bump the generation again: got %d want %d", a.FlushGen(), gen0+1)
	}
}

func TestArenaLookupTB(t *testing.T) {
	a, err := NewArena(fakeReserver{}, 64)
	if err != nil {
		t.Fatal(err)
	}
	region, base, _, err := a.Reserve(16)
	if err != nil {
		t.Fatal(err)
	}
	_ = region
	tb := &TranslationBlock{HostCodePtr: base, HostCodeSize: 16}
	a.InsertIndex(tb)

	if got := a.LookupTB(base); got != tb {
		t.Fatalf("LookupTB(start) = %v, want %v", got, tb)
	}
	if got := a.LookupTB(base + 15); got != tb {
		t.Fatalf("LookupTB(last byte) = %v, want %v", got, tb)
	}
	if got := a.LookupTB(base + 16); got != nil {
		t.Fatalf("LookupTB(one past end) = %v, want nil", got)
	}
	if got := a.LookupTB(base - 1); got != nil {
		t.Fatalf("LookupTB(before start) = %v, want nil", got)
	}
}
