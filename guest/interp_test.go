// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import (
	"testing"

	"github.com/qemu/tbcache"
	"github.com/qemu/tbcache/codegen"
)

func TestRunConstAddSub(t *testing.T) {
	insns := []tbcache.DecodedInsn{
		{Op: codegen.OpI64Const, Imm: 10},
		{Op: codegen.OpI64Const, Imm: 3},
		{Op: codegen.OpI64Add},
		{Op: codegen.OpI64Const, Imm: 1},
		{Op: codegen.OpI64Sub},
	}
	got, err := run(insns, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 12 {
		t.Fatalf("got %d, want 12", got)
	}
}

func TestRunGetLocal(t *testing.T) {
	insns := []tbcache.DecodedInsn{
		{Op: codegen.OpGetLocal, Imm: 1},
		{Op: codegen.OpGetLocal, Imm: 0},
		{Op: codegen.OpI64Mul},
	}
	got, err := run(insns, []uint64{6, 7})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRunLocalOutOfRange(t *testing.T) {
	insns := []tbcache.DecodedInsn{{Op: codegen.OpGetLocal, Imm: 5}}
	if _, err := run(insns, []uint64{1}); err == nil {
		t.Fatalf("expected an out-of-range error")
	}
}

func TestRunStackUnderflow(t *testing.T) {
	insns := []tbcache.DecodedInsn{{Op: codegen.OpI64Add}}
	if _, err := run(insns, nil); err == nil {
		t.Fatalf("expected a stack underflow error")
	}
}

func TestRunEmptyReturnsZero(t *testing.T) {
	got, err := run(nil, nil)
	if err != nil || got != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", got, err)
	}
}
