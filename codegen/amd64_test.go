// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/qemu/tbcache"
)

func TestAMD64PatcherPatchJump(t *testing.T) {
	var buf [5]byte
	site := uintptr(unsafe.Pointer(&buf[0]))
	dest := site + 5 + 100 // some address 100 bytes past the instruction end

	AMD64Patcher{}.PatchJump(site, dest)

	if buf[0] != 0xE9 {
		t.Fatalf("opcode byte = %#x, want 0xE9 (JMP rel32)", buf[0])
	}
	rel := int32(binary.LittleEndian.Uint32(buf[1:]))
	if rel != 100 {
		t.Fatalf("relative displacement = %d, want 100", rel)
	}
}

func TestAMD64PatcherPatchJumpBackward(t *testing.T) {
	var buf [5]byte
	site := uintptr(unsafe.Pointer(&buf[0]))
	dest := site - 50

	AMD64Patcher{}.PatchJump(site, dest)
	rel := int32(binary.LittleEndian.Uint32(buf[1:]))
	if rel != -55 { // dest - (site+5)
		t.Fatalf("relative displacement = %d, want -55", rel)
	}
}

func TestAMD64EmitterInsnEndOffsetStrictlyIncreases(t *testing.T) {
	insns := []tbcache.DecodedInsn{
		{Op: OpI64Const, Imm: 1},
		{Op: OpI64Const, Imm: 2},
		{Op: OpI64Add},
	}
	region := make([]byte, 256)

	result, err := AMD64Emitter{}.Emit(region, insns)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(result.InsnEndOffset) != len(insns) {
		t.Fatalf("InsnEndOffset has %d rows, want %d", len(result.InsnEndOffset), len(insns))
	}

	var prev uint32
	for i, end := range result.InsnEndOffset {
		if end <= prev {
			t.Fatalf("InsnEndOffset[%d] = %d, want strictly greater than previous %d", i, end, prev)
		}
		if end > uint32(result.Size) {
			t.Fatalf("InsnEndOffset[%d] = %d exceeds emitted block size %d", i, end, result.Size)
		}
		prev = end
	}
}
