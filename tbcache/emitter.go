// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tbcache

// GuestDecoder is the external instruction decoder collaborator
// (analogous to gen_intermediate_code): given a guest PC and an
// instruction budget, it
// fills in per-instruction guest PCs and reports how many instructions
// and how many guest bytes it consumed.
type GuestDecoder interface {
	// Decode reads up to maxInsns guest instructions starting at
	// guestPC/csBase/flags and returns one row per instruction (used to
	// build the reverse-map) plus the total guest byte length consumed.
	Decode(guestPC, csBase uint64, flags uint32, maxInsns int) (insns []DecodedInsn, guestSize int, err error)
}

// DecodedInsn is one guest instruction as reported by a GuestDecoder.
// Op and Imm are opaque to this package: a GuestDecoder/Emitter pair
// agrees on an opcode numbering between themselves (the engine only
// ever reads GuestPC, to seed the reverse-map).
type DecodedInsn struct {
	GuestPC uint64
	Op      byte
	Imm     uint64
}

// Emitter is the external code generator collaborator (analogous to
// tcg_gen_code): it writes host machine code for the decoded
// instructions into region and returns, for every instruction, the byte
// offset within region where that instruction's code ends (used to seed
// the reverse-map), plus the host addresses of up to two trailing direct
// branches left ready for later patching.
type Emitter interface {
	// Emit writes host code for insns into region, a slice reserved
	// from the Arena. It returns ErrArenaExhausted if region is too
	// small and ErrBlockTooLarge if insns exceeds an implementation
	// limit unrelated to region's size.
	Emit(region []byte, insns []DecodedInsn) (EmitResult, error)
}

// EmitResult describes the code Emit wrote.
type EmitResult struct {
	// Size is the number of bytes of region actually used.
	Size int
	// InsnEndOffset[i] is the byte offset within region where
	// instruction i's code ends, one row per input instruction.
	InsnEndOffset []uint32
	// JumpSite[n] and JumpResetOffset[n] describe up to two trailing
	// direct branches left in the emitted code, ready for the jump
	// graph to chain or reset. A zero JumpSite means the slot is
	// unused.
	JumpSite        [NumPageSlots]uintptr
	JumpResetOffset [NumPageSlots]uint32
}

// CodePatcher rewrites an already-emitted direct branch to target a new
// destination. Implementations must be safe to call concurrently with
// execution of unrelated code in the arena: only the single instruction
// at site is modified, and only while the caller holds the jmpLock of
// the TB the jump targets (or targeted, when it is being reset), not
// the jmpLock of the TB that owns site.
type CodePatcher interface {
	PatchJump(site, dest uintptr)
}
