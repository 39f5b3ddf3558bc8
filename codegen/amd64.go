// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/qemu/tbcache"
)

// Op values a DecodedInsn.Op may carry, the small arithmetic subset
// AMD64Emitter knows how to translate. These reuse the actual
// WebAssembly binary opcode bytes for the same operations (0x42, 0x20,
// 0x7c...0x84) so a real guest decoder's byte stream can be passed
// straight through without its own renumbering.
const (
	OpI64Const byte = 0x42
	OpGetLocal byte = 0x20
	OpI64Add   byte = 0x7c
	OpI64Sub   byte = 0x7d
	OpI64Mul   byte = 0x7e
	OpI64And   byte = 0x83
	OpI64Or    byte = 0x84
)

// Registers reserved across the whole emitted block:
//   R10 - guest value stack pointer (address of the next free slot)
//   R11 - base address of the current frame's locals array
// Matches the register convention backend_amd64.go establishes for its
// stack machine; AMD64Emitter keeps it because the guest ISA this
// package targets is the same kind of stack machine.

// AMD64Emitter is a tbcache.Emitter that compiles DecodedInsn streams
// to real x86-64 machine code via golang-asm, adapted from
// exec/internal/compile/backend_amd64.go's instruction-by-instruction
// Build loop.
type AMD64Emitter struct{}

// Emit implements tbcache.Emitter.
func (AMD64Emitter) Emit(region []byte, insns []tbcache.DecodedInsn) (tbcache.EmitResult, error) {
	builder, err := asm.NewBuilder("amd64", 64+4*len(insns))
	if err != nil {
		return tbcache.EmitResult{}, fmt.Errorf("codegen: asm.NewBuilder: %w", err)
	}

	result := tbcache.EmitResult{InsnEndOffset: make([]uint32, len(insns))}

	// firstProg[i] is the first instruction golang-asm emitted for
	// insns[i]; firstProg[len(insns)] is the trailing jump. Instruction
	// i's end offset is where the next entry's code begins, which is
	// only known once Assemble() has fixed every Prog's Pc.
	firstProg := make([]*obj.Prog, len(insns)+1)

	for i, insn := range insns {
		var first *obj.Prog
		switch insn.Op {
		case OpI64Const:
			first = emitPushImm(builder, insn.Imm)
		case OpGetLocal:
			first = emitLocalLoad(builder, insn.Imm)
			emitStackPush(builder, x86.REG_AX)
		case OpI64Add, OpI64Sub, OpI64Mul, OpI64And, OpI64Or:
			var err error
			first, err = emitBinary(builder, insn.Op)
			if err != nil {
				return tbcache.EmitResult{}, err
			}
		default:
			return tbcache.EmitResult{}, fmt.Errorf("codegen: amd64 backend cannot handle op 0x%x at insn %d", insn.Op, i)
		}
		firstProg[i] = first
	}

	// Trailing placeholder jump: a JMP that targets itself until the
	// jump graph patches it through a tbcache.CodePatcher.
	jmpProg := builder.NewProg()
	jmpProg.As = obj.AJMP
	jmpProg.To.Type = obj.TYPE_BRANCH
	builder.AddInstruction(jmpProg)
	jmpProg.To.SetTarget(jmpProg) // self-loop until patched
	firstProg[len(insns)] = jmpProg

	out := builder.Assemble()
	if len(out) > len(region) {
		return tbcache.EmitResult{}, tbcache.ErrArenaExhausted
	}
	n := copy(region, out)

	// Each row's end offset is the byte offset where the next
	// instruction's code begins, read off golang-asm's fixed-up Pc now
	// that Assemble() has run.
	for i := range result.InsnEndOffset {
		result.InsnEndOffset[i] = uint32(firstProg[i+1].Pc)
	}
	result.Size = n
	if n >= 5 && len(region) > 0 {
		base := uintptr(unsafe.Pointer(&region[0]))
		result.JumpSite[0] = base + uintptr(n-5) // x86 JMP rel32 is 5 bytes
	}
	result.JumpResetOffset[0] = uint32(n)

	return result, nil
}

// Each emit* helper returns the first *obj.Prog it adds to builder, so
// Emit can read back that Prog's Pc after Assemble() to learn where the
// instruction's generated code begins.

func emitPushImm(builder *asm.Builder, v uint64) *obj.Prog {
	prog := builder.NewProg()
	prog.As = x86.AMOVQ
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = int64(v)
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_AX
	builder.AddInstruction(prog)
	emitStackPush(builder, x86.REG_AX)
	return prog
}

func emitLocalLoad(builder *asm.Builder, index uint64) *obj.Prog {
	// leaq ax, [r11 + index*8]; movq ax, [ax]
	prog := builder.NewProg()
	prog.As = x86.ALEAQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_AX
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = x86.REG_R11
	prog.From.Offset = int64(index) * 8
	builder.AddInstruction(prog)
	first := prog

	prog = builder.NewProg()
	prog.As = x86.AMOVQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_AX
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = x86.REG_AX
	builder.AddInstruction(prog)
	return first
}

func emitStackPop(builder *asm.Builder, reg int16) *obj.Prog {
	// subq r10, 8; movq reg, [r10]
	prog := builder.NewProg()
	prog.As = x86.ASUBQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_R10
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = 8
	builder.AddInstruction(prog)
	first := prog

	prog = builder.NewProg()
	prog.As = x86.AMOVQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = reg
	prog.From.Type = obj.TYPE_MEM
	prog.From.Reg = x86.REG_R10
	builder.AddInstruction(prog)
	return first
}

func emitStackPush(builder *asm.Builder, reg int16) *obj.Prog {
	// movq [r10], reg; addq r10, 8
	prog := builder.NewProg()
	prog.As = x86.AMOVQ
	prog.To.Type = obj.TYPE_MEM
	prog.To.Reg = x86.REG_R10
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = reg
	builder.AddInstruction(prog)
	first := prog

	prog = builder.NewProg()
	prog.As = x86.AADDQ
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_R10
	prog.From.Type = obj.TYPE_CONST
	prog.From.Offset = 8
	builder.AddInstruction(prog)
	return first
}

func emitBinary(builder *asm.Builder, op byte) (*obj.Prog, error) {
	first := emitStackPop(builder, x86.REG_CX)
	emitStackPop(builder, x86.REG_AX)

	prog := builder.NewProg()
	prog.From.Type = obj.TYPE_REG
	prog.From.Reg = x86.REG_CX
	prog.To.Type = obj.TYPE_REG
	prog.To.Reg = x86.REG_AX
	switch op {
	case OpI64Add:
		prog.As = x86.AADDQ
	case OpI64Sub:
		prog.As = x86.ASUBQ
	case OpI64And:
		prog.As = x86.AANDQ
	case OpI64Or:
		prog.As = x86.AORQ
	case OpI64Mul:
		prog.As = x86.AIMULQ
	default:
		return nil, fmt.Errorf("codegen: emitBinary: unhandled op 0x%x", op)
	}
	builder.AddInstruction(prog)
	emitStackPush(builder, x86.REG_AX)
	return first, nil
}

// AMD64Patcher is a tbcache.CodePatcher that rewrites the JMP rel32
// instruction at a jump site in place, patching the existing
// direct-jump site to target a new destination without re-emitting
// anything.
type AMD64Patcher struct{}

// PatchJump writes a 5-byte JMP rel32 (opcode and displacement) at
// site, ending at site+5, so it targets dest.
func (AMD64Patcher) PatchJump(site, dest uintptr) {
	// site is the absolute address (per tbcache.EmitResult.JumpSite) of
	// the first byte of the 5-byte JMP rel32; the relative displacement is
	// computed against the address one past the instruction.
	insnEnd := site + 5
	rel := int32(int64(dest) - int64(insnEnd))
	buf := (*[5]byte)(unsafe.Pointer(site))
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
}
