// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/qemu/tbcache"
	"github.com/qemu/tbcache/codegen"
	"github.com/qemu/tbcache/wasm/leb128"
)

// Opcodes a function body may contain, reusing codegen's op byte
// values so a decoded stream can be handed straight to
// codegen.AMD64Emitter without translation. OpEnd terminates a
// function body; it carries no code-generation meaning of its own.
const OpEnd byte = 0x0b

// Decoder implements tbcache.GuestDecoder over a Memory: guestPC
// addresses a byte offset holding a sequence of (op [, LEB128 imm])
// entries terminated by OpEnd.
type Decoder struct {
	Mem *Memory
}

// Decode implements tbcache.GuestDecoder.
func (d Decoder) Decode(guestPC, csBase uint64, flags uint32, maxInsns int) ([]tbcache.DecodedInsn, int, error) {
	d.Mem.mu.RLock()
	body := d.Mem.bytes[guestPC:]
	d.Mem.mu.RUnlock()

	r := bytes.NewReader(body)
	var insns []tbcache.DecodedInsn
	pc := guestPC
	for len(insns) < maxInsns {
		opByte, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("guest: decode at pc %#x: %w", pc, err)
		}
		if opByte == OpEnd {
			pc++
			break
		}

		insn := tbcache.DecodedInsn{GuestPC: pc, Op: opByte}
		switch opByte {
		case codegen.OpI64Const, codegen.OpGetLocal:
			imm, err := leb128.ReadVarUint32(r)
			if err != nil {
				return nil, 0, fmt.Errorf("guest: decode immediate at pc %#x: %w", pc, err)
			}
			insn.Imm = uint64(imm)
			pc += 1 + uint64(leb128u32Size(imm))
		case codegen.OpI64Add, codegen.OpI64Sub, codegen.OpI64Mul, codegen.OpI64And, codegen.OpI64Or:
			pc++
		default:
			return nil, 0, fmt.Errorf("guest: decode: unknown opcode 0x%x at pc %#x", opByte, pc)
		}
		insns = append(insns, insn)
	}
	guestSize := int(pc - guestPC)
	if guestSize == 0 {
		guestSize = 1
	}
	return insns, guestSize, nil
}

// leb128u32Size re-derives how many bytes ReadVarUint32 consumed for v,
// since wasm/leb128's reader does not report its own byte count.
func leb128u32Size(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
