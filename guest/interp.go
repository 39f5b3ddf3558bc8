// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import (
	"fmt"

	"github.com/qemu/tbcache"
	"github.com/qemu/tbcache/codegen"
)

// run executes insns against locals as a tiny stack machine, the
// interpreted stand-in for jumping into the native code
// codegen.AMD64Emitter produced for the same instructions (see the
// package doc comment for why). It returns the top-of-stack value, or
// 0 if insns never pushed one.
func run(insns []tbcache.DecodedInsn, locals []uint64) (uint64, error) {
	var stack []uint64
	pop := func() (uint64, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("guest: stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, insn := range insns {
		switch insn.Op {
		case codegen.OpI64Const:
			stack = append(stack, insn.Imm)
		case codegen.OpGetLocal:
			if int(insn.Imm) >= len(locals) {
				return 0, fmt.Errorf("guest: local index %d out of range", insn.Imm)
			}
			stack = append(stack, locals[insn.Imm])
		case codegen.OpI64Add, codegen.OpI64Sub, codegen.OpI64Mul, codegen.OpI64And, codegen.OpI64Or:
			b, err := pop()
			if err != nil {
				return 0, err
			}
			a, err := pop()
			if err != nil {
				return 0, err
			}
			var r uint64
			switch insn.Op {
			case codegen.OpI64Add:
				r = a + b
			case codegen.OpI64Sub:
				r = a - b
			case codegen.OpI64Mul:
				r = a * b
			case codegen.OpI64And:
				r = a & b
			case codegen.OpI64Or:
				r = a | b
			}
			stack = append(stack, r)
		default:
			return 0, fmt.Errorf("guest: run: unhandled op 0x%x", insn.Op)
		}
	}
	if len(stack) == 0 {
		return 0, nil
	}
	return stack[len(stack)-1], nil
}
