// Copyright 2026 The tbcache Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package guest

import (
	"fmt"

	"github.com/qemu/tbcache"
	"github.com/qemu/tbcache/codegen"
)

// TLB adapts a Memory's page-protection bitmap to tbcache.TLBHooks.
type TLB struct {
	Mem *Memory
}

// ProtectCode implements tbcache.TLBHooks.
func (t TLB) ProtectCode(page int64) { t.Mem.Protect(page) }

// UnprotectCode implements tbcache.TLBHooks.
func (t TLB) UnprotectCode(page int64) { t.Mem.Unprotect(page) }

// CPU drives one guest hardware thread against a shared Engine and
// Memory, the Go analogue of QEMU's CPUState plus its TCG execution
// loop (cpu_exec's "find or translate, then run" cycle).
type CPU struct {
	core   *tbcache.CPU
	engine *tbcache.Engine
	mem    *Memory
}

// NewCPU constructs a guest CPU bound to engine and mem. id distinguishes
// this CPU in multi-core setups (JumpCache, precise-SMC bookkeeping).
func NewCPU(id int, engine *tbcache.Engine, mem *Memory) *CPU {
	return &CPU{core: &tbcache.CPU{ID: id}, engine: engine, mem: mem}
}

// Core exposes the underlying tbcache.CPU, needed by callers that must
// pass this CPU into Engine.Flush/InvalidatePhysRange alongside others.
func (c *CPU) Core() *tbcache.CPU { return c.core }

// Call executes the function body at guestPC with the given locals,
// translating it first if the engine has no cached block for it.
// Precise-SMC re-entry (a write invalidating the block currently
// executing) is handled by retrying the call once: on real hardware
// this corresponds to re-entering the dispatcher and resuming at the
// next guest instruction instead of running the whole function again,
// a single-TB-granularity interpreter has no smaller unit to resume at.
func (c *CPU) Call(guestPC uint64, locals []uint64) (uint64, error) {
	for attempt := 0; ; attempt++ {
		tb := c.engine.Lookup(c.core, guestPC, 0, 0, 0)
		if tb == nil {
			var err error
			tb, err = c.engine.Generate(c.core, guestPC, 0, 0, 0)
			if err != nil {
				return 0, fmt.Errorf("guest: generate at pc %#x: %w", guestPC, err)
			}
		}

		insns, _, err := Decoder{Mem: c.mem}.Decode(guestPC, 0, 0, tb.InsnCount)
		if err != nil {
			return 0, err
		}

		c.core.Enter(tb)
		result, rerr := run(insns, locals)
		c.core.Leave()
		if rerr != nil {
			return 0, rerr
		}
		if c.core.TakePreciseSMCPending() && attempt == 0 {
			continue
		}
		return result, nil
	}
}

// VerifyOpcodes is a guard used by callers assembling a function body
// by hand (see cmd/tbcache-run): it rejects any opcode codegen's
// AMD64Emitter would not know how to compile, so a malformed guest
// program fails at load time instead of inside Engine.Generate.
func VerifyOpcodes(body []byte) error {
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case OpEnd:
			return nil
		case codegen.OpI64Const, codegen.OpGetLocal:
			i++ // skip one-byte LEB128 immediate (VerifyOpcodes only accepts small ones)
		case codegen.OpI64Add, codegen.OpI64Sub, codegen.OpI64Mul, codegen.OpI64And, codegen.OpI64Or:
		default:
			return fmt.Errorf("guest: unsupported opcode 0x%x at offset %d", body[i], i)
		}
	}
	return fmt.Errorf("guest: function body missing terminating OpEnd")
}
