// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cmplog

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

type operandKind uint8

const (
	opReg operandKind = iota + 1
	opImm
	opMem
)

// operand is a by-value copy of one decoded operand. The underlying
// x86asm.Inst does not outlive the decode pass, so everything a callout
// needs is captured here.
type operand struct {
	kind operandKind
	size uint8
	reg  x86asm.Reg
	imm  int64
	mem  x86asm.Mem
}

// captureOperand builds an operand descriptor for a register, immediate
// or memory argument. Anything else (PC-relative, implicit operands)
// reports false and the instruction is skipped by the selector.
func captureOperand(inst x86asm.Inst, arg x86asm.Arg) (operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return operand{kind: opReg, size: regWidth(a), reg: a}, true
	case x86asm.Imm:
		return operand{kind: opImm, size: uint8(inst.DataSize / 8), imm: int64(a)}, true
	case x86asm.Mem:
		return operand{kind: opMem, size: uint8(inst.MemBytes), mem: a}, true
	}
	return operand{}, false
}

// operandValue resolves an operand against live CPU state. Register and
// immediate operands always succeed; memory operands fail when the
// effective address is unreadable. Any other kind is impossible after
// selection and is a programming error.
func (cl *CmpLog) operandValue(ctx CPUContext, op operand) (uint64, bool) {
	switch op.kind {
	case opReg:
		return regValue(ctx, op.reg), true
	case opImm:
		return uint64(op.imm), true
	case opMem:
		return cl.readMem(ctx, op.size, op.mem)
	}
	fatalf("invalid operand kind: %d", op.kind)
	return 0, false
}

// readMem computes base + index*scale + disp (absent sub-fields read as
// zero) and reads a little-endian value of the operand's width.
func (cl *CmpLog) readMem(ctx CPUContext, size uint8, mem x86asm.Mem) (uint64, bool) {
	var base, index uint64
	if mem.Base != 0 {
		base = regValue(ctx, mem.Base)
	}
	if mem.Index != 0 {
		index = regValue(ctx, mem.Index)
	}
	addr := base + index*uint64(mem.Scale) + uint64(mem.Disp)

	buf, ok := cl.mem.Read(addr, int(size))
	if !ok {
		return 0, false
	}
	switch size {
	case 1:
		return uint64(buf[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), true
	case 8:
		return binary.LittleEndian.Uint64(buf), true
	}
	fatalf("invalid operand size: %d", size)
	return 0, false
}

// regWidth is the operand width in bytes for a register argument.
func regWidth(r x86asm.Reg) uint8 {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 8
	}
	return 0
}

// regValue reads any general-purpose register, deriving sub-register
// views from the host's full 64-bit values.
func regValue(ctx CPUContext, r x86asm.Reg) uint64 {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return ctx.Reg(x86asm.RAX+(r-x86asm.AL)) & 0xff
	case r >= x86asm.AH && r <= x86asm.BH:
		return (ctx.Reg(x86asm.RAX+(r-x86asm.AH)) >> 8) & 0xff
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return ctx.Reg(x86asm.RSP+(r-x86asm.SPB)) & 0xff
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return ctx.Reg(x86asm.R8+(r-x86asm.R8B)) & 0xff
	case r >= x86asm.AX && r <= x86asm.R15W:
		return ctx.Reg(x86asm.RAX+(r-x86asm.AX)) & 0xffff
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return ctx.Reg(x86asm.RAX+(r-x86asm.EAX)) & 0xffffffff
	case r == x86asm.EIP:
		return ctx.Reg(x86asm.RIP) & 0xffffffff
	default:
		return ctx.Reg(r)
	}
}
