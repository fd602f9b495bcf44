// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cmplog captures comparison operands from an executing x86-64
// target and records them in a shared cmpmap.Map for the mutation engine
// to mine.
//
// The package does not drive execution itself. The instrumentation host
// (a binary rewriter, emulator or ptrace stepper) feeds every decoded
// instruction to Instrument; when an instruction is capture-worthy a
// callout is attached through the host's InstructionStream and later
// invoked inline, with live CPU state, each time the instruction runs.
// Callouts only read registers and memory the instruction itself
// references; they never change target semantics.
package cmplog

import (
	"log"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bradleyjkemp/fuzz-feedback/cmpmap"
)

// CPUContext is the live register state at a callout, supplied by the
// instrumentation host. Reg returns the full 64-bit value of a general
// purpose register (or RIP); sub-register reads are derived from it.
type CPUContext interface {
	Reg(r x86asm.Reg) uint64
}

// Callout runs inline in the target each time its instruction executes.
type Callout func(ctx CPUContext)

// InstructionStream attaches callouts while the host rewrites one region
// of target code. Descriptors are captured by value before attaching, so
// the host may discard instruction metadata as soon as Instrument
// returns; dropping the stream (and with it the callout closures) is all
// the cleanup a discarded code region needs.
type InstructionStream interface {
	PutCallout(fn Callout)
}

// Memory is the probe the engine reads target memory through.
// A failed read is an expected outcome and skips one capture attempt.
type Memory interface {
	IsReadable(addr uint64, size int) bool
	Read(addr uint64, size int) ([]byte, bool)
}

// CmpLog is the capture engine for one fuzzing session.
type CmpLog struct {
	cmap *cmpmap.Map
	mem  Memory
}

func New(m *cmpmap.Map, mem Memory) *CmpLog {
	return &CmpLog{cmap: m, mem: mem}
}

// Instrument inspects one decoded instruction at addr and attaches a
// callout if it is a capture-worthy comparison, subtraction or call.
// Anything else is left untouched.
func (cl *CmpLog) Instrument(inst x86asm.Inst, addr uint64, stream InstructionStream) {
	cl.instrumentCall(inst, addr, stream)
	cl.instrumentCmpSub(inst, addr, stream)
}

func (cl *CmpLog) instrumentCall(inst x86asm.Inst, addr uint64, stream InstructionStream) {
	if inst.Op != x86asm.CALL {
		return
	}
	if argCount(inst.Args) != 1 {
		return
	}
	switch a := inst.Args[0].(type) {
	case x86asm.Rel, x86asm.Reg:
	case x86asm.Mem:
		if a.Segment != 0 {
			return
		}
	default:
		return
	}

	k := cmpmap.LocationKey(addr)
	stream.PutCallout(func(ctx CPUContext) {
		cl.callCallout(ctx, k)
	})
}

// callCallout snapshots the first two argument-passing registers at a
// call site. Both must point at RtnSnapLen readable bytes, otherwise the
// event is dropped.
func (cl *CmpLog) callCallout(ctx CPUContext, k uint64) {
	rdi := ctx.Reg(x86asm.RDI)
	rsi := ctx.Reg(x86asm.RSI)

	const maxAddr = ^uint64(0)
	if maxAddr-rdi < cmpmap.RtnSnapLen || maxAddr-rsi < cmpmap.RtnSnapLen {
		return
	}
	v0, ok := cl.mem.Read(rdi, cmpmap.RtnSnapLen)
	if !ok {
		return
	}
	v1, ok := cl.mem.Read(rsi, cmpmap.RtnSnapLen)
	if !ok {
		return
	}
	cl.cmap.AddRtn(k, v0, v1)
}

func (cl *CmpLog) instrumentCmpSub(inst x86asm.Inst, addr uint64, stream InstructionStream) {
	switch inst.Op {
	case x86asm.CMP, x86asm.SUB,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
	default:
		return
	}
	if argCount(inst.Args) != 2 {
		return
	}

	op1, ok := captureOperand(inst, inst.Args[0])
	if !ok {
		return
	}
	op2, ok := captureOperand(inst, inst.Args[1])
	if !ok {
		return
	}
	if op1.size != op2.size {
		return
	}
	// Single-byte compares are too high-volume and too low-signal.
	if op1.size <= 1 {
		return
	}

	k := cmpmap.LocationKey(addr)
	stream.PutCallout(func(ctx CPUContext) {
		cl.cmpSubCallout(ctx, k, op1, op2)
	})
}

func (cl *CmpLog) cmpSubCallout(ctx CPUContext, k uint64, op1, op2 operand) {
	v0, ok := cl.operandValue(ctx, op1)
	if !ok {
		return
	}
	v1, ok := cl.operandValue(ctx, op2)
	if !ok {
		return
	}
	cl.cmap.AddIns(k, v0, v1, op1.size)
}

func argCount(args x86asm.Args) int {
	n := 0
	for _, a := range args {
		if a != nil {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...interface{}) {
	log.Fatalf("cmplog: "+format, args...)
}
