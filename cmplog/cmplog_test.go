// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package cmplog

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bradleyjkemp/fuzz-feedback/cmpmap"
)

type fakeCPU map[x86asm.Reg]uint64

func (c fakeCPU) Reg(r x86asm.Reg) uint64 { return c[r] }

// fakeMem exposes a handful of byte ranges at fixed addresses.
type fakeMem map[uint64][]byte

func (m fakeMem) find(addr uint64, size int) ([]byte, bool) {
	for base, data := range m {
		if addr >= base && addr+uint64(size) <= base+uint64(len(data)) {
			off := addr - base
			return data[off : off+uint64(size)], true
		}
	}
	return nil, false
}

func (m fakeMem) IsReadable(addr uint64, size int) bool {
	_, ok := m.find(addr, size)
	return ok
}

func (m fakeMem) Read(addr uint64, size int) ([]byte, bool) {
	data, ok := m.find(addr, size)
	if !ok {
		return nil, false
	}
	return append([]byte{}, data...), true
}

type fakeStream struct {
	callouts []Callout
}

func (s *fakeStream) PutCallout(fn Callout) {
	s.callouts = append(s.callouts, fn)
}

func (s *fakeStream) run(ctx CPUContext) {
	for _, fn := range s.callouts {
		fn(ctx)
	}
}

func newEngine(mem fakeMem) (*CmpLog, *cmpmap.Map) {
	m := cmpmap.New()
	return New(m, mem), m
}

func TestCmpRegReg(t *testing.T) {
	cl, m := newEngine(fakeMem{})
	stream := &fakeStream{}
	const addr = 0x401000

	inst := x86asm.Inst{Op: x86asm.CMP, Args: x86asm.Args{x86asm.RAX, x86asm.RBX}, DataSize: 64}
	cl.Instrument(inst, addr, stream)
	if len(stream.callouts) != 1 {
		t.Fatalf("expected 1 callout, got %d", len(stream.callouts))
	}

	stream.run(fakeCPU{x86asm.RAX: 5, x86asm.RBX: 9})

	k := cmpmap.LocationKey(addr)
	hdr := m.Headers[k]
	if hdr.Type != cmpmap.TypeIns || hdr.Shape != 7 || hdr.Hits != 1 {
		t.Fatalf("bad header: %+v", hdr)
	}
	log := m.InsLog(k)
	if len(log) != 1 || log[0].V0 != 5 || log[0].V1 != 9 {
		t.Fatalf("bad log: %+v", log)
	}
}

func TestSubRegisterRead(t *testing.T) {
	cl, m := newEngine(fakeMem{})
	stream := &fakeStream{}
	const addr = 0x401010

	inst := x86asm.Inst{Op: x86asm.CMP, Args: x86asm.Args{x86asm.CX, x86asm.DX}, DataSize: 16}
	cl.Instrument(inst, addr, stream)
	if len(stream.callouts) != 1 {
		t.Fatalf("expected 1 callout, got %d", len(stream.callouts))
	}

	stream.run(fakeCPU{x86asm.RCX: 0x12345678, x86asm.RDX: 0xabcd1234})

	log := m.InsLog(cmpmap.LocationKey(addr))
	if len(log) != 1 || log[0].V0 != 0x5678 || log[0].V1 != 0x1234 {
		t.Fatalf("sub-register read wrong: %+v", log)
	}
	if m.Headers[cmpmap.LocationKey(addr)].Shape != 1 {
		t.Errorf("expected shape 1 for 2-byte compare")
	}
}

func TestSingleByteCmpExcluded(t *testing.T) {
	cl, m := newEngine(fakeMem{})
	stream := &fakeStream{}
	const addr = 0x401020

	inst := x86asm.Inst{Op: x86asm.CMP, Args: x86asm.Args{x86asm.AL, x86asm.BL}, DataSize: 8}
	cl.Instrument(inst, addr, stream)
	if len(stream.callouts) != 0 {
		t.Fatalf("single-byte compare must not be instrumented")
	}
	if m.Headers[cmpmap.LocationKey(addr)].Type != cmpmap.TypeNone {
		t.Fatalf("single-byte compare produced a map entry")
	}
}

func TestSubImmediate(t *testing.T) {
	cl, m := newEngine(fakeMem{})
	stream := &fakeStream{}
	const addr = 0x401030

	inst := x86asm.Inst{Op: x86asm.SUB, Args: x86asm.Args{x86asm.RCX, x86asm.Imm(8)}, DataSize: 64}
	cl.Instrument(inst, addr, stream)
	stream.run(fakeCPU{x86asm.RCX: 100})

	log := m.InsLog(cmpmap.LocationKey(addr))
	if len(log) != 1 || log[0].V0 != 100 || log[0].V1 != 8 {
		t.Fatalf("bad log: %+v", log)
	}
}

func TestCmpMemOperand(t *testing.T) {
	mem := fakeMem{0x1018: {0xef, 0xbe, 0xad, 0xde}}
	cl, m := newEngine(mem)
	stream := &fakeStream{}
	const addr = 0x401040

	inst := x86asm.Inst{
		Op: x86asm.CMP,
		Args: x86asm.Args{
			x86asm.Mem{Base: x86asm.RBX, Index: x86asm.RCX, Scale: 4, Disp: 16},
			x86asm.EAX,
		},
		DataSize: 32,
		MemBytes: 4,
	}
	cl.Instrument(inst, addr, stream)
	if len(stream.callouts) != 1 {
		t.Fatalf("expected 1 callout, got %d", len(stream.callouts))
	}

	// effective address = 0x1000 + 2*4 + 16 = 0x1018
	stream.run(fakeCPU{x86asm.RBX: 0x1000, x86asm.RCX: 2, x86asm.RAX: 0xffffffff11223344})

	log := m.InsLog(cmpmap.LocationKey(addr))
	if len(log) != 1 || log[0].V0 != 0xdeadbeef || log[0].V1 != 0x11223344 {
		t.Fatalf("bad log: %+v", log)
	}
}

func TestCmpMemUnreadableSkips(t *testing.T) {
	cl, m := newEngine(fakeMem{})
	stream := &fakeStream{}
	const addr = 0x401050

	inst := x86asm.Inst{
		Op:       x86asm.CMP,
		Args:     x86asm.Args{x86asm.Mem{Base: x86asm.RBX}, x86asm.EAX},
		DataSize: 32,
		MemBytes: 4,
	}
	cl.Instrument(inst, addr, stream)
	stream.run(fakeCPU{x86asm.RBX: 0xdead0000})

	if m.Headers[cmpmap.LocationKey(addr)].Type != cmpmap.TypeNone {
		t.Fatalf("unreadable operand must skip the capture, not record garbage")
	}
}

func TestOperandWidthMismatchSkipped(t *testing.T) {
	cl, _ := newEngine(fakeMem{})
	stream := &fakeStream{}

	inst := x86asm.Inst{
		Op:       x86asm.CMP,
		Args:     x86asm.Args{x86asm.Mem{Base: x86asm.RBX}, x86asm.EAX},
		DataSize: 32,
		MemBytes: 2,
	}
	cl.Instrument(inst, 0x401060, stream)
	if len(stream.callouts) != 0 {
		t.Fatalf("mismatched operand widths must not be instrumented")
	}
}

func TestNonInterceptedOpIgnored(t *testing.T) {
	cl, _ := newEngine(fakeMem{})
	stream := &fakeStream{}

	inst := x86asm.Inst{Op: x86asm.ADD, Args: x86asm.Args{x86asm.RAX, x86asm.RBX}, DataSize: 64}
	cl.Instrument(inst, 0x401070, stream)
	if len(stream.callouts) != 0 {
		t.Fatalf("ADD is not part of the intercepted instruction family")
	}
}

func TestCallCapture(t *testing.T) {
	p1 := bytes.Repeat([]byte{0xaa}, 32)
	p2 := bytes.Repeat([]byte{0xbb}, 32)
	mem := fakeMem{0x2000: p1, 0x3000: p2}
	cl, m := newEngine(mem)
	stream := &fakeStream{}
	const addr = 0x401080

	inst := x86asm.Inst{Op: x86asm.CALL, Args: x86asm.Args{x86asm.RAX}}
	cl.Instrument(inst, addr, stream)
	if len(stream.callouts) != 1 {
		t.Fatalf("expected 1 callout, got %d", len(stream.callouts))
	}

	stream.run(fakeCPU{x86asm.RDI: 0x2000, x86asm.RSI: 0x3000})

	k := cmpmap.LocationKey(addr)
	hdr := m.Headers[k]
	if hdr.Type != cmpmap.TypeRtn || hdr.Shape != cmpmap.RtnShape || hdr.Hits != 1 {
		t.Fatalf("bad header: %+v", hdr)
	}
	log := m.RtnLog(k)
	if len(log) != 1 {
		t.Fatalf("expected 1 record, got %d", len(log))
	}
	if !bytes.Equal(log[0].V0[:], p1[:31]) || !bytes.Equal(log[0].V1[:], p2[:31]) {
		t.Fatalf("snapshots do not match pointed-to memory")
	}
}

func TestCallShortBufferSkipped(t *testing.T) {
	// RSI points at fewer than 31 readable bytes.
	mem := fakeMem{0x2000: bytes.Repeat([]byte{0xaa}, 32), 0x3000: make([]byte, 16)}
	cl, m := newEngine(mem)
	stream := &fakeStream{}
	const addr = 0x401090

	inst := x86asm.Inst{Op: x86asm.CALL, Args: x86asm.Args{x86asm.Rel(0x100)}}
	cl.Instrument(inst, addr, stream)
	stream.run(fakeCPU{x86asm.RDI: 0x2000, x86asm.RSI: 0x3000})

	if m.Headers[cmpmap.LocationKey(addr)].Type != cmpmap.TypeNone {
		t.Fatalf("call with a short pointer argument must produce no map update")
	}
}

func TestCallSelectorRules(t *testing.T) {
	cl, _ := newEngine(fakeMem{})

	for _, tc := range []struct {
		name string
		inst x86asm.Inst
	}{
		{"segment-relative memory", x86asm.Inst{
			Op:   x86asm.CALL,
			Args: x86asm.Args{x86asm.Mem{Segment: x86asm.GS, Base: x86asm.RAX}},
		}},
		{"no operands", x86asm.Inst{Op: x86asm.CALL}},
	} {
		stream := &fakeStream{}
		cl.Instrument(tc.inst, 0x4010a0, stream)
		if len(stream.callouts) != 0 {
			t.Errorf("%s: call must not be instrumented", tc.name)
		}
	}
}

func TestReclassificationResetsHits(t *testing.T) {
	p := bytes.Repeat([]byte{0xcc}, 32)
	mem := fakeMem{0x2000: p}
	cl, m := newEngine(mem)
	const addr = 0x4010b0
	k := cmpmap.LocationKey(addr)

	callStream := &fakeStream{}
	cl.Instrument(x86asm.Inst{Op: x86asm.CALL, Args: x86asm.Args{x86asm.RAX}}, addr, callStream)
	cmpStream := &fakeStream{}
	cl.Instrument(x86asm.Inst{Op: x86asm.CMP, Args: x86asm.Args{x86asm.RAX, x86asm.RBX}, DataSize: 64}, addr, cmpStream)

	cpu := fakeCPU{x86asm.RDI: 0x2000, x86asm.RSI: 0x2000, x86asm.RAX: 1, x86asm.RBX: 2}
	callStream.run(cpu)
	callStream.run(cpu)
	if m.Headers[k].Hits != 2 {
		t.Fatalf("expected 2 RTN hits, got %d", m.Headers[k].Hits)
	}

	// A comparison landing on the same key re-learns the slot.
	cmpStream.run(cpu)
	cmpStream.run(cpu)
	hdr := m.Headers[k]
	if hdr.Type != cmpmap.TypeIns || hdr.Hits != 2 || hdr.Shape != 7 {
		t.Fatalf("bad header after reclassification: %+v", hdr)
	}
}
