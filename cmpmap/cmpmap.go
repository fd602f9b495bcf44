// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package cmpmap implements the fixed-capacity comparison map shared
// between the capture engine and the mutation engine.
//
// The map is a flat region of MapW slots, each holding a header and a
// small ring of captured operand pairs. The layout is part of the wire
// contract with the consumer: capacities are compile-time constants and
// the region never grows. Overflowing a ring overwrites the oldest
// record; that is the intended steady state, not an error.
package cmpmap

import (
	"crypto/sha1"
	"encoding/binary"
	"unsafe"
)

const (
	// MapW is the number of code locations the map can distinguish.
	// Location keys are uniform 16-bit hashes, so MapW must stay 1<<16.
	MapW = 1 << 16

	// MapH is the ring capacity for comparison (INS) records.
	MapH = 32

	// MapRtnH is the ring capacity for call-site (RTN) records.
	// RTN records are four times the size of INS records and share the
	// same per-location log bytes.
	MapRtnH = 8

	// RtnSnapLen is how many bytes are snapshotted from each pointer
	// argument at an instrumented call site.
	RtnSnapLen = 31

	// RtnShape is the header shape recorded for RTN entries.
	RtnShape = RtnSnapLen - 1
)

// Entry types stored in Header.Type.
const (
	TypeNone uint8 = iota
	TypeIns
	TypeRtn
)

// Header classifies one map slot.
// Type is decided on the first hit and only changes when a conflicting
// capture reclassifies the slot or Reset clears the map.
type Header struct {
	Type  uint8
	Shape uint8 // operand byte width minus one; RtnShape for RTN
	_     [2]byte
	Hits  uint32
}

// InsPair is one captured comparison: two operand values of up to
// 8 bytes each. The valid byte count is Header.Shape+1.
type InsPair struct {
	V0 uint64
	V1 uint64
}

// RtnPair is one captured call site: fixed-length memory snapshots taken
// from the two argument-passing registers.
type RtnPair struct {
	V0Len uint8
	V1Len uint8
	V0    [RtnSnapLen]byte
	V1    [RtnSnapLen]byte
}

// insLog is the per-location ring. RTN entries overlay the same bytes,
// so MapRtnH*sizeof(RtnPair) must equal MapH*sizeof(InsPair).
type insLog [MapH]InsPair

// Map is the shared comparison map. It is written by the capture engine
// inline in the target's threads and read by the mutation engine.
// Updates are plain stores: concurrent callouts may race on a slot, and
// the channel accepts losing or tearing individual records rather than
// taking locks that would perturb target timing.
type Map struct {
	Headers [MapW]Header
	Log     [MapW]insLog
}

// Size is the byte size of the shared region.
const Size = int(unsafe.Sizeof(Map{}))

func init() {
	if unsafe.Sizeof(insLog{}) != unsafe.Sizeof([MapRtnH]RtnPair{}) {
		panic("cmpmap: INS and RTN rings must overlay exactly")
	}
	if unsafe.Offsetof(Map{}.Log)%8 != 0 {
		panic("cmpmap: misaligned log")
	}
}

// New allocates a process-private map.
func New() *Map {
	return new(Map)
}

// Attach overlays a Map on an existing shared region, typically one
// created by NewMapping in the parent of a forked target. Both sides
// must agree on Size bit-for-bit.
func Attach(mem []byte) *Map {
	if len(mem) < Size {
		panic("cmpmap: region too small")
	}
	return (*Map)(unsafe.Pointer(&mem[0]))
}

// LocationKey hashes an instruction's runtime address into the map's key
// space. sha1-truncation keeps keys uniform across the 16-bit space and
// stable for the same address within a run.
func LocationKey(addr uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], addr)
	sum := sha1.Sum(buf[:])
	return uint64(sum[0]) | uint64(sum[1])<<8
}

func (m *Map) rtnLog(k uint64) *[MapRtnH]RtnPair {
	return (*[MapRtnH]RtnPair)(unsafe.Pointer(&m.Log[k]))
}

// AddIns records one comparison event at key k. width is the shared
// operand byte width (always >1; single-byte compares are filtered out
// by the instrumentation selector).
func (m *Map) AddIns(k uint64, v0, v1 uint64, width uint8) {
	hdr := &m.Headers[k]
	if hdr.Type != TypeIns {
		// Slot previously held a different entry type: re-learn.
		hdr.Hits = 0
	}
	hits := uint32(0)
	if hdr.Hits == 0 {
		hdr.Type = TypeIns
		hdr.Shape = width - 1
	} else {
		hits = hdr.Hits
	}
	hdr.Hits = hits + 1

	slot := &m.Log[k][hits&(MapH-1)]
	slot.V0 = v0
	slot.V1 = v1
}

// AddRtn records one call-site event at key k. v0 and v1 must each hold
// at least RtnSnapLen readable bytes; the caller has already probed them.
func (m *Map) AddRtn(k uint64, v0, v1 []byte) {
	hdr := &m.Headers[k]
	if hdr.Type != TypeRtn {
		hdr.Type = TypeRtn
		hdr.Hits = 0
	}
	hits := uint32(0)
	if hdr.Hits == 0 {
		hdr.Shape = RtnShape
	} else {
		hits = hdr.Hits
	}
	hdr.Hits = hits + 1

	ent := &m.rtnLog(k)[hits&(MapRtnH-1)]
	ent.V0Len = RtnSnapLen
	ent.V1Len = RtnSnapLen
	copy(ent.V0[:], v0[:RtnSnapLen])
	copy(ent.V1[:], v1[:RtnSnapLen])
}

// InsLog returns the INS records stored at k in capture order, oldest
// first. After wraparound only the last MapH records remain.
func (m *Map) InsLog(k uint64) []InsPair {
	hdr := &m.Headers[k]
	if hdr.Type != TypeIns || hdr.Hits == 0 {
		return nil
	}
	ring := &m.Log[k]
	n := hdr.Hits
	if n <= MapH {
		out := make([]InsPair, n)
		copy(out, ring[:n])
		return out
	}
	out := make([]InsPair, MapH)
	for i := uint32(0); i < MapH; i++ {
		out[i] = ring[(n+i)&(MapH-1)]
	}
	return out
}

// RtnLog returns the RTN records stored at k in capture order, oldest
// first.
func (m *Map) RtnLog(k uint64) []RtnPair {
	hdr := &m.Headers[k]
	if hdr.Type != TypeRtn || hdr.Hits == 0 {
		return nil
	}
	ring := m.rtnLog(k)
	n := hdr.Hits
	if n <= MapRtnH {
		out := make([]RtnPair, n)
		copy(out, ring[:n])
		return out
	}
	out := make([]RtnPair, MapRtnH)
	for i := uint32(0); i < MapRtnH; i++ {
		out[i] = ring[(n+i)&(MapRtnH-1)]
	}
	return out
}

// Reset clears all classifications at the start of a new target run.
// Ring bytes behind a TypeNone header are unreachable through the read
// API, so only the headers are cleared.
func (m *Map) Reset() {
	m.Headers = [MapW]Header{}
}
