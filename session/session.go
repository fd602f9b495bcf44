// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

// Package session wires one fuzzing session's feedback channels
// together: a comparison map (private or file-backed for sharing with a
// forked target), a memory probe, the capture engine and the data-flow
// trace table. Parallel sessions each own an independent Session; there
// is no cross-session state.
package session

import (
	"log"
	"math/rand"

	"github.com/bradleyjkemp/fuzz-feedback/cmplog"
	"github.com/bradleyjkemp/fuzz-feedback/cmpmap"
	"github.com/bradleyjkemp/fuzz-feedback/dft"
	"github.com/bradleyjkemp/fuzz-feedback/memprobe"
)

type Config struct {
	// CmpMapFile, when set, backs the comparison map with a shared
	// file mapping so a forked instrumented target can write to it.
	// Empty means a process-private map.
	CmpMapFile string

	// TraceDir is the data-flow trace directory. Empty disables the
	// data-flow channel.
	TraceDir string

	// FocusFunc optionally names the focus function. Empty selects one
	// by coverage-rarity weight.
	FocusFunc string

	// Corpus is the current corpus file list; only traces of these
	// inputs are loaded.
	Corpus []dft.SizedFile
}

// Session owns the feedback state for one fuzzing run. CmpLog and Map
// feed the capture side; Trace answers Get lookups. Both surfaces are
// read-only to the mutation engine.
type Session struct {
	Map    *cmpmap.Map
	CmpLog *cmplog.CmpLog
	Trace  *dft.DataFlowTrace

	mapping *cmpmap.Mapping
}

// New builds a session. A broken trace directory only disables the
// data-flow channel (trace loading is best-effort enrichment); a failed
// map allocation is an error since the capture engine cannot run
// without its region.
func New(cfg Config, rnd *rand.Rand) (*Session, error) {
	s := &Session{
		Trace: dft.NewDataFlowTrace(),
	}

	if cfg.CmpMapFile != "" {
		mapping, m, err := cmpmap.NewMapping(cfg.CmpMapFile)
		if err != nil {
			return nil, err
		}
		s.mapping = mapping
		s.Map = m
	} else {
		s.Map = cmpmap.New()
	}
	s.CmpLog = cmplog.New(s.Map, memprobe.New())

	if cfg.TraceDir != "" {
		if !s.Trace.Init(cfg.TraceDir, cfg.FocusFunc, cfg.Corpus, rnd) {
			log.Printf("session: proceeding without data-flow traces from %s", cfg.TraceDir)
		}
	}
	return s, nil
}

// Reset clears the comparison map between target runs. Loaded traces
// survive for the whole session.
func (s *Session) Reset() {
	s.Map.Reset()
}

// Close releases the shared mapping, if any.
func (s *Session) Close() {
	if s.mapping != nil {
		s.mapping.Destroy()
		s.mapping = nil
	}
}
