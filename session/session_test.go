// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

package session

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bradleyjkemp/fuzz-feedback/cmpmap"
	"github.com/bradleyjkemp/fuzz-feedback/dft"
)

func TestNewPrivateMap(t *testing.T) {
	s, err := New(Config{}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Map.AddIns(3, 1, 2, 4)
	s.Reset()
	if s.Map.Headers[3].Type != cmpmap.TypeNone {
		t.Fatalf("Reset did not clear the map")
	}
	if _, ok := s.Trace.FocusFunction(); ok {
		t.Fatalf("no trace dir configured, no focus function expected")
	}
}

func TestNewSharedMapAndTraces(t *testing.T) {
	traceDir := t.TempDir()
	corpusDir := t.TempDir()

	input := []byte("hello")
	print := dft.Fingerprint(input)
	corpusPath := filepath.Join(corpusDir, print)
	if err := os.WriteFile(corpusPath, input, 0644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	if err := os.WriteFile(filepath.Join(traceDir, dft.FunctionsFileName), []byte("Func1\n"), 0644); err != nil {
		t.Fatalf("write functions: %v", err)
	}
	if err := os.WriteFile(filepath.Join(traceDir, print), []byte("C0 0 2\nF0 10\n"), 0644); err != nil {
		t.Fatalf("write trace: %v", err)
	}

	s, err := New(Config{
		CmpMapFile: filepath.Join(t.TempDir(), "cmp-map"),
		TraceDir:   traceDir,
		FocusFunc:  "Func1",
		Corpus:     []dft.SizedFile{{Path: corpusPath, Size: int64(len(input))}},
	}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if got := s.Trace.Get(print); len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Fatalf("Get(%s) = %v, want [1 0]", print, got)
	}

	s.Map.AddIns(1, 7, 8, 2)
	if s.Map.Headers[1].Hits != 1 {
		t.Fatalf("shared map not writable")
	}
}

func TestBrokenTraceDirIsNotFatal(t *testing.T) {
	s, err := New(Config{TraceDir: "/nonexistent/trace/dir"}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("a broken trace dir must not fail the session: %v", err)
	}
	defer s.Close()
	if s.Trace.Get("anything") != nil {
		t.Fatalf("no traces should be loaded")
	}
}
