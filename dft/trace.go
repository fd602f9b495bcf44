// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package dft

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// FunctionsFileName is the trace directory's function name list. Line
// order defines the function index space.
const FunctionsFileName = "functions.txt"

// SizedFile is one corpus entry, as reported by the corpus manager.
type SizedFile struct {
	Path string
	Size int64
}

// Fingerprint is the content hash used to match corpus inputs to trace
// files: sha1 over the input bytes, hex encoded.
func Fingerprint(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// DataFlowTrace holds, for one fuzzing session, the focus function and
// the per-input block-trace vectors loaded for it. It is populated once
// by Init and read-only afterwards; the capture engine never touches it.
type DataFlowTrace struct {
	traces    map[string][]byte
	coverage  *BlockCoverage
	focusName string
	focusIdx  int
	haveFocus bool
}

func NewDataFlowTrace() *DataFlowTrace {
	return &DataFlowTrace{
		traces:   make(map[string][]byte),
		coverage: NewBlockCoverage(),
		focusIdx: -1,
	}
}

// ReadCoverage merges the coverage records of every trace file in dir
// into the aggregator. Unparsable files are skipped.
func (t *DataFlowTrace) ReadCoverage(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == FunctionsFileName {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		t.coverage.AppendCoverage(f)
		f.Close()
	}
	return true
}

// Coverage exposes the aggregated block coverage (read-only use).
func (t *DataFlowTrace) Coverage() *BlockCoverage {
	return t.coverage
}

// FocusFunction reports the selected focus function, if any.
func (t *DataFlowTrace) FocusFunction() (string, bool) {
	return t.focusName, t.haveFocus
}

// Init loads the trace directory for this session.
//
// It fails (returns false) only on a fatal configuration problem: a
// missing or empty function list, or an explicit focus function that is
// not in the list. When automatic selection finds no function worth
// focusing on it returns true with the channel disabled, so fuzzing
// proceeds without this feedback.
func (t *DataFlowTrace) Init(dir, focusFunc string, corpus []SizedFile, rnd *rand.Rand) bool {
	functions, ok := readFunctionList(filepath.Join(dir, FunctionsFileName))
	if !ok {
		log.Printf("dft: cannot read %s in %s, data-flow feedback disabled", FunctionsFileName, dir)
		return false
	}

	if focusFunc != "" {
		idx := -1
		for i, name := range functions {
			if name == focusFunc {
				idx = i
				break
			}
		}
		if idx < 0 {
			log.Printf("dft: focus function %q not found in %s", focusFunc, FunctionsFileName)
			return false
		}
		t.focusIdx, t.focusName, t.haveFocus = idx, focusFunc, true
	} else {
		if !t.ReadCoverage(dir) {
			return false
		}
		idx, ok := t.pickFocusFunction(len(functions), rnd)
		if !ok {
			log.Printf("dft: no function qualifies for focus, data-flow feedback disabled")
			return true
		}
		t.focusIdx, t.focusName, t.haveFocus = idx, functions[idx], true
		log.Printf("dft: auto-selected focus function %q", t.focusName)
	}

	corpusHashes := make(map[string]bool, len(corpus))
	for _, sf := range corpus {
		data, err := os.ReadFile(sf.Path)
		if err != nil {
			continue
		}
		corpusHashes[Fingerprint(data)] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	seen, loaded := 0, 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == FunctionsFileName {
			continue
		}
		seen++
		if !corpusHashes[name] {
			continue // trace for an input not in the current corpus
		}
		row, ok := readFocusRow(filepath.Join(dir, name), t.focusIdx)
		if !ok {
			continue
		}
		t.traces[name] = row
		loaded++
	}
	log.Printf("dft: %d trace files, %d with focus function %q", seen, loaded, t.focusName)
	return true
}

// Get returns the focus function's block-trace vector for the input with
// the given fingerprint, or nil if none was loaded.
func (t *DataFlowTrace) Get(fingerprint string) []byte {
	return t.traces[fingerprint]
}

// Clear drops all loaded state so the directory can be re-initialized.
func (t *DataFlowTrace) Clear() {
	t.traces = make(map[string][]byte)
	t.coverage.Clear()
	t.focusIdx, t.focusName, t.haveFocus = -1, "", false
}

// pickFocusFunction draws a function index proportional to its weight.
func (t *DataFlowTrace) pickFocusFunction(numFunctions int, rnd *rand.Rand) (int, bool) {
	weights := t.coverage.FunctionWeights(numFunctions)
	var seed uint64
	if rnd != nil {
		seed = rnd.Uint64()
	}
	w := sampleuv.NewWeighted(weights, exprand.NewSource(seed))
	return w.Take()
}

func readFunctionList(path string) ([]string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var functions []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		functions = append(functions, line)
	}
	if s.Err() != nil || len(functions) == 0 {
		return nil, false
	}
	return functions, true
}

// readFocusRow extracts the F-row of the focus function from one trace
// file: "F<fid> <01-vector>", one byte per basic block.
func readFocusRow(path string, focusIdx int) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if len(line) < 2 || line[0] != 'F' {
			continue
		}
		space := strings.IndexByte(line, ' ')
		if space < 0 {
			continue
		}
		fid, err := strconv.Atoi(line[1:space])
		if err != nil || fid != focusIdx {
			continue
		}
		vector := line[space+1:]
		row := make([]byte, 0, len(vector))
		for i := 0; i < len(vector); i++ {
			if vector[i] < '0' || vector[i] > '9' {
				return nil, false
			}
			row = append(row, vector[i]-'0')
		}
		return row, true
	}
	return nil, false
}
