// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package dft loads data-flow traces produced by a separate analysis
// pass and picks the focus function for one fuzzing session.
//
// A trace directory contains a file "functions.txt" listing function
// names one per line (the line order defines the function index space)
// plus one file per observed input, named by the sha1 hex fingerprint of
// the input's bytes. Trace files are line oriented:
//
//	C<fid> <bb> <bb> ... <numBlocks>   covered block list; the last
//	                                   number is the function's total
//	                                   block count
//	F<fid> <01-vector>                 one byte per basic block
package dft

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BlockCoverage aggregates per-function block hit counters across all
// observed input traces. Each counter says how many inputs triggered the
// block, so merging is additive and counters only grow.
type BlockCoverage struct {
	functions map[int][]uint32
	withDFT   map[int]bool
}

func NewBlockCoverage() *BlockCoverage {
	return &BlockCoverage{
		functions: make(map[int][]uint32),
		withDFT:   make(map[int]bool),
	}
}

// AppendCoverage parses one trace file's records and merges them in.
// Malformed input reports false and leaves the previous state untouched.
func (c *BlockCoverage) AppendCoverage(r io.Reader) bool {
	type record struct {
		fid     int
		blocks  []int
		numBB   int
		dftOnly bool
	}
	var records []record

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'C':
			fields := strings.Fields(line[1:])
			if len(fields) < 2 {
				return false
			}
			nums := make([]int, len(fields))
			for i, f := range fields {
				n, err := strconv.Atoi(f)
				if err != nil || n < 0 {
					return false
				}
				nums[i] = n
			}
			rec := record{fid: nums[0], blocks: nums[1 : len(nums)-1], numBB: nums[len(nums)-1]}
			for _, bb := range rec.blocks {
				if bb >= rec.numBB {
					return false
				}
			}
			records = append(records, rec)
		case 'F':
			fields := strings.Fields(line[1:])
			if len(fields) < 1 {
				return false
			}
			fid, err := strconv.Atoi(fields[0])
			if err != nil || fid < 0 {
				return false
			}
			records = append(records, record{fid: fid, dftOnly: true})
		}
	}
	if s.Err() != nil {
		return false
	}

	// Validate block counts against already merged state and against the
	// other records in this batch before any mutation: a partial merge
	// must not survive a bad record.
	batchNumBB := make(map[int]int)
	for _, rec := range records {
		if rec.dftOnly {
			continue
		}
		if counters, ok := c.functions[rec.fid]; ok && len(counters) != rec.numBB {
			return false
		}
		if prev, ok := batchNumBB[rec.fid]; ok && prev != rec.numBB {
			return false
		}
		batchNumBB[rec.fid] = rec.numBB
	}

	for _, rec := range records {
		if rec.dftOnly {
			c.withDFT[rec.fid] = true
			continue
		}
		counters, ok := c.functions[rec.fid]
		if !ok {
			counters = make([]uint32, rec.numBB)
			c.functions[rec.fid] = counters
		}
		for _, bb := range rec.blocks {
			counters[bb]++
		}
	}
	return true
}

// AppendCoverageString is AppendCoverage for an in-memory record.
func (c *BlockCoverage) AppendCoverageString(s string) bool {
	return c.AppendCoverage(strings.NewReader(s))
}

func (c *BlockCoverage) NumCoveredFunctions() int {
	return len(c.functions)
}

func (c *BlockCoverage) GetCounter(fid, bb int) uint32 {
	counters, ok := c.functions[fid]
	if !ok || bb >= len(counters) {
		return 0
	}
	return counters[bb]
}

func (c *BlockCoverage) GetNumberOfBlocks(fid int) int {
	return len(c.functions[fid])
}

func (c *BlockCoverage) GetNumberOfCoveredBlocks(fid int) int {
	n := 0
	for _, cnt := range c.functions[fid] {
		if cnt != 0 {
			n++
		}
	}
	return n
}

func (c *BlockCoverage) Clear() {
	c.functions = make(map[int][]uint32)
	c.withDFT = make(map[int]bool)
}

// FunctionWeights scores every function index as a focus candidate.
// Functions with no coverage record, no data-flow-trace row, zero blocks
// or nothing left to uncover weigh 0 and are never selected. Otherwise
// the weight grows with the number of still-uncovered blocks and shrinks
// with the smallest nonzero hit count (rarely-reached behaviors first).
func (c *BlockCoverage) FunctionWeights(numFunctions int) []float64 {
	weights := make([]float64, numFunctions)
	for fid, counters := range c.functions {
		if fid >= numFunctions || len(counters) == 0 {
			continue
		}
		if !c.withDFT[fid] {
			continue
		}
		uncovered := len(counters) - numberOfCoveredBlocks(counters)
		if uncovered == 0 {
			continue
		}
		smallest := smallestNonZeroCounter(counters)
		if smallest == 0 {
			continue
		}
		weights[fid] = (256 + 256/float64(smallest)) * float64(uncovered)
	}
	return weights
}

func numberOfCoveredBlocks(counters []uint32) int {
	n := 0
	for _, cnt := range counters {
		if cnt != 0 {
			n++
		}
	}
	return n
}

func smallestNonZeroCounter(counters []uint32) uint32 {
	var res uint32
	for _, cnt := range counters {
		if cnt != 0 && (res == 0 || cnt < res) {
			res = cnt
		}
	}
	return res
}

func (c *BlockCoverage) String() string {
	return fmt.Sprintf("BlockCoverage{%d functions, %d with DFT}", len(c.functions), len(c.withDFT))
}
