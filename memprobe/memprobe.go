// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux

// Package memprobe answers "is this address safe to read" for the
// process the capture engine runs in.
//
// Instrumented code inspects arbitrary, sometimes invalid, runtime
// addresses, so unreadable memory is a normal outcome here, never an
// error. Readability is decided from the kernel's own mapping table
// (/proc/self/maps) and the actual copy goes through process_vm_readv,
// which reports EFAULT instead of delivering a hardware fault.
package memprobe

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type region struct {
	start, end uint64
	readable   bool
}

// Probe probes the current process's address space.
// The mapping table is cached and refreshed lazily when a lookup misses;
// concurrent callouts swap it with a plain atomic pointer, no locks.
type Probe struct {
	pid      int
	mapsPath string
	regions  atomic.Pointer[[]region]
}

// New returns a probe for the current process.
func New() *Probe {
	return &Probe{pid: os.Getpid(), mapsPath: "/proc/self/maps"}
}

// IsReadable reports whether [addr, addr+size) is mapped readable.
// The range may span adjacent mappings.
func (p *Probe) IsReadable(addr uint64, size int) bool {
	if size <= 0 {
		return false
	}
	if addr+uint64(size) < addr {
		return false // wraps the address space
	}
	if p.covered(addr, uint64(size)) {
		return true
	}
	// Mappings change as the target runs; re-read and retry once.
	if !p.refresh() {
		return false
	}
	return p.covered(addr, uint64(size))
}

// Read copies size bytes from addr. Unreadable memory yields (nil, false).
func (p *Probe) Read(addr uint64, size int) ([]byte, bool) {
	if !p.IsReadable(addr, size) {
		return nil, false
	}
	buf := make([]byte, size)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(size)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	n, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil || n != size {
		// The mapping table said yes but the kernel said no
		// (e.g. the page went away). Still a skip, not a fault.
		return nil, false
	}
	return buf, true
}

func (p *Probe) covered(addr, size uint64) bool {
	rs := p.regions.Load()
	if rs == nil {
		return false
	}
	regions := *rs
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].end > addr
	})
	end := addr + size
	for ; i < len(regions); i++ {
		r := regions[i]
		if r.start > addr || !r.readable {
			return false
		}
		if r.end >= end {
			return true
		}
		addr = r.end // continue into the next, contiguous mapping
	}
	return false
}

func (p *Probe) refresh() bool {
	f, err := os.Open(p.mapsPath)
	if err != nil {
		return false
	}
	defer f.Close()
	regions, err := parseMaps(f)
	if err != nil {
		return false
	}
	p.regions.Store(&regions)
	return true
}

// parseMaps reads /proc/<pid>/maps lines of the form
//
//	start-end perms offset dev inode [path]
func parseMaps(r io.Reader) ([]region, error) {
	var regions []region
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			return nil, err
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil {
			return nil, err
		}
		regions = append(regions, region{
			start:    start,
			end:      end,
			readable: strings.HasPrefix(fields[1], "r"),
		})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}
