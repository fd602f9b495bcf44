// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build unix

package cmpmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a file-backed shared region holding one Map. The file can
// be inherited by a forked instrumented target so both processes see the
// same slots without any capacity negotiation.
type Mapping struct {
	f   *os.File
	mem []byte
}

// NewMapping creates (or truncates) name, sizes it to exactly Size bytes
// and maps it shared.
func NewMapping(name string) (*Mapping, *Map, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open comm file: %v", err)
	}
	if err := f.Truncate(int64(Size)); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to size comm file: %v", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to mmap comm file: %v", err)
	}
	return &Mapping{f: f, mem: mem}, Attach(mem), nil
}

// File returns the backing file for passing to a forked target
// (e.g. via ExtraFiles).
func (m *Mapping) File() *os.File {
	return m.f
}

// Destroy unmaps the region and closes the backing file. The Map
// returned by NewMapping must not be used afterwards.
func (m *Mapping) Destroy() {
	unix.Munmap(m.mem)
	m.f.Close()
}
