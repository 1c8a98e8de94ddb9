//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build amd64 || arm64

package kunwind

import (
	"fmt"
	"os"
	"reflect"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/stealthrocket/kunwind/internal/errs"
)

// ptr represents an address in the target process's virtual memory. It is
// distinct from a host uintptr so that a stray dereference in Go code can
// never be mistaken for one in the target.
type ptr uint64

// vmem is the minimum interface required for virtual memory accesses in
// this package. The native and interpreter unwinders only ever go through
// this interface to read target memory, never os.ReadFile or raw
// syscalls, so the same unwinding code runs against a live process
// (ProcMemReader) or against synthetic memory (BufferMemory, or
// FakeMemory in the _test.go files).
//
// It assumes both target and host are little-endian; deref casts bytes
// back to T directly rather than deserializing field by field.
type vmem interface {
	Read(address ptr, size uint32) ([]byte, bool)
}

// deref reads the bytes at address p in virtual memory and casts them
// back as T. It is not recursive: if T is a struct containing pointers or
// slices, deref does not follow them; use derefArray/derefGoSlice for
// that.
func deref[T any](r vmem, p ptr) T {
	var t T
	s := uint32(unsafe.Sizeof(t))
	b, ok := r.Read(p, s)
	if !ok {
		panic(fmt.Errorf("invalid virtual memory read at %#x size %d", p, s))
	}
	return *(*T)(unsafe.Pointer(unsafe.SliceData(b)))
}

// derefArray reads n contiguous T values starting at address p.
func derefArray[T any](r vmem, p ptr, n uint32) []T {
	res := make([]T, n)
	for i := uint32(0); i < n; i++ {
		res[i] = derefArrayIndex[T](r, p, int32(i))
	}
	return res
}

// derefArrayIndex reads the i-th element of an array that starts at
// address p.
func derefArrayIndex[T any](r vmem, p ptr, i int32) T {
	var t T
	s := ptr(unsafe.Sizeof(t))
	return deref[T](r, p+ptr(i)*s)
}

// derefGoSlice is retained for parity with the upstream helper used by
// some of the interpreter unwinders under development; it copies the
// backing array of a slice header read from target memory into host
// memory. Cap is set to Len regardless of the slice's original capacity.
func derefGoSlice[T any](r vmem, s []T) []T {
	count := len(s)
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&s))
	dp := ptr(sh.Data)
	return derefArray[T](r, dp, uint32(count))
}

// ptr32 is a 32-bit target address, used by unwinders whose ABI is
// 32-bit regardless of host width (e.g. PHP/Ruby/Perl interpreters
// compiled for ILP32 targets).
type ptr32 uint32

func (p ptr32) wide() ptr { return ptr(p) }

// ProcMemReader reads the virtual memory of a running process through
// /proc/<pid>/mem, following the same "open once, ReadAt repeatedly"
// pattern a PE/ELF parser uses for a file. mmap.Map is used instead of a
// held *os.File + ReadAt pair so that repeated small reads during a stack
// walk don't each cost a syscall; this mirrors how pe.File memory-maps
// the binary it parses instead of calling ReadAt for every header field.
type ProcMemReader struct {
	f    *os.File
	data mmap.MMap
	base ptr
}

// OpenProcMem memory-maps the region of size bytes starting at base in
// the memory of process pid.
func OpenProcMem(pid uint32, base ptr, size uint32) (*ProcMemReader, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindReader, "OpenProcMem")
	}

	data, err := mmap.MapRegion(f, int(size), mmap.RDONLY, 0, int64(base))
	if err != nil {
		f.Close()
		return nil, errs.Wrap(err, errs.KindReader, "OpenProcMem")
	}

	return &ProcMemReader{f: f, data: data, base: base}, nil
}

// Read implements vmem.
func (r *ProcMemReader) Read(address ptr, size uint32) ([]byte, bool) {
	if address < r.base {
		return nil, false
	}
	off := uint64(address - r.base)
	end := off + uint64(size)
	if end > uint64(len(r.data)) {
		return nil, false
	}
	return r.data[off:end], true
}

// Close unmaps the region and closes the backing file descriptor.
func (r *ProcMemReader) Close() error {
	err := r.data.Unmap()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// BufferMemory is a byte-buffer backed vmem implementation: Data holds
// the target bytes starting at address Base. The package tests use the
// map-backed FakeMemory from fakemem_test.go instead.
type BufferMemory struct {
	Base ptr
	Data []byte
}

func (m BufferMemory) Read(address ptr, size uint32) ([]byte, bool) {
	if address < m.Base {
		return nil, false
	}
	off := uint64(address - m.Base)
	end := off + uint64(size)
	if end > uint64(len(m.Data)) {
		return nil, false
	}
	return m.Data[off:end], true
}
