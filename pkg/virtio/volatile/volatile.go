// Copyright 2026 The gVisor Authors.
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

// Package volatile provides access to memory that is shared with a device.
//
// Memory shared with a device (rings, config space, device registers) may
// change at any time and every access must actually reach memory, in the
// order the program performs it. Go has no volatile qualifier, so this
// package routes every such access through sync/atomic, whose operations the
// compiler never elides, merges or reorders.
//
// Device registers and other memory the program cannot address as a byte
// slice are reached through the Window interface, which bus integrations
// implement on top of their own accessors.
package volatile

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Window is a range of device-visible memory or registers, addressed by byte
// offset. Accesses must be naturally aligned.
type Window interface {
	Read8(off uint64) uint8
	Read16(off uint64) uint16
	Read32(off uint64) uint32
	Read64(off uint64) uint64
	Write8(off uint64, v uint8)
	Write16(off uint64, v uint16)
	Write32(off uint64, v uint32)
	Write64(off uint64, v uint64)

	// Size returns the size of the window in bytes.
	Size() uint64
}

// Region is a Window backed by ordinary memory, such as a DMA region
// returned by the Hal.
//
// mem must be at least 4-byte aligned and its length a multiple of 4, which
// holds for every page-aligned DMA region.
type Region struct {
	mem []byte
}

var _ Window = (*Region)(nil)

// NewRegion returns a Region over mem.
func NewRegion(mem []byte) *Region {
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%4 != 0 || len(mem)%4 != 0 {
		panic(fmt.Sprintf("volatile region at %p (%d bytes) is not 4-byte aligned", unsafe.SliceData(mem), len(mem)))
	}
	return &Region{mem: mem}
}

// Size implements Window.Size.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Sub returns the Region for [off, off+size) of r.
func (r *Region) Sub(off, size uint64) *Region {
	return NewRegion(r.mem[off : off+size : off+size])
}

// Bytes returns the memory backing r. Plain accesses through the returned
// slice are not ordered with respect to the device.
func (r *Region) Bytes() []byte {
	return r.mem
}

// ptr returns a pointer to the size bytes at off, checking bounds and
// alignment.
func (r *Region) ptr(off, size uint64) unsafe.Pointer {
	if off%size != 0 {
		panic(fmt.Sprintf("misaligned %d-byte access at offset %#x", size, off))
	}
	return unsafe.Pointer(&r.mem[off:][:size][0])
}

// word returns the aligned 32-bit word containing off and the shift of the
// byte at off within it.
func (r *Region) word(off uint64) (*uint32, uint) {
	w := (*uint32)(r.ptr(off&^3, 4))
	byteInWord := uint(off & 3)
	if !littleEndian {
		byteInWord = 3 - byteInWord
	}
	return w, byteInWord * 8
}

// Read8 implements Window.Read8.
func (r *Region) Read8(off uint64) uint8 {
	w, shift := r.word(off)
	return uint8(atomic.LoadUint32(w) >> shift)
}

// Read16 implements Window.Read16.
func (r *Region) Read16(off uint64) uint16 {
	if off%2 != 0 {
		panic(fmt.Sprintf("misaligned 2-byte access at offset %#x", off))
	}
	w, shift := r.word(off)
	if !littleEndian {
		shift -= 8
	}
	return uint16(atomic.LoadUint32(w) >> shift)
}

// Read32 implements Window.Read32.
func (r *Region) Read32(off uint64) uint32 {
	return atomic.LoadUint32((*uint32)(r.ptr(off, 4)))
}

// Read64 implements Window.Read64.
func (r *Region) Read64(off uint64) uint64 {
	return atomic.LoadUint64((*uint64)(r.ptr(off, 8)))
}

// Write8 implements Window.Write8.
func (r *Region) Write8(off uint64, v uint8) {
	w, shift := r.word(off)
	r.update(w, 0xff<<shift, uint32(v)<<shift)
}

// Write16 implements Window.Write16.
func (r *Region) Write16(off uint64, v uint16) {
	if off%2 != 0 {
		panic(fmt.Sprintf("misaligned 2-byte access at offset %#x", off))
	}
	w, shift := r.word(off)
	if !littleEndian {
		shift -= 8
	}
	r.update(w, 0xffff<<shift, uint32(v)<<shift)
}

// Write32 implements Window.Write32.
func (r *Region) Write32(off uint64, v uint32) {
	atomic.StoreUint32((*uint32)(r.ptr(off, 4)), v)
}

// Write64 implements Window.Write64.
func (r *Region) Write64(off uint64, v uint64) {
	atomic.StoreUint64((*uint64)(r.ptr(off, 8)), v)
}

// update replaces the bits of *w selected by mask with v. The device may
// write the other bytes of the word concurrently, hence the CAS loop.
func (*Region) update(w *uint32, mask, v uint32) {
	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|v) {
			return
		}
	}
}

// ReadBytes copies len(p) bytes at off into p, one byte at a time.
func ReadBytes(w Window, off uint64, p []byte) {
	for i := range p {
		p[i] = w.Read8(off + uint64(i))
	}
}

// WriteBytes copies p to off, one byte at a time.
func WriteBytes(w Window, off uint64, p []byte) {
	for i, b := range p {
		w.Write8(off+uint64(i), b)
	}
}

var littleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// fence is the synchronization variable behind WriteFence and ReadFence.
var fence atomic.Uint32

// WriteFence orders all preceding memory writes, including plain writes to
// buffers, before any following write through a Window. Call it before
// publishing an index the device polls.
func WriteFence() {
	fence.Add(1)
}

// ReadFence orders the preceding read of a device-published index before
// any following read of the data it covers.
func ReadFence() {
	fence.Load()
}

// window is a sub-range of another Window.
type window struct {
	w    Window
	off  uint64
	size uint64
}

// Slice returns the Window for [off, off+size) of w. Accesses outside the
// slice panic.
func Slice(w Window, off, size uint64) Window {
	if off+size < off || off+size > w.Size() {
		panic(fmt.Sprintf("slice [%#x, %#x) out of range of %d byte window", off, off+size, w.Size()))
	}
	return &window{w: w, off: off, size: size}
}

func (s *window) at(off, n uint64) uint64 {
	if off+n > s.size {
		panic(fmt.Sprintf("%d-byte access at %#x out of range of %d byte window", n, off, s.size))
	}
	return s.off + off
}

func (s *window) Size() uint64                 { return s.size }
func (s *window) Read8(off uint64) uint8       { return s.w.Read8(s.at(off, 1)) }
func (s *window) Read16(off uint64) uint16     { return s.w.Read16(s.at(off, 2)) }
func (s *window) Read32(off uint64) uint32     { return s.w.Read32(s.at(off, 4)) }
func (s *window) Read64(off uint64) uint64     { return s.w.Read64(s.at(off, 8)) }
func (s *window) Write8(off uint64, v uint8)   { s.w.Write8(s.at(off, 1), v) }
func (s *window) Write16(off uint64, v uint16) { s.w.Write16(s.at(off, 2), v) }
func (s *window) Write32(off uint64, v uint32) { s.w.Write32(s.at(off, 4), v) }
func (s *window) Write64(off uint64, v uint64) { s.w.Write64(s.at(off, 8), v) }

// Alloc returns a Region over size bytes of zeroed, 8-byte aligned memory,
// for use as a stand-in for device memory.
func Alloc(size uint64) *Region {
	backing := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(backing))), len(backing)*8)
	return NewRegion(mem[:size&^3+4*min(size%4, 1)])
}
