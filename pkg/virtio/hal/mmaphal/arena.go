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

//go:build unix
// +build unix

// Package mmaphal implements hal.Hal in a userspace process.
//
// An Arena is an anonymous mapping that plays the role of guest physical
// memory: physical address Base+off refers to byte off of the mapping. DMA
// regions are carved out of the arena page by page, and a simulated device
// (see package fakedev) reaches driver memory through TranslatePhysical.
//
// Buffers handed to Share that live outside the arena are bounced through a
// staging region inside it, the way a protected guest shares memory with an
// untrusted host. Options.AlwaysBounce forces this for every buffer.
package mmaphal

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/virtio/pkg/bitmap"
	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/sync"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
)

// DefaultBase is the physical address of the first page of an arena when
// Options.Base is not set.
const DefaultBase hal.PhysAddr = 0x4000_0000

// Options configure an Arena.
type Options struct {
	// Pages is the size of the arena in pages.
	Pages uint64

	// Base is the physical address of the first page. It must be page
	// aligned. Zero selects DefaultBase.
	Base hal.PhysAddr

	// AlwaysBounce stages every shared buffer in the arena, even those that
	// already live in it.
	AlwaysBounce bool
}

// staged records a bounce buffer created by Share.
type staged struct {
	page  uint64
	pages uint64
	len   int
}

// Arena is a hal.Hal backed by an anonymous mapping.
type Arena struct {
	base         hal.PhysAddr
	alwaysBounce bool

	// mem is the mapping and npages its size in pages. They are immutable
	// after New.
	mem    []byte
	npages uint32

	mu sync.Mutex

	// pages has a bit set for every allocated page.
	//
	// +checklocks:mu
	pages bitmap.Bitmap

	// bounced maps staging addresses to their bookkeeping.
	//
	// +checklocks:mu
	bounced map[hal.PhysAddr]staged
}

var _ hal.Hal = (*Arena)(nil)

// New maps a new arena.
func New(opts Options) (*Arena, error) {
	if opts.Pages == 0 {
		return nil, fmt.Errorf("arena needs at least one page: %w", virtio.ErrInvalidParam)
	}
	if opts.Pages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("arena of %d pages is too large: %w", opts.Pages, virtio.ErrInvalidParam)
	}
	if unix.Getpagesize() > virtio.PageSize {
		log.Infof("Host page size %d is larger than the VirtIO page size %d", unix.Getpagesize(), virtio.PageSize)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if base%virtio.PageSize != 0 {
		return nil, fmt.Errorf("arena base %#x is not page aligned: %w", base, virtio.ErrInvalidParam)
	}
	// Use mmap rather than make([]byte) so the arena is page aligned and
	// never moved.
	mem, err := unix.Mmap(-1, 0, int(opts.Pages*virtio.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap arena of %d pages: %v", opts.Pages, err)
	}
	return &Arena{
		base:         base,
		alwaysBounce: opts.AlwaysBounce,
		mem:          mem,
		npages:       uint32(opts.Pages),
		pages:        bitmap.New(uint32(opts.Pages)),
		bounced:      make(map[hal.PhysAddr]staged),
	}, nil
}

// Close unmaps the arena. All memory obtained from it becomes invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// FreePages returns the number of unallocated pages.
func (a *Arena) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.npages - a.pages.GetNumOnes())
}

// Base returns the physical address of the first page of the arena.
func (a *Arena) Base() hal.PhysAddr {
	return a.base
}

// allocLocked reserves count pages and returns the index of the first.
//
// +checklocks:a.mu
func (a *Arena) allocLocked(count uint64) (uint64, error) {
	if count > uint64(a.npages) {
		return 0, fmt.Errorf("%d pages requested from an arena of %d", count, a.npages)
	}
	run, ok := a.pages.FirstZeroRun(uint32(count), a.npages)
	if !ok {
		return 0, fmt.Errorf("no run of %d free pages (%d of %d in use)", count, a.pages.GetNumOnes(), a.npages)
	}
	a.pages.SetRange(run, run+uint32(count))
	first := uint64(run)
	clear(a.mem[first*virtio.PageSize : (first+count)*virtio.PageSize])
	return first, nil
}

// DMAAlloc implements hal.Hal.DMAAlloc.
func (a *Arena) DMAAlloc(pages uint64, dir hal.BufferDirection) (hal.PhysAddr, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, err := a.allocLocked(pages)
	if err != nil {
		return 0, nil, err
	}
	log.Debugf("DMA alloc: %d pages at %#x (%v)", pages, a.addrOf(first), dir)
	off := first * virtio.PageSize
	return a.addrOf(first), a.mem[off : off+pages*virtio.PageSize : off+pages*virtio.PageSize], nil
}

// DMADealloc implements hal.Hal.DMADealloc.
func (a *Arena) DMADealloc(paddr hal.PhysAddr, mem []byte, pages uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	first, err := a.pageOf(paddr, pages)
	if err != nil {
		return err
	}
	a.pages.ClearRange(uint32(first), uint32(first+pages))
	log.Debugf("DMA dealloc: %d pages at %#x", pages, paddr)
	return nil
}

// TranslatePhysical implements hal.Hal.TranslatePhysical.
func (a *Arena) TranslatePhysical(paddr hal.PhysAddr, size uint64) ([]byte, error) {
	if paddr < a.base || uint64(paddr-a.base)+size > uint64(len(a.mem)) || uint64(paddr-a.base)+size < uint64(paddr-a.base) {
		return nil, fmt.Errorf("physical range [%#x, %#x) is outside the arena [%#x, %#x)", paddr, uint64(paddr)+size, a.base, uint64(a.base)+uint64(len(a.mem)))
	}
	off := uint64(paddr - a.base)
	return a.mem[off : off+size : off+size], nil
}

// Share implements hal.Hal.Share.
func (a *Arena) Share(buf []byte, dir hal.BufferDirection) (hal.PhysAddr, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("sharing an empty buffer: %w", virtio.ErrInvalidParam)
	}
	if !a.alwaysBounce {
		if paddr, ok := a.inArena(buf); ok {
			return paddr, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	pages := virtio.Pages(uint64(len(buf)))
	first, err := a.allocLocked(pages)
	if err != nil {
		return 0, fmt.Errorf("staging %d bytes: %v: %w", len(buf), err, virtio.ErrDMA)
	}
	paddr := a.addrOf(first)
	if dir != hal.DeviceToDriver {
		copy(a.mem[first*virtio.PageSize:], buf)
	}
	a.bounced[paddr] = staged{page: first, pages: pages, len: len(buf)}
	return paddr, nil
}

// Unshare implements hal.Hal.Unshare.
func (a *Arena) Unshare(paddr hal.PhysAddr, buf []byte, dir hal.BufferDirection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.bounced[paddr]
	if !ok {
		// Shared in place; nothing to do.
		return
	}
	if s.len != len(buf) {
		panic(fmt.Sprintf("unsharing %#x with a %d byte buffer, shared with %d bytes", paddr, len(buf), s.len))
	}
	if dir != hal.DriverToDevice {
		copy(buf, a.mem[s.page*virtio.PageSize:])
	}
	delete(a.bounced, paddr)
	a.pages.ClearRange(uint32(s.page), uint32(s.page+s.pages))
}

// Bounced returns the number of buffers currently staged by Share.
func (a *Arena) Bounced() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bounced)
}

func (a *Arena) addrOf(page uint64) hal.PhysAddr {
	return a.base + hal.PhysAddr(page*virtio.PageSize)
}

// pageOf validates a DMA region and returns the index of its first page.
//
// +checklocks:a.mu
func (a *Arena) pageOf(paddr hal.PhysAddr, pages uint64) (uint64, error) {
	if paddr < a.base || paddr%virtio.PageSize != 0 {
		return 0, fmt.Errorf("address %#x was not allocated from this arena: %w", paddr, virtio.ErrInvalidParam)
	}
	first := uint64(paddr-a.base) / virtio.PageSize
	if first+pages > uint64(a.npages) {
		return 0, fmt.Errorf("region [%#x, +%d pages) exceeds the arena: %w", paddr, pages, virtio.ErrInvalidParam)
	}
	return first, nil
}

// inArena returns the physical address of buf if it lies inside the arena.
func (a *Arena) inArena(buf []byte) (hal.PhysAddr, bool) {
	if len(a.mem) == 0 {
		return 0, false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if p < start || p+uintptr(len(buf)) > start+uintptr(len(a.mem)) {
		return 0, false
	}
	return a.base + hal.PhysAddr(p-start), true
}
