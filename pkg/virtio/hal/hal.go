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

// Package hal defines the hardware abstraction layer the VirtIO drivers need
// from the environment they run in.
//
// The drivers never allocate device-visible memory or translate addresses on
// their own. Instead the host integration implements Hal, which hands out DMA
// memory and maps between the addresses the device uses (physical addresses)
// and the memory the driver can touch.
package hal

import (
	"fmt"

	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/virtio"
)

// PhysAddr is a physical address as seen by the device.
type PhysAddr uint64

// BufferDirection is the direction in which a buffer is passed between the
// driver and the device.
type BufferDirection int

const (
	// DriverToDevice buffers are written by the driver and read by the
	// device.
	DriverToDevice BufferDirection = iota

	// DeviceToDriver buffers are written by the device and read by the
	// driver.
	DeviceToDriver

	// Both means the buffer may be read or written by either side.
	Both
)

// String implements fmt.Stringer.
func (d BufferDirection) String() string {
	switch d {
	case DriverToDevice:
		return "DriverToDevice"
	case DeviceToDriver:
		return "DeviceToDriver"
	case Both:
		return "Both"
	default:
		return fmt.Sprintf("BufferDirection(%d)", int(d))
	}
}

// Hal is implemented by the environment the drivers run in.
//
// Implementations must be safe to call from whatever context the drivers are
// used in; the drivers call them synchronously.
type Hal interface {
	// DMAAlloc allocates pages contiguous pages of zeroed, page-aligned
	// memory that the device can access. It returns the physical address
	// of the region and a slice through which the driver accesses it.
	DMAAlloc(pages uint64, dir BufferDirection) (PhysAddr, []byte, error)

	// DMADealloc releases a region returned by DMAAlloc.
	//
	// Passing a region that is not currently owned by the caller is a
	// contract violation; implementations are not required to detect it.
	DMADealloc(paddr PhysAddr, mem []byte, pages uint64) error

	// TranslatePhysical returns the driver-accessible memory for size bytes
	// at paddr. This is used for device memory such as MMIO regions and
	// for addresses handed back by the device.
	TranslatePhysical(paddr PhysAddr, size uint64) ([]byte, error)

	// Share makes buf accessible to the device and returns the address the
	// device should use. Environments whose memory is not directly
	// device-visible may copy buf into a staging area; for
	// DriverToDevice the staged copy must contain buf's contents.
	Share(buf []byte, dir BufferDirection) (PhysAddr, error)

	// Unshare ends sharing of buf, previously shared at paddr. For
	// DeviceToDriver and Both, any staged data must be copied back into
	// buf before Unshare returns.
	Unshare(paddr PhysAddr, buf []byte, dir BufferDirection)
}

// DMA is a region of DMA memory owned by a single driver object.
//
// A DMA is obtained from AllocDMA and must be released exactly once with
// Release. It must not be copied.
type DMA struct {
	hal   Hal
	paddr PhysAddr
	mem   []byte
	pages uint64
}

// AllocDMA allocates pages pages of zeroed DMA memory from h.
func AllocDMA(h Hal, pages uint64, dir BufferDirection) (*DMA, error) {
	if pages == 0 {
		return nil, fmt.Errorf("allocating 0 pages: %w", virtio.ErrInvalidParam)
	}
	paddr, mem, err := h.DMAAlloc(pages, dir)
	if err != nil {
		return nil, fmt.Errorf("allocating %d DMA pages: %v: %w", pages, err, virtio.ErrDMA)
	}
	if uint64(len(mem)) < pages*virtio.PageSize {
		discardDMA(h, paddr, mem, pages)
		return nil, fmt.Errorf("allocating %d DMA pages: got %d bytes: %w", pages, len(mem), virtio.ErrDMA)
	}
	if paddr%virtio.PageSize != 0 {
		discardDMA(h, paddr, mem, pages)
		return nil, fmt.Errorf("allocating %d DMA pages: address %#x is not page aligned: %w", pages, paddr, virtio.ErrDMA)
	}
	return &DMA{
		hal:   h,
		paddr: paddr,
		mem:   mem[:pages*virtio.PageSize],
		pages: pages,
	}, nil
}

// discardDMA returns a region AllocDMA cannot use.
func discardDMA(h Hal, paddr PhysAddr, mem []byte, pages uint64) {
	if err := h.DMADealloc(paddr, mem, pages); err != nil {
		log.Warningf("hal: freeing unusable DMA region at %#x: %v", paddr, err)
	}
}

// PAddr returns the physical address of the region.
func (d *DMA) PAddr() PhysAddr {
	return d.paddr
}

// Bytes returns the driver's view of the region.
func (d *DMA) Bytes() []byte {
	return d.mem
}

// Pages returns the size of the region in pages.
func (d *DMA) Pages() uint64 {
	return d.pages
}

// Release returns the region to the Hal. The DMA must not be used afterwards.
//
// Releasing a region twice is a caller bug and panics.
func (d *DMA) Release() error {
	if d.hal == nil {
		panic(fmt.Sprintf("DMA region %#x released twice", d.paddr))
	}
	h, mem := d.hal, d.mem
	d.hal = nil
	d.mem = nil
	return h.DMADealloc(d.paddr, mem, d.pages)
}
