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

package transport

import (
	"fmt"

	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// MMIOMagic is the value of the magic register, "virt" in little endian.
const MMIOMagic = 0x74726976

// MMIOVersion is the version of the virtio-mmio register layout.
type MMIOVersion uint32

const (
	// MMIOLegacy is the layout of pre-1.0 devices, where a queue is
	// identified by the page frame number of a contiguous ring.
	MMIOLegacy MMIOVersion = 1

	// MMIOModern is the virtio 1.x layout.
	MMIOModern MMIOVersion = 2
)

func (v MMIOVersion) String() string {
	switch v {
	case MMIOLegacy:
		return "legacy"
	case MMIOModern:
		return "modern"
	default:
		return fmt.Sprintf("MMIOVersion(%d)", uint32(v))
	}
}

// MMIO register offsets.
const (
	mmioMagicValue        = 0x000 // always 0x74726976 (R)
	mmioVersion           = 0x004 // 1 or 2 (R)
	mmioDeviceID          = 0x008 // virtio subsystem device id (R)
	mmioVendorID          = 0x00c // virtio subsystem vendor id (R)
	mmioDeviceFeatures    = 0x010 // flags, depends on mmioDeviceFeaturesSel (R)
	mmioDeviceFeaturesSel = 0x014 // word selection for mmioDeviceFeatures (W)
	mmioDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	mmioDriverFeaturesSel = 0x024 // word selection for mmioDriverFeatures (W)
	mmioGuestPageSize     = 0x028 // page size for QueuePFN, legacy only (W)
	mmioQueueSel          = 0x030 // virtual queue index (W)
	mmioQueueNumMax       = 0x034 // maximum virtual queue size (R)
	mmioQueueNum          = 0x038 // virtual queue size (W)
	mmioQueueAlign        = 0x03c // used ring alignment, legacy only (W)
	mmioQueuePFN          = 0x040 // queue page frame number, legacy only (RW)
	mmioQueueReady        = 0x044 // virtual queue ready bit (RW)
	mmioQueueNotify       = 0x050 // queue notifier (W)
	mmioInterruptStatus   = 0x060 // interrupt status (R)
	mmioInterruptAck      = 0x064 // interrupt acknowledge (W)
	mmioStatus            = 0x070 // device status (RW)
	mmioQueueDescLow      = 0x080 // descriptor area GPA, low word (W)
	mmioQueueDescHigh     = 0x084 // descriptor area GPA, high word (W)
	mmioQueueDriverLow    = 0x090 // driver area GPA, low word (W)
	mmioQueueDriverHigh   = 0x094 // driver area GPA, high word (W)
	mmioQueueDeviceLow    = 0x0a0 // device area GPA, low word (W)
	mmioQueueDeviceHigh   = 0x0a4 // device area GPA, high word (W)
	mmioConfigGeneration  = 0x0fc // configuration atomicity value (R)
	mmioConfig            = 0x100 // device specific configuration space (RW)
)

// MMIOOptions configure an MMIO bus.
type MMIOOptions struct {
	// ConfigSize is the size of the device-specific config space. The
	// register block does not advertise it; it comes from the platform
	// description (device tree, command line) along with the base address.
	// Zero means the device has no config space.
	ConfigSize uint64
}

// MMIO is a virtio-mmio device.
type MMIO struct {
	regs       volatile.Window
	version    MMIOVersion
	devType    virtio.DeviceType
	vendorID   uint32
	configSize uint64
}

var _ Bus = (*MMIO)(nil)

// NewMMIO probes the virtio-mmio register block regs.
//
// A device ID of zero denotes a slot without a device behind it; NewMMIO
// returns ErrNotReady for it, so that callers scanning a list of slots can
// skip it.
func NewMMIO(regs volatile.Window, opts MMIOOptions) (*MMIO, error) {
	if regs.Size() < mmioConfig+opts.ConfigSize {
		return nil, fmt.Errorf("register block of %d bytes cannot hold %d bytes of config: %w", regs.Size(), opts.ConfigSize, virtio.ErrInvalidParam)
	}
	if magic := regs.Read32(mmioMagicValue); magic != MMIOMagic {
		return nil, fmt.Errorf("bad magic %#x: %w", magic, virtio.ErrUnsupported)
	}
	version := MMIOVersion(regs.Read32(mmioVersion))
	if version != MMIOLegacy && version != MMIOModern {
		return nil, fmt.Errorf("unsupported virtio-mmio version %d: %w", uint32(version), virtio.ErrUnsupported)
	}
	devType := virtio.DeviceType(regs.Read32(mmioDeviceID))
	if devType == virtio.DeviceInvalid {
		return nil, fmt.Errorf("no device in slot: %w", virtio.ErrNotReady)
	}
	return &MMIO{
		regs:       regs,
		version:    version,
		devType:    devType,
		vendorID:   regs.Read32(mmioVendorID),
		configSize: opts.ConfigSize,
	}, nil
}

// Version returns the register layout version of the device.
func (m *MMIO) Version() MMIOVersion {
	return m.version
}

// VendorID returns the subsystem vendor ID.
func (m *MMIO) VendorID() uint32 {
	return m.vendorID
}

func (m *MMIO) deviceType() virtio.DeviceType {
	return m.devType
}

func (m *MMIO) deviceFeatures() Features {
	m.regs.Write32(mmioDeviceFeaturesSel, 0)
	lo := m.regs.Read32(mmioDeviceFeatures)
	m.regs.Write32(mmioDeviceFeaturesSel, 1)
	hi := m.regs.Read32(mmioDeviceFeatures)
	return Features(hi)<<32 | Features(lo)
}

func (m *MMIO) setDriverFeatures(f Features) {
	m.regs.Write32(mmioDriverFeaturesSel, 0)
	m.regs.Write32(mmioDriverFeatures, uint32(f))
	m.regs.Write32(mmioDriverFeaturesSel, 1)
	m.regs.Write32(mmioDriverFeatures, uint32(f>>32))
}

func (m *MMIO) status() DeviceStatus {
	return DeviceStatus(m.regs.Read32(mmioStatus))
}

func (m *MMIO) setStatus(s DeviceStatus) {
	m.regs.Write32(mmioStatus, uint32(s))
}

func (m *MMIO) setGuestPageSize(size uint32) {
	if m.version == MMIOLegacy {
		m.regs.Write32(mmioGuestPageSize, size)
	}
}

func (m *MMIO) maxQueueSize(idx uint16) uint32 {
	m.regs.Write32(mmioQueueSel, uint32(idx))
	return m.regs.Read32(mmioQueueNumMax)
}

func (m *MMIO) queueUsed(idx uint16) bool {
	m.regs.Write32(mmioQueueSel, uint32(idx))
	if m.version == MMIOLegacy {
		return m.regs.Read32(mmioQueuePFN) != 0
	}
	return m.regs.Read32(mmioQueueReady) != 0
}

func (m *MMIO) setQueue(idx, size uint16, desc, driver, device hal.PhysAddr) error {
	if m.version == MMIOLegacy {
		// A legacy device computes the ring addresses from the
		// descriptor table address, so they must follow the legacy
		// layout exactly.
		if desc%virtio.PageSize != 0 {
			return fmt.Errorf("legacy queue at %#x is not page aligned: %w", desc, virtio.ErrInvalidParam)
		}
		wantDriver := desc + hal.PhysAddr(16*uint64(size))
		wantDevice := desc + hal.PhysAddr(virtio.AlignUp(16*uint64(size)+6+2*uint64(size)))
		if driver != wantDriver || device != wantDevice {
			return fmt.Errorf("legacy queue rings at %#x/%#x, want %#x/%#x: %w", driver, device, wantDriver, wantDevice, virtio.ErrInvalidParam)
		}
		pfn := uint64(desc) / virtio.PageSize
		if pfn > 0xffffffff {
			return fmt.Errorf("legacy queue at %#x is beyond the addressable range: %w", desc, virtio.ErrInvalidParam)
		}
		m.regs.Write32(mmioQueueSel, uint32(idx))
		m.regs.Write32(mmioQueueNum, uint32(size))
		m.regs.Write32(mmioQueueAlign, virtio.PageSize)
		m.regs.Write32(mmioQueuePFN, uint32(pfn))
		return nil
	}

	m.regs.Write32(mmioQueueSel, uint32(idx))
	m.regs.Write32(mmioQueueNum, uint32(size))
	m.regs.Write32(mmioQueueDescLow, uint32(desc))
	m.regs.Write32(mmioQueueDescHigh, uint32(desc>>32))
	m.regs.Write32(mmioQueueDriverLow, uint32(driver))
	m.regs.Write32(mmioQueueDriverHigh, uint32(driver>>32))
	m.regs.Write32(mmioQueueDeviceLow, uint32(device))
	m.regs.Write32(mmioQueueDeviceHigh, uint32(device>>32))
	m.regs.Write32(mmioQueueReady, 1)
	return nil
}

func (m *MMIO) queueUnset(idx uint16) {
	m.regs.Write32(mmioQueueSel, uint32(idx))
	if m.version == MMIOLegacy {
		m.regs.Write32(mmioQueueNum, 0)
		m.regs.Write32(mmioQueuePFN, 0)
		return
	}
	m.regs.Write32(mmioQueueReady, 0)
	m.regs.Write32(mmioQueueNum, 0)
	m.regs.Write32(mmioQueueDescLow, 0)
	m.regs.Write32(mmioQueueDescHigh, 0)
	m.regs.Write32(mmioQueueDriverLow, 0)
	m.regs.Write32(mmioQueueDriverHigh, 0)
	m.regs.Write32(mmioQueueDeviceLow, 0)
	m.regs.Write32(mmioQueueDeviceHigh, 0)
}

func (m *MMIO) notify(idx uint16) {
	m.regs.Write32(mmioQueueNotify, uint32(idx))
}

func (m *MMIO) ackInterrupt() InterruptStatus {
	s := m.regs.Read32(mmioInterruptStatus)
	if s != 0 {
		m.regs.Write32(mmioInterruptAck, s)
	}
	return InterruptStatus(s)
}

func (m *MMIO) configSpace() volatile.Window {
	if m.configSize == 0 {
		return nil
	}
	return volatile.Slice(m.regs, mmioConfig, m.configSize)
}

func (m *MMIO) configGeneration() uint32 {
	if m.version == MMIOLegacy {
		return 0
	}
	return m.regs.Read32(mmioConfigGeneration)
}
