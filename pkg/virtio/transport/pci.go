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

	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/pci"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// PCI capability ID of vendor-specific capabilities, which VirtIO uses to
// locate its register blocks.
const pciCapVendor = 0x09

// VirtIO PCI capability types (cfg_type).
const (
	PCICapCommonCfg = 1
	PCICapNotifyCfg = 2
	PCICapISRCfg    = 3
	PCICapDeviceCfg = 4
	PCICapPCICfg    = 5
)

// Offsets into the common configuration structure.
const (
	commonDeviceFeatureSelect = 0x00 // u32 (RW)
	commonDeviceFeature       = 0x04 // u32 (R)
	commonDriverFeatureSelect = 0x08 // u32 (RW)
	commonDriverFeature       = 0x0c // u32 (RW)
	commonMSIXConfig          = 0x10 // u16 (RW)
	commonNumQueues           = 0x12 // u16 (R)
	commonDeviceStatus        = 0x14 // u8 (RW)
	commonConfigGeneration    = 0x15 // u8 (R)
	commonQueueSelect         = 0x16 // u16 (RW)
	commonQueueSize           = 0x18 // u16 (RW)
	commonQueueMSIXVector     = 0x1a // u16 (RW)
	commonQueueEnable         = 0x1c // u16 (RW)
	commonQueueNotifyOff      = 0x1e // u16 (R)
	commonQueueDesc           = 0x20 // u64 (RW)
	commonQueueDriver         = 0x28 // u64 (RW)
	commonQueueDevice         = 0x30 // u64 (RW)

	// commonCfgSize is the size of the structure up to and including
	// queue_device.
	commonCfgSize = 0x38
)

// BarMapper maps a range of a memory BAR into the driver's address space.
type BarMapper interface {
	MapBar(df pci.DeviceFunction, bar pci.BarInfo, offset, length uint64) (volatile.Window, error)
}

// virtioCap is a parsed VirtIO vendor capability.
type virtioCap struct {
	cfgType uint8
	bar     uint8
	offset  uint32
	length  uint32

	// notifyOffMultiplier is only set for PCICapNotifyCfg.
	notifyOffMultiplier uint32
}

// PCI is a VirtIO device using the PCI capability layout.
type PCI struct {
	df      pci.DeviceFunction
	devType virtio.DeviceType

	common              volatile.Window
	notifyRegion        volatile.Window
	notifyOffMultiplier uint32
	isr                 volatile.Window

	// config is nil if the device has no device-specific config.
	config volatile.Window
}

var _ Bus = (*PCI)(nil)

// NewPCI locates the register blocks of the VirtIO device at df, maps them
// with mapper and enables memory decoding and bus mastering.
func NewPCI(root *pci.Root, df pci.DeviceFunction, mapper BarMapper) (*PCI, error) {
	info, ok := root.Info(df)
	if !ok {
		return nil, fmt.Errorf("no function at %v: %w", df, virtio.ErrInvalidParam)
	}
	devType := pci.VirtioDeviceType(info)
	if devType == virtio.DeviceInvalid {
		return nil, fmt.Errorf("%v (%v) is not a VirtIO device: %w", df, info, virtio.ErrUnsupported)
	}

	caps := make(map[uint8]virtioCap)
	for _, c := range root.Capabilities(df) {
		if c.ID != pciCapVendor {
			continue
		}
		vc := virtioCap{
			cfgType: uint8(c.Private >> 8),
			bar:     uint8(root.Read32(df, c.Offset+4)),
			offset:  root.Read32(df, c.Offset+8),
			length:  root.Read32(df, c.Offset+12),
		}
		if vc.cfgType == PCICapNotifyCfg {
			vc.notifyOffMultiplier = root.Read32(df, c.Offset+16)
		}
		// The device may offer several of a type; use the first.
		if _, ok := caps[vc.cfgType]; !ok {
			caps[vc.cfgType] = vc
		}
	}

	bars := make(map[uint8]pci.BarInfo)
	mapCap := func(cfgType uint8, minLength uint32) (volatile.Window, virtioCap, error) {
		vc, ok := caps[cfgType]
		if !ok {
			return nil, vc, fmt.Errorf("%v has no capability of type %d: %w", df, cfgType, virtio.ErrUnsupported)
		}
		if vc.length < minLength {
			return nil, vc, fmt.Errorf("capability of type %d is %d bytes, want at least %d: %w", cfgType, vc.length, minLength, virtio.ErrUnsupported)
		}
		bar, ok := bars[vc.bar]
		if !ok {
			var err error
			if bar, err = root.Bar(df, vc.bar); err != nil {
				return nil, vc, err
			}
			bars[vc.bar] = bar
		}
		if bar.Kind == pci.BarIO {
			return nil, vc, fmt.Errorf("capability of type %d is in I/O BAR %d: %w", cfgType, vc.bar, virtio.ErrUnsupported)
		}
		if uint64(vc.offset)+uint64(vc.length) > bar.Size {
			return nil, vc, fmt.Errorf("capability of type %d at [%#x, +%#x) exceeds BAR %d of %#x bytes: %w", cfgType, vc.offset, vc.length, vc.bar, bar.Size, virtio.ErrInvalidParam)
		}
		w, err := mapper.MapBar(df, bar, uint64(vc.offset), uint64(vc.length))
		if err != nil {
			return nil, vc, fmt.Errorf("mapping BAR %d: %w", vc.bar, err)
		}
		return w, vc, nil
	}

	p := &PCI{df: df, devType: devType}
	var err error
	if p.common, _, err = mapCap(PCICapCommonCfg, commonCfgSize); err != nil {
		return nil, err
	}
	var notify virtioCap
	if p.notifyRegion, notify, err = mapCap(PCICapNotifyCfg, 2); err != nil {
		return nil, err
	}
	p.notifyOffMultiplier = notify.notifyOffMultiplier
	if p.isr, _, err = mapCap(PCICapISRCfg, 1); err != nil {
		return nil, err
	}
	if _, ok := caps[PCICapDeviceCfg]; ok {
		if p.config, _, err = mapCap(PCICapDeviceCfg, 0); err != nil {
			return nil, err
		}
	}

	root.SetCommand(df, root.Command(df)|pci.CommandMemorySpace|pci.CommandBusMaster)
	log.Debugf("virtio-pci %v: %v device, notify multiplier %d", df, devType, p.notifyOffMultiplier)
	return p, nil
}

// DeviceFunction returns the PCI address of the device.
func (p *PCI) DeviceFunction() pci.DeviceFunction {
	return p.df
}

func (p *PCI) deviceType() virtio.DeviceType {
	return p.devType
}

func (p *PCI) deviceFeatures() Features {
	p.common.Write32(commonDeviceFeatureSelect, 0)
	lo := p.common.Read32(commonDeviceFeature)
	p.common.Write32(commonDeviceFeatureSelect, 1)
	hi := p.common.Read32(commonDeviceFeature)
	return Features(hi)<<32 | Features(lo)
}

func (p *PCI) setDriverFeatures(f Features) {
	p.common.Write32(commonDriverFeatureSelect, 0)
	p.common.Write32(commonDriverFeature, uint32(f))
	p.common.Write32(commonDriverFeatureSelect, 1)
	p.common.Write32(commonDriverFeature, uint32(f>>32))
}

func (p *PCI) status() DeviceStatus {
	return DeviceStatus(p.common.Read8(commonDeviceStatus))
}

func (p *PCI) setStatus(s DeviceStatus) {
	p.common.Write8(commonDeviceStatus, uint8(s))
}

func (*PCI) setGuestPageSize(uint32) {}

// selectQueue selects queue idx, reporting false if the device does not
// have it.
func (p *PCI) selectQueue(idx uint16) bool {
	if idx >= p.common.Read16(commonNumQueues) {
		return false
	}
	p.common.Write16(commonQueueSelect, idx)
	return true
}

func (p *PCI) maxQueueSize(idx uint16) uint32 {
	if !p.selectQueue(idx) {
		return 0
	}
	return uint32(p.common.Read16(commonQueueSize))
}

func (p *PCI) queueUsed(idx uint16) bool {
	return p.selectQueue(idx) && p.common.Read16(commonQueueEnable) != 0
}

func (p *PCI) setQueue(idx, size uint16, desc, driver, device hal.PhysAddr) error {
	if !p.selectQueue(idx) {
		return fmt.Errorf("device has no queue %d: %w", idx, virtio.ErrInvalidParam)
	}
	p.common.Write16(commonQueueSize, size)
	writeSplit64(p.common, commonQueueDesc, uint64(desc))
	writeSplit64(p.common, commonQueueDriver, uint64(driver))
	writeSplit64(p.common, commonQueueDevice, uint64(device))
	p.common.Write16(commonQueueEnable, 1)
	return nil
}

func (p *PCI) queueUnset(idx uint16) {
	if !p.selectQueue(idx) {
		return
	}
	p.common.Write16(commonQueueEnable, 0)
	p.common.Write16(commonQueueSize, 0)
	writeSplit64(p.common, commonQueueDesc, 0)
	writeSplit64(p.common, commonQueueDriver, 0)
	writeSplit64(p.common, commonQueueDevice, 0)
}

func (p *PCI) notify(idx uint16) {
	if !p.selectQueue(idx) {
		log.Warningf("virtio-pci %v: notify for missing queue %d", p.df, idx)
		return
	}
	off := uint64(p.common.Read16(commonQueueNotifyOff)) * uint64(p.notifyOffMultiplier)
	if off+2 > p.notifyRegion.Size() {
		log.Warningf("virtio-pci %v: queue %d notify offset %#x beyond notify region", p.df, idx, off)
		return
	}
	p.notifyRegion.Write16(off, idx)
}

func (p *PCI) ackInterrupt() InterruptStatus {
	// Reading the ISR clears it.
	return InterruptStatus(p.isr.Read8(0))
}

func (p *PCI) configSpace() volatile.Window {
	return p.config
}

func (p *PCI) configGeneration() uint32 {
	return uint32(p.common.Read8(commonConfigGeneration))
}

// writeSplit64 writes a 64-bit register as two 32-bit halves, low first.
func writeSplit64(w volatile.Window, off uint64, v uint64) {
	w.Write32(off, uint32(v))
	w.Write32(off+4, uint32(v>>32))
}
