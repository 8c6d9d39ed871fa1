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

// Package pci provides the minimum of PCI configuration space handling needed
// to find VirtIO devices on a PCI root complex and reach their registers.
package pci

import (
	"fmt"

	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// Offsets into the type 0 configuration space header.
const (
	offsetID           = 0x00
	offsetCommand      = 0x04
	offsetClass        = 0x08
	offsetHeaderType   = 0x0c
	offsetBar0         = 0x10
	offsetCapabilities = 0x34
)

const (
	statusCapabilitiesList = 1 << 4
	headerMultiFunction    = 0x80

	maxDevices   = 32
	maxFunctions = 8
	maxBars      = 6

	// maxCapabilities bounds the capability walk so a malformed list cannot
	// loop forever. 48 capabilities fill the 192 bytes after the header.
	maxCapabilities = 48

	// VirtIOVendorID is the PCI vendor ID of VirtIO devices.
	VirtIOVendorID = 0x1af4
)

// DeviceFunction addresses a function on the root complex.
type DeviceFunction struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (df DeviceFunction) String() string {
	return fmt.Sprintf("%02x:%02x.%d", df.Bus, df.Device, df.Function)
}

// valid returns whether df can exist on a bus.
func (df DeviceFunction) valid() bool {
	return df.Device < maxDevices && df.Function < maxFunctions
}

// ConfigAccess reads and writes PCI configuration space. Offsets are 4-byte
// aligned.
type ConfigAccess interface {
	Read32(df DeviceFunction, offset uint8) uint32
	Write32(df DeviceFunction, offset uint8, v uint32)
}

// ECAM is ConfigAccess through a memory-mapped enhanced configuration access
// window, with 4 KiB of configuration space per function.
type ECAM struct {
	w volatile.Window
}

var _ ConfigAccess = (*ECAM)(nil)

// NewECAM returns an ECAM over w.
func NewECAM(w volatile.Window) *ECAM {
	return &ECAM{w: w}
}

func (*ECAM) offset(df DeviceFunction, offset uint8) uint64 {
	return uint64(df.Bus)<<20 | uint64(df.Device)<<15 | uint64(df.Function)<<12 | uint64(offset&^3)
}

// Read32 implements ConfigAccess.Read32.
func (e *ECAM) Read32(df DeviceFunction, offset uint8) uint32 {
	return e.w.Read32(e.offset(df, offset))
}

// Write32 implements ConfigAccess.Write32.
func (e *ECAM) Write32(df DeviceFunction, offset uint8, v uint32) {
	e.w.Write32(e.offset(df, offset), v)
}

// Command is the PCI command register.
type Command uint16

// Command register bits.
const (
	CommandIOSpace     Command = 1 << 0
	CommandMemorySpace Command = 1 << 1
	CommandBusMaster   Command = 1 << 2
)

// DeviceFunctionInfo is the identification part of a function's header.
type DeviceFunctionInfo struct {
	VendorID   uint16
	DeviceID   uint16
	Class      uint8
	Subclass   uint8
	ProgIF     uint8
	Revision   uint8
	HeaderType uint8
}

func (i DeviceFunctionInfo) String() string {
	return fmt.Sprintf("%04x:%04x (class %02x.%02x, rev %02x)", i.VendorID, i.DeviceID, i.Class, i.Subclass, i.Revision)
}

// Function is a function found by Enumerate.
type Function struct {
	DeviceFunction
	Info DeviceFunctionInfo
}

// Root is a PCI root complex.
type Root struct {
	access ConfigAccess
}

// NewRoot returns a Root using access.
func NewRoot(access ConfigAccess) *Root {
	return &Root{access: access}
}

// Info reads the identification of df. ok is false if no function is
// present.
func (r *Root) Info(df DeviceFunction) (info DeviceFunctionInfo, ok bool) {
	if !df.valid() {
		return DeviceFunctionInfo{}, false
	}
	id := r.access.Read32(df, offsetID)
	vendor := uint16(id)
	if vendor == 0xffff || vendor == 0 {
		return DeviceFunctionInfo{}, false
	}
	class := r.access.Read32(df, offsetClass)
	header := r.access.Read32(df, offsetHeaderType)
	return DeviceFunctionInfo{
		VendorID:   vendor,
		DeviceID:   uint16(id >> 16),
		Revision:   uint8(class),
		ProgIF:     uint8(class >> 8),
		Subclass:   uint8(class >> 16),
		Class:      uint8(class >> 24),
		HeaderType: uint8(header >> 16),
	}, true
}

// Enumerate returns the functions present on bus.
func (r *Root) Enumerate(bus uint8) []Function {
	var found []Function
	for dev := uint8(0); dev < maxDevices; dev++ {
		df := DeviceFunction{Bus: bus, Device: dev}
		info, ok := r.Info(df)
		if !ok {
			continue
		}
		found = append(found, Function{DeviceFunction: df, Info: info})
		if info.HeaderType&headerMultiFunction == 0 {
			continue
		}
		for fn := uint8(1); fn < maxFunctions; fn++ {
			df.Function = fn
			if info, ok := r.Info(df); ok {
				found = append(found, Function{DeviceFunction: df, Info: info})
			}
		}
	}
	return found
}

// Command returns the command register of df.
func (r *Root) Command(df DeviceFunction) Command {
	return Command(r.access.Read32(df, offsetCommand))
}

// SetCommand writes the command register of df. The status half of the
// register is written with zeroes, which leaves its write-1-to-clear bits
// alone.
func (r *Root) SetCommand(df DeviceFunction, cmd Command) {
	r.access.Write32(df, offsetCommand, uint32(cmd))
}

// Capability is an entry of a function's capability list.
type Capability struct {
	// Offset is the position of the capability in configuration space.
	Offset uint8

	// ID is the capability ID.
	ID uint8

	// Private is the 16 bits following the next pointer.
	Private uint16
}

// Capabilities walks the capability list of df.
func (r *Root) Capabilities(df DeviceFunction) []Capability {
	status := uint16(r.access.Read32(df, offsetCommand) >> 16)
	if status&statusCapabilitiesList == 0 {
		return nil
	}
	var caps []Capability
	next := uint8(r.access.Read32(df, offsetCapabilities)) &^ 3
	for next != 0 && len(caps) < maxCapabilities {
		w := r.access.Read32(df, next)
		caps = append(caps, Capability{
			Offset:  next,
			ID:      uint8(w),
			Private: uint16(w >> 16),
		})
		next = uint8(w>>8) &^ 3
	}
	return caps
}

// Read32 reads the configuration space of df.
func (r *Root) Read32(df DeviceFunction, offset uint8) uint32 {
	return r.access.Read32(df, offset)
}

// BarKind is the address space a BAR decodes.
type BarKind int

// BAR kinds.
const (
	BarMemory32 BarKind = iota
	BarMemory64
	BarIO
)

func (k BarKind) String() string {
	switch k {
	case BarMemory32:
		return "mem32"
	case BarMemory64:
		return "mem64"
	case BarIO:
		return "io"
	default:
		return fmt.Sprintf("BarKind(%d)", int(k))
	}
}

// BarInfo describes a decoded base address register.
type BarInfo struct {
	Index        uint8
	Kind         BarKind
	Address      uint64
	Size         uint64
	Prefetchable bool
}

// Bar decodes BAR n of df, sizing it by writing all ones and restoring the
// original value. Memory decoding should be disabled while sizing.
func (r *Root) Bar(df DeviceFunction, n uint8) (BarInfo, error) {
	if n >= maxBars {
		return BarInfo{}, fmt.Errorf("BAR %d of %v: %w", n, df, virtio.ErrInvalidParam)
	}
	off := offsetBar0 + 4*n
	orig := r.access.Read32(df, off)
	r.access.Write32(df, off, 0xffffffff)
	mask := r.access.Read32(df, off)
	r.access.Write32(df, off, orig)

	if orig&1 == 1 {
		return BarInfo{
			Index:   n,
			Kind:    BarIO,
			Address: uint64(orig &^ 3),
			Size:    uint64(^(mask &^ 3) + 1),
		}, nil
	}

	info := BarInfo{
		Index:        n,
		Kind:         BarMemory32,
		Address:      uint64(orig &^ 0xf),
		Prefetchable: orig&0x8 != 0,
	}
	switch (orig >> 1) & 3 {
	case 0:
		if mask&^0xf == 0 {
			return info, nil
		}
		info.Size = uint64(^(mask &^ 0xf) + 1)
	case 2:
		if n+1 >= maxBars {
			return BarInfo{}, fmt.Errorf("64-bit BAR %d of %v has no upper half: %w", n, df, virtio.ErrInvalidParam)
		}
		hiOrig := r.access.Read32(df, off+4)
		r.access.Write32(df, off+4, 0xffffffff)
		hiMask := r.access.Read32(df, off+4)
		r.access.Write32(df, off+4, hiOrig)
		info.Kind = BarMemory64
		info.Address |= uint64(hiOrig) << 32
		full := uint64(hiMask)<<32 | uint64(mask&^0xf)
		if full != 0 {
			info.Size = ^full + 1
		}
	default:
		return BarInfo{}, fmt.Errorf("BAR %d of %v has reserved type %#x: %w", n, df, orig, virtio.ErrUnsupported)
	}
	return info, nil
}

// VirtioDeviceType returns the VirtIO device type of a function, or
// virtio.DeviceInvalid if it is not a VirtIO device.
func VirtioDeviceType(info DeviceFunctionInfo) virtio.DeviceType {
	if info.VendorID != VirtIOVendorID {
		return virtio.DeviceInvalid
	}
	switch {
	case info.DeviceID >= 0x1040 && info.DeviceID <= 0x107f:
		return virtio.DeviceType(info.DeviceID - 0x1040)
	case info.DeviceID >= 0x1000 && info.DeviceID <= 0x103f:
		// Transitional devices.
		switch info.DeviceID {
		case 0x1000:
			return virtio.DeviceNetwork
		case 0x1001:
			return virtio.DeviceBlock
		case 0x1002:
			return virtio.DeviceBalloon
		case 0x1003:
			return virtio.DeviceConsole
		case 0x1004:
			return virtio.DeviceSCSIHost
		case 0x1005:
			return virtio.DeviceEntropySource
		case 0x1009:
			return virtio.Device9P
		}
	}
	return virtio.DeviceInvalid
}
