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

// Package pcitest provides an in-memory PCI configuration space for tests.
package pcitest

import (
	"encoding/binary"

	"gvisor.dev/virtio/pkg/virtio/pci"
)

const (
	firstCapability = 0x40
	spaceSize       = 256
)

// Function is the configuration space of one emulated function.
type Function struct {
	space [spaceSize]byte

	// barMask holds the writable bits of each BAR register.
	barMask [6]uint32

	// lastCap is the offset of the last capability, or 0.
	lastCap uint8

	// nextCap is where the next capability is placed.
	nextCap uint8
}

func (f *Function) read32(off uint8) uint32 {
	return binary.LittleEndian.Uint32(f.space[off&^3:])
}

func (f *Function) write32(off uint8, v uint32) {
	binary.LittleEndian.PutUint32(f.space[off&^3:], v)
}

// SetBar installs a memory BAR of size bytes at addr. A 64-bit BAR also uses
// register n+1. size must be a power of two of at least 16.
func (f *Function) SetBar(n int, addr, size uint64, is64 bool) {
	reg := uint8(0x10 + 4*n)
	mask := ^(size - 1)
	if is64 {
		f.write32(reg, uint32(addr)&^0xf|0x4)
		f.write32(reg+4, uint32(addr>>32))
		f.barMask[n] = uint32(mask) &^ 0xf
		f.barMask[n+1] = uint32(mask >> 32)
		return
	}
	f.write32(reg, uint32(addr)&^0xf)
	f.barMask[n] = uint32(mask) &^ 0xf
}

// SetIOBar installs an I/O BAR of size bytes at port.
func (f *Function) SetIOBar(n int, port uint32, size uint32) {
	f.write32(uint8(0x10+4*n), port&^3|1)
	f.barMask[n] = ^(size - 1) &^ 3
}

// AddCapability appends a capability with the given ID. body is the content
// following the ID and next pointer bytes. It returns the capability offset.
func (f *Function) AddCapability(id uint8, body []byte) uint8 {
	if f.nextCap == 0 {
		f.nextCap = firstCapability
	}
	off := f.nextCap
	f.space[off] = id
	f.space[off+1] = 0
	copy(f.space[off+2:], body)
	if f.lastCap == 0 {
		f.space[0x34] = off
		// Capabilities list bit in the status register.
		f.space[0x06] |= 1 << 4
	} else {
		f.space[f.lastCap+1] = off
	}
	f.lastCap = off
	f.nextCap = (off + 2 + uint8(len(body)) + 3) &^ 3
	return off
}

// Config is an in-memory pci.ConfigAccess.
type Config struct {
	funcs map[pci.DeviceFunction]*Function
}

var _ pci.ConfigAccess = (*Config)(nil)

// New returns an empty configuration space.
func New() *Config {
	return &Config{funcs: make(map[pci.DeviceFunction]*Function)}
}

// Add installs a function.
func (c *Config) Add(df pci.DeviceFunction, vendor, device uint16, class uint32, header uint8) *Function {
	f := &Function{}
	f.write32(0x00, uint32(device)<<16|uint32(vendor))
	f.write32(0x08, class)
	f.write32(0x0c, uint32(header)<<16)
	c.funcs[df] = f
	return f
}

// Read32 implements pci.ConfigAccess.Read32.
func (c *Config) Read32(df pci.DeviceFunction, off uint8) uint32 {
	f, ok := c.funcs[df]
	if !ok {
		return 0xffffffff
	}
	return f.read32(off)
}

// Write32 implements pci.ConfigAccess.Write32.
func (c *Config) Write32(df pci.DeviceFunction, off uint8, v uint32) {
	f, ok := c.funcs[df]
	if !ok {
		return
	}
	off &^= 3
	switch {
	case off == 0x04:
		// Status is write-1-to-clear; the emulation keeps it constant.
		f.write32(off, f.read32(off)&0xffff0000|v&0xffff)
	case off >= 0x10 && off < 0x28:
		n := (off - 0x10) / 4
		mask := f.barMask[n]
		f.write32(off, f.read32(off)&^mask|v&mask)
	case off >= firstCapability:
		f.write32(off, v)
	}
}
