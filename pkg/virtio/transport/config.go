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
	"unsafe"

	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// ConfigValue is a field type of device config space. Fields are
// little-endian and naturally aligned, except that 64-bit fields only need
// 4-byte alignment and are accessed as two 32-bit halves.
type ConfigValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// configWindow returns the config space after checking that [offset,
// offset+size) lies within it.
func (t *Transport) configWindow(offset, size uint64) (volatile.Window, error) {
	w := t.bus.configSpace()
	if w == nil {
		return nil, virtio.ErrConfigSpaceMissing
	}
	if offset+size < offset || offset+size > w.Size() {
		return nil, fmt.Errorf("config field [%#x, %#x) beyond %d byte config space: %w", offset, offset+size, w.Size(), virtio.ErrConfigSpaceTooSmall)
	}
	return w, nil
}

// readConsistent runs read until the config generation is the same before
// and after it, so that read never observes a partial update.
func (t *Transport) readConsistent(read func()) {
	for {
		before := t.bus.configGeneration()
		read()
		if t.bus.configGeneration() == before {
			return
		}
	}
}

func checkAlignment(offset, size uint64) error {
	align := size
	if align > 4 {
		align = 4
	}
	if offset%align != 0 {
		return fmt.Errorf("config field at %#x is not %d-byte aligned: %w", offset, align, virtio.ErrInvalidParam)
	}
	return nil
}

// ReadConfig reads a field of type T at offset in the device config space.
func ReadConfig[T ConfigValue](t *Transport, offset uint64) (T, error) {
	var v T
	size := uint64(unsafe.Sizeof(v))
	w, err := t.configWindow(offset, size)
	if err != nil {
		return 0, err
	}
	if err := checkAlignment(offset, size); err != nil {
		return 0, err
	}
	t.readConsistent(func() {
		switch size {
		case 1:
			v = T(w.Read8(offset))
		case 2:
			v = T(w.Read16(offset))
		case 4:
			v = T(w.Read32(offset))
		case 8:
			lo := uint64(w.Read32(offset))
			hi := uint64(w.Read32(offset + 4))
			v = T(hi<<32 | lo)
		}
	})
	return v, nil
}

// ReadConfigBytes fills p from the device config space at offset.
func (t *Transport) ReadConfigBytes(offset uint64, p []byte) error {
	w, err := t.configWindow(offset, uint64(len(p)))
	if err != nil {
		return err
	}
	t.readConsistent(func() {
		volatile.ReadBytes(w, offset, p)
	})
	return nil
}

// WriteConfig writes a field of type T at offset in the device config
// space.
func WriteConfig[T ConfigValue](t *Transport, offset uint64, v T) error {
	size := uint64(unsafe.Sizeof(v))
	w, err := t.configWindow(offset, size)
	if err != nil {
		return err
	}
	if err := checkAlignment(offset, size); err != nil {
		return err
	}
	switch size {
	case 1:
		w.Write8(offset, uint8(v))
	case 2:
		w.Write16(offset, uint16(v))
	case 4:
		w.Write32(offset, uint32(v))
	case 8:
		w.Write32(offset, uint32(v))
		w.Write32(offset+4, uint32(uint64(v)>>32))
	}
	return nil
}
