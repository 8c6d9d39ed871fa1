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

// Package virtio contains definitions shared by the VirtIO guest driver
// packages.
//
// The drivers are meant for code running inside a virtual machine, such as a
// bootloader or a kernel, that talks to devices provided by the VMM. The
// library is split as follows:
//
//   - hal: the capabilities the host environment must provide (DMA memory and
//     address translation).
//   - volatile: accessors for memory and registers shared with the device.
//   - transport: device status, feature negotiation, queue registration and
//     config space, for each supported bus.
//   - virtq: the split virtqueue used to exchange buffers with the device.
//
// None of these packages start goroutines or take locks on their own. A
// virtqueue must only be used from one context at a time.
package virtio

import (
	"unicode/utf8"
)

// PageSize is the size of a page in bytes. All DMA allocations are made in
// units of PageSize and are PageSize aligned.
const PageSize = 0x1000

// Pages returns the number of pages required to hold size bytes.
func Pages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// AlignUp rounds size up to a multiple of PageSize.
func AlignUp(size uint64) uint64 {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// String converts bytes provided by a device to a string. It returns ErrIO if
// the device produced malformed UTF-8.
func String(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrIO
	}
	return string(b), nil
}
