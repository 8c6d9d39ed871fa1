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

package virtio

import "fmt"

// Error is the kind of a failure reported by the VirtIO drivers.
//
// Errors returned by this library may wrap an Error with additional context;
// use errors.Is to test for a particular kind.
type Error int

const (
	// ErrQueueFull means there are not enough free descriptors in the
	// virtqueue. It is transient: retry after completions are popped.
	ErrQueueFull Error = iota + 1

	// ErrNotReady means the operation was attempted before a required
	// initialization step, or after the device entered a state that forbids
	// it.
	ErrNotReady

	// ErrWrongToken means the device used a descriptor chain the driver has
	// no record of. The device is violating the protocol.
	ErrWrongToken

	// ErrAlreadyUsed means the resource was already consumed: the queue
	// index is already registered, or the completion was already popped.
	ErrAlreadyUsed

	// ErrInvalidParam means a size or buffer argument was malformed.
	ErrInvalidParam

	// ErrDMA means the Hal could not provide DMA memory.
	ErrDMA

	// ErrIO is a generic data conversion or I/O failure.
	ErrIO

	// ErrUnsupported means the device rejected the requested features or
	// operation.
	ErrUnsupported

	// ErrConfigSpaceTooSmall means the config space advertised by the
	// device is smaller than the driver expected.
	ErrConfigSpaceTooSmall

	// ErrConfigSpaceMissing means the device has no config space but the
	// driver expects one.
	ErrConfigSpaceMissing
)

var errorStrings = map[Error]string{
	ErrQueueFull:           "virtqueue is full",
	ErrNotReady:            "device not ready",
	ErrWrongToken:          "device used a different descriptor chain to the one we were expecting",
	ErrAlreadyUsed:         "already in use",
	ErrInvalidParam:        "invalid parameter",
	ErrDMA:                 "failed to allocate DMA memory",
	ErrIO:                  "I/O error",
	ErrUnsupported:         "request not supported by device",
	ErrConfigSpaceTooSmall: "config space advertised by the device is smaller than expected",
	ErrConfigSpaceMissing:  "the device doesn't have any config space, but the driver expects some",
}

// Error implements error.Error.
func (e Error) Error() string {
	if s, ok := errorStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("virtio error %d", int(e))
}
