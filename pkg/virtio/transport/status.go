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
	"strings"
)

// DeviceStatus is the device status register.
type DeviceStatus uint32

// Device status bits.
const (
	// StatusAcknowledge indicates that the guest OS has found the device
	// and recognized it as a valid virtio device.
	StatusAcknowledge DeviceStatus = 1

	// StatusDriver indicates that the guest OS knows how to drive the
	// device.
	StatusDriver DeviceStatus = 2

	// StatusDriverOk indicates that the driver is set up and ready to drive
	// the device.
	StatusDriverOk DeviceStatus = 4

	// StatusFeaturesOk indicates that the driver has acknowledged all the
	// features it understands, and feature negotiation is complete.
	StatusFeaturesOk DeviceStatus = 8

	// StatusNeedsReset indicates that the device has experienced an error
	// from which it can't recover.
	StatusNeedsReset DeviceStatus = 64

	// StatusFailed indicates that something went wrong in the guest, and it
	// has given up on the device.
	StatusFailed DeviceStatus = 128
)

var statusNames = []struct {
	bit  DeviceStatus
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusDriverOk, "DRIVER_OK"},
	{StatusFeaturesOk, "FEATURES_OK"},
	{StatusNeedsReset, "DEVICE_NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

func (s DeviceStatus) String() string {
	if s == 0 {
		return "RESET"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
			s &^= n.bit
		}
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(s)))
	}
	return strings.Join(parts, "|")
}

// State is the position of a device in the initialization sequence, as
// derived from its status register.
type State int

// Initialization states, in order.
const (
	StateReset State = iota
	StateAcknowledge
	StateDriver
	StateFeaturesOk
	StateDriverOk
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "Reset"
	case StateAcknowledge:
		return "Acknowledge"
	case StateDriver:
		return "Driver"
	case StateFeaturesOk:
		return "FeaturesOk"
	case StateDriverOk:
		return "DriverOk"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// stateOf returns the state a status register value corresponds to.
func stateOf(s DeviceStatus) State {
	switch {
	case s&StatusFailed != 0:
		return StateFailed
	case s&StatusDriverOk != 0:
		return StateDriverOk
	case s&StatusFeaturesOk != 0:
		return StateFeaturesOk
	case s&StatusDriver != 0:
		return StateDriver
	case s&StatusAcknowledge != 0:
		return StateAcknowledge
	default:
		return StateReset
	}
}

// InterruptStatus is the set of reasons a device raised an interrupt.
type InterruptStatus uint32

// Interrupt reasons.
const (
	// InterruptQueue means the device used a buffer in at least one queue.
	InterruptQueue InterruptStatus = 1 << 0

	// InterruptConfig means the device configuration changed.
	InterruptConfig InterruptStatus = 1 << 1
)
