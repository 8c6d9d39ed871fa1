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

// DeviceType identifies the class of a VirtIO device.
type DeviceType uint32

// Device types assigned by the VirtIO standard.
const (
	DeviceInvalid       DeviceType = 0
	DeviceNetwork       DeviceType = 1
	DeviceBlock         DeviceType = 2
	DeviceConsole       DeviceType = 3
	DeviceEntropySource DeviceType = 4
	DeviceBalloon       DeviceType = 5
	DeviceIOMemory      DeviceType = 6
	DeviceRPMsg         DeviceType = 7
	DeviceSCSIHost      DeviceType = 8
	Device9P            DeviceType = 9
	DeviceMAC80211      DeviceType = 10
	DeviceGPU           DeviceType = 16
	DeviceInput         DeviceType = 18
	DeviceSocket        DeviceType = 19
	DeviceCrypto        DeviceType = 20
	DeviceIOMMU         DeviceType = 23
	DeviceMemory        DeviceType = 24
	DeviceSound         DeviceType = 25
	DeviceFileSystem    DeviceType = 26
	DevicePMEM          DeviceType = 27
)

var deviceTypeNames = map[DeviceType]string{
	DeviceInvalid:       "invalid",
	DeviceNetwork:       "network",
	DeviceBlock:         "block",
	DeviceConsole:       "console",
	DeviceEntropySource: "entropy",
	DeviceBalloon:       "balloon",
	DeviceIOMemory:      "iomem",
	DeviceRPMsg:         "rpmsg",
	DeviceSCSIHost:      "scsi",
	Device9P:            "9p",
	DeviceMAC80211:      "mac80211",
	DeviceGPU:           "gpu",
	DeviceInput:         "input",
	DeviceSocket:        "socket",
	DeviceCrypto:        "crypto",
	DeviceIOMMU:         "iommu",
	DeviceMemory:        "memory",
	DeviceSound:         "sound",
	DeviceFileSystem:    "fs",
	DevicePMEM:          "pmem",
}

func (t DeviceType) String() string {
	if s, ok := deviceTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DeviceType(%d)", uint32(t))
}

// ParseDeviceType returns the DeviceType named s, as printed by String.
func ParseDeviceType(s string) (DeviceType, error) {
	for t, name := range deviceTypeNames {
		if name == s {
			return t, nil
		}
	}
	return DeviceInvalid, fmt.Errorf("unknown device type %q: %w", s, ErrInvalidParam)
}
