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
	"math/bits"
	"strings"
)

// Features is a set of feature bits.
type Features uint64

// Device-independent feature bits. Bits 0 to 23 are device specific.
const (
	// FeatureNotifyOnEmpty asks a legacy device to interrupt when it runs
	// out of available descriptors, even if interrupts are suppressed.
	FeatureNotifyOnEmpty Features = 1 << 24

	// FeatureAnyLayout means the device accepts arbitrary descriptor
	// layouts.
	FeatureAnyLayout Features = 1 << 27

	// FeatureIndirectDesc (VIRTIO_F_INDIRECT_DESC) means the driver may use
	// descriptors with the INDIRECT flag.
	FeatureIndirectDesc Features = 1 << 28

	// FeatureEventIdx (VIRTIO_F_EVENT_IDX) enables the used_event and
	// avail_event fields.
	FeatureEventIdx Features = 1 << 29

	// FeatureVersion1 (VIRTIO_F_VERSION_1) indicates a non-legacy device.
	FeatureVersion1 Features = 1 << 32

	// FeatureAccessPlatform (VIRTIO_F_ACCESS_PLATFORM) means device access
	// to memory may be limited or translated, e.g. by an IOMMU.
	FeatureAccessPlatform Features = 1 << 33

	// FeatureRingPacked (VIRTIO_F_RING_PACKED) enables the packed layout.
	FeatureRingPacked Features = 1 << 34

	// FeatureInOrder (VIRTIO_F_IN_ORDER) means buffers are used in the
	// order they were made available.
	FeatureInOrder Features = 1 << 35

	// FeatureOrderPlatform (VIRTIO_F_ORDER_PLATFORM) requires platform
	// memory barriers.
	FeatureOrderPlatform Features = 1 << 36

	// FeatureSRIOV (VIRTIO_F_SR_IOV) indicates single root I/O
	// virtualization support.
	FeatureSRIOV Features = 1 << 37

	// FeatureNotificationData (VIRTIO_F_NOTIFICATION_DATA) means the driver
	// passes extra data in its notifications.
	FeatureNotificationData Features = 1 << 38

	// FeatureRingReset (VIRTIO_F_RING_RESET) means queues can be reset
	// individually.
	FeatureRingReset Features = 1 << 40
)

// SupportedFeatures are the device-independent features the virtq package
// implements. Drivers should include them in the set passed to Negotiate.
const SupportedFeatures = FeatureIndirectDesc | FeatureEventIdx | FeatureVersion1 | FeatureAccessPlatform

var featureNames = map[Features]string{
	FeatureNotifyOnEmpty:    "NOTIFY_ON_EMPTY",
	FeatureAnyLayout:        "ANY_LAYOUT",
	FeatureIndirectDesc:     "INDIRECT_DESC",
	FeatureEventIdx:         "EVENT_IDX",
	FeatureVersion1:         "VERSION_1",
	FeatureAccessPlatform:   "ACCESS_PLATFORM",
	FeatureRingPacked:       "RING_PACKED",
	FeatureInOrder:          "IN_ORDER",
	FeatureOrderPlatform:    "ORDER_PLATFORM",
	FeatureSRIOV:            "SR_IOV",
	FeatureNotificationData: "NOTIFICATION_DATA",
	FeatureRingReset:        "RING_RESET",
}

// Has returns whether all of want are in f.
func (f Features) Has(want Features) bool {
	return f&want == want
}

func (f Features) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for v := uint64(f); v != 0; v &= v - 1 {
		bit := Features(1) << bits.TrailingZeros64(v)
		if name, ok := featureNames[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", bits.TrailingZeros64(v)))
		}
	}
	return strings.Join(parts, "|")
}
