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

package virtq

import (
	"fmt"

	"gvisor.dev/virtio/pkg/virtio"
)

// Descriptor flags.
const (
	// DescNext marks a descriptor that continues via the next field.
	DescNext = 1

	// DescWrite marks a buffer the device writes.
	DescWrite = 2

	// DescIndirect marks a descriptor whose buffer is a table of
	// descriptors.
	DescIndirect = 4
)

// Ring flags.
const (
	// AvailNoInterrupt is set in the available ring flags by a driver that
	// does not want to be interrupted on completions.
	AvailNoInterrupt = 1

	// UsedNoNotify is set in the used ring flags by a device that does not
	// want to be notified of new buffers.
	UsedNoNotify = 1
)

// Sizes of the ring structures.
const (
	DescSize     = 16
	availElem    = 2
	usedElem     = 8
	ringHeader   = 4
	ringEventLen = 2
)

// Offsets within a descriptor.
const (
	descAddr  = 0
	descLen   = 8
	descFlags = 12
	descNext  = 14
)

// Offsets within the available and used rings.
const (
	ringFlags = 0
	ringIdx   = 2
	ringStart = ringHeader
)

// Layout is the legacy split virtqueue layout: the descriptor table at the
// start of a page-aligned region, the available ring directly after it and
// the used ring on the next page boundary.
type Layout struct {
	Size uint16

	DescOffset  uint64
	DescLen     uint64
	AvailOffset uint64
	AvailLen    uint64
	UsedOffset  uint64
	UsedLen     uint64

	// Total is the size of the whole region, a multiple of
	// virtio.PageSize.
	Total uint64
}

// NewLayout returns the layout of a queue of size entries. size must be a
// power of two.
func NewLayout(size uint16) (Layout, error) {
	if !virtio.IsPowerOfTwo(uint32(size)) {
		return Layout{}, fmt.Errorf("queue size %d is not a power of two: %w", size, virtio.ErrInvalidParam)
	}
	n := uint64(size)
	l := Layout{
		Size:     size,
		DescLen:  DescSize * n,
		AvailLen: ringHeader + availElem*n + ringEventLen,
		UsedLen:  ringHeader + usedElem*n + ringEventLen,
	}
	l.AvailOffset = l.DescLen
	l.UsedOffset = virtio.AlignUp(l.DescLen + l.AvailLen)
	l.Total = l.UsedOffset + virtio.AlignUp(l.UsedLen)
	return l, nil
}

// Pages returns the number of pages of the region.
func (l Layout) Pages() uint64 {
	return l.Total / virtio.PageSize
}

func (l Layout) desc(i uint16) uint64 {
	return l.DescOffset + DescSize*uint64(i)
}

func (l Layout) availEntry(slot uint16) uint64 {
	return l.AvailOffset + ringStart + availElem*uint64(slot)
}

// usedEvent is the offset of used_event, at the end of the available ring.
func (l Layout) usedEvent() uint64 {
	return l.AvailOffset + ringStart + availElem*uint64(l.Size)
}

func (l Layout) usedEntry(slot uint16) uint64 {
	return l.UsedOffset + ringStart + usedElem*uint64(slot)
}

// availEvent is the offset of avail_event, at the end of the used ring.
func (l Layout) availEvent() uint64 {
	return l.UsedOffset + ringStart + usedElem*uint64(l.Size)
}

// NeedEvent reports whether an index moving from oldIdx to newIdx has passed
// the event index requested by the other side. All arithmetic wraps at 2^16.
func NeedEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}
