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

// Package virtq implements the driver side of a split virtqueue.
//
// A Queue owns one DMA region holding the descriptor table and both rings.
// The driver publishes chains of buffers in the available ring with Add and
// reclaims them from the used ring with PopUsed. The device runs
// concurrently and is not trusted: every index it writes is validated before
// use, and the free list is kept in driver-private memory.
//
// A Queue is not safe for concurrent use. Callers serialize Add, PopUsed and
// the other methods, typically with one lock per queue.
package virtq

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/transport"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// violationInterval bounds how often device protocol violations are logged.
const violationInterval = time.Second

type chainState uint8

const (
	// chainIdle: the index is not the head of an outstanding chain.
	chainIdle chainState = iota
	chainInFlight
	// chainPopped: the index headed a chain that has been reclaimed and
	// not reused as a head since.
	chainPopped
)

type sharedBuffer struct {
	buf   []byte
	paddr hal.PhysAddr
	dir   hal.BufferDirection
}

// chain is the driver's record of a published chain, indexed by its head.
type chain struct {
	state chainState

	// count is the number of ring descriptors the chain occupies.
	count uint16

	buffers []sharedBuffer

	// writable is the total size of the device-writable buffers.
	writable uint64

	// table is the indirect descriptor table, or nil.
	table *sharedBuffer
}

// Stats are counters kept by a Queue.
type Stats struct {
	// Added is the number of chains published.
	Added uint64

	// Completed is the number of chains reclaimed.
	Completed uint64

	// Notified and Suppressed count the ShouldNotify results.
	Notified   uint64
	Suppressed uint64

	// Full is the number of Add calls that failed with ErrQueueFull.
	Full uint64

	// Violations is the number of protocol violations by the device.
	Violations uint64
}

// Queue is the driver side of a split virtqueue.
type Queue struct {
	t      *transport.Transport
	hal    hal.Hal
	idx    uint16
	layout Layout

	// dma and ring are nil after Release.
	dma  *hal.DMA
	ring *volatile.Region

	eventIdx bool
	indirect bool

	// next is the driver's copy of the descriptor next fields. The free
	// list is threaded through it, so a device scribbling on the table
	// cannot corrupt it.
	next     []uint16
	chains   []chain
	freeHead uint16
	numFree  uint16
	inFlight uint16

	// availIdx is the driver's copy of avail.idx.
	availIdx    uint16
	lastUsedIdx uint16

	// notifiedIdx is availIdx at the last ShouldNotify.
	notifiedIdx uint16

	noInterrupt bool

	stats      Stats
	violations log.Logger
}

// New allocates queue idx of size entries and registers it with t. t must be
// in the FeaturesOk state. The negotiated features decide whether the queue
// uses event indices and indirect descriptors.
func New(t *transport.Transport, h hal.Hal, idx, size uint16) (*Queue, error) {
	layout, err := NewLayout(size)
	if err != nil {
		return nil, err
	}
	if maxSize := t.MaxQueueSize(idx); uint32(size) > maxSize {
		return nil, fmt.Errorf("queue %d: size %d exceeds device maximum %d: %w", idx, size, maxSize, virtio.ErrInvalidParam)
	}
	if t.QueueUsed(idx) {
		return nil, fmt.Errorf("queue %d: %w", idx, virtio.ErrAlreadyUsed)
	}
	dma, err := hal.AllocDMA(h, layout.Pages(), hal.Both)
	if err != nil {
		return nil, fmt.Errorf("queue %d: %w", idx, err)
	}
	base := dma.PAddr()
	if err := t.SetQueue(idx, size, base+hal.PhysAddr(layout.DescOffset), base+hal.PhysAddr(layout.AvailOffset), base+hal.PhysAddr(layout.UsedOffset)); err != nil {
		if rerr := dma.Release(); rerr != nil {
			log.Warningf("queue %d: releasing ring memory: %v", idx, rerr)
		}
		return nil, err
	}

	features := t.Features()
	q := &Queue{
		t:          t,
		hal:        h,
		idx:        idx,
		layout:     layout,
		dma:        dma,
		ring:       volatile.NewRegion(dma.Bytes()),
		eventIdx:   features.Has(transport.FeatureEventIdx),
		indirect:   features.Has(transport.FeatureIndirectDesc),
		next:       make([]uint16, size),
		chains:     make([]chain, size),
		numFree:    size,
		violations: log.BasicRateLimitedLogger(violationInterval),
	}
	for i := range q.next {
		q.next[i] = uint16(i + 1)
	}
	log.Debugf("queue %d: %d entries at %#x (event idx %t, indirect %t)", idx, size, base, q.eventIdx, q.indirect)
	return q, nil
}

// Index returns the queue index.
func (q *Queue) Index() uint16 {
	return q.idx
}

// Size returns the number of descriptors.
func (q *Queue) Size() uint16 {
	return q.layout.Size
}

// Layout returns the layout of the ring memory.
func (q *Queue) Layout() Layout {
	return q.layout
}

// AvailableDescriptors returns the number of free descriptors.
func (q *Queue) AvailableDescriptors() uint16 {
	return q.numFree
}

// InFlight returns the number of published chains not yet reclaimed.
func (q *Queue) InFlight() uint16 {
	return q.inFlight
}

// IsEmpty returns true if no chains are in flight.
func (q *Queue) IsEmpty() bool {
	return q.inFlight == 0
}

// IsFull returns true if there are no free descriptors.
func (q *Queue) IsFull() bool {
	return q.numFree == 0
}

// Stats returns the counters of q.
func (q *Queue) Stats() Stats {
	return q.stats
}

// Add publishes a chain made of the device-readable buffers inputs followed
// by the device-writable buffers outputs, and returns its token. The buffers
// belong to the queue until the token is returned by PopUsed.
//
// Add does not notify the device; see ShouldNotify.
func (q *Queue) Add(inputs, outputs [][]byte) (uint16, error) {
	if q.dma == nil {
		return 0, fmt.Errorf("queue %d released: %w", q.idx, virtio.ErrNotReady)
	}
	n := len(inputs) + len(outputs)
	if n == 0 {
		return 0, fmt.Errorf("empty request: %w", virtio.ErrInvalidParam)
	}
	if n > int(q.layout.Size) {
		return 0, fmt.Errorf("queue %d: request of %d buffers exceeds queue size %d: %w", q.idx, n, q.layout.Size, virtio.ErrInvalidParam)
	}
	for _, bufs := range [][][]byte{inputs, outputs} {
		for _, b := range bufs {
			if len(b) == 0 || uint64(len(b)) > math.MaxUint32 {
				return 0, fmt.Errorf("buffer of %d bytes: %w", len(b), virtio.ErrInvalidParam)
			}
		}
	}

	useIndirect := q.indirect && n > 1
	need := uint16(n)
	if useIndirect {
		need = 1
	}
	if need > q.numFree {
		q.stats.Full++
		return 0, fmt.Errorf("queue %d: %d descriptors needed, %d free: %w", q.idx, need, q.numFree, virtio.ErrQueueFull)
	}

	buffers, writable, err := q.share(inputs, outputs)
	if err != nil {
		return 0, err
	}

	head := q.freeHead
	var table *sharedBuffer
	if useIndirect {
		tbl := make([]byte, DescSize*n)
		for i, b := range buffers {
			var flags, next uint16
			if b.dir == hal.DeviceToDriver {
				flags |= DescWrite
			}
			if i < n-1 {
				flags |= DescNext
				next = uint16(i + 1)
			}
			putDescriptor(tbl[DescSize*i:], b.paddr, uint32(len(b.buf)), flags, next)
		}
		paddr, err := q.hal.Share(tbl, hal.DriverToDevice)
		if err != nil {
			q.unshare(buffers)
			return 0, fmt.Errorf("sharing indirect table: %v: %w", err, virtio.ErrDMA)
		}
		table = &sharedBuffer{buf: tbl, paddr: paddr, dir: hal.DriverToDevice}
		q.writeDescriptor(head, paddr, uint32(len(tbl)), DescIndirect, 0)
		q.freeHead = q.next[head]
	} else {
		i := head
		for j, b := range buffers {
			var flags, next uint16
			if b.dir == hal.DeviceToDriver {
				flags |= DescWrite
			}
			if j < n-1 {
				flags |= DescNext
				next = q.next[i]
			}
			q.writeDescriptor(i, b.paddr, uint32(len(b.buf)), flags, next)
			if i != head {
				q.chains[i] = chain{}
			}
			i = q.next[i]
		}
		q.freeHead = i
	}
	q.numFree -= need
	q.inFlight++
	q.chains[head] = chain{
		state:    chainInFlight,
		count:    need,
		buffers:  buffers,
		writable: writable,
		table:    table,
	}

	// The device must see the whole chain before the head.
	volatile.WriteFence()
	q.ring.Write16(q.layout.availEntry(q.availIdx&(q.layout.Size-1)), head)
	volatile.WriteFence()
	q.availIdx++
	q.ring.Write16(q.layout.AvailOffset+ringIdx, q.availIdx)
	q.stats.Added++
	return head, nil
}

func (q *Queue) share(inputs, outputs [][]byte) ([]sharedBuffer, uint64, error) {
	buffers := make([]sharedBuffer, 0, len(inputs)+len(outputs))
	var writable uint64
	for _, b := range inputs {
		paddr, err := q.hal.Share(b, hal.DriverToDevice)
		if err != nil {
			q.unshare(buffers)
			return nil, 0, fmt.Errorf("sharing %d byte buffer: %v: %w", len(b), err, virtio.ErrDMA)
		}
		buffers = append(buffers, sharedBuffer{buf: b, paddr: paddr, dir: hal.DriverToDevice})
	}
	for _, b := range outputs {
		paddr, err := q.hal.Share(b, hal.DeviceToDriver)
		if err != nil {
			q.unshare(buffers)
			return nil, 0, fmt.Errorf("sharing %d byte buffer: %v: %w", len(b), err, virtio.ErrDMA)
		}
		buffers = append(buffers, sharedBuffer{buf: b, paddr: paddr, dir: hal.DeviceToDriver})
		writable += uint64(len(b))
	}
	return buffers, writable, nil
}

func (q *Queue) unshare(buffers []sharedBuffer) {
	for i := len(buffers) - 1; i >= 0; i-- {
		b := buffers[i]
		q.hal.Unshare(b.paddr, b.buf, b.dir)
	}
}

func (q *Queue) writeDescriptor(i uint16, addr hal.PhysAddr, length uint32, flags, next uint16) {
	off := q.layout.desc(i)
	q.ring.Write64(off+descAddr, uint64(addr))
	q.ring.Write32(off+descLen, length)
	q.ring.Write16(off+descFlags, flags)
	q.ring.Write16(off+descNext, next)
}

// putDescriptor encodes a descriptor into b, which is not yet visible to the
// device.
func putDescriptor(b []byte, addr hal.PhysAddr, length uint32, flags, next uint16) {
	binary.NativeEndian.PutUint64(b[descAddr:], uint64(addr))
	binary.NativeEndian.PutUint32(b[descLen:], length)
	binary.NativeEndian.PutUint16(b[descFlags:], flags)
	binary.NativeEndian.PutUint16(b[descNext:], next)
}

// ShouldNotify returns whether the device must be notified of the chains
// added since the previous call.
//
// With the event index feature the device's avail_event decides; otherwise
// the device is notified unless it set the NO_NOTIFY flag. A released queue
// never needs a notification.
func (q *Queue) ShouldNotify() bool {
	if q.dma == nil {
		return false
	}
	// Order the avail.idx store before reading the device's suppression
	// state.
	volatile.ReadFence()
	var notify bool
	if q.eventIdx {
		event := q.ring.Read16(q.layout.availEvent())
		notify = NeedEvent(event, q.availIdx, q.notifiedIdx)
	} else {
		notify = q.ring.Read16(q.layout.UsedOffset+ringFlags)&UsedNoNotify == 0
	}
	q.notifiedIdx = q.availIdx
	if notify {
		q.stats.Notified++
	} else {
		q.stats.Suppressed++
	}
	return notify
}

// NotifyIfNeeded notifies the device through the transport if ShouldNotify
// says so.
func (q *Queue) NotifyIfNeeded() bool {
	if !q.ShouldNotify() {
		return false
	}
	q.t.Notify(q.idx)
	return true
}

// SetDeviceInterruptSuppression asks the device not to interrupt the driver
// on completions, or lifts that request. Devices may ignore it. It does
// nothing on a released queue.
func (q *Queue) SetDeviceInterruptSuppression(suppress bool) {
	if q.dma == nil {
		return
	}
	q.noInterrupt = suppress
	var flags uint16
	if suppress {
		flags = AvailNoInterrupt
	}
	q.ring.Write16(q.layout.AvailOffset+ringFlags, flags)
	if q.eventIdx {
		event := q.lastUsedIdx
		if suppress {
			// As far behind as possible.
			event--
		}
		q.ring.Write16(q.layout.usedEvent(), event)
	}
}

// usedIdx reads used.idx. Ring entries below it are valid once it has been
// read.
func (q *Queue) usedIdx() uint16 {
	idx := q.ring.Read16(q.layout.UsedOffset + ringIdx)
	volatile.ReadFence()
	return idx
}

// CanPop returns whether the device has completed a chain not yet popped.
func (q *Queue) CanPop() bool {
	return q.dma != nil && q.usedIdx() != q.lastUsedIdx
}

// PeekUsed returns the token of the next completion without consuming it.
// The token has not been validated; PopUsed does that.
func (q *Queue) PeekUsed() (uint16, bool) {
	if !q.CanPop() {
		return 0, false
	}
	id := q.ring.Read32(q.layout.usedEntry(q.lastUsedIdx & (q.layout.Size - 1)))
	return uint16(id), true
}

// PopUsed reclaims the next completed chain, returning its token and the
// number of bytes the device wrote. ok is false if there is none.
//
// A completion referencing a chain that is not in flight is reported as
// ErrWrongToken, or ErrAlreadyUsed if the chain was already reclaimed. Such
// a completion is left in place: the device is faulty and must be reset.
func (q *Queue) PopUsed() (token uint16, length uint32, ok bool, err error) {
	if q.dma == nil {
		return 0, 0, false, fmt.Errorf("queue %d released: %w", q.idx, virtio.ErrNotReady)
	}
	usedIdx := q.usedIdx()
	if usedIdx == q.lastUsedIdx {
		return 0, 0, false, nil
	}
	if pending := usedIdx - q.lastUsedIdx; pending > q.availIdx-q.lastUsedIdx {
		err := fmt.Errorf("queue %d: used index %d is %d entries ahead, only %d published: %w", q.idx, usedIdx, pending, q.availIdx-q.lastUsedIdx, virtio.ErrWrongToken)
		q.violation(err)
		return 0, 0, false, err
	}

	entry := q.layout.usedEntry(q.lastUsedIdx & (q.layout.Size - 1))
	id := q.ring.Read32(entry)
	length = q.ring.Read32(entry + 4)
	head, err := q.validate(id)
	if err != nil {
		q.violation(err)
		return 0, 0, false, err
	}
	q.lastUsedIdx++
	if q.eventIdx && !q.noInterrupt {
		q.ring.Write16(q.layout.usedEvent(), q.lastUsedIdx)
	}

	c := q.chains[head]
	if uint64(length) > c.writable {
		q.violation(fmt.Errorf("queue %d: chain %d: device wrote %d bytes into %d", q.idx, head, length, c.writable))
		length = uint32(c.writable)
	}
	q.unshare(c.buffers)
	if c.table != nil {
		q.hal.Unshare(c.table.paddr, c.table.buf, c.table.dir)
	}
	q.recycle(head, c.count)
	q.chains[head] = chain{state: chainPopped}
	q.inFlight--
	q.stats.Completed++
	return head, length, true, nil
}

// PopUsedToken pops the next completion if it is token. It returns
// ErrNotReady if there is no completion and ErrWrongToken if the next
// completion is for another chain.
func (q *Queue) PopUsedToken(token uint16) (uint32, error) {
	next, ok := q.PeekUsed()
	if !ok {
		return 0, fmt.Errorf("queue %d: no completion for %d: %w", q.idx, token, virtio.ErrNotReady)
	}
	if next != token {
		return 0, fmt.Errorf("queue %d: next completion is %d, not %d: %w", q.idx, next, token, virtio.ErrWrongToken)
	}
	_, length, _, err := q.PopUsed()
	return length, err
}

func (q *Queue) validate(id uint32) (uint16, error) {
	if id >= uint32(q.layout.Size) {
		return 0, fmt.Errorf("queue %d: device used descriptor %d of %d: %w", q.idx, id, q.layout.Size, virtio.ErrWrongToken)
	}
	head := uint16(id)
	switch q.chains[head].state {
	case chainInFlight:
		return head, nil
	case chainPopped:
		return 0, fmt.Errorf("queue %d: chain %d: %w", q.idx, head, virtio.ErrAlreadyUsed)
	default:
		return 0, fmt.Errorf("queue %d: device used %d, which heads no chain: %w", q.idx, head, virtio.ErrWrongToken)
	}
}

// recycle returns the count descriptors of the chain at head to the free
// list, following the driver's copy of the links.
func (q *Queue) recycle(head, count uint16) {
	last := head
	for i := uint16(1); i < count; i++ {
		last = q.next[last]
	}
	q.next[last] = q.freeHead
	q.freeHead = head
	q.numFree += count
}

func (q *Queue) violation(err error) {
	q.stats.Violations++
	q.violations.Warningf("device protocol violation: %v", err)
}

// Release unregisters the queue and returns its memory to the Hal.
//
// Chains still in flight keep their buffers shared with the device, so
// Release fails with ErrInvalidParam unless the device has been reset, in
// which case the buffers are unshared first.
func (q *Queue) Release() error {
	if q.dma == nil {
		return fmt.Errorf("queue %d: %w", q.idx, virtio.ErrAlreadyUsed)
	}
	if q.inFlight > 0 {
		if st := q.t.State(); st != transport.StateReset {
			return fmt.Errorf("queue %d: %d chains in flight in state %v: %w", q.idx, q.inFlight, st, virtio.ErrInvalidParam)
		}
		for i := range q.chains {
			c := &q.chains[i]
			if c.state != chainInFlight {
				continue
			}
			q.unshare(c.buffers)
			if c.table != nil {
				q.hal.Unshare(c.table.paddr, c.table.buf, c.table.dir)
			}
			*c = chain{}
		}
		q.inFlight = 0
	}
	q.t.QueueUnset(q.idx)
	dma := q.dma
	q.dma = nil
	q.ring = nil
	return dma.Release()
}
