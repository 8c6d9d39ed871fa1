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

// Package fakedev simulates the device side of split virtqueues.
//
// A Device reads the queue registrations of a transport.Fake and reaches the
// rings and buffers through Hal.TranslatePhysical, the way a VMM reaches
// guest memory. Chains taken from the available ring wait in a per-queue
// FIFO until a test or the simulator completes them, in any order.
package fakedev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/sync"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/transport"
	"gvisor.dev/virtio/pkg/virtio/virtq"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// Chain is a descriptor chain taken from the available ring.
type Chain struct {
	Head uint16

	// Readable and Writable are the device's view of the buffers.
	Readable [][]byte
	Writable [][]byte
}

// Handler services a chain and returns the number of bytes it wrote.
type Handler func(readable, writable [][]byte) uint32

// Echo copies the readable buffers into the writable buffers, in order, as
// far as they fit.
func Echo(readable, writable [][]byte) uint32 {
	var written uint32
	w, off := 0, 0
	for _, r := range readable {
		for len(r) > 0 && w < len(writable) {
			n := copy(writable[w][off:], r)
			r = r[n:]
			off += n
			written += uint32(n)
			if off == len(writable[w]) {
				w, off = w+1, 0
			}
		}
	}
	return written
}

// ring is a ring structure mapped at a possibly unaligned address.
type ring struct {
	region *volatile.Region
	// skew is the offset of the structure within region.
	skew uint64
}

func (r ring) read16(off uint64) uint16     { return r.region.Read16(r.skew + off) }
func (r ring) read32(off uint64) uint32     { return r.region.Read32(r.skew + off) }
func (r ring) read64(off uint64) uint64     { return r.region.Read64(r.skew + off) }
func (r ring) write16(off uint64, v uint16) { r.region.Write16(r.skew+off, v) }
func (r ring) write32(off uint64, v uint32) { r.region.Write32(r.skew+off, v) }

type deviceQueue struct {
	reg   transport.FakeQueue
	desc  ring
	avail ring
	used  ring

	lastAvail uint16
	usedIdx   uint16

	// pending holds *Chain.
	pending *queue.Queue
}

// Device is a simulated device.
type Device struct {
	fake *transport.Fake
	hal  hal.Hal

	// kick is signalled by driver notifications.
	kick chan struct{}

	mu sync.Mutex

	// +checklocks:mu
	queues map[uint16]*deviceQueue
}

// New returns a Device behind fake, reaching driver memory through h. It
// installs fake's notify hook.
func New(fake *transport.Fake, h hal.Hal) *Device {
	d := &Device{
		fake:   fake,
		hal:    h,
		kick:   make(chan struct{}, 1),
		queues: make(map[uint16]*deviceQueue),
	}
	fake.SetNotifyHook(func(uint16) {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	})
	return d
}

func (d *Device) mapRing(paddr hal.PhysAddr, size uint64) (ring, error) {
	base := paddr &^ 3
	skew := uint64(paddr - base)
	mem, err := d.hal.TranslatePhysical(base, (skew+size+3)&^3)
	if err != nil {
		return ring{}, err
	}
	return ring{region: volatile.NewRegion(mem), skew: skew}, nil
}

// queueLocked returns the state of queue idx, mapping it on first use after
// registration.
//
// +checklocks:d.mu
func (d *Device) queueLocked(idx uint16) (*deviceQueue, error) {
	reg, ok := d.fake.Queue(idx)
	if !ok || !reg.Ready {
		delete(d.queues, idx)
		return nil, fmt.Errorf("queue %d is not registered: %w", idx, virtio.ErrNotReady)
	}
	if q, ok := d.queues[idx]; ok && q.reg == reg {
		return q, nil
	}
	n := uint64(reg.Size)
	q := &deviceQueue{reg: reg, pending: queue.New()}
	var err error
	if q.desc, err = d.mapRing(reg.Desc, virtq.DescSize*n); err != nil {
		return nil, fmt.Errorf("mapping descriptor table: %w", err)
	}
	if q.avail, err = d.mapRing(reg.Driver, 6+2*n); err != nil {
		return nil, fmt.Errorf("mapping available ring: %w", err)
	}
	if q.used, err = d.mapRing(reg.Device, 6+8*n); err != nil {
		return nil, fmt.Errorf("mapping used ring: %w", err)
	}
	d.queues[idx] = q
	log.Debugf("fakedev: queue %d mapped, %d entries", idx, reg.Size)
	return q, nil
}

func (d *Device) eventIdx() bool {
	return d.fake.DriverFeatures().Has(transport.FeatureEventIdx)
}

// Poll takes the chains the driver has published on queue idx since the last
// call and queues them as pending. It returns how many were taken.
func (d *Device) Poll(idx uint16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queueLocked(idx)
	if err != nil {
		return 0, err
	}
	eventIdx := d.eventIdx()
	n := 0
	for {
		availIdx := q.avail.read16(2)
		volatile.ReadFence()
		for ; q.lastAvail != availIdx; q.lastAvail++ {
			head := q.avail.read16(4 + 2*uint64(q.lastAvail&(q.reg.Size-1)))
			c, err := d.readChain(q, head)
			if err != nil {
				q.lastAvail++
				return n, fmt.Errorf("queue %d: chain at %d: %w", idx, head, err)
			}
			q.pending.Add(c)
			n++
		}
		if !eventIdx {
			return n, nil
		}
		// Ask to be notified of the next chain, then look again in case
		// the driver published one before it could see the request.
		q.used.write16(4+8*uint64(q.reg.Size), q.lastAvail)
		volatile.WriteFence()
		if q.avail.read16(2) == q.lastAvail {
			return n, nil
		}
	}
}

type descriptor struct {
	addr   hal.PhysAddr
	length uint32
	flags  uint16
	next   uint16
}

func (d *Device) readChain(q *deviceQueue, head uint16) (*Chain, error) {
	read := func(i uint16) (descriptor, error) {
		if i >= q.reg.Size {
			return descriptor{}, fmt.Errorf("descriptor %d out of range: %w", i, virtio.ErrInvalidParam)
		}
		off := virtq.DescSize * uint64(i)
		return descriptor{
			addr:   hal.PhysAddr(q.desc.read64(off)),
			length: q.desc.read32(off + 8),
			flags:  q.desc.read16(off + 12),
			next:   q.desc.read16(off + 14),
		}, nil
	}

	first, err := read(head)
	if err != nil {
		return nil, err
	}
	if first.flags&virtq.DescIndirect != 0 {
		if first.length%virtq.DescSize != 0 || first.length == 0 {
			return nil, fmt.Errorf("indirect table of %d bytes: %w", first.length, virtio.ErrInvalidParam)
		}
		table, err := d.hal.TranslatePhysical(first.addr, uint64(first.length))
		if err != nil {
			return nil, err
		}
		entries := uint16(first.length / virtq.DescSize)
		read = func(i uint16) (descriptor, error) {
			if i >= entries {
				return descriptor{}, fmt.Errorf("indirect descriptor %d out of range: %w", i, virtio.ErrInvalidParam)
			}
			b := table[virtq.DescSize*uint64(i):]
			return descriptor{
				addr:   hal.PhysAddr(binary.NativeEndian.Uint64(b)),
				length: binary.NativeEndian.Uint32(b[8:]),
				flags:  binary.NativeEndian.Uint16(b[12:]),
				next:   binary.NativeEndian.Uint16(b[14:]),
			}, nil
		}
		if first, err = read(0); err != nil {
			return nil, err
		}
	}

	c := &Chain{Head: head}
	desc := first
	for steps := 0; ; steps++ {
		if steps > int(^uint16(0)) {
			return nil, fmt.Errorf("descriptor loop: %w", virtio.ErrInvalidParam)
		}
		buf, err := d.hal.TranslatePhysical(desc.addr, uint64(desc.length))
		if err != nil {
			return nil, err
		}
		if desc.flags&virtq.DescWrite != 0 {
			c.Writable = append(c.Writable, buf)
		} else {
			if len(c.Writable) > 0 {
				return nil, fmt.Errorf("readable buffer after writable: %w", virtio.ErrInvalidParam)
			}
			c.Readable = append(c.Readable, buf)
		}
		if desc.flags&virtq.DescNext == 0 {
			return c, nil
		}
		if desc, err = read(desc.next); err != nil {
			return nil, err
		}
	}
}

// Pending returns the heads of the pending chains of queue idx, oldest
// first.
func (d *Device) Pending(idx uint16) []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[idx]
	if !ok {
		return nil
	}
	heads := make([]uint16, 0, q.pending.Length())
	for i := 0; i < q.pending.Length(); i++ {
		heads = append(heads, q.pending.Get(i).(*Chain).Head)
	}
	return heads
}

// Complete services the pending chain headed by head on queue idx with
// handler and returns it to the driver.
func (d *Device) Complete(idx, head uint16, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queueLocked(idx)
	if err != nil {
		return err
	}
	var found *Chain
	for n := q.pending.Length(); n > 0; n-- {
		c := q.pending.Remove().(*Chain)
		if found == nil && c.Head == head {
			found = c
			continue
		}
		q.pending.Add(c)
	}
	if found == nil {
		return fmt.Errorf("queue %d: no pending chain %d: %w", idx, head, virtio.ErrInvalidParam)
	}
	d.pushUsedLocked(q, uint32(head), handler(found.Readable, found.Writable))
	return nil
}

// CompleteAll services every pending chain of queue idx in order and returns
// how many there were.
func (d *Device) CompleteAll(idx uint16, handler Handler) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queueLocked(idx)
	if err != nil {
		return 0, err
	}
	n := 0
	for q.pending.Length() > 0 {
		c := q.pending.Remove().(*Chain)
		d.pushUsedLocked(q, uint32(c.Head), handler(c.Readable, c.Writable))
		n++
	}
	return n, nil
}

// PushUsed appends an arbitrary used ring entry to queue idx, bypassing the
// pending chains. It lets tests play a misbehaving device.
func (d *Device) PushUsed(idx uint16, id, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queueLocked(idx)
	if err != nil {
		return err
	}
	d.pushUsedLocked(q, id, length)
	return nil
}

// +checklocks:d.mu
func (d *Device) pushUsedLocked(q *deviceQueue, id, length uint32) {
	entry := 4 + 8*uint64(q.usedIdx&(q.reg.Size-1))
	q.used.write32(entry, id)
	q.used.write32(entry+4, length)
	volatile.WriteFence()
	old := q.usedIdx
	q.usedIdx++
	q.used.write16(2, q.usedIdx)

	var interrupt bool
	if d.eventIdx() {
		event := q.avail.read16(4 + 2*uint64(q.reg.Size))
		interrupt = virtq.NeedEvent(event, q.usedIdx, old)
	} else {
		interrupt = q.avail.read16(0)&virtq.AvailNoInterrupt == 0
	}
	if interrupt {
		d.fake.RaiseInterrupt(transport.InterruptQueue)
	}
}

// SuppressNotifications asks the driver not to notify queue idx, or lifts
// that request.
func (d *Device) SuppressNotifications(idx uint16, suppress bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, err := d.queueLocked(idx)
	if err != nil {
		return err
	}
	if d.eventIdx() {
		event := q.lastAvail
		if suppress {
			event--
		}
		q.used.write16(4+8*uint64(q.reg.Size), event)
		return nil
	}
	var flags uint16
	if suppress {
		flags = virtq.UsedNoNotify
	}
	q.used.write16(0, flags)
	return nil
}

// Reset forgets the state of every queue, as a device does when the driver
// resets it.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.queues)
}

// Serve completes every chain published on queue idx with handler, waking
// up on driver notifications, until ctx is done. An unregistered queue is
// idle.
func (d *Device) Serve(ctx context.Context, idx uint16, handler Handler) error {
	for {
		if _, err := d.Poll(idx); err != nil && !errors.Is(err, virtio.ErrNotReady) {
			return err
		}
		if _, err := d.CompleteAll(idx, handler); err != nil && !errors.Is(err, virtio.ErrNotReady) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		}
	}
}
