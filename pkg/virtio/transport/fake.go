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
	"gvisor.dev/virtio/pkg/sync"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// FakeQueue is the registration of a queue on a Fake.
type FakeQueue struct {
	Size   uint16
	Desc   hal.PhysAddr
	Driver hal.PhysAddr
	Device hal.PhysAddr
	Ready  bool
}

// FakeOptions configure a Fake.
type FakeOptions struct {
	DeviceType virtio.DeviceType

	// Features is the set of features the device offers.
	Features Features

	// Queues is the number of queues. Each has MaxQueueSize entries.
	Queues       int
	MaxQueueSize uint32

	// Config is the initial device config space. A nil Config means the
	// device has none.
	Config []byte
}

// Fake is an in-memory Bus, with the device side of the registers exposed
// for tests and simulators.
type Fake struct {
	devType virtio.DeviceType
	offered Features
	maxSize uint32

	// config is immutable after NewFake; its contents are accessed
	// atomically.
	config volatile.Window

	mu sync.Mutex

	// +checklocks:mu
	driverFeatures Features
	// +checklocks:mu
	statusReg DeviceStatus
	// +checklocks:mu
	queues []FakeQueue
	// +checklocks:mu
	interrupt InterruptStatus
	// +checklocks:mu
	generation uint32
	// +checklocks:mu
	rejectFeatures bool
	// +checklocks:mu
	resetDelay int
	// +checklocks:mu
	resetPending bool
	// +checklocks:mu
	notifications []uint64
	// +checklocks:mu
	onNotify func(idx uint16)
	// +checklocks:mu
	churn func(round int, config volatile.Window) bool
	// +checklocks:mu
	churnRound int
}

var _ Bus = (*Fake)(nil)

// NewFake returns a Fake device.
func NewFake(opts FakeOptions) *Fake {
	f := &Fake{
		devType:       opts.DeviceType,
		offered:       opts.Features,
		maxSize:       opts.MaxQueueSize,
		queues:        make([]FakeQueue, opts.Queues),
		notifications: make([]uint64, opts.Queues),
	}
	if opts.Config != nil {
		size := uint64(len(opts.Config))
		f.config = volatile.Slice(volatile.Alloc(size), 0, size)
		volatile.WriteBytes(f.config, 0, opts.Config)
	}
	return f
}

// DriverFeatures returns the features written by the driver.
func (f *Fake) DriverFeatures() Features {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.driverFeatures
}

// Queue returns the registration of queue idx.
func (f *Fake) Queue(idx uint16) (FakeQueue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) >= len(f.queues) {
		return FakeQueue{}, false
	}
	return f.queues[idx], true
}

// Notifications returns how many times queue idx was notified.
func (f *Fake) Notifications(idx uint16) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) >= len(f.notifications) {
		return 0
	}
	return f.notifications[idx]
}

// SetNotifyHook installs fn to be called, without locks held, whenever the
// driver notifies a queue.
func (f *Fake) SetNotifyHook(fn func(idx uint16)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNotify = fn
}

// RejectFeatures makes the device clear FeaturesOk when the driver sets it.
func (f *Fake) RejectFeatures(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectFeatures = reject
}

// DelayReset makes the status register keep its old value for n reads
// after the driver next writes 0.
func (f *Fake) DelayReset(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetDelay = n
}

// RaiseInterrupt sets interrupt reasons for the driver to acknowledge.
func (f *Fake) RaiseInterrupt(s InterruptStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupt |= s
}

// NeedsReset sets the DEVICE_NEEDS_RESET status bit.
func (f *Fake) NeedsReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusReg |= StatusNeedsReset
}

// UpdateConfig writes p at offset of the config space as the device,
// bumping the generation.
func (f *Fake) UpdateConfig(offset uint64, p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	volatile.WriteBytes(f.config, offset, p)
	f.generation++
	f.interrupt |= InterruptConfig
}

// ChurnConfig installs mutate to be run as the device on each read of the
// generation counter, bumping the generation each time, for as long as it
// returns true. round counts the calls from zero.
func (f *Fake) ChurnConfig(mutate func(round int, config volatile.Window) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.churn = mutate
	f.churnRound = 0
}

// Generation returns the config generation counter.
func (f *Fake) Generation() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *Fake) deviceType() virtio.DeviceType {
	return f.devType
}

func (f *Fake) deviceFeatures() Features {
	return f.offered
}

func (f *Fake) setDriverFeatures(features Features) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driverFeatures = features
}

func (f *Fake) status() DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetPending {
		if f.resetDelay > 0 {
			f.resetDelay--
		} else {
			f.resetPending = false
			f.resetLocked()
		}
	}
	return f.statusReg
}

func (f *Fake) setStatus(s DeviceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == 0 {
		if f.resetDelay > 0 {
			f.resetPending = true
		} else {
			f.resetLocked()
		}
		return
	}
	if s&StatusFeaturesOk != 0 && f.statusReg&StatusFeaturesOk == 0 && f.rejectFeatures {
		s &^= StatusFeaturesOk
	}
	f.statusReg = s
}

// +checklocks:f.mu
func (f *Fake) resetLocked() {
	f.statusReg = 0
	f.driverFeatures = 0
	f.interrupt = 0
	clear(f.queues)
}

func (*Fake) setGuestPageSize(uint32) {}

func (f *Fake) maxQueueSize(idx uint16) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) >= len(f.queues) {
		return 0
	}
	return f.maxSize
}

func (f *Fake) queueUsed(idx uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(idx) < len(f.queues) && f.queues[idx].Ready
}

func (f *Fake) setQueue(idx, size uint16, desc, driver, device hal.PhysAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[idx] = FakeQueue{
		Size:   size,
		Desc:   desc,
		Driver: driver,
		Device: device,
		Ready:  true,
	}
	return nil
}

func (f *Fake) queueUnset(idx uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) < len(f.queues) {
		f.queues[idx] = FakeQueue{}
	}
}

func (f *Fake) notify(idx uint16) {
	f.mu.Lock()
	if int(idx) < len(f.notifications) {
		f.notifications[idx]++
	}
	hook := f.onNotify
	f.mu.Unlock()
	if hook != nil {
		hook(idx)
	}
}

func (f *Fake) ackInterrupt() InterruptStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.interrupt
	f.interrupt = 0
	return s
}

func (f *Fake) configSpace() volatile.Window {
	if f.config == nil {
		return nil
	}
	return f.config
}

func (f *Fake) configGeneration() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.churn != nil {
		round := f.churnRound
		f.churnRound++
		if f.churn(round, f.config) {
			f.generation++
		} else {
			f.churn = nil
		}
	}
	return f.generation
}
