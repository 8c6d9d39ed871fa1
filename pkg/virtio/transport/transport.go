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

// Package transport drives the device initialization sequence of a VirtIO
// device: status handshake, feature negotiation, queue registration,
// notification and config space access.
//
// The register encoding depends on the bus the device sits on. Each
// supported encoding is a Bus (MMIO, PCI, or the in-memory Fake used for
// testing); Transport layers the initialization state machine on top of
// whichever Bus it is given:
//
//	Reset -> Acknowledge -> Driver -> FeaturesOk -> DriverOk
//
// Failed can be entered from any state and is only left through Reset.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/hal"
	"gvisor.dev/virtio/pkg/virtio/poll"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

// resetTimeout bounds how long Reset waits for the device to acknowledge.
const resetTimeout = 5 * time.Second

// Bus is a register encoding of the VirtIO device interface.
//
// The set of buses is closed: it is implemented only by *MMIO, *PCI and
// *Fake.
type Bus interface {
	// deviceType returns the device class.
	deviceType() virtio.DeviceType

	// deviceFeatures reads the features offered by the device.
	deviceFeatures() Features

	// setDriverFeatures writes the features accepted by the driver.
	setDriverFeatures(f Features)

	// status reads the status register.
	status() DeviceStatus

	// setStatus writes the status register.
	setStatus(s DeviceStatus)

	// setGuestPageSize informs a legacy device of the page size used for
	// queue addresses. Other buses ignore it.
	setGuestPageSize(size uint32)

	// maxQueueSize returns the largest size of queue idx, or 0 if the queue
	// does not exist.
	maxQueueSize(idx uint16) uint32

	// queueUsed returns whether queue idx is registered with the device.
	queueUsed(idx uint16) bool

	// setQueue registers queue idx. The arguments have been validated
	// against maxQueueSize.
	setQueue(idx, size uint16, desc, driver, device hal.PhysAddr) error

	// queueUnset unregisters queue idx.
	queueUnset(idx uint16)

	// notify tells the device that queue idx has new available buffers.
	notify(idx uint16)

	// ackInterrupt reads and acknowledges pending interrupts.
	ackInterrupt() InterruptStatus

	// configSpace returns the device-specific configuration space, or nil if
	// the device has none.
	configSpace() volatile.Window

	// configGeneration reads the config generation counter.
	configGeneration() uint32
}

// Transport is a VirtIO device being driven through a Bus.
//
// A Transport is not safe for concurrent use.
type Transport struct {
	bus Bus

	// features is the negotiated feature set, valid once FeaturesOk has
	// been reached.
	features Features
}

// New returns a Transport for the device behind bus. The device is not
// touched until the first operation.
func New(bus Bus) *Transport {
	return &Transport{bus: bus}
}

// Bus returns the underlying bus.
func (t *Transport) Bus() Bus {
	return t.bus
}

// DeviceType returns the class of the device.
func (t *Transport) DeviceType() virtio.DeviceType {
	return t.bus.deviceType()
}

// Status reads the device status register.
func (t *Transport) Status() DeviceStatus {
	return t.bus.status()
}

// State returns the initialization state of the device.
func (t *Transport) State() State {
	return stateOf(t.bus.status())
}

// Features returns the negotiated features. It is zero before negotiation
// completes.
func (t *Transport) Features() Features {
	return t.features
}

// ReadDeviceFeatures returns the features offered by the device.
func (t *Transport) ReadDeviceFeatures() Features {
	return t.bus.deviceFeatures()
}

func (t *Transport) setStatus(s DeviceStatus) {
	log.Debugf("virtio %v: status %v -> %v", t.bus.deviceType(), t.bus.status(), s)
	t.bus.setStatus(s)
}

// Negotiate accepts the subset of wanted the device offers.
//
// The device must be in the Reset, Acknowledge or Driver state; missing
// steps up to Driver are performed first. If the device refuses the
// resulting set, the device is marked Failed and ErrUnsupported is returned.
func (t *Transport) Negotiate(wanted Features) (Features, error) {
	switch t.State() {
	case StateReset:
		t.setStatus(StatusAcknowledge)
		fallthrough
	case StateAcknowledge:
		t.setStatus(StatusAcknowledge | StatusDriver)
	case StateDriver:
	default:
		return 0, fmt.Errorf("negotiating features in state %v: %w", t.State(), virtio.ErrNotReady)
	}

	device := t.bus.deviceFeatures()
	accepted := wanted & device
	t.bus.setDriverFeatures(accepted)
	t.setStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOk)
	if t.bus.status()&StatusFeaturesOk == 0 {
		log.Warningf("virtio %v: device rejected features %v (offered %v)", t.bus.deviceType(), accepted, device)
		t.Fail()
		return 0, fmt.Errorf("device rejected features %v: %w", accepted, virtio.ErrUnsupported)
	}
	t.features = accepted
	log.Debugf("virtio %v: negotiated features %v", t.bus.deviceType(), accepted)
	return accepted, nil
}

// BeginInit resets the device and runs the initialization sequence up to
// FeaturesOk, after which queues can be registered with SetQueue.
func (t *Transport) BeginInit(ctx context.Context, wanted Features) (Features, error) {
	if err := t.Reset(ctx); err != nil {
		return 0, err
	}
	features, err := t.Negotiate(wanted)
	if err != nil {
		return 0, err
	}
	t.bus.setGuestPageSize(virtio.PageSize)
	return features, nil
}

// FinishInit sets DriverOk. Afterwards no more queues can be registered.
func (t *Transport) FinishInit() error {
	if st := t.State(); st != StateFeaturesOk {
		return fmt.Errorf("finishing initialization in state %v: %w", st, virtio.ErrNotReady)
	}
	t.setStatus(t.bus.status() | StatusDriverOk)
	return nil
}

// Fail sets the Failed status bit. The device stays unusable until Reset.
func (t *Transport) Fail() {
	t.setStatus(t.bus.status() | StatusFailed)
}

var errResetPending = errors.New("device has not completed reset")

// Reset resets the device and waits until it reports the Reset state. All
// queue registrations and the negotiated features are forgotten.
func (t *Transport) Reset(ctx context.Context) error {
	t.setStatus(0)
	t.features = 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = resetTimeout
	op := func() error {
		if t.bus.status() != 0 {
			return errResetPending
		}
		return nil
	}
	if err := poll.Retry(ctx, b, op); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("resetting %v device: %w", t.bus.deviceType(), ctxErr)
		}
		return fmt.Errorf("resetting %v device: %v: %w", t.bus.deviceType(), err, virtio.ErrIO)
	}
	return nil
}

// MaxQueueSize returns the largest size queue idx supports, or 0 if the
// device does not have the queue.
func (t *Transport) MaxQueueSize(idx uint16) uint32 {
	return t.bus.maxQueueSize(idx)
}

// QueueUsed returns whether queue idx is registered.
func (t *Transport) QueueUsed(idx uint16) bool {
	return t.bus.queueUsed(idx)
}

// SetQueue registers queue idx with the device. desc, driver and device are
// the physical addresses of the descriptor table, the available ring and
// the used ring.
//
// Queues can only be registered in the FeaturesOk state.
func (t *Transport) SetQueue(idx, size uint16, desc, driver, device hal.PhysAddr) error {
	if st := t.State(); st != StateFeaturesOk {
		return fmt.Errorf("registering queue %d in state %v: %w", idx, st, virtio.ErrNotReady)
	}
	if t.bus.queueUsed(idx) {
		return fmt.Errorf("queue %d: %w", idx, virtio.ErrAlreadyUsed)
	}
	maxSize := t.bus.maxQueueSize(idx)
	if maxSize == 0 {
		return fmt.Errorf("device has no queue %d: %w", idx, virtio.ErrInvalidParam)
	}
	if !virtio.IsPowerOfTwo(uint32(size)) || uint32(size) > maxSize {
		return fmt.Errorf("queue %d size %d (max %d): %w", idx, size, maxSize, virtio.ErrInvalidParam)
	}
	if err := t.bus.setQueue(idx, size, desc, driver, device); err != nil {
		return fmt.Errorf("registering queue %d: %w", idx, err)
	}
	log.Debugf("virtio %v: queue %d: size %d desc %#x driver %#x device %#x", t.bus.deviceType(), idx, size, desc, driver, device)
	return nil
}

// QueueUnset unregisters queue idx. It is allowed in any state.
func (t *Transport) QueueUnset(idx uint16) {
	t.bus.queueUnset(idx)
}

// Notify tells the device that queue idx has new available buffers.
func (t *Transport) Notify(idx uint16) {
	t.bus.notify(idx)
}

// AckInterrupt reads and acknowledges the pending interrupt reasons.
func (t *Transport) AckInterrupt() InterruptStatus {
	return t.bus.ackInterrupt()
}
