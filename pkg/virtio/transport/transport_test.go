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

package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/transport"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

const blkFeatureRO = transport.Features(1 << 5)

func newFake(config []byte) (*transport.Fake, *transport.Transport) {
	f := transport.NewFake(transport.FakeOptions{
		DeviceType:   virtio.DeviceBlock,
		Features:     blkFeatureRO | transport.FeatureVersion1 | transport.FeatureEventIdx | transport.FeatureRingPacked,
		Queues:       2,
		MaxQueueSize: 16,
		Config:       config,
	})
	return f, transport.New(f)
}

func TestNegotiate(t *testing.T) {
	f, tr := newFake(nil)
	got, err := tr.Negotiate(transport.FeatureVersion1 | transport.FeatureEventIdx | transport.FeatureIndirectDesc)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	want := transport.FeatureVersion1 | transport.FeatureEventIdx
	if got != want {
		t.Errorf("Negotiate = %v, want %v", got, want)
	}
	if f.DriverFeatures() != want {
		t.Errorf("device saw driver features %v, want %v", f.DriverFeatures(), want)
	}
	if tr.Features() != want {
		t.Errorf("Features() = %v, want %v", tr.Features(), want)
	}
	if got, want := tr.Status(), transport.StatusAcknowledge|transport.StatusDriver|transport.StatusFeaturesOk; got != want {
		t.Errorf("Status() = %v, want %v", got, want)
	}
	if _, err := tr.Negotiate(want); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("second Negotiate = %v, want ErrNotReady", err)
	}
}

func TestNegotiateRejected(t *testing.T) {
	f, tr := newFake(nil)
	f.RejectFeatures(true)
	if _, err := tr.Negotiate(transport.FeatureVersion1); !errors.Is(err, virtio.ErrUnsupported) {
		t.Fatalf("Negotiate = %v, want ErrUnsupported", err)
	}
	if got, want := tr.Status(), transport.StatusAcknowledge|transport.StatusDriver|transport.StatusFailed; got != want {
		t.Errorf("Status() = %v, want %v", got, want)
	}
	if got := tr.State(); got != transport.StateFailed {
		t.Errorf("State() = %v, want Failed", got)
	}
	if err := tr.SetQueue(0, 4, 0x1000, 0x1040, 0x2000); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("SetQueue after failure = %v, want ErrNotReady", err)
	}
	if err := tr.FinishInit(); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("FinishInit after failure = %v, want ErrNotReady", err)
	}

	// Only a reset recovers.
	f.RejectFeatures(false)
	if _, err := tr.BeginInit(context.Background(), transport.FeatureVersion1); err != nil {
		t.Fatalf("BeginInit after reset failed: %v", err)
	}
	if got := tr.State(); got != transport.StateFeaturesOk {
		t.Errorf("State() = %v, want FeaturesOk", got)
	}
}

func TestNegotiateAfterReset(t *testing.T) {
	_, tr := newFake(nil)
	if _, err := tr.Negotiate(0); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if err := tr.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if got := tr.State(); got != transport.StateReset {
		t.Fatalf("State() after reset = %v", got)
	}
	if _, err := tr.Negotiate(blkFeatureRO); err != nil {
		t.Errorf("Negotiate from Reset failed: %v", err)
	}
}

func TestQueueRegistration(t *testing.T) {
	f, tr := newFake(nil)
	if err := tr.SetQueue(0, 4, 0x1000, 0x1040, 0x2000); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("SetQueue before negotiation = %v, want ErrNotReady", err)
	}
	if _, err := tr.BeginInit(context.Background(), transport.FeatureVersion1); err != nil {
		t.Fatalf("BeginInit failed: %v", err)
	}
	if got := tr.MaxQueueSize(1); got != 16 {
		t.Errorf("MaxQueueSize(1) = %d, want 16", got)
	}
	if got := tr.MaxQueueSize(2); got != 0 {
		t.Errorf("MaxQueueSize(2) = %d, want 0", got)
	}

	for _, tc := range []struct {
		name string
		idx  uint16
		size uint16
		want error
	}{
		{"too large", 0, 32, virtio.ErrInvalidParam},
		{"not power of two", 0, 12, virtio.ErrInvalidParam},
		{"zero", 0, 0, virtio.ErrInvalidParam},
		{"missing queue", 5, 4, virtio.ErrInvalidParam},
		{"ok", 0, 16, nil},
		{"again", 0, 16, virtio.ErrAlreadyUsed},
	} {
		if err := tr.SetQueue(tc.idx, tc.size, 0x1000, 0x1100, 0x2000); !errors.Is(err, tc.want) {
			t.Errorf("%s: SetQueue(%d, %d) = %v, want %v", tc.name, tc.idx, tc.size, err, tc.want)
		}
	}

	q, _ := f.Queue(0)
	want := transport.FakeQueue{Size: 16, Desc: 0x1000, Driver: 0x1100, Device: 0x2000, Ready: true}
	if diff := cmp.Diff(want, q); diff != "" {
		t.Errorf("queue registration mismatch (-want +got):\n%s", diff)
	}
	if !tr.QueueUsed(0) || tr.QueueUsed(1) {
		t.Errorf("QueueUsed(0, 1) = (%t, %t), want (true, false)", tr.QueueUsed(0), tr.QueueUsed(1))
	}

	if err := tr.FinishInit(); err != nil {
		t.Fatalf("FinishInit failed: %v", err)
	}
	if err := tr.SetQueue(1, 4, 0x3000, 0x3040, 0x4000); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("SetQueue after DriverOk = %v, want ErrNotReady", err)
	}
	if _, err := tr.Negotiate(0); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("Negotiate after DriverOk = %v, want ErrNotReady", err)
	}

	tr.QueueUnset(0)
	if tr.QueueUsed(0) {
		t.Errorf("QueueUsed(0) after QueueUnset = true")
	}
}

func TestResetForgetsState(t *testing.T) {
	f, tr := newFake(nil)
	ctx := context.Background()
	if _, err := tr.BeginInit(ctx, transport.FeatureVersion1); err != nil {
		t.Fatalf("BeginInit failed: %v", err)
	}
	if err := tr.SetQueue(1, 8, 0x1000, 0x1080, 0x2000); err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	f.DelayReset(3)
	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if tr.QueueUsed(1) {
		t.Errorf("queue 1 still registered after reset")
	}
	if tr.Features() != 0 || f.DriverFeatures() != 0 {
		t.Errorf("features after reset = %v (device %v), want none", tr.Features(), f.DriverFeatures())
	}
	if got := tr.State(); got != transport.StateReset {
		t.Errorf("State() = %v, want Reset", got)
	}
}

func TestResetHonoursContext(t *testing.T) {
	f, tr := newFake(nil)
	if _, err := tr.Negotiate(0); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	f.DelayReset(1 << 30)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Reset(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Reset = %v, want DeadlineExceeded", err)
	}
}

func TestResetWaitsForDeadline(t *testing.T) {
	f, tr := newFake(nil)
	f.DelayReset(1 << 30)
	for _, timeout := range []time.Duration{time.Millisecond, 7 * time.Millisecond, 35 * time.Millisecond} {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := tr.Reset(ctx)
		if ctx.Err() == nil {
			t.Errorf("Reset with %v timeout returned %v before the deadline", timeout, err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Reset with %v timeout = %v, want DeadlineExceeded", timeout, err)
		}
		cancel()
	}
}

func TestNotifyAndInterrupts(t *testing.T) {
	f, tr := newFake(nil)
	var hooked []uint16
	f.SetNotifyHook(func(idx uint16) { hooked = append(hooked, idx) })
	tr.Notify(1)
	tr.Notify(1)
	tr.Notify(0)
	if got := f.Notifications(1); got != 2 {
		t.Errorf("Notifications(1) = %d, want 2", got)
	}
	if diff := cmp.Diff([]uint16{1, 1, 0}, hooked); diff != "" {
		t.Errorf("notify hook mismatch (-want +got):\n%s", diff)
	}

	f.RaiseInterrupt(transport.InterruptQueue)
	if got := tr.AckInterrupt(); got != transport.InterruptQueue {
		t.Errorf("AckInterrupt = %#x, want InterruptQueue", got)
	}
	if got := tr.AckInterrupt(); got != 0 {
		t.Errorf("second AckInterrupt = %#x, want 0", got)
	}
}

func TestFail(t *testing.T) {
	_, tr := newFake(nil)
	tr.Fail()
	if got := tr.State(); got != transport.StateFailed {
		t.Errorf("State() = %v, want Failed", got)
	}
	if _, err := tr.Negotiate(0); !errors.Is(err, virtio.ErrNotReady) {
		t.Errorf("Negotiate after Fail = %v, want ErrNotReady", err)
	}
}

func TestReadConfig(t *testing.T) {
	config := []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, // capacity
		0x00, 0x02, 0x00, 0x00, // size_max
		0x80, 0x00, 0x7f, 0x00, // seg_max (u16 pair)
		'v', 'd',
	}
	f, tr := newFake(config)

	if got, err := transport.ReadConfig[uint64](tr, 0); err != nil || got != 0x0807060504030201 {
		t.Errorf("ReadConfig[uint64](0) = %#x, %v", got, err)
	}
	if got, err := transport.ReadConfig[uint32](tr, 8); err != nil || got != 0x200 {
		t.Errorf("ReadConfig[uint32](8) = %#x, %v", got, err)
	}
	if got, err := transport.ReadConfig[uint16](tr, 14); err != nil || got != 0x7f {
		t.Errorf("ReadConfig[uint16](14) = %#x, %v", got, err)
	}
	if got, err := transport.ReadConfig[uint8](tr, 12); err != nil || got != 0x80 {
		t.Errorf("ReadConfig[uint8](12) = %#x, %v", got, err)
	}
	name := make([]byte, 2)
	if err := tr.ReadConfigBytes(16, name); err != nil || string(name) != "vd" {
		t.Errorf("ReadConfigBytes(16) = %q, %v", name, err)
	}

	if _, err := transport.ReadConfig[uint32](tr, 16); !errors.Is(err, virtio.ErrConfigSpaceTooSmall) {
		t.Errorf("ReadConfig past the end = %v, want ErrConfigSpaceTooSmall", err)
	}
	if _, err := transport.ReadConfig[uint32](tr, 2); !errors.Is(err, virtio.ErrInvalidParam) {
		t.Errorf("misaligned ReadConfig = %v, want ErrInvalidParam", err)
	}

	if err := transport.WriteConfig[uint16](tr, 14, 0x1234); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	if got, _ := transport.ReadConfig[uint16](tr, 14); got != 0x1234 {
		t.Errorf("ReadConfig after WriteConfig = %#x, want 0x1234", got)
	}

	f.UpdateConfig(8, []byte{0, 4, 0, 0})
	if got, _ := transport.ReadConfig[uint32](tr, 8); got != 0x400 {
		t.Errorf("ReadConfig after device update = %#x, want 0x400", got)
	}
	if got := tr.AckInterrupt(); got != transport.InterruptConfig {
		t.Errorf("AckInterrupt after config update = %#x, want InterruptConfig", got)
	}
}

func TestReadConfigMissing(t *testing.T) {
	_, tr := newFake(nil)
	if _, err := transport.ReadConfig[uint32](tr, 0); !errors.Is(err, virtio.ErrConfigSpaceMissing) {
		t.Errorf("ReadConfig = %v, want ErrConfigSpaceMissing", err)
	}
	if err := tr.ReadConfigBytes(0, make([]byte, 1)); !errors.Is(err, virtio.ErrConfigSpaceMissing) {
		t.Errorf("ReadConfigBytes = %v, want ErrConfigSpaceMissing", err)
	}
}

func TestReadConfigRetriesTornReads(t *testing.T) {
	f, tr := newFake(make([]byte, 8))
	values := []uint64{0x1111111122222222, 0x3333333344444444, 0x5555555566666666}
	f.ChurnConfig(func(round int, config volatile.Window) bool {
		if round >= len(values) {
			return false
		}
		// Update the two halves separately, as a device would.
		config.Write32(0, uint32(values[round]))
		config.Write32(4, uint32(values[round]>>32))
		return true
	})
	got, err := transport.ReadConfig[uint64](tr, 0)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}
	if want := values[len(values)-1]; got != want {
		t.Errorf("ReadConfig = %#x, want %#x", got, want)
	}
	if gen := f.Generation(); gen != uint32(len(values)) {
		t.Errorf("Generation() = %d, want %d", gen, len(values))
	}
}

func TestStrings(t *testing.T) {
	for _, tc := range []struct {
		got, want string
	}{
		{transport.DeviceStatus(0).String(), "RESET"},
		{(transport.StatusAcknowledge | transport.StatusDriver | transport.StatusFailed).String(), "ACKNOWLEDGE|DRIVER|FAILED"},
		{(transport.FeatureEventIdx | transport.FeatureVersion1 | blkFeatureRO).String(), "bit5|EVENT_IDX|VERSION_1"},
		{transport.Features(0).String(), "none"},
		{transport.StateFeaturesOk.String(), "FeaturesOk"},
	} {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}
