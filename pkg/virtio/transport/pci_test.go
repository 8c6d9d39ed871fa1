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
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/pci"
	"gvisor.dev/virtio/pkg/virtio/pci/pcitest"
	"gvisor.dev/virtio/pkg/virtio/transport"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

type pciQueue struct {
	Size, Enable, NotifyOff uint16
	Desc, Driver, Device    uint64
}

// commonCfg models the device side of the virtio-pci common configuration
// structure. Unused or mis-sized accesses panic.
type commonCfg struct {
	features       uint64
	devFeatSel     uint32
	drvFeatSel     uint32
	driverFeatures uint64
	queueSel       uint16
	queues         [2]pciQueue
	status         uint8
	generation     uint8
}

const pciMaxQueueSize = 256

func newCommonCfg() *commonCfg {
	c := &commonCfg{features: uint64(transport.FeatureVersion1 | transport.FeatureIndirectDesc)}
	c.reset()
	return c
}

func (c *commonCfg) reset() {
	c.driverFeatures = 0
	c.status = 0
	for i := range c.queues {
		c.queues[i] = pciQueue{Size: pciMaxQueueSize, NotifyOff: uint16(i)}
	}
}

func (c *commonCfg) queue() *pciQueue {
	if int(c.queueSel) >= len(c.queues) {
		panic(fmt.Sprintf("access to unselectable queue %d", c.queueSel))
	}
	return &c.queues[c.queueSel]
}

func (*commonCfg) Size() uint64 { return 0x38 }

func (c *commonCfg) Read8(off uint64) uint8 {
	switch off {
	case 0x14:
		return c.status
	case 0x15:
		return c.generation
	}
	panic(fmt.Sprintf("Read8(%#x)", off))
}

func (c *commonCfg) Write8(off uint64, v uint8) {
	if off != 0x14 {
		panic(fmt.Sprintf("Write8(%#x)", off))
	}
	if v == 0 {
		c.reset()
		return
	}
	c.status = v
}

func (c *commonCfg) Read16(off uint64) uint16 {
	switch off {
	case 0x12:
		return uint16(len(c.queues))
	case 0x16:
		return c.queueSel
	case 0x18:
		return c.queue().Size
	case 0x1c:
		return c.queue().Enable
	case 0x1e:
		return c.queue().NotifyOff
	}
	panic(fmt.Sprintf("Read16(%#x)", off))
}

func (c *commonCfg) Write16(off uint64, v uint16) {
	switch off {
	case 0x16:
		c.queueSel = v
	case 0x18:
		c.queue().Size = v
	case 0x1c:
		c.queue().Enable = v
	default:
		panic(fmt.Sprintf("Write16(%#x)", off))
	}
}

func (c *commonCfg) half(off uint64) (*uint64, uint) {
	q := c.queue()
	switch off &^ 7 {
	case 0x20:
		return &q.Desc, uint(off&4) * 8
	case 0x28:
		return &q.Driver, uint(off&4) * 8
	case 0x30:
		return &q.Device, uint(off&4) * 8
	}
	panic(fmt.Sprintf("access to %#x", off))
}

func (c *commonCfg) Read32(off uint64) uint32 {
	switch off {
	case 0x00:
		return c.devFeatSel
	case 0x04:
		return uint32(c.features >> (32 * c.devFeatSel))
	case 0x08:
		return c.drvFeatSel
	case 0x0c:
		return uint32(c.driverFeatures >> (32 * c.drvFeatSel))
	}
	p, shift := c.half(off)
	return uint32(*p >> shift)
}

func (c *commonCfg) Write32(off uint64, v uint32) {
	switch off {
	case 0x00:
		c.devFeatSel = v
	case 0x08:
		c.drvFeatSel = v
	case 0x0c:
		shift := 32 * c.drvFeatSel
		c.driverFeatures = c.driverFeatures&^(0xffffffff<<shift) | uint64(v)<<shift
	default:
		p, shift := c.half(off)
		*p = *p&^(0xffffffff<<shift) | uint64(v)<<shift
	}
}

func (*commonCfg) Read64(off uint64) uint64     { panic("64-bit access to common config") }
func (*commonCfg) Write64(off uint64, v uint64) { panic("64-bit access to common config") }

type notifyWrite struct {
	Off   uint64
	Queue uint16
}

// notifyRegion records the doorbell writes it receives.
type notifyRegion struct {
	volatile.Window
	writes []notifyWrite
}

func (n *notifyRegion) Write16(off uint64, v uint16) {
	n.writes = append(n.writes, notifyWrite{off, v})
}

// isrRegion clears on read.
type isrRegion struct {
	volatile.Window
	pending uint8
}

func (r *isrRegion) Read8(off uint64) uint8 {
	v := r.pending
	r.pending = 0
	return v
}

type pciDevice struct {
	common *commonCfg
	notify *notifyRegion
	isr    *isrRegion
	config *volatile.Region
}

// Layout of BAR 4.
const (
	barAddr      = 0xfe000000
	commonOffset = 0x0000
	notifyOffset = 0x1000
	isrOffset    = 0x2000
	configOffset = 0x3000
	barSize      = 0x4000
)

func (d *pciDevice) MapBar(df pci.DeviceFunction, bar pci.BarInfo, offset, length uint64) (volatile.Window, error) {
	if bar.Index != 4 || bar.Address != barAddr {
		return nil, fmt.Errorf("unexpected BAR %+v", bar)
	}
	switch offset {
	case commonOffset:
		return d.common, nil
	case notifyOffset:
		return d.notify, nil
	case isrOffset:
		return d.isr, nil
	case configOffset:
		return d.config, nil
	}
	return nil, fmt.Errorf("unexpected mapping at %#x", offset)
}

func virtioCapBody(cfgType, bar uint8, offset, length uint32, extra ...uint32) []byte {
	body := []byte{byte(16 + 4*len(extra)), cfgType, bar, 0, 0, 0}
	body = binary.LittleEndian.AppendUint32(body, offset)
	body = binary.LittleEndian.AppendUint32(body, length)
	for _, e := range extra {
		body = binary.LittleEndian.AppendUint32(body, e)
	}
	return body
}

func newPCIDevice(t *testing.T, caps func(f *pcitest.Function)) (*pci.Root, pci.DeviceFunction, *pciDevice) {
	t.Helper()
	cfg := pcitest.New()
	df := pci.DeviceFunction{Device: 5}
	f := cfg.Add(df, pci.VirtIOVendorID, 0x1040+uint16(virtio.DeviceBlock), 0x01800001, 0)
	f.SetBar(4, barAddr, barSize, true)
	caps(f)
	d := &pciDevice{
		common: newCommonCfg(),
		notify: &notifyRegion{Window: volatile.Alloc(8)},
		isr:    &isrRegion{Window: volatile.Alloc(4)},
		config: volatile.Alloc(8),
	}
	return pci.NewRoot(cfg), df, d
}

func standardCaps(f *pcitest.Function) {
	f.AddCapability(0x09, virtioCapBody(transport.PCICapCommonCfg, 4, commonOffset, 0x38))
	f.AddCapability(0x09, virtioCapBody(transport.PCICapNotifyCfg, 4, notifyOffset, 8, 4))
	f.AddCapability(0x09, virtioCapBody(transport.PCICapISRCfg, 4, isrOffset, 4))
	f.AddCapability(0x09, virtioCapBody(transport.PCICapDeviceCfg, 4, configOffset, 8))
}

func TestPCI(t *testing.T) {
	root, df, d := newPCIDevice(t, standardCaps)
	p, err := transport.NewPCI(root, df, d)
	if err != nil {
		t.Fatalf("NewPCI failed: %v", err)
	}
	if got, want := root.Command(df), pci.CommandMemorySpace|pci.CommandBusMaster; got&want != want {
		t.Errorf("command = %#x, want memory space and bus master enabled", got)
	}
	tr := transport.New(p)
	if got := tr.DeviceType(); got != virtio.DeviceBlock {
		t.Errorf("DeviceType() = %v, want block", got)
	}

	features, err := tr.BeginInit(context.Background(), transport.SupportedFeatures)
	if err != nil {
		t.Fatalf("BeginInit failed: %v", err)
	}
	if want := transport.FeatureVersion1 | transport.FeatureIndirectDesc; features != want {
		t.Errorf("negotiated %v, want %v", features, want)
	}
	if d.common.driverFeatures != uint64(features) {
		t.Errorf("device saw driver features %#x, want %#x", d.common.driverFeatures, uint64(features))
	}
	if got := tr.MaxQueueSize(1); got != pciMaxQueueSize {
		t.Errorf("MaxQueueSize(1) = %d, want %d", got, pciMaxQueueSize)
	}
	if got := tr.MaxQueueSize(2); got != 0 {
		t.Errorf("MaxQueueSize(2) = %d, want 0", got)
	}

	if err := tr.SetQueue(1, 64, 0x2_0000_0000, 0x2_0000_0400, 0x2_0000_1000); err != nil {
		t.Fatalf("SetQueue failed: %v", err)
	}
	want := pciQueue{Size: 64, Enable: 1, NotifyOff: 1, Desc: 0x2_0000_0000, Driver: 0x2_0000_0400, Device: 0x2_0000_1000}
	if diff := cmp.Diff(want, d.common.queues[1]); diff != "" {
		t.Errorf("queue registers mismatch (-want +got):\n%s", diff)
	}
	if err := tr.SetQueue(1, 64, 0x3000, 0x3400, 0x4000); !errors.Is(err, virtio.ErrAlreadyUsed) {
		t.Errorf("second SetQueue = %v, want ErrAlreadyUsed", err)
	}
	if err := tr.FinishInit(); err != nil {
		t.Fatalf("FinishInit failed: %v", err)
	}

	tr.Notify(1)
	tr.Notify(0)
	// Queue 7 does not exist; the notification is dropped.
	tr.Notify(7)
	wantWrites := []notifyWrite{{Off: 4, Queue: 1}, {Off: 0, Queue: 0}}
	if diff := cmp.Diff(wantWrites, d.notify.writes); diff != "" {
		t.Errorf("doorbell writes mismatch (-want +got):\n%s", diff)
	}

	d.isr.pending = uint8(transport.InterruptQueue)
	if got := tr.AckInterrupt(); got != transport.InterruptQueue {
		t.Errorf("AckInterrupt = %#x, want queue interrupt", got)
	}
	if got := tr.AckInterrupt(); got != 0 {
		t.Errorf("second AckInterrupt = %#x, want 0", got)
	}

	d.config.Write64(0, 1<<21)
	if capacity, err := transport.ReadConfig[uint64](tr, 0); err != nil || capacity != 1<<21 {
		t.Errorf("ReadConfig[uint64](0) = %d, %v; want %d", capacity, err, 1<<21)
	}

	tr.QueueUnset(1)
	if tr.QueueUsed(1) {
		t.Errorf("QueueUsed(1) = true after QueueUnset")
	}
}

func TestPCIProbeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		caps func(f *pcitest.Function)
		want error
	}{
		{
			name: "no common config",
			caps: func(f *pcitest.Function) {
				f.AddCapability(0x09, virtioCapBody(transport.PCICapNotifyCfg, 4, notifyOffset, 8, 4))
				f.AddCapability(0x09, virtioCapBody(transport.PCICapISRCfg, 4, isrOffset, 4))
			},
			want: virtio.ErrUnsupported,
		},
		{
			name: "short common config",
			caps: func(f *pcitest.Function) {
				f.AddCapability(0x09, virtioCapBody(transport.PCICapCommonCfg, 4, commonOffset, 0x20))
			},
			want: virtio.ErrUnsupported,
		},
		{
			name: "beyond BAR",
			caps: func(f *pcitest.Function) {
				f.AddCapability(0x09, virtioCapBody(transport.PCICapCommonCfg, 4, barSize-0x10, 0x38))
			},
			want: virtio.ErrInvalidParam,
		},
		{
			name: "I/O BAR",
			caps: func(f *pcitest.Function) {
				f.SetIOBar(0, 0xc000, 0x40)
				f.AddCapability(0x09, virtioCapBody(transport.PCICapCommonCfg, 0, 0, 0x38))
			},
			want: virtio.ErrUnsupported,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root, df, d := newPCIDevice(t, tc.caps)
			if _, err := transport.NewPCI(root, df, d); !errors.Is(err, tc.want) {
				t.Errorf("NewPCI = %v, want %v", err, tc.want)
			}
		})
	}

	cfg := pcitest.New()
	df := pci.DeviceFunction{Device: 1}
	cfg.Add(df, 0x8086, 0x100e, 0x02000000, 0)
	if _, err := transport.NewPCI(pci.NewRoot(cfg), df, nil); !errors.Is(err, virtio.ErrUnsupported) {
		t.Errorf("NewPCI of a non-VirtIO function = %v, want ErrUnsupported", err)
	}
	if _, err := transport.NewPCI(pci.NewRoot(cfg), pci.DeviceFunction{Device: 2}, nil); !errors.Is(err, virtio.ErrInvalidParam) {
		t.Errorf("NewPCI of an empty slot = %v, want ErrInvalidParam", err)
	}
}
