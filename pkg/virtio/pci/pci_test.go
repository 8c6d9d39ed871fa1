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

package pci_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/pci"
	"gvisor.dev/virtio/pkg/virtio/pci/pcitest"
	"gvisor.dev/virtio/pkg/virtio/volatile"
)

func TestEnumerate(t *testing.T) {
	cfg := pcitest.New()
	cfg.Add(pci.DeviceFunction{Device: 0}, 0x8086, 0x29c0, 0x06000000, 0)
	cfg.Add(pci.DeviceFunction{Device: 3}, pci.VirtIOVendorID, 0x1042, 0x01800001, 0x80)
	cfg.Add(pci.DeviceFunction{Device: 3, Function: 2}, pci.VirtIOVendorID, 0x1041, 0x02000001, 0)
	// Not reached: device 4 is not multi-function.
	cfg.Add(pci.DeviceFunction{Device: 4}, pci.VirtIOVendorID, 0x1043, 0x07800001, 0)
	cfg.Add(pci.DeviceFunction{Device: 4, Function: 1}, pci.VirtIOVendorID, 0x1043, 0x07800001, 0)

	root := pci.NewRoot(cfg)
	var got []string
	for _, f := range root.Enumerate(0) {
		got = append(got, f.DeviceFunction.String()+" "+pci.VirtioDeviceType(f.Info).String())
	}
	want := []string{
		"00:00.0 invalid",
		"00:03.0 block",
		"00:03.2 network",
		"00:04.0 console",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Enumerate mismatch (-want +got):\n%s", diff)
	}
}

func TestInfo(t *testing.T) {
	cfg := pcitest.New()
	df := pci.DeviceFunction{Bus: 1, Device: 2, Function: 3}
	cfg.Add(df, pci.VirtIOVendorID, 0x1001, 0x01000002, 0)
	root := pci.NewRoot(cfg)
	info, ok := root.Info(df)
	if !ok {
		t.Fatalf("Info(%v) found nothing", df)
	}
	want := pci.DeviceFunctionInfo{
		VendorID: pci.VirtIOVendorID,
		DeviceID: 0x1001,
		Class:    0x01,
		Subclass: 0x00,
		ProgIF:   0x00,
		Revision: 0x02,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
	if got := pci.VirtioDeviceType(info); got != virtio.DeviceBlock {
		t.Errorf("VirtioDeviceType = %v, want block", got)
	}
	if _, ok := root.Info(pci.DeviceFunction{Device: 40}); ok {
		t.Errorf("Info found a function at device 40")
	}
}

func TestCapabilities(t *testing.T) {
	cfg := pcitest.New()
	df := pci.DeviceFunction{}
	f := cfg.Add(df, pci.VirtIOVendorID, 0x1041, 0, 0)
	root := pci.NewRoot(cfg)
	if caps := root.Capabilities(df); caps != nil {
		t.Errorf("Capabilities of a function without a list = %v, want nil", caps)
	}

	a := f.AddCapability(0x09, []byte{16, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	b := f.AddCapability(0x11, []byte{0x34, 0x12})
	want := []pci.Capability{
		{Offset: a, ID: 0x09, Private: 0x0110},
		{Offset: b, ID: 0x11, Private: 0x1234},
	}
	if diff := cmp.Diff(want, root.Capabilities(df)); diff != "" {
		t.Errorf("Capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestBar(t *testing.T) {
	cfg := pcitest.New()
	df := pci.DeviceFunction{Device: 1}
	f := cfg.Add(df, pci.VirtIOVendorID, 0x1041, 0, 0)
	f.SetBar(0, 0xfe000000, 0x1000, false)
	f.SetIOBar(1, 0xc000, 0x40)
	f.SetBar(2, 0x8000000000, 0x4000, true)
	root := pci.NewRoot(cfg)

	for _, tc := range []struct {
		n    uint8
		want pci.BarInfo
	}{
		{0, pci.BarInfo{Index: 0, Kind: pci.BarMemory32, Address: 0xfe000000, Size: 0x1000}},
		{1, pci.BarInfo{Index: 1, Kind: pci.BarIO, Address: 0xc000, Size: 0x40}},
		{2, pci.BarInfo{Index: 2, Kind: pci.BarMemory64, Address: 0x8000000000, Size: 0x4000}},
		{4, pci.BarInfo{Index: 4, Kind: pci.BarMemory32}},
	} {
		got, err := root.Bar(df, tc.n)
		if err != nil {
			t.Errorf("Bar(%d) failed: %v", tc.n, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Bar(%d) mismatch (-want +got):\n%s", tc.n, diff)
		}
	}

	// Sizing must restore the original address.
	if got, err := root.Bar(df, 0); err != nil || got.Address != 0xfe000000 {
		t.Errorf("Bar(0) after sizing = %+v, %v; want address 0xfe000000", got, err)
	}
	if _, err := root.Bar(df, 6); !errors.Is(err, virtio.ErrInvalidParam) {
		t.Errorf("Bar(6) = %v, want ErrInvalidParam", err)
	}
}

func TestCommand(t *testing.T) {
	cfg := pcitest.New()
	df := pci.DeviceFunction{}
	cfg.Add(df, pci.VirtIOVendorID, 0x1041, 0, 0)
	root := pci.NewRoot(cfg)
	root.SetCommand(df, pci.CommandMemorySpace|pci.CommandBusMaster)
	if got, want := root.Command(df), pci.CommandMemorySpace|pci.CommandBusMaster; got != want {
		t.Errorf("Command() = %#x, want %#x", got, want)
	}
}

func TestECAM(t *testing.T) {
	r := volatile.Alloc(3 << 12)
	e := pci.NewECAM(r)
	df := pci.DeviceFunction{Bus: 0, Device: 0, Function: 2}
	e.Write32(df, 0x10, 0xdeadbeef)
	if got := r.Read32(2<<12 | 0x10); got != 0xdeadbeef {
		t.Errorf("ECAM wrote %#x at the function's BAR0, want 0xdeadbeef", got)
	}
	if got := e.Read32(df, 0x12); got != 0xdeadbeef {
		t.Errorf("unaligned Read32 = %#x, want 0xdeadbeef", got)
	}
}
