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

//go:build unix
// +build unix

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/virtio/pkg/virtio"
)

// Profile describes a simulated device and the load the driver puts on it.
type Profile struct {
	// Device is the device type name, as printed by virtio.DeviceType.
	Device string `toml:"device" yaml:"device"`

	// Indirect and EventIdx select the optional ring features the device
	// offers.
	Indirect bool `toml:"indirect" yaml:"indirect"`
	EventIdx bool `toml:"event_idx" yaml:"event_idx"`

	QueueSize    uint16 `toml:"queue_size" yaml:"queue_size"`
	MaxQueueSize uint32 `toml:"max_queue_size" yaml:"max_queue_size"`

	// Pages is the size of the simulated guest memory.
	Pages uint64 `toml:"pages" yaml:"pages"`

	// Bounce stages every buffer through guest memory.
	Bounce bool `toml:"bounce" yaml:"bounce"`

	// Requests is the number of requests to issue. Each carries
	// RequestSize bytes split over Segments readable buffers and one
	// writable buffer of the same size.
	Requests    int `toml:"requests" yaml:"requests"`
	RequestSize int `toml:"request_size" yaml:"request_size"`
	Segments    int `toml:"segments" yaml:"segments"`

	// Depth is the number of requests kept in flight.
	Depth int `toml:"depth" yaml:"depth"`
}

// DefaultProfile returns the profile used when none is given.
func DefaultProfile() Profile {
	return Profile{
		Device:       virtio.DeviceNetwork.String(),
		Indirect:     true,
		EventIdx:     true,
		QueueSize:    256,
		MaxQueueSize: 1024,
		Pages:        256,
		Requests:     1024,
		RequestSize:  64,
		Segments:     2,
		Depth:        8,
	}
}

// LoadProfile reads a profile from a TOML or YAML file, chosen by extension.
// Fields missing from the file keep their default values.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	switch filepath.Ext(path) {
	case ".toml":
		md, err := toml.DecodeFile(path, &p)
		if err != nil {
			return Profile{}, fmt.Errorf("decoding %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return Profile{}, fmt.Errorf("decoding %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return Profile{}, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Profile{}, fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return Profile{}, fmt.Errorf("profile %q is neither .toml nor .yaml", path)
	}
	return p, p.Validate()
}

// Validate checks the parts of the profile the queue does not check itself.
func (p *Profile) Validate() error {
	if _, err := virtio.ParseDeviceType(p.Device); err != nil {
		return err
	}
	switch {
	case p.Requests < 0:
		return fmt.Errorf("negative request count %d: %w", p.Requests, virtio.ErrInvalidParam)
	case p.RequestSize <= 0:
		return fmt.Errorf("request size %d: %w", p.RequestSize, virtio.ErrInvalidParam)
	case p.Segments < 1 || p.Segments > p.RequestSize:
		return fmt.Errorf("%d segments for %d bytes: %w", p.Segments, p.RequestSize, virtio.ErrInvalidParam)
	case p.Depth < 1:
		return fmt.Errorf("depth %d: %w", p.Depth, virtio.ErrInvalidParam)
	case uint32(p.QueueSize) > p.MaxQueueSize:
		return fmt.Errorf("queue size %d exceeds the device maximum %d: %w", p.QueueSize, p.MaxQueueSize, virtio.ErrInvalidParam)
	}
	return nil
}
