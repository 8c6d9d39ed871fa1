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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/virtio/pkg/virtio"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadProfile(t *testing.T) {
	want := DefaultProfile()
	want.Device = "block"
	want.EventIdx = false
	want.QueueSize = 16
	want.Requests = 10
	want.Depth = 4

	for _, tc := range []struct {
		name     string
		contents string
	}{
		{
			name: "profile.toml",
			contents: `device = "block"
event_idx = false
queue_size = 16
requests = 10
depth = 4
`,
		},
		{
			name: "profile.yaml",
			contents: `device: block
event_idx: false
queue_size: 16
requests: 10
depth: 4
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoadProfile(writeFile(t, tc.name, tc.contents))
			if err != nil {
				t.Fatalf("LoadProfile failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("profile mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadProfileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     error
	}{
		{name: "unknown.toml", contents: "colour = \"red\"\n"},
		{name: "unknown.yml", contents: "colour: red\n"},
		{name: "profile.json", contents: "{}"},
		{name: "device.toml", contents: "device = \"toaster\"\n", want: virtio.ErrInvalidParam},
		{name: "segments.yaml", contents: "request_size: 2\nsegments: 3\n", want: virtio.ErrInvalidParam},
		{name: "depth.toml", contents: "depth = 0\n", want: virtio.ErrInvalidParam},
		{name: "size.toml", contents: "queue_size = 2048\n", want: virtio.ErrInvalidParam},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadProfile(writeFile(t, tc.name, tc.contents))
			if err == nil {
				t.Fatalf("LoadProfile succeeded")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("LoadProfile = %v, want %v", err, tc.want)
			}
		})
	}
}
