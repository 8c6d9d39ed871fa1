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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/virtio/pkg/virtio/virtq"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	size uint
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the memory layout of a split virtqueue"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [-size N] - print the descriptor table, available ring and used
ring offsets of a split virtqueue with N entries.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.UintVar(&l.size, "size", 256, "number of queue entries, a power of two.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if l.size > 1<<15 {
		return Errorf("queue size %d is too large", l.size)
	}
	layout, err := virtq.NewLayout(uint16(l.size))
	if err != nil {
		return Errorf("%v", err)
	}
	printLayout(os.Stdout, layout)
	return subcommands.ExitSuccess
}

func printLayout(w io.Writer, l virtq.Layout) {
	fmt.Fprintf(w, "size:        %d\n", l.Size)
	fmt.Fprintf(w, "descriptors: %#07x +%d\n", l.DescOffset, l.DescLen)
	fmt.Fprintf(w, "available:   %#07x +%d\n", l.AvailOffset, l.AvailLen)
	fmt.Fprintf(w, "used:        %#07x +%d\n", l.UsedOffset, l.UsedLen)
	fmt.Fprintf(w, "total:       %#07x (%d pages)\n", l.Total, l.Pages())
}
