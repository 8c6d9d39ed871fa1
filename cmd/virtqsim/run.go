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
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/virtio/pkg/log"
	"gvisor.dev/virtio/pkg/virtio"
	"gvisor.dev/virtio/pkg/virtio/fakedev"
	"gvisor.dev/virtio/pkg/virtio/hal/mmaphal"
	"gvisor.dev/virtio/pkg/virtio/poll"
	"gvisor.dev/virtio/pkg/virtio/transport"
	"gvisor.dev/virtio/pkg/virtio/virtq"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	profile  string
	requests int
	metrics  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "drive a virtqueue against a simulated echo device"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-profile FILE] [-requests N] [-metrics] - initialize a simulated
device, issue requests on queue 0 and check that the device echoes them back.

The profile is a TOML (.toml) or YAML (.yaml, .yml) file, for example:

    device = "network"
    event_idx = true
    queue_size = 64
    requests = 10000
    depth = 16

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.profile, "profile", "", "path to a device profile; the built-in profile is used if empty.")
	f.IntVar(&r.requests, "requests", 0, "number of requests, overriding the profile if positive.")
	f.BoolVar(&r.metrics, "metrics", false, "print queue metrics in the Prometheus text format.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	p := DefaultProfile()
	if r.profile != "" {
		var err error
		if p, err = LoadProfile(r.profile); err != nil {
			return Errorf("loading profile: %v", err)
		}
	}
	if r.requests > 0 {
		p.Requests = r.requests
	}
	if err := p.Validate(); err != nil {
		return Errorf("invalid profile: %v", err)
	}

	var metrics io.Writer
	if r.metrics {
		metrics = os.Stdout
	}
	res, err := simulate(ctx, p, metrics)
	if err != nil {
		return Errorf("simulation failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "features:  %v\n", res.Features)
	fmt.Fprintf(os.Stdout, "requests:  %d in %v\n", res.Stats.Completed, res.Elapsed)
	fmt.Fprintf(os.Stdout, "notified:  %d (suppressed %d)\n", res.Stats.Notified, res.Stats.Suppressed)
	fmt.Fprintf(os.Stdout, "full:      %d\n", res.Stats.Full)
	fmt.Fprintf(os.Stdout, "irqs:      %d\n", res.Interrupts)
	return subcommands.ExitSuccess
}

// result summarizes a simulation.
type result struct {
	Features   transport.Features
	Stats      virtq.Stats
	Interrupts int
	Elapsed    time.Duration
}

// simulate runs p to completion. If metrics is not nil, the queue metrics
// are written to it before the device is reset.
func simulate(ctx context.Context, p Profile, metrics io.Writer) (*result, error) {
	devType, err := virtio.ParseDeviceType(p.Device)
	if err != nil {
		return nil, err
	}
	arena, err := mmaphal.New(mmaphal.Options{Pages: p.Pages, AlwaysBounce: p.Bounce})
	if err != nil {
		return nil, err
	}
	defer arena.Close()

	offered := transport.FeatureVersion1
	if p.Indirect {
		offered |= transport.FeatureIndirectDesc
	}
	if p.EventIdx {
		offered |= transport.FeatureEventIdx
	}
	fake := transport.NewFake(transport.FakeOptions{
		DeviceType:   devType,
		Features:     offered,
		Queues:       1,
		MaxQueueSize: p.MaxQueueSize,
	})
	dev := fakedev.New(fake, arena)
	tr := transport.New(fake)

	features, err := tr.BeginInit(ctx, transport.SupportedFeatures)
	if err != nil {
		return nil, err
	}
	q, err := virtq.New(tr, arena, 0, p.QueueSize)
	if err != nil {
		tr.Fail()
		return nil, err
	}
	if err := tr.FinishInit(); err != nil {
		q.Release()
		return nil, err
	}
	log.Infof("Simulating %v device, features %v, queue size %d", devType, features, q.Size())

	res := &result{Features: features}
	start := time.Now()
	driveCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(driveCtx)
	g.Go(func() error {
		if err := dev.Serve(gctx, 0, fakedev.Echo); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		n, err := drive(gctx, tr, q, p)
		res.Interrupts = n
		return err
	})
	err = g.Wait()
	cancel()
	res.Elapsed = time.Since(start)
	res.Stats = q.Stats()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err == nil && metrics != nil {
		err = writeMetrics(metrics, q, arena)
	}

	if rerr := tr.Reset(context.Background()); rerr != nil {
		log.Warningf("Resetting the device: %v", rerr)
	}
	dev.Reset()
	if rerr := q.Release(); rerr != nil {
		log.Warningf("Releasing queue 0: %v", rerr)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// request is a chain in flight.
type request struct {
	readable [][]byte
	payload  []byte
	reply    []byte
}

func newRequest(p Profile, seq int) *request {
	payload := make([]byte, p.RequestSize)
	for i := range payload {
		payload[i] = byte(seq + i)
	}
	r := &request{
		payload: payload,
		reply:   make([]byte, p.RequestSize),
	}
	step := (len(payload) + p.Segments - 1) / p.Segments
	for off := 0; off < len(payload); off += step {
		r.readable = append(r.readable, payload[off:min(off+step, len(payload))])
	}
	return r
}

func (r *request) check(id uint16, n uint32) error {
	if int(n) != len(r.payload) || !bytes.Equal(r.reply, r.payload) {
		return fmt.Errorf("request %d: device wrote %d bytes %x, want %x: %w", id, n, r.reply[:min(int(n), len(r.reply))], r.payload, virtio.ErrIO)
	}
	return nil
}

// drive issues p.Requests requests, keeping up to p.Depth in flight, and
// returns the number of queue interrupts the device raised.
func drive(ctx context.Context, tr *transport.Transport, q *virtq.Queue, p Profile) (int, error) {
	interrupts := 0
	ack := func() {
		if tr.AckInterrupt()&transport.InterruptQueue != 0 {
			interrupts++
		}
	}

	if p.Depth == 1 {
		for seq := 0; seq < p.Requests; seq++ {
			r := newRequest(p, seq)
			n, err := q.AddNotifyWait(ctx, r.readable, [][]byte{r.reply})
			if err != nil {
				return interrupts, err
			}
			ack()
			if err := r.check(uint16(seq), n); err != nil {
				return interrupts, err
			}
		}
		return interrupts, nil
	}

	inFlight := make(map[uint16]*request)
	seq := 0
	for seq < p.Requests || len(inFlight) > 0 {
		added := 0
		for seq < p.Requests && len(inFlight) < p.Depth {
			r := newRequest(p, seq)
			token, err := q.Add(r.readable, [][]byte{r.reply})
			if errors.Is(err, virtio.ErrQueueFull) && len(inFlight) > 0 {
				break
			}
			if err != nil {
				return interrupts, err
			}
			inFlight[token] = r
			seq++
			added++
		}
		if added > 0 {
			q.NotifyIfNeeded()
		}

		if err := waitUsed(ctx, q); err != nil {
			return interrupts, err
		}
		ack()
		for {
			token, n, ok, err := q.PopUsed()
			if err != nil {
				return interrupts, err
			}
			if !ok {
				break
			}
			r, found := inFlight[token]
			if !found {
				return interrupts, fmt.Errorf("completion for unknown chain %d: %w", token, virtio.ErrWrongToken)
			}
			delete(inFlight, token)
			if err := r.check(token, n); err != nil {
				return interrupts, err
			}
		}
	}
	return interrupts, nil
}

var errIdle = errors.New("no completions yet")

// waitUsed polls until the device has completed at least one chain.
func waitUsed(ctx context.Context, q *virtq.Queue) error {
	err := poll.Retry(ctx, poll.NewBackOff(time.Microsecond, time.Millisecond), func() error {
		if q.CanPop() {
			return nil
		}
		return errIdle
	})
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		return ctxErr
	}
	return err
}
