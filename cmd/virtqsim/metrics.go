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
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/virtio/pkg/virtio/hal/mmaphal"
	"gvisor.dev/virtio/pkg/virtio/virtq"
)

const metricsNamespace = "virtqsim"

// newRegistry exports the state of q and arena. Values are read at gather
// time, so the registry must be gathered from the goroutine that owns q.
func newRegistry(q *virtq.Queue, arena *mmaphal.Arena) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"queue": fmt.Sprint(q.Index())}

	counters := []struct {
		name, help string
		value      func(virtq.Stats) uint64
	}{
		{"chains_added_total", "Chains published on the available ring.", func(s virtq.Stats) uint64 { return s.Added }},
		{"chains_completed_total", "Chains reclaimed from the used ring.", func(s virtq.Stats) uint64 { return s.Completed }},
		{"notifications_total", "Notifications sent to the device.", func(s virtq.Stats) uint64 { return s.Notified }},
		{"notifications_suppressed_total", "Notifications the device asked to skip.", func(s virtq.Stats) uint64 { return s.Suppressed }},
		{"queue_full_total", "Requests refused for lack of descriptors.", func(s virtq.Stats) uint64 { return s.Full }},
		{"device_violations_total", "Used ring entries that broke the ring protocol.", func(s virtq.Stats) uint64 { return s.Violations }},
	}
	for _, c := range counters {
		value := c.value
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        c.name,
			Help:        c.help,
			ConstLabels: labels,
		}, func() float64 { return float64(value(q.Stats())) }))
	}

	gauges := []struct {
		name, help string
		value      func() float64
	}{
		{"queue_size", "Number of descriptors in the queue.", func() float64 { return float64(q.Size()) }},
		{"chains_in_flight", "Chains published and not yet reclaimed.", func() float64 { return float64(q.InFlight()) }},
		{"descriptors_free", "Descriptors on the free list.", func() float64 { return float64(q.AvailableDescriptors()) }},
		{"arena_free_pages", "Unallocated pages of guest memory.", func() float64 { return float64(arena.FreePages()) }},
		{"bounced_buffers", "Buffers currently staged in guest memory.", func() float64 { return float64(arena.Bounced()) }},
	}
	for _, g := range gauges {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        g.name,
			Help:        g.help,
			ConstLabels: labels,
		}, g.value))
	}
	return reg
}

// writeMetrics gathers the queue metrics and writes them in the Prometheus
// text format.
func writeMetrics(w io.Writer, q *virtq.Queue, arena *mmaphal.Arena) error {
	families, err := newRegistry(q, arena).Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
