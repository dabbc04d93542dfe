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

package trap

import (
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/vector"
)

type signalCounters struct {
	delivered atomic.Uint64
	defaulted atomic.Uint64
}

// Stats are the trap path's counters.
type Stats struct {
	traps         [vector.NumVectors]atomic.Uint64
	signals       [linux.SignalMaximum + 1]signalCounters
	lapicEOIs     atomic.Uint64
	lapicSpurious atomic.Uint64
	fatal         atomic.Uint64
}

// Traps returns the number of traps taken on v.
func (s *Stats) Traps(v vector.Vector) uint64 {
	return s.traps[v].Load()
}

// Signals returns the number of times sig was delivered and the number of
// times its default action was applied instead.
func (s *Stats) Signals(sig linux.Signal) (delivered, defaulted uint64) {
	if !sig.IsValid() {
		return 0, 0
	}
	c := &s.signals[sig]
	return c.delivered.Load(), c.defaulted.Load()
}

// LAPICEOIs returns the number of local APIC acknowledgements issued.
func (s *Stats) LAPICEOIs() uint64 {
	return s.lapicEOIs.Load()
}

// Fatal returns the number of fatal traps.
func (s *Stats) Fatal() uint64 {
	return s.fatal.Load()
}

// Metric names.
const (
	metricTraps              = "trapcore_traps_total"
	metricIRQEvents          = "trapcore_irq_events_total"
	metricIPIRaises          = "trapcore_ipi_raises_total"
	metricIPIWork            = "trapcore_ipi_work_total"
	metricLAPICEOIs          = "trapcore_lapic_eoi_total"
	metricLAPICSpurious      = "trapcore_lapic_spurious_total"
	metricSignals            = "trapcore_signals_total"
	metricFatal              = "trapcore_fatal_traps_total"
	metricFPURestoreFaults   = "trapcore_fpu_restore_faults_total"
	metricPayloadOutstanding = "trapcore_signal_payloads_outstanding"
	metricVectorsFree        = "trapcore_device_vectors_free"
)

func newFamily(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
}

// add appends a sample with the given label name/value pairs.
func add(f *dto.MetricFamily, value uint64, labels ...string) {
	m := &dto.Metric{}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}
	if f.GetType() == dto.MetricType_GAUGE {
		m.Gauge = &dto.Gauge{Value: proto.Float64(float64(value))}
	} else {
		m.Counter = &dto.Counter{Value: proto.Float64(float64(value))}
	}
	f.Metric = append(f.Metric, m)
}

// MetricFamilies snapshots the kernel's counters. Families without samples
// are omitted.
func (k *Kernel) MetricFamilies() []*dto.MetricFamily {
	s := &k.stats

	traps := newFamily(metricTraps, "Traps taken, by vector.", dto.MetricType_COUNTER)
	for v := 0; v < vector.NumVectors; v++ {
		if n := s.traps[v].Load(); n != 0 {
			vec := vector.Vector(v)
			add(traps, n, "vector", strconv.Itoa(v), "kind", vector.Classify(vec).String(), "name", vector.Name(vec))
		}
	}

	irqs := newFamily(metricIRQEvents, "IRQ line events, by vector and event.", dto.MetricType_COUNTER)
	for _, v := range k.IRQs.Lines() {
		c := k.IRQs.Counters(v)
		vs := strconv.Itoa(int(v))
		add(irqs, c.Dispatched, "vector", vs, "event", "dispatched")
		add(irqs, c.Spurious, "vector", vs, "event", "spurious")
		add(irqs, c.Unhandled, "vector", vs, "event", "unhandled")
	}

	raises := newFamily(metricIPIRaises, "IPI raises, by core and result.", dto.MetricType_COUNTER)
	work := newFamily(metricIPIWork, "Queued IPI functions run, by core.", dto.MetricType_COUNTER)
	for core := 0; core < k.IPIs.NumCores(); core++ {
		c, err := k.IPIs.Counters(core)
		if err != nil {
			continue
		}
		cs := strconv.Itoa(core)
		add(raises, c.Raised, "core", cs, "result", "raised")
		add(raises, c.Coalesced, "core", cs, "result", "coalesced")
		add(work, c.Work, "core", cs)
	}

	signals := newFamily(metricSignals, "Signals raised by exceptions, by signal and result.", dto.MetricType_COUNTER)
	for sig := linux.Signal(1); sig <= linux.SignalMaximum; sig++ {
		delivered, defaulted := s.Signals(sig)
		if delivered != 0 {
			add(signals, delivered, "signal", sig.String(), "result", "delivered")
		}
		if defaulted != 0 {
			add(signals, defaulted, "signal", sig.String(), "result", "default")
		}
	}

	eois := newFamily(metricLAPICEOIs, "Local APIC acknowledgements.", dto.MetricType_COUNTER)
	add(eois, s.lapicEOIs.Load())
	spurious := newFamily(metricLAPICSpurious, "Spurious local APIC interrupts.", dto.MetricType_COUNTER)
	add(spurious, s.lapicSpurious.Load())
	fatal := newFamily(metricFatal, "Unrecoverable traps.", dto.MetricType_COUNTER)
	add(fatal, s.fatal.Load())
	faults := newFamily(metricFPURestoreFaults, "Extended state restores that faulted.", dto.MetricType_COUNTER)
	add(faults, k.FPU.RestoreFaults())
	outstanding := newFamily(metricPayloadOutstanding, "Signal payloads owned by the scheduler.", dto.MetricType_GAUGE)
	add(outstanding, uint64(k.Signals.Outstanding()))
	free := newFamily(metricVectorsFree, "Unassigned device vectors.", dto.MetricType_GAUGE)
	add(free, uint64(k.Vectors.Free()))

	var out []*dto.MetricFamily
	for _, f := range []*dto.MetricFamily{traps, irqs, raises, work, signals, eois, spurious, fatal, faults, outstanding, free} {
		if len(f.Metric) != 0 {
			out = append(out, f)
		}
	}
	return out
}

// WritePrometheus writes the kernel's counters to w in the Prometheus text
// exposition format.
func (k *Kernel) WritePrometheus(w io.Writer) error {
	for _, f := range k.MetricFamilies() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing %s: %w", f.GetName(), err)
		}
	}
	return nil
}
