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

package ipi

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/vector"
)

func TestSendCallRoundRobin(t *testing.T) {
	b := NewBus(2)
	var got []vector.Vector
	for i := 0; i < vector.NumSMPCall+2; i++ {
		v, err := b.SendCall([]int{0}, func(int) {})
		if err != nil {
			t.Fatalf("SendCall: %v", err)
		}
		got = append(got, v)
	}
	want := []vector.Vector{
		vector.SMPCall0, vector.SMPCall1, vector.SMPCall2, vector.SMPCall3, vector.SMPCall4,
		vector.SMPCall0, vector.SMPCall1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrapper sequence mismatch (-want +got):\n%s", diff)
	}
	pending, _ := b.Pending(0)
	if diff := cmp.Diff(want[:vector.NumSMPCall], pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
	if pending, _ := b.Pending(1); len(pending) != 0 {
		t.Errorf("core 1 pending %v", pending)
	}
}

func TestCoalescedRaisesLoseNoWork(t *testing.T) {
	b := NewBus(1)
	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		if err := b.SendKernelMessage(0, func(int) { ran = append(ran, i) }); err != nil {
			t.Fatalf("SendKernelMessage: %v", err)
		}
	}
	n, err := b.Handle(0, vector.KernelMessage)
	if err != nil || n != 3 {
		t.Fatalf("Handle = %d, %v; want 3, nil", n, err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, ran); diff != "" {
		t.Errorf("message order (-want +got):\n%s", diff)
	}
	// A second delivery of the same vector finds nothing.
	if n, _ := b.Handle(0, vector.KernelMessage); n != 0 {
		t.Errorf("second Handle ran %d", n)
	}
	c, _ := b.Counters(0)
	if diff := cmp.Diff(Counters{Raised: 1, Coalesced: 2, Handled: 1, Work: 3}, c); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
}

func TestPokeAndTesting(t *testing.T) {
	b := NewBus(2)
	if err := b.Poke(1); err != nil {
		t.Fatalf("Poke: %v", err)
	}
	var hit atomic.Int32
	b.SetTestingHandler(func(c int) { hit.Store(int32(c) + 1) })
	if err := b.SendTesting(1); err != nil {
		t.Fatalf("SendTesting: %v", err)
	}
	pending, _ := b.Pending(1)
	if diff := cmp.Diff([]vector.Vector{vector.Testing, vector.PokeCore}, pending); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
	if _, err := b.HandlePending(1); err != nil {
		t.Fatalf("HandlePending: %v", err)
	}
	if hit.Load() != 2 {
		t.Errorf("testing handler saw core %d, want 1", hit.Load()-1)
	}
	if c, _ := b.Counters(1); c.Pokes != 1 {
		t.Errorf("Pokes = %d, want 1", c.Pokes)
	}
}

func TestErrors(t *testing.T) {
	b := NewBus(1)
	if _, err := b.SendCall([]int{0, 5}, func(int) {}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("SendCall to bad core = %v", err)
	}
	// Nothing was queued on the valid destination.
	if pending, _ := b.Pending(0); len(pending) != 0 {
		t.Errorf("partial send left %v pending", pending)
	}
	if err := b.Poke(-1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Poke(-1) = %v", err)
	}
	for _, v := range []vector.Vector{vector.PageFault, vector.Syscall, vector.SMPCallLast + 1, vector.LAPICTimer} {
		if _, err := b.Handle(0, v); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Handle(%v) = %v, want EINVAL", v, err)
		}
	}
}

func TestRunAcrossCores(t *testing.T) {
	const cores = 4
	b := NewBus(cores)
	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group
	for c := 0; c < cores; c++ {
		c := c
		g.Go(func() error {
			if err := b.Run(ctx, c); err != context.Canceled {
				return err
			}
			return nil
		})
	}

	const rounds = 50
	var total atomic.Int64
	var seen [cores]atomic.Int64
	for i := 0; i < rounds; i++ {
		if _, err := b.Broadcast(func(c int) {
			seen[c].Add(1)
			total.Add(1)
		}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}
	deadline := time.Now().Add(10 * time.Second)
	for total.Load() != rounds*cores && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for c := range seen {
		if got := seen[c].Load(); got != rounds {
			t.Errorf("core %d ran %d calls, want %d", c, got, rounds)
		}
	}
}
