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

// Package ipi models inter-processor interrupts between a fixed set of cores.
//
// Raising an IPI sets a bit in the destination core's pending word and wakes
// the core if it is waiting. Raises of the same vector coalesce, so work is
// carried in per-core queues and the handler for a vector drains its whole
// queue. Senders never block.
package ipi

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"gvisor.dev/trapcore/pkg/errors"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/vector"
)

var (
	// ErrNoCore is returned for a core index outside the bus.
	ErrNoCore = errors.New(linuxerr.ToUnix(linuxerr.EINVAL), "no such core")

	// ErrNotIPI is returned for vectors outside the inter-processor range.
	ErrNotIPI = errors.New(linuxerr.ToUnix(linuxerr.EINVAL), "vector is not an IPI")
)

// Func is work run on a destination core. It receives the core index.
type Func func(core int)

// Counters are per-core delivery statistics.
type Counters struct {
	// Raised counts raises that set a clear pending bit.
	Raised uint64

	// Coalesced counts raises that found the bit already set.
	Coalesced uint64

	// Handled counts Handle calls that found the bit set.
	Handled uint64

	// Work counts queued functions run.
	Work uint64

	// Pokes counts poke IPIs handled.
	Pokes uint64
}

// pendingBit returns the bit for v in a core's pending word.
func pendingBit(v vector.Vector) (uint32, bool) {
	switch {
	case v >= vector.SMPCall0 && v <= vector.SMPCallLast,
		v == vector.Testing, v == vector.PokeCore, v == vector.KernelMessage:
		return 1 << uint32(v-vector.SMPCall0), true
	default:
		return 0, false
	}
}

type core struct {
	// pending has one bit per IPI vector, relative to SMPCall0.
	pending atomic.Uint32

	// wake has capacity one; a send never blocks.
	wake chan struct{}

	mu sync.Mutex

	// +checklocks:mu
	calls [vector.NumSMPCall][]Func

	// +checklocks:mu
	messages []Func

	raised    atomic.Uint64
	coalesced atomic.Uint64
	handled   atomic.Uint64
	work      atomic.Uint64
	pokes     atomic.Uint64
}

// Bus connects a fixed number of cores.
type Bus struct {
	cores []*core

	// nextCall selects the broadcast wrapper for the next SendCall.
	nextCall atomic.Uint32

	// testing, if non-nil, is run for the Testing vector.
	testing atomic.Pointer[Func]
}

// NewBus returns a bus for n cores.
func NewBus(n int) *Bus {
	if n <= 0 {
		panic(fmt.Sprintf("invalid core count %d", n))
	}
	b := &Bus{cores: make([]*core, n)}
	for i := range b.cores {
		b.cores[i] = &core{wake: make(chan struct{}, 1)}
	}
	return b
}

// NumCores returns the number of cores on the bus.
func (b *Bus) NumCores() int {
	return len(b.cores)
}

func (b *Bus) core(c int) (*core, error) {
	if c < 0 || c >= len(b.cores) {
		return nil, fmt.Errorf("core %d of %d: %w", c, len(b.cores), ErrNoCore)
	}
	return b.cores[c], nil
}

// raise marks v pending on c and wakes it.
func (c *core) raise(v vector.Vector) {
	bit, _ := pendingBit(v)
	if c.pending.Or(bit)&bit != 0 {
		c.coalesced.Add(1)
	} else {
		c.raised.Add(1)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetTestingHandler installs fn as the handler for the Testing vector.
func (b *Bus) SetTestingHandler(fn Func) {
	if fn == nil {
		b.testing.Store(nil)
		return
	}
	b.testing.Store(&fn)
}

// SendCall queues fn on every core in dests and raises one of the broadcast
// wrappers, chosen round-robin. It returns the vector used. Either every
// destination is valid and receives the call, or none does.
func (b *Bus) SendCall(dests []int, fn Func) (vector.Vector, error) {
	for _, d := range dests {
		if _, err := b.core(d); err != nil {
			return 0, err
		}
	}
	idx := int((b.nextCall.Add(1) - 1) % uint32(vector.NumSMPCall))
	v := vector.SMPCall0 + vector.Vector(idx)
	for _, d := range dests {
		c := b.cores[d]
		c.mu.Lock()
		c.calls[idx] = append(c.calls[idx], fn)
		c.mu.Unlock()
		c.raise(v)
	}
	return v, nil
}

// Broadcast sends fn to every core.
func (b *Bus) Broadcast(fn Func) (vector.Vector, error) {
	dests := make([]int, len(b.cores))
	for i := range dests {
		dests[i] = i
	}
	return b.SendCall(dests, fn)
}

// Poke wakes core c.
func (b *Bus) Poke(c int) error {
	cr, err := b.core(c)
	if err != nil {
		return err
	}
	cr.raise(vector.PokeCore)
	return nil
}

// SendKernelMessage queues msg on core c.
func (b *Bus) SendKernelMessage(c int, msg Func) error {
	cr, err := b.core(c)
	if err != nil {
		return err
	}
	cr.mu.Lock()
	cr.messages = append(cr.messages, msg)
	cr.mu.Unlock()
	cr.raise(vector.KernelMessage)
	return nil
}

// SendTesting raises the Testing vector on core c.
func (b *Bus) SendTesting(c int) error {
	cr, err := b.core(c)
	if err != nil {
		return err
	}
	cr.raise(vector.Testing)
	return nil
}

// Pending returns the vectors pending on core c, lowest first.
func (b *Bus) Pending(c int) ([]vector.Vector, error) {
	cr, err := b.core(c)
	if err != nil {
		return nil, err
	}
	var vs []vector.Vector
	for p := cr.pending.Load(); p != 0; p &= p - 1 {
		vs = append(vs, vector.SMPCall0+vector.Vector(bits.TrailingZeros32(p)))
	}
	return vs, nil
}

// Handle services IPI v on core c, as the trap path does when the vector
// arrives. The pending bit is cleared before the queue is drained, so a raise
// racing with Handle is either drained now or left pending. It returns the
// number of queued functions run.
func (b *Bus) Handle(c int, v vector.Vector) (int, error) {
	cr, err := b.core(c)
	if err != nil {
		return 0, err
	}
	bit, ok := pendingBit(v)
	if !ok {
		return 0, fmt.Errorf("vector %v: %w", v, ErrNotIPI)
	}
	if cr.pending.And(^bit)&bit == 0 {
		// Delivered again after an earlier drain; nothing is queued.
		return 0, nil
	}
	cr.handled.Add(1)

	var work []Func
	switch v {
	case vector.PokeCore:
		cr.pokes.Add(1)
		return 0, nil
	case vector.Testing:
		if fn := b.testing.Load(); fn != nil {
			work = []Func{*fn}
		} else {
			log.Debugf("Testing IPI on core %d with no handler", c)
		}
	case vector.KernelMessage:
		cr.mu.Lock()
		work, cr.messages = cr.messages, nil
		cr.mu.Unlock()
	default:
		idx := int(v - vector.SMPCall0)
		cr.mu.Lock()
		work, cr.calls[idx] = cr.calls[idx], nil
		cr.mu.Unlock()
	}
	for _, fn := range work {
		fn(c)
	}
	cr.work.Add(uint64(len(work)))
	return len(work), nil
}

// HandlePending services every vector pending on core c, lowest first.
func (b *Bus) HandlePending(c int) (int, error) {
	vs, err := b.Pending(c)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range vs {
		n, err := b.Handle(c, v)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run services IPIs on core c until ctx is done, and returns ctx.Err().
func (b *Bus) Run(ctx context.Context, c int) error {
	cr, err := b.core(c)
	if err != nil {
		return err
	}
	for {
		if _, err := b.HandlePending(c); err != nil {
			return err
		}
		select {
		case <-cr.wake:
		case <-ctx.Done():
			// Drain what was raised before cancellation.
			if _, err := b.HandlePending(c); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// Counters returns the statistics for core c.
func (b *Bus) Counters(c int) (Counters, error) {
	cr, err := b.core(c)
	if err != nil {
		return Counters{}, err
	}
	return Counters{
		Raised:    cr.raised.Load(),
		Coalesced: cr.coalesced.Load(),
		Handled:   cr.handled.Load(),
		Work:      cr.work.Load(),
		Pokes:     cr.pokes.Load(),
	}, nil
}
