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

// Package sigbridge carries POSIX signals generated by kernel traps to a
// user-level scheduler.
//
// The scheduler (a 2LS) implements Ops and installs it once during its own
// initialization. Until then every signal primitive fails with
// ErrUnsupported, and Trigger leaves the choice of a default action to the
// caller. Signal state (masks, queues, handlers) belongs to the provider; the
// bridge only defines what crosses the boundary and hands it over.
package sigbridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/errors"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/fpu"
	"gvisor.dev/trapcore/pkg/log"
)

var (
	// ErrUnsupported is returned by every primitive while no provider is
	// installed.
	ErrUnsupported = errors.New(linuxerr.ToUnix(linuxerr.ENOSYS), "signals unsupported: no provider installed")

	// ErrAlreadyInstalled is returned by a second Install.
	ErrAlreadyInstalled = errors.New(linuxerr.ToUnix(linuxerr.EBUSY), "signal provider already installed")
)

// DefaultPoolSize is the number of payloads a Bridge holds when Options
// leaves PoolSize unset.
const DefaultPoolSize = 64

// ThreadID identifies a user thread of the provider.
type ThreadID int32

// Payload is the data carried with a signal: the interrupted user context,
// its floating point state, the signal information and the alternate stack.
//
// A payload belongs to exactly one party at a time. Trigger transfers it to
// the provider, which returns it with FreePayload once the thread is resumed.
type Payload struct {
	// Thread is the thread the signal is directed at.
	Thread ThreadID

	// Context is the interrupted register state.
	Context arch.Registers

	// FPState is the floating point state at the time of the trap.
	FPState fpu.State

	// Info describes the signal.
	Info arch.SignalInfo

	// Stack is the alternate stack pointer, or zero if the handler runs on
	// the thread's stack.
	Stack uint64

	inUse bool
}

// Signal returns the signal carried by p.
func (p *Payload) Signal() linux.Signal {
	return linux.Signal(p.Info.Signo)
}

// Ops is implemented by the user-level scheduler. The methods mirror the
// POSIX primitives; tid names the calling thread.
type Ops interface {
	// SigAltStack sets the alternate signal stack if ss is non-nil and
	// returns the previous one.
	SigAltStack(tid ThreadID, ss *arch.SignalStack) (arch.SignalStack, error)

	// SigInterrupt sets whether sig interrupts blocking primitives.
	SigInterrupt(tid ThreadID, sig linux.Signal, interrupt bool) error

	// SigPending returns the signals pending and blocked for tid.
	SigPending(tid ThreadID) (linux.SignalSet, error)

	// SigProcMask changes the signal mask as directed by how and returns the
	// previous mask.
	SigProcMask(tid ThreadID, how int, set *linux.SignalSet) (linux.SignalSet, error)

	// SigQueue queues sig with value for thread target.
	SigQueue(target ThreadID, sig linux.Signal, value uint64) error

	// SigReturn resumes tid from the handler that received p.
	SigReturn(tid ThreadID, p *Payload) error

	// SigStack is the legacy interface to the alternate signal stack.
	SigStack(tid ThreadID, ss *arch.SignalStack) (arch.SignalStack, error)

	// SigSuspend replaces the mask with mask until a signal is delivered.
	SigSuspend(ctx context.Context, tid ThreadID, mask linux.SignalSet) error

	// SigTimedWait waits up to timeout for a signal in set. A zero timeout
	// polls.
	SigTimedWait(ctx context.Context, tid ThreadID, set linux.SignalSet, timeout time.Duration) (arch.SignalInfo, error)

	// SigWait waits for a signal in set.
	SigWait(ctx context.Context, tid ThreadID, set linux.SignalSet) (linux.Signal, error)

	// SigWaitInfo waits for a signal in set and returns its information.
	SigWaitInfo(ctx context.Context, tid ThreadID, set linux.SignalSet) (arch.SignalInfo, error)

	// Deliver receives a payload produced by Trigger. On success the
	// provider owns p. aux is passed through from Trigger.
	Deliver(p *Payload, aux any) error
}

// Options configure a Bridge.
type Options struct {
	// PoolSize bounds the number of payloads in flight.
	PoolSize int
}

type provider struct {
	ops Ops
}

// Bridge connects the trap path to one provider.
type Bridge struct {
	fpu *fpu.Manager

	ops atomic.Pointer[provider]

	mu sync.Mutex

	// +checklocks:mu
	free []*Payload

	// +checklocks:mu
	allocated int

	// +checklocks:mu
	outstanding int

	poolSize int

	triggered   atomic.Uint64
	unsupported atomic.Uint64
}

// NewBridge returns a Bridge that snapshots floating point state through mgr.
func NewBridge(mgr *fpu.Manager, opts Options) *Bridge {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	return &Bridge{
		fpu:      mgr,
		poolSize: opts.PoolSize,
	}
}

var defaultBridge atomic.Pointer[Bridge]

// Default returns the process-wide Bridge, or nil if none was set.
func Default() *Bridge {
	return defaultBridge.Load()
}

// SetDefault sets the process-wide Bridge.
func SetDefault(b *Bridge) {
	defaultBridge.Store(b)
}

// FPU returns the floating point manager used for snapshots.
func (b *Bridge) FPU() *fpu.Manager {
	return b.fpu
}

// Install registers ops as the provider. It may be called once.
func (b *Bridge) Install(ops Ops) error {
	if ops == nil {
		return linuxerr.EINVAL
	}
	if !b.ops.CompareAndSwap(nil, &provider{ops: ops}) {
		return ErrAlreadyInstalled
	}
	log.Infof("Signal provider %T installed", ops)
	return nil
}

// Uninstall removes the provider, at teardown.
func (b *Bridge) Uninstall() {
	b.ops.Store(nil)
}

// Installed returns true if a provider is installed.
func (b *Bridge) Installed() bool {
	return b.ops.Load() != nil
}

func (b *Bridge) provider() Ops {
	if p := b.ops.Load(); p != nil {
		return p.ops
	}
	return nil
}

// AllocPayload returns a payload for a thread that becomes able to handle
// signals. It fails with ENOMEM when the pool is exhausted.
func (b *Bridge) AllocPayload() (*Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p *Payload
	if n := len(b.free); n > 0 {
		p = b.free[n-1]
		b.free = b.free[:n-1]
	} else if b.allocated < b.poolSize {
		p = &Payload{FPState: b.fpu.NewState()}
		b.allocated++
	} else {
		return nil, fmt.Errorf("signal payload pool of %d exhausted: %w", b.poolSize, linuxerr.ENOMEM)
	}
	p.inUse = true
	b.outstanding++
	return p, nil
}

// FreePayload returns p to the pool. Freeing a payload twice panics.
func (b *Bridge) FreePayload(p *Payload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !p.inUse {
		panic(fmt.Sprintf("signal payload %p freed twice", p))
	}
	fp := p.FPState
	b.fpu.Reset(fp)
	*p = Payload{FPState: fp}
	b.free = append(b.free, p)
	b.outstanding--
}

// Outstanding returns the number of payloads not in the pool.
func (b *Bridge) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outstanding
}

// Stats returns the number of triggered signals that reached a provider and
// the number rejected for lack of one.
func (b *Bridge) Stats() (triggered, unsupported uint64) {
	return b.triggered.Load(), b.unsupported.Load()
}

// Trigger delivers sig to thread tid, which was interrupted with the register
// state in frame. The current floating point state is captured with it.
//
// Without a provider Trigger returns ErrUnsupported and changes nothing; the
// caller applies the default action. Once the provider accepts the payload,
// the caller's copy of the interrupted state is no longer authoritative.
func (b *Bridge) Trigger(sig linux.Signal, tid ThreadID, frame *arch.Registers, info *arch.SignalInfo, aux any) error {
	if !sig.IsValid() {
		return fmt.Errorf("signal %d: %w", int(sig), linuxerr.EINVAL)
	}
	ops := b.provider()
	if ops == nil {
		b.unsupported.Add(1)
		return ErrUnsupported
	}
	p, err := b.AllocPayload()
	if err != nil {
		return err
	}
	p.Thread = tid
	p.Context = *frame
	b.fpu.Save(p.FPState)
	if info != nil {
		p.Info = *info
	}
	p.Info.Signo = int32(sig)
	if err := ops.Deliver(p, aux); err != nil {
		b.FreePayload(p)
		return err
	}
	b.triggered.Add(1)
	return nil
}

// SigAltStack forwards to the provider.
func (b *Bridge) SigAltStack(tid ThreadID, ss *arch.SignalStack) (arch.SignalStack, error) {
	ops := b.provider()
	if ops == nil {
		return arch.SignalStack{}, ErrUnsupported
	}
	return ops.SigAltStack(tid, ss)
}

// SigInterrupt forwards to the provider.
func (b *Bridge) SigInterrupt(tid ThreadID, sig linux.Signal, interrupt bool) error {
	ops := b.provider()
	if ops == nil {
		return ErrUnsupported
	}
	return ops.SigInterrupt(tid, sig, interrupt)
}

// SigPending forwards to the provider.
func (b *Bridge) SigPending(tid ThreadID) (linux.SignalSet, error) {
	ops := b.provider()
	if ops == nil {
		return 0, ErrUnsupported
	}
	return ops.SigPending(tid)
}

// SigProcMask forwards to the provider.
func (b *Bridge) SigProcMask(tid ThreadID, how int, set *linux.SignalSet) (linux.SignalSet, error) {
	ops := b.provider()
	if ops == nil {
		return 0, ErrUnsupported
	}
	return ops.SigProcMask(tid, how, set)
}

// SigQueue forwards to the provider.
func (b *Bridge) SigQueue(target ThreadID, sig linux.Signal, value uint64) error {
	ops := b.provider()
	if ops == nil {
		return ErrUnsupported
	}
	return ops.SigQueue(target, sig, value)
}

// SigReturn forwards to the provider.
func (b *Bridge) SigReturn(tid ThreadID, p *Payload) error {
	ops := b.provider()
	if ops == nil {
		return ErrUnsupported
	}
	return ops.SigReturn(tid, p)
}

// SigStack forwards to the provider.
func (b *Bridge) SigStack(tid ThreadID, ss *arch.SignalStack) (arch.SignalStack, error) {
	ops := b.provider()
	if ops == nil {
		return arch.SignalStack{}, ErrUnsupported
	}
	return ops.SigStack(tid, ss)
}

// SigSuspend forwards to the provider.
func (b *Bridge) SigSuspend(ctx context.Context, tid ThreadID, mask linux.SignalSet) error {
	ops := b.provider()
	if ops == nil {
		return ErrUnsupported
	}
	return ops.SigSuspend(ctx, tid, mask)
}

// SigTimedWait forwards to the provider.
func (b *Bridge) SigTimedWait(ctx context.Context, tid ThreadID, set linux.SignalSet, timeout time.Duration) (arch.SignalInfo, error) {
	ops := b.provider()
	if ops == nil {
		return arch.SignalInfo{}, ErrUnsupported
	}
	return ops.SigTimedWait(ctx, tid, set, timeout)
}

// SigWait forwards to the provider.
func (b *Bridge) SigWait(ctx context.Context, tid ThreadID, set linux.SignalSet) (linux.Signal, error) {
	ops := b.provider()
	if ops == nil {
		return 0, ErrUnsupported
	}
	return ops.SigWait(ctx, tid, set)
}

// SigWaitInfo forwards to the provider.
func (b *Bridge) SigWaitInfo(ctx context.Context, tid ThreadID, set linux.SignalSet) (arch.SignalInfo, error) {
	ops := b.provider()
	if ops == nil {
		return arch.SignalInfo{}, ErrUnsupported
	}
	return ops.SigWaitInfo(ctx, tid, set)
}
