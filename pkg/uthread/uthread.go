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

// Package uthread is a reference user-level scheduler that implements POSIX
// signal semantics on top of sigbridge.
//
// Signal masks, pending queues, alternate stacks and dispositions live here.
// Handlers run synchronously on the goroutine that delivers the signal, which
// models a user thread being resumed into its handler.
package uthread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/sigbridge"
)

// Handler is a user signal handler. It may call Scheduler.SigReturn itself;
// if it returns without doing so, the scheduler returns through the
// restorer on its behalf.
type Handler func(s *Scheduler, tid sigbridge.ThreadID, p *sigbridge.Payload)

// Action is the disposition of a signal.
type Action struct {
	arch.SignalAct

	// Func is the handler. If nil, SignalAct.Handler selects SIG_DFL or
	// SIG_IGN.
	Func Handler
}

// frame is a handler invocation in progress.
type frame struct {
	p          *sigbridge.Payload
	oldMask    linux.SignalSet
	onAltStack bool
}

type thread struct {
	id      sigbridge.ThreadID
	mask    linux.SignalSet
	pending []*sigbridge.Payload

	altStack arch.SignalStack
	frames   []*frame

	// context is the register state the thread last resumed with.
	context arch.Registers

	delivered   uint64
	exitSignal  linux.Signal
	stopped     bool
	sigreturned uint64

	// changed is closed and replaced whenever the thread's signal state
	// changes.
	changed chan struct{}
}

func (th *thread) notify() {
	close(th.changed)
	th.changed = make(chan struct{})
}

func (th *thread) onAltStack() bool {
	for _, f := range th.frames {
		if f.onAltStack {
			return true
		}
	}
	return false
}

func (th *thread) pendingSet() linux.SignalSet {
	var set linux.SignalSet
	for _, p := range th.pending {
		set |= linux.SignalSetOf(p.Signal())
	}
	return set
}

// take removes and returns the first pending payload whose signal is in set.
func (th *thread) take(set linux.SignalSet) *sigbridge.Payload {
	for i, p := range th.pending {
		if set.Contains(p.Signal()) {
			th.pending = append(th.pending[:i], th.pending[i+1:]...)
			return p
		}
	}
	return nil
}

// Scheduler is a 2LS that receives signals through a sigbridge.Bridge.
type Scheduler struct {
	bridge *sigbridge.Bridge

	mu sync.Mutex

	// +checklocks:mu
	threads map[sigbridge.ThreadID]*thread

	// +checklocks:mu
	actions [linux.SignalMaximum + 1]Action

	// +checklocks:mu
	nextID sigbridge.ThreadID
}

// New returns a Scheduler delivering through b. Call Init to install it.
func New(b *sigbridge.Bridge) *Scheduler {
	return &Scheduler{
		bridge:  b,
		threads: make(map[sigbridge.ThreadID]*thread),
		nextID:  1,
	}
}

// Init installs s as the bridge's provider.
func (s *Scheduler) Init() error {
	return s.bridge.Install(s)
}

// NewThread creates a thread with an empty mask and no alternate stack.
func (s *Scheduler) NewThread() sigbridge.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	th := &thread{
		id:       s.nextID,
		altStack: arch.SignalStack{Flags: linux.SS_DISABLE},
		changed:  make(chan struct{}),
	}
	s.nextID++
	s.threads[th.id] = th
	return th.id
}

// ExitThread destroys tid and releases its pending payloads.
func (s *Scheduler) ExitThread(tid sigbridge.ThreadID) error {
	s.mu.Lock()
	th, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return linuxerr.ENOENT
	}
	delete(s.threads, tid)
	pending := th.pending
	th.pending = nil
	th.notify()
	s.mu.Unlock()
	for _, p := range pending {
		s.bridge.FreePayload(p)
	}
	return nil
}

func (s *Scheduler) lookup(tid sigbridge.ThreadID) (*thread, error) {
	th, ok := s.threads[tid]
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", tid, linuxerr.ENOENT)
	}
	return th, nil
}

// ThreadState is a snapshot of a thread's signal state.
type ThreadState struct {
	Mask        linux.SignalSet
	Pending     linux.SignalSet
	Delivered   uint64
	SigReturns  uint64
	ExitSignal  linux.Signal
	Stopped     bool
	InHandler   int
	LastContext arch.Registers
}

// State returns a snapshot of tid's signal state.
func (s *Scheduler) State(tid sigbridge.ThreadID) (ThreadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, err := s.lookup(tid)
	if err != nil {
		return ThreadState{}, err
	}
	return ThreadState{
		Mask:        th.mask,
		Pending:     th.pendingSet(),
		Delivered:   th.delivered,
		SigReturns:  th.sigreturned,
		ExitSignal:  th.exitSignal,
		Stopped:     th.stopped,
		InHandler:   len(th.frames),
		LastContext: th.context,
	}, nil
}

// SetAction sets the disposition of sig and returns the previous one.
func (s *Scheduler) SetAction(sig linux.Signal, act Action) (Action, error) {
	if !sig.IsValid() || linux.UnblockableSignals.Contains(sig) {
		return Action{}, linuxerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.actions[sig]
	s.actions[sig] = act
	return old, nil
}

// Deliver implements sigbridge.Ops.Deliver.
func (s *Scheduler) Deliver(p *sigbridge.Payload, _ any) error {
	s.mu.Lock()
	th, err := s.lookup(p.Thread)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sig := p.Signal()
	if th.mask.Contains(sig) {
		th.pending = append(th.pending, p)
		th.notify()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.run(th, p)
	return nil
}

// run delivers p to th, which must not be blocking its signal.
func (s *Scheduler) run(th *thread, p *sigbridge.Payload) {
	sig := p.Signal()
	s.mu.Lock()
	act := s.actions[sig]
	if act.Func == nil {
		if act.Handler != arch.SignalActIgnore {
			s.defaultAction(th, sig)
		}
		th.notify()
		s.mu.Unlock()
		s.bridge.FreePayload(p)
		return
	}

	fr := &frame{p: p, oldMask: th.mask}
	if act.IsOnStack() && th.altStack.IsEnabled() && !th.onAltStack() {
		p.Stack = th.altStack.Top()
		fr.onAltStack = true
	}
	mask := th.mask | act.Mask
	if !act.IsNoDefer() {
		mask |= linux.SignalSetOf(sig)
	}
	th.mask = mask &^ linux.UnblockableSignals
	if act.IsResetHandler() {
		s.actions[sig] = Action{}
	}
	th.frames = append(th.frames, fr)
	th.delivered++
	th.notify()
	s.mu.Unlock()

	act.Func(s, th.id, p)

	s.mu.Lock()
	returned := true
	for _, f := range th.frames {
		if f == fr {
			returned = false
		}
	}
	s.mu.Unlock()
	if !returned {
		if err := s.SigReturn(th.id, p); err != nil {
			log.Warningf("Implicit sigreturn for thread %d, signal %v: %v", th.id, sig, err)
		}
	}
}

// defaultAction applies SIG_DFL for sig.
//
// +checklocks:s.mu
func (s *Scheduler) defaultAction(th *thread, sig linux.Signal) {
	switch a := sig.DefaultAction(); a {
	case linux.SignalActionIgnore:
	case linux.SignalActionStop:
		th.stopped = true
	case linux.SignalActionContinue:
		th.stopped = false
	default:
		log.Infof("Thread %d killed by %v (%v)", th.id, sig, a)
		th.exitSignal = sig
	}
}

// deliverUnblocked runs every pending signal th no longer blocks.
func (s *Scheduler) deliverUnblocked(th *thread) {
	for {
		s.mu.Lock()
		p := th.take(^th.mask)
		s.mu.Unlock()
		if p == nil {
			return
		}
		s.run(th, p)
	}
}

// SigReturn implements sigbridge.Ops.SigReturn. It restores the mask and
// floating point state saved when p was delivered and releases p. Returning
// from an outer handler discards the inner ones.
func (s *Scheduler) SigReturn(tid sigbridge.ThreadID, p *sigbridge.Payload) error {
	s.mu.Lock()
	th, err := s.lookup(tid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	idx := -1
	for i, f := range th.frames {
		if f.p == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("thread %d is not handling payload %p: %w", tid, p, linuxerr.EINVAL)
	}
	fr := th.frames[idx]
	th.frames = th.frames[:idx]
	th.mask = fr.oldMask
	th.context = p.Context
	th.sigreturned++
	th.notify()
	s.mu.Unlock()

	// A corrupt area leaves the thread with default state and is reported.
	err = s.bridge.FPU().Restore(p.FPState)
	s.bridge.FreePayload(p)
	s.deliverUnblocked(th)
	return err
}

// SigAltStack implements sigbridge.Ops.SigAltStack.
func (s *Scheduler) SigAltStack(tid sigbridge.ThreadID, ss *arch.SignalStack) (arch.SignalStack, error) {
	return s.setAltStack(tid, ss, true)
}

// SigStack implements sigbridge.Ops.SigStack. Unlike SigAltStack it does not
// enforce a minimum size.
func (s *Scheduler) SigStack(tid sigbridge.ThreadID, ss *arch.SignalStack) (arch.SignalStack, error) {
	return s.setAltStack(tid, ss, false)
}

func (s *Scheduler) setAltStack(tid sigbridge.ThreadID, ss *arch.SignalStack, checkSize bool) (arch.SignalStack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, err := s.lookup(tid)
	if err != nil {
		return arch.SignalStack{}, err
	}
	old := th.altStack
	onStack := th.onAltStack()
	if onStack {
		old.Flags |= linux.SS_ONSTACK
	}
	if ss == nil {
		return old, nil
	}
	if onStack {
		return old, linuxerr.EPERM
	}
	switch {
	case ss.Flags&linux.SS_DISABLE != 0:
		th.altStack = arch.SignalStack{Flags: linux.SS_DISABLE}
	case ss.Flags&^linux.SS_ONSTACK != 0:
		return old, linuxerr.EINVAL
	case checkSize && ss.Size < linux.MINSIGSTKSZ:
		return old, linuxerr.ENOMEM
	default:
		th.altStack = arch.SignalStack{Addr: ss.Addr, Size: ss.Size}
	}
	return old, nil
}

// SigInterrupt implements sigbridge.Ops.SigInterrupt.
func (s *Scheduler) SigInterrupt(_ sigbridge.ThreadID, sig linux.Signal, interrupt bool) error {
	if !sig.IsValid() {
		return linuxerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if interrupt {
		s.actions[sig].Flags &^= linux.SA_RESTART
	} else {
		s.actions[sig].Flags |= linux.SA_RESTART
	}
	return nil
}

// SigPending implements sigbridge.Ops.SigPending.
func (s *Scheduler) SigPending(tid sigbridge.ThreadID) (linux.SignalSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, err := s.lookup(tid)
	if err != nil {
		return 0, err
	}
	return th.pendingSet(), nil
}

// SigProcMask implements sigbridge.Ops.SigProcMask.
func (s *Scheduler) SigProcMask(tid sigbridge.ThreadID, how int, set *linux.SignalSet) (linux.SignalSet, error) {
	s.mu.Lock()
	th, err := s.lookup(tid)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	old := th.mask
	if set == nil {
		s.mu.Unlock()
		return old, nil
	}
	switch how {
	case linux.SIG_BLOCK:
		th.mask |= *set
	case linux.SIG_UNBLOCK:
		th.mask &^= *set
	case linux.SIG_SETMASK:
		th.mask = *set
	default:
		s.mu.Unlock()
		return old, linuxerr.EINVAL
	}
	th.mask &^= linux.UnblockableSignals
	log.Debugf("Thread %d signal mask %v -> %v", tid, old, th.mask)
	s.mu.Unlock()
	s.deliverUnblocked(th)
	return old, nil
}

// SigQueue implements sigbridge.Ops.SigQueue. The signal is carried with the
// target's last resumed context.
func (s *Scheduler) SigQueue(target sigbridge.ThreadID, sig linux.Signal, value uint64) error {
	s.mu.Lock()
	th, err := s.lookup(target)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	frame := th.context
	s.mu.Unlock()
	if sig == 0 {
		// Existence check only.
		return nil
	}
	info := arch.SignalInfo{Code: linux.SI_QUEUE}
	info.SetSigval(value)
	return s.bridge.Trigger(sig, target, &frame, &info, nil)
}

// SigSuspend implements sigbridge.Ops.SigSuspend. It returns EINTR once a
// handler has run, or the context's error.
func (s *Scheduler) SigSuspend(ctx context.Context, tid sigbridge.ThreadID, mask linux.SignalSet) error {
	s.mu.Lock()
	th, err := s.lookup(tid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	old := th.mask
	th.mask = mask &^ linux.UnblockableSignals
	delivered := th.delivered
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		th.mask = old
		s.mu.Unlock()
		s.deliverUnblocked(th)
	}
	s.deliverUnblocked(th)
	for {
		s.mu.Lock()
		woken := th.delivered != delivered || th.exitSignal != 0
		ch := th.changed
		s.mu.Unlock()
		if woken {
			restore()
			return linuxerr.EINTR
		}
		select {
		case <-ch:
		case <-ctx.Done():
			restore()
			return ctx.Err()
		}
	}
}

// SigTimedWait implements sigbridge.Ops.SigTimedWait. A negative timeout
// waits indefinitely; a zero timeout polls. EAGAIN is returned when the
// timeout expires.
func (s *Scheduler) SigTimedWait(ctx context.Context, tid sigbridge.ThreadID, set linux.SignalSet, timeout time.Duration) (arch.SignalInfo, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		s.mu.Lock()
		th, err := s.lookup(tid)
		if err != nil {
			s.mu.Unlock()
			return arch.SignalInfo{}, err
		}
		if p := th.take(set); p != nil {
			s.mu.Unlock()
			info := p.Info
			s.bridge.FreePayload(p)
			return info, nil
		}
		ch := th.changed
		s.mu.Unlock()
		if timeout == 0 {
			return arch.SignalInfo{}, linuxerr.EAGAIN
		}
		select {
		case <-ch:
		case <-expired:
			return arch.SignalInfo{}, linuxerr.EAGAIN
		case <-ctx.Done():
			return arch.SignalInfo{}, ctx.Err()
		}
	}
}

// SigWait implements sigbridge.Ops.SigWait.
func (s *Scheduler) SigWait(ctx context.Context, tid sigbridge.ThreadID, set linux.SignalSet) (linux.Signal, error) {
	info, err := s.SigTimedWait(ctx, tid, set, -1)
	if err != nil {
		return 0, err
	}
	return linux.Signal(info.Signo), nil
}

// SigWaitInfo implements sigbridge.Ops.SigWaitInfo.
func (s *Scheduler) SigWaitInfo(ctx context.Context, tid sigbridge.ThreadID, set linux.SignalSet) (arch.SignalInfo, error) {
	return s.SigTimedWait(ctx, tid, set, -1)
}

var _ sigbridge.Ops = (*Scheduler)(nil)
