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

package uthread

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/fpu"
	"gvisor.dev/trapcore/pkg/sigbridge"
)

type fixture struct {
	s      *Scheduler
	bridge *sigbridge.Bridge
	hw     *fpu.Emulated
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := cpuid.NewFeatureSet(cpuid.VendorIntel,
		cpuid.X86FeatureFPU, cpuid.X86FeatureFXSR, cpuid.X86FeatureSSE, cpuid.X86FeatureSSE2,
		cpuid.X86FeatureXSAVE, cpuid.X86FeatureOSXSAVE, cpuid.X86FeatureXSAVEOPT, cpuid.X86FeatureAVX)
	hw := fpu.NewEmulated(fs)
	b := sigbridge.NewBridge(fpu.NewManager(fs, hw), sigbridge.Options{PoolSize: 8})
	s := New(b)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return &fixture{s: s, bridge: b, hw: hw}
}

func (f *fixture) fault(t *testing.T, sig linux.Signal, tid sigbridge.ThreadID) {
	t.Helper()
	frame := &arch.Registers{Rip: 0x400000 + uint64(sig), Cs: 0x33}
	if err := f.bridge.Trigger(sig, tid, frame, arch.SignalInfoPriv(sig), nil); err != nil {
		t.Fatalf("Trigger(%v): %v", sig, err)
	}
}

func (f *fixture) state(t *testing.T, tid sigbridge.ThreadID) ThreadState {
	t.Helper()
	st, err := f.s.State(tid)
	if err != nil {
		t.Fatalf("State(%d): %v", tid, err)
	}
	return st
}

func TestHandlerRunsAndReturns(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()

	regs := f.hw.Registers()
	regs.XMM[2][0] = 0x22
	regs.YMMH[1][0] = 0x11
	f.hw.SetRegisters(regs)
	want := f.hw.Registers()

	var inHandler ThreadState
	var got linux.Signal
	if _, err := f.s.SetAction(linux.SIGSEGV, Action{Func: func(s *Scheduler, tid sigbridge.ThreadID, p *sigbridge.Payload) {
		got = p.Signal()
		inHandler, _ = s.State(tid)
		// The handler clobbers the FPU.
		f.hw.SetRegisters(fpu.Registers{FCW: fpu.DefaultFCW, MXCSR: fpu.DefaultMXCSR})
	}}); err != nil {
		t.Fatalf("SetAction: %v", err)
	}

	f.fault(t, linux.SIGSEGV, tid)

	if got != linux.SIGSEGV {
		t.Errorf("handler got %v, want SIGSEGV", got)
	}
	if !inHandler.Mask.Contains(linux.SIGSEGV) || inHandler.InHandler != 1 {
		t.Errorf("in handler: mask %v, depth %d", inHandler.Mask, inHandler.InHandler)
	}
	st := f.state(t, tid)
	if st.Mask != 0 || st.InHandler != 0 || st.Delivered != 1 || st.SigReturns != 1 {
		t.Errorf("after return: %+v", st)
	}
	if st.LastContext.Rip != 0x400000+uint64(linux.SIGSEGV) {
		t.Errorf("resumed at %#x", st.LastContext.Rip)
	}
	if diff := cmp.Diff(want, f.hw.Registers()); diff != "" {
		t.Errorf("fp state not restored by sigreturn (-want +got):\n%s", diff)
	}
	if n := f.bridge.Outstanding(); n != 0 {
		t.Errorf("%d payloads outstanding", n)
	}
}

func TestExplicitSigReturn(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	var errs []error
	f.s.SetAction(linux.SIGILL, Action{Func: func(s *Scheduler, tid sigbridge.ThreadID, p *sigbridge.Payload) {
		errs = append(errs, s.SigReturn(tid, p))
		errs = append(errs, s.SigReturn(tid, p))
	}})
	f.fault(t, linux.SIGILL, tid)
	if len(errs) != 2 || errs[0] != nil || !linuxerr.Equals(linuxerr.EINVAL, errs[1]) {
		t.Errorf("SigReturn results = %v, want [nil EINVAL]", errs)
	}
	if st := f.state(t, tid); st.SigReturns != 1 {
		t.Errorf("SigReturns = %d, want 1", st.SigReturns)
	}
}

func TestBlockedSignalPends(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	var ran int
	f.s.SetAction(linux.SIGUSR1, Action{Func: func(*Scheduler, sigbridge.ThreadID, *sigbridge.Payload) { ran++ }})

	set := linux.MakeSignalSet(linux.SIGUSR1, linux.SIGKILL)
	if _, err := f.s.SigProcMask(tid, linux.SIG_BLOCK, &set); err != nil {
		t.Fatalf("SigProcMask: %v", err)
	}
	if st := f.state(t, tid); st.Mask.Contains(linux.SIGKILL) {
		t.Errorf("SIGKILL was blocked")
	}
	if err := f.s.SigQueue(tid, linux.SIGUSR1, 7); err != nil {
		t.Fatalf("SigQueue: %v", err)
	}
	if ran != 0 {
		t.Fatalf("blocked handler ran")
	}
	if pending, _ := f.s.SigPending(tid); pending != linux.MakeSignalSet(linux.SIGUSR1) {
		t.Errorf("SigPending = %v", pending)
	}

	if _, err := f.s.SigProcMask(tid, linux.SIG_UNBLOCK, &set); err != nil {
		t.Fatalf("SigProcMask: %v", err)
	}
	if ran != 1 {
		t.Errorf("handler ran %d times after unblock, want 1", ran)
	}
	if pending, _ := f.s.SigPending(tid); pending != 0 {
		t.Errorf("SigPending after unblock = %v", pending)
	}
	if _, err := f.s.SigProcMask(tid, 42, &set); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("SigProcMask(bad how) = %v", err)
	}
}

func TestDefaultActions(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()

	f.fault(t, linux.SIGCHLD, tid)
	if st := f.state(t, tid); st.ExitSignal != 0 {
		t.Errorf("SIGCHLD killed the thread")
	}
	f.fault(t, linux.SIGTSTP, tid)
	if st := f.state(t, tid); !st.Stopped {
		t.Errorf("SIGTSTP did not stop the thread")
	}
	f.fault(t, linux.SIGCONT, tid)
	if st := f.state(t, tid); st.Stopped {
		t.Errorf("SIGCONT did not continue the thread")
	}
	f.s.SetAction(linux.SIGPIPE, Action{SignalAct: arch.SignalAct{Handler: arch.SignalActIgnore}})
	f.fault(t, linux.SIGPIPE, tid)
	if st := f.state(t, tid); st.ExitSignal != 0 {
		t.Errorf("ignored SIGPIPE killed the thread")
	}
	f.fault(t, linux.SIGSEGV, tid)
	if st := f.state(t, tid); st.ExitSignal != linux.SIGSEGV {
		t.Errorf("ExitSignal = %v, want SIGSEGV", st.ExitSignal)
	}
	if n := f.bridge.Outstanding(); n != 0 {
		t.Errorf("%d payloads outstanding", n)
	}
	if _, err := f.s.SetAction(linux.SIGKILL, Action{}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("SetAction(SIGKILL) = %v, want EINVAL", err)
	}
}

func TestResetHandAndNoDefer(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	var masks []linux.SignalSet
	f.s.SetAction(linux.SIGUSR2, Action{
		SignalAct: arch.SignalAct{Flags: linux.SA_RESETHAND | linux.SA_NODEFER},
		Func: func(s *Scheduler, tid sigbridge.ThreadID, _ *sigbridge.Payload) {
			st, _ := s.State(tid)
			masks = append(masks, st.Mask)
		},
	})
	f.fault(t, linux.SIGUSR2, tid)
	if len(masks) != 1 || masks[0].Contains(linux.SIGUSR2) {
		t.Errorf("SA_NODEFER handler masks = %v", masks)
	}
	// The disposition is back to SIG_DFL, which terminates.
	f.fault(t, linux.SIGUSR2, tid)
	if st := f.state(t, tid); st.ExitSignal != linux.SIGUSR2 || len(masks) != 1 {
		t.Errorf("after SA_RESETHAND: exit %v, handler runs %d", st.ExitSignal, len(masks))
	}
}

func TestAltStack(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()

	if _, err := f.s.SigAltStack(tid, &arch.SignalStack{Addr: 0x10000, Size: 1024}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("SigAltStack(small) = %v, want ENOMEM", err)
	}
	if _, err := f.s.SigStack(tid, &arch.SignalStack{Addr: 0x10000, Size: 1024}); err != nil {
		t.Errorf("SigStack(small) = %v", err)
	}
	old, err := f.s.SigAltStack(tid, &arch.SignalStack{Addr: 0x20000, Size: 0x4000})
	if err != nil {
		t.Fatalf("SigAltStack: %v", err)
	}
	if old.Addr != 0x10000 || !old.IsEnabled() {
		t.Errorf("previous stack = %+v", old)
	}

	var stack uint64
	var inside arch.SignalStack
	var changeErr error
	f.s.SetAction(linux.SIGBUS, Action{
		SignalAct: arch.SignalAct{Flags: linux.SA_ONSTACK | linux.SA_SIGINFO},
		Func: func(s *Scheduler, tid sigbridge.ThreadID, p *sigbridge.Payload) {
			stack = p.Stack
			inside, _ = s.SigAltStack(tid, nil)
			_, changeErr = s.SigAltStack(tid, &arch.SignalStack{Flags: linux.SS_DISABLE})
		},
	})
	f.fault(t, linux.SIGBUS, tid)
	if stack != 0x24000 {
		t.Errorf("handler stack = %#x, want %#x", stack, 0x24000)
	}
	if inside.Flags&linux.SS_ONSTACK == 0 {
		t.Errorf("SS_ONSTACK not reported inside handler")
	}
	if !linuxerr.Equals(linuxerr.EPERM, changeErr) {
		t.Errorf("changing the stack while on it = %v, want EPERM", changeErr)
	}
	if _, err := f.s.SigAltStack(tid, &arch.SignalStack{Flags: linux.SS_DISABLE}); err != nil {
		t.Errorf("disable: %v", err)
	}
	if cur, _ := f.s.SigAltStack(tid, nil); cur.IsEnabled() {
		t.Errorf("stack still enabled")
	}
}

func TestSigTimedWait(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	set := linux.MakeSignalSet(linux.SIGUSR1)
	f.s.SigProcMask(tid, linux.SIG_BLOCK, &set)
	ctx := context.Background()

	if _, err := f.s.SigTimedWait(ctx, tid, set, 0); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("poll = %v, want EAGAIN", err)
	}
	if _, err := f.s.SigTimedWait(ctx, tid, set, time.Millisecond); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("timed wait = %v, want EAGAIN", err)
	}
	if err := f.s.SigQueue(tid, linux.SIGUSR1, 99); err != nil {
		t.Fatalf("SigQueue: %v", err)
	}
	info, err := f.s.SigTimedWait(ctx, tid, set, 0)
	if err != nil {
		t.Fatalf("SigTimedWait: %v", err)
	}
	if linux.Signal(info.Signo) != linux.SIGUSR1 || info.Code != linux.SI_QUEUE || info.Sigval() != 99 {
		t.Errorf("info = signo %d code %d value %d", info.Signo, info.Code, info.Sigval())
	}
	if n := f.bridge.Outstanding(); n != 0 {
		t.Errorf("%d payloads outstanding", n)
	}
}

func TestSigWaitAcrossThreads(t *testing.T) {
	f := newFixture(t)
	waiter := f.s.NewThread()
	set := linux.MakeSignalSet(linux.SIGUSR2)
	f.s.SigProcMask(waiter, linux.SIG_BLOCK, &set)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	var got linux.Signal
	g.Go(func() error {
		sig, err := f.s.SigWait(ctx, waiter, set)
		got = sig
		return err
	})
	g.Go(func() error {
		return f.s.SigQueue(waiter, linux.SIGUSR2, 1)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("SigWait: %v", err)
	}
	if got != linux.SIGUSR2 {
		t.Errorf("SigWait = %v, want SIGUSR2", got)
	}
}

func TestSigSuspend(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	set := linux.MakeSignalSet(linux.SIGALRM)
	f.s.SigProcMask(tid, linux.SIG_BLOCK, &set)
	ran := make(chan struct{}, 1)
	f.s.SetAction(linux.SIGALRM, Action{Func: func(*Scheduler, sigbridge.ThreadID, *sigbridge.Payload) {
		ran <- struct{}{}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error {
		if err := f.s.SigSuspend(ctx, tid, 0); !linuxerr.Equals(linuxerr.EINTR, err) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return f.s.SigQueue(tid, linux.SIGALRM, 0)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("SigSuspend: %v", err)
	}
	<-ran
	if st := f.state(t, tid); st.Mask != set {
		t.Errorf("mask after SigSuspend = %v, want %v", st.Mask, set)
	}

	short, cancelShort := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancelShort()
	if err := f.s.SigSuspend(short, tid, set); err != context.DeadlineExceeded {
		t.Errorf("SigSuspend with expiring context = %v", err)
	}
}

func TestExitThreadReleasesPending(t *testing.T) {
	f := newFixture(t)
	tid := f.s.NewThread()
	set := linux.MakeSignalSet(linux.SIGHUP)
	f.s.SigProcMask(tid, linux.SIG_SETMASK, &set)
	f.fault(t, linux.SIGHUP, tid)
	if n := f.bridge.Outstanding(); n != 1 {
		t.Fatalf("%d payloads outstanding, want 1", n)
	}
	if err := f.s.ExitThread(tid); err != nil {
		t.Fatalf("ExitThread: %v", err)
	}
	if n := f.bridge.Outstanding(); n != 0 {
		t.Errorf("%d payloads outstanding after exit", n)
	}
	if err := f.bridge.Trigger(linux.SIGHUP, tid, &arch.Registers{}, nil, nil); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Trigger to exited thread = %v, want ENOENT", err)
	}
}
