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

package sigbridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/fpu"
)

type delivery struct {
	payload *Payload
	aux     any
}

// mockOps records deliveries and accepts every other call.
type mockOps struct {
	deliveries []delivery
	deliverErr error
}

func (m *mockOps) SigAltStack(ThreadID, *arch.SignalStack) (arch.SignalStack, error) {
	return arch.SignalStack{}, nil
}
func (m *mockOps) SigInterrupt(ThreadID, linux.Signal, bool) error { return nil }
func (m *mockOps) SigPending(ThreadID) (linux.SignalSet, error) {
	return linux.MakeSignalSet(linux.SIGUSR1), nil
}
func (m *mockOps) SigProcMask(ThreadID, int, *linux.SignalSet) (linux.SignalSet, error) {
	return 0, nil
}
func (m *mockOps) SigQueue(ThreadID, linux.Signal, uint64) error { return nil }
func (m *mockOps) SigReturn(ThreadID, *Payload) error             { return nil }
func (m *mockOps) SigStack(ThreadID, *arch.SignalStack) (arch.SignalStack, error) {
	return arch.SignalStack{}, nil
}
func (m *mockOps) SigSuspend(context.Context, ThreadID, linux.SignalSet) error { return nil }
func (m *mockOps) SigTimedWait(context.Context, ThreadID, linux.SignalSet, time.Duration) (arch.SignalInfo, error) {
	return arch.SignalInfo{}, nil
}
func (m *mockOps) SigWait(context.Context, ThreadID, linux.SignalSet) (linux.Signal, error) {
	return linux.SIGUSR1, nil
}
func (m *mockOps) SigWaitInfo(context.Context, ThreadID, linux.SignalSet) (arch.SignalInfo, error) {
	return arch.SignalInfo{}, nil
}
func (m *mockOps) Deliver(p *Payload, aux any) error {
	if m.deliverErr != nil {
		return m.deliverErr
	}
	m.deliveries = append(m.deliveries, delivery{payload: p, aux: aux})
	return nil
}

func newTestBridge(t *testing.T, poolSize int) (*Bridge, *fpu.Emulated) {
	t.Helper()
	fs := cpuid.NewFeatureSet(cpuid.VendorAMD,
		cpuid.X86FeatureFPU, cpuid.X86FeatureFXSR, cpuid.X86FeatureSSE, cpuid.X86FeatureSSE2,
		cpuid.X86FeatureXSAVE, cpuid.X86FeatureOSXSAVE, cpuid.X86FeatureAVX)
	hw := fpu.NewEmulated(fs)
	return NewBridge(fpu.NewManager(fs, hw), Options{PoolSize: poolSize}), hw
}

func userFrame() *arch.Registers {
	return &arch.Registers{
		Rip:    0x401234,
		Rsp:    0x7ffe0000,
		Rax:    42,
		Cs:     0x33,
		Ss:     0x2b,
		Rflags: 0x202,
		Trapno: 14,
	}
}

func TestTriggerDelivers(t *testing.T) {
	b, hw := newTestBridge(t, 4)
	ops := &mockOps{}
	if err := b.Install(ops); err != nil {
		t.Fatalf("Install: %v", err)
	}

	regs := hw.Registers()
	regs.XMM[3][0] = 0x33
	regs.YMMH[5][7] = 0x55
	regs.MXCSR = fpu.DefaultMXCSR | 0x2000
	hw.SetRegisters(regs)
	want := hw.Registers()

	frame := userFrame()
	info := &arch.SignalInfo{Code: linux.SEGV_MAPERR}
	info.SetAddr(0xdeadbeef)
	aux := "fault"
	if err := b.Trigger(linux.SIGSEGV, 7, frame, info, aux); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if len(ops.deliveries) != 1 {
		t.Fatalf("provider saw %d deliveries, want 1", len(ops.deliveries))
	}
	d := ops.deliveries[0]
	p := d.payload
	if p.Signal() != linux.SIGSEGV || p.Thread != 7 || d.aux != aux {
		t.Errorf("delivery = signal %v thread %d aux %v", p.Signal(), p.Thread, d.aux)
	}
	if p.Info.Code != linux.SEGV_MAPERR || p.Info.Addr() != 0xdeadbeef {
		t.Errorf("info = code %d addr %#x", p.Info.Code, p.Info.Addr())
	}
	if p.Context != *frame {
		t.Errorf("context = %+v, want %+v", p.Context, *frame)
	}

	// The snapshot is a separate copy that restores to the same state.
	hw.SetRegisters(fpu.Registers{FCW: fpu.DefaultFCW, MXCSR: fpu.DefaultMXCSR})
	if err := b.FPU().Restore(p.FPState); err != nil {
		t.Fatalf("Restore(snapshot): %v", err)
	}
	if diff := cmp.Diff(want, hw.Registers()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}

	if got := b.Outstanding(); got != 1 {
		t.Errorf("Outstanding = %d, want 1", got)
	}
	b.FreePayload(p)
	if got := b.Outstanding(); got != 0 {
		t.Errorf("Outstanding after free = %d, want 0", got)
	}
	if tr, un := b.Stats(); tr != 1 || un != 0 {
		t.Errorf("Stats = %d, %d", tr, un)
	}
}

func TestTriggerWithoutProvider(t *testing.T) {
	b, hw := newTestBridge(t, 4)
	regs := hw.Registers()
	regs.XMM[0][0] = 1
	hw.SetRegisters(regs)
	before := hw.Registers()

	err := b.Trigger(linux.SIGSEGV, 1, userFrame(), nil, nil)
	if !errors.Is(err, ErrUnsupported) || !linuxerr.Equals(linuxerr.ENOSYS, err) {
		t.Fatalf("Trigger = %v, want ErrUnsupported", err)
	}
	if got := b.Outstanding(); got != 0 {
		t.Errorf("Outstanding = %d, want 0", got)
	}
	if diff := cmp.Diff(before, hw.Registers()); diff != "" {
		t.Errorf("fp state changed (-want +got):\n%s", diff)
	}
	if _, un := b.Stats(); un != 1 {
		t.Errorf("unsupported count = %d, want 1", un)
	}

	ctx := context.Background()
	for name, call := range map[string]func() error{
		"sigaltstack":  func() error { _, err := b.SigAltStack(1, nil); return err },
		"siginterrupt": func() error { return b.SigInterrupt(1, linux.SIGINT, true) },
		"sigpending":   func() error { _, err := b.SigPending(1); return err },
		"sigprocmask":  func() error { _, err := b.SigProcMask(1, linux.SIG_BLOCK, nil); return err },
		"sigqueue":     func() error { return b.SigQueue(1, linux.SIGUSR1, 0) },
		"sigreturn":    func() error { return b.SigReturn(1, nil) },
		"sigstack":     func() error { _, err := b.SigStack(1, nil); return err },
		"sigsuspend":   func() error { return b.SigSuspend(ctx, 1, 0) },
		"sigtimedwait": func() error { _, err := b.SigTimedWait(ctx, 1, 0, 0); return err },
		"sigwait":      func() error { _, err := b.SigWait(ctx, 1, 0); return err },
		"sigwaitinfo":  func() error { _, err := b.SigWaitInfo(ctx, 1, 0); return err },
	} {
		if err := call(); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%s = %v, want ErrUnsupported", name, err)
		}
	}
}

func TestInstallOnce(t *testing.T) {
	b, _ := newTestBridge(t, 1)
	if err := b.Install(&mockOps{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := b.Install(&mockOps{}); !errors.Is(err, ErrAlreadyInstalled) || !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("second Install = %v, want ErrAlreadyInstalled", err)
	}
	if set, err := b.SigPending(1); err != nil || !set.Contains(linux.SIGUSR1) {
		t.Errorf("SigPending = %v, %v", set, err)
	}
	b.Uninstall()
	if b.Installed() {
		t.Errorf("Installed after Uninstall")
	}
	if err := b.Install(nil); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Install(nil) = %v, want EINVAL", err)
	}
}

func TestPayloadPool(t *testing.T) {
	b, _ := newTestBridge(t, 2)
	p1, err := b.AllocPayload()
	if err != nil {
		t.Fatalf("AllocPayload: %v", err)
	}
	if _, err := b.AllocPayload(); err != nil {
		t.Fatalf("AllocPayload: %v", err)
	}
	if _, err := b.AllocPayload(); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("AllocPayload on empty pool = %v, want ENOMEM", err)
	}

	p1.Info.Signo = int32(linux.SIGILL)
	p1.FPState.SetMXCSR(0)
	b.FreePayload(p1)
	p3, err := b.AllocPayload()
	if err != nil {
		t.Fatalf("AllocPayload after free: %v", err)
	}
	if p3 != p1 {
		t.Errorf("pool did not reuse the freed payload")
	}
	if p3.Info.Signo != 0 || p3.FPState.MXCSR() != fpu.DefaultMXCSR {
		t.Errorf("reused payload not reset: signo %d mxcsr %#x", p3.Info.Signo, p3.FPState.MXCSR())
	}

	b.FreePayload(p3)
	defer func() {
		if recover() == nil {
			t.Errorf("double FreePayload did not panic")
		}
	}()
	b.FreePayload(p3)
}

func TestTriggerProviderError(t *testing.T) {
	b, _ := newTestBridge(t, 1)
	ops := &mockOps{deliverErr: linuxerr.EAGAIN}
	b.Install(ops)
	if err := b.Trigger(linux.SIGFPE, 1, userFrame(), nil, nil); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Fatalf("Trigger = %v, want EAGAIN", err)
	}
	if got := b.Outstanding(); got != 0 {
		t.Errorf("payload leaked after provider error")
	}
	if err := b.Trigger(0, 1, userFrame(), nil, nil); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Trigger(0) = %v, want EINVAL", err)
	}
}

func TestDefault(t *testing.T) {
	b, _ := newTestBridge(t, 1)
	old := Default()
	defer SetDefault(old)
	SetDefault(b)
	if Default() != b {
		t.Errorf("Default() did not return the bridge set")
	}
}
