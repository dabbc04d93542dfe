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

// Package trap is the common trap entry path. It classifies each vector and
// hands it to the subsystem that owns it: user exceptions become signals for
// the user-level scheduler, device lines go to the IRQ chains, IPIs to the
// bus and local APIC vectors to per-vector local handlers.
package trap

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/fpu"
	"gvisor.dev/trapcore/pkg/ipi"
	"gvisor.dev/trapcore/pkg/irq"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/sigbridge"
	"gvisor.dev/trapcore/pkg/vector"
)

// Frame is a trap frame together with the state the entry stub records
// beside it.
type Frame struct {
	arch.Registers

	// FaultAddr is the faulting linear address (CR2) for page faults.
	FaultAddr uint64
}

// Vector returns the vector that was raised.
func (f *Frame) Vector() vector.Vector {
	return vector.Vector(f.Trapno)
}

// SyscallFunc handles the system call vector.
type SyscallFunc func(core int, f *Frame)

// LocalHandler handles a local APIC vector on core.
type LocalHandler func(core int, f *Frame)

// Config configures a Kernel.
type Config struct {
	// NumCores is the number of cores. Zero means one.
	NumCores int

	// Features describes the processor. Nil means the host.
	Features *cpuid.FeatureSet

	// Hardware performs extended state transfers. Nil means an emulated
	// unit for Features.
	Hardware fpu.Hardware

	// PoolSize bounds outstanding signal payloads.
	PoolSize int

	// Syscall handles the system call vector.
	Syscall SyscallFunc
}

// Kernel owns the per-machine trap state.
type Kernel struct {
	Vectors *vector.Allocator
	IRQs    *irq.Table
	IPIs    *ipi.Bus
	FPU     *fpu.Manager
	Signals *sigbridge.Bridge

	syscall SyscallFunc

	// current is the user thread running on each core.
	current []atomic.Int32

	local [vector.LAPICLast - vector.LAPICBase + 1]atomic.Pointer[LocalHandler]

	stats Stats
}

// New builds a Kernel from c.
func New(c Config) (*Kernel, error) {
	if c.NumCores < 0 {
		return nil, fmt.Errorf("invalid core count %d: %w", c.NumCores, linuxerr.EINVAL)
	}
	if c.NumCores == 0 {
		c.NumCores = 1
	}
	fs := c.Features
	if fs == nil {
		fs = cpuid.HostFeatureSet()
	}
	if !fs.HasFeature(cpuid.X86FeatureFXSR) {
		return nil, fmt.Errorf("processor %s lacks fxsr: %w", fs.VendorID, linuxerr.ENOSYS)
	}
	hw := c.Hardware
	if hw == nil {
		hw = fpu.NewEmulated(fs)
	}
	mgr := fpu.NewManager(fs, hw)
	k := &Kernel{
		Vectors: vector.NewAllocator(),
		IRQs:    irq.NewTable(),
		IPIs:    ipi.NewBus(c.NumCores),
		FPU:     mgr,
		Signals: sigbridge.NewBridge(mgr, sigbridge.Options{PoolSize: c.PoolSize}),
		syscall: c.Syscall,
		current: make([]atomic.Int32, c.NumCores),
	}
	log.Infof("Trap core: %d cores, %s, %s", c.NumCores, fs.VendorID, mgr.Mechanism())
	return k, nil
}

// NumCores returns the number of cores.
func (k *Kernel) NumCores() int {
	return len(k.current)
}

// SetCurrent records tid as the user thread running on core.
func (k *Kernel) SetCurrent(core int, tid sigbridge.ThreadID) {
	k.current[core].Store(int32(tid))
}

// Current returns the user thread running on core.
func (k *Kernel) Current(core int) sigbridge.ThreadID {
	return sigbridge.ThreadID(k.current[core].Load())
}

// SetLocalHandler installs fn for local APIC vector v. A nil fn removes the
// handler. The spurious vector cannot have a handler.
func (k *Kernel) SetLocalHandler(v vector.Vector, fn LocalHandler) error {
	if vector.Classify(v) != vector.LocalAPIC || v == vector.LAPICSpurious {
		return fmt.Errorf("vector %v: %w", v, linuxerr.EINVAL)
	}
	slot := &k.local[v-vector.LAPICBase]
	if fn == nil {
		slot.Store(nil)
	} else {
		slot.Store(&fn)
	}
	return nil
}

// Stats returns the kernel's counters.
func (k *Kernel) Stats() *Stats {
	return &k.stats
}

// Disposition is what the trap path did with a trap.
type Disposition int

// Dispositions.
const (
	// Handled means the owning subsystem serviced the trap.
	Handled Disposition = iota

	// Unhandled means nothing was registered for the vector.
	Unhandled

	// Spurious means the trap was recognized as spurious and dropped.
	Spurious

	// Delivered means a signal was handed to the user-level scheduler.
	Delivered

	// DefaultAction means a signal could not be delivered and its default
	// action was applied.
	DefaultAction

	// Fatal means the trap cannot be recovered from.
	Fatal
)

var dispositionNames = [...]string{
	Handled:       "handled",
	Unhandled:     "unhandled",
	Spurious:      "spurious",
	Delivered:     "delivered",
	DefaultAction: "default-action",
	Fatal:         "fatal",
}

// String implements fmt.Stringer.
func (d Disposition) String() string {
	if d >= 0 && int(d) < len(dispositionNames) {
		return dispositionNames[d]
	}
	return fmt.Sprintf("Disposition(%d)", int(d))
}

// Outcome describes the handling of one trap.
type Outcome struct {
	Vector      vector.Vector
	Kind        vector.Kind
	Disposition Disposition

	// Signal and Info are set for exceptions mapped to signals.
	Signal linux.Signal
	Info   arch.SignalInfo

	// Action is the default action applied when Disposition is
	// DefaultAction.
	Action linux.SignalDefaultAction

	// Work is the number of queued IPI functions run.
	Work int

	// Message describes a fatal trap.
	Message string

	// Err is the error that prevented delivery, if any.
	Err error
}

// HandleTrap services frame, which was raised on core.
func (k *Kernel) HandleTrap(core int, f *Frame) Outcome {
	v := f.Vector()
	o := Outcome{Vector: v, Kind: vector.Classify(v)}
	k.stats.traps[v].Add(1)

	switch o.Kind {
	case vector.Exception:
		k.handleException(core, f, &o)
	case vector.LegacyPIC, vector.DeviceIRQ:
		switch {
		case k.IRQs.Dispatch(v, &f.Registers):
			o.Disposition = Handled
		case len(k.IRQs.Handlers(v)) != 0:
			// The line's controller rejected it.
			o.Disposition = Spurious
		default:
			o.Disposition = Unhandled
		}
	case vector.IPI:
		n, err := k.IPIs.Handle(core, v)
		o.Work, o.Err = n, err
		if err != nil {
			o.Disposition = Unhandled
		}
	case vector.LocalAPIC:
		k.handleLocal(core, f, &o)
	case vector.SyscallKind:
		if k.syscall == nil {
			o.Disposition = Unhandled
			o.Err = linuxerr.ENOSYS
			break
		}
		k.syscall(core, f)
	default:
		o.Disposition = Unhandled
		log.Warningf("Trap on unassigned vector %v on core %d", v, core)
	}
	if o.Disposition == Fatal {
		k.stats.fatal.Add(1)
	}
	return o
}

func (k *Kernel) handleLocal(core int, f *Frame, o *Outcome) {
	v := o.Vector
	if v == vector.LAPICSpurious {
		// Never acknowledged.
		k.stats.lapicSpurious.Add(1)
		o.Disposition = Spurious
		return
	}
	fn := k.local[v-vector.LAPICBase].Load()
	if fn == nil {
		o.Disposition = Unhandled
	} else {
		(*fn)(core, f)
	}
	k.stats.lapicEOIs.Add(1)
}

func (k *Kernel) handleException(core int, f *Frame, o *Outcome) {
	v := o.Vector
	if !f.InUser() {
		o.Disposition = Fatal
		o.Message = fmt.Sprintf("trap %v in kernel on core %d at rip %#x, err %#x", v, core, f.Rip, f.Err)
		log.Warningf("Fatal: %s", o.Message)
		return
	}
	if v == vector.NMI {
		o.Disposition = Handled
		return
	}
	info, ok := signalFor(f)
	if !ok {
		o.Disposition = Fatal
		o.Message = fmt.Sprintf("unexpected trap %v from user on core %d at rip %#x", v, core, f.Rip)
		log.Warningf("Fatal: %s", o.Message)
		return
	}
	sig := linux.Signal(info.Signo)
	o.Signal, o.Info = sig, *info
	tid := k.Current(core)
	err := k.Signals.Trigger(sig, tid, &f.Registers, info, f)
	if err == nil {
		o.Disposition = Delivered
		k.stats.signals[sig].delivered.Add(1)
		return
	}
	if !linuxerr.Equals(linuxerr.ENOSYS, err) {
		o.Err = err
		log.Warningf("Delivering %v to thread %d: %v", sig, tid, err)
	}
	o.Disposition = DefaultAction
	o.Action = sig.DefaultAction()
	k.stats.signals[sig].defaulted.Add(1)
	log.Debugf("Thread %d: %v (%s), default action %v", tid, sig, vector.Name(v), o.Action)
}
