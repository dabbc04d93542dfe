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

package vector

import "fmt"

// Kind is the class a vector belongs to.
type Kind int

// Vector kinds.
const (
	Reserved Kind = iota
	Exception
	LegacyPIC
	SyscallKind
	DeviceIRQ
	IPI
	LocalAPIC
)

var kindNames = [...]string{
	Reserved:    "reserved",
	Exception:   "exception",
	LegacyPIC:   "legacy-pic",
	SyscallKind: "syscall",
	DeviceIRQ:   "device-irq",
	IPI:         "ipi",
	LocalAPIC:   "local-apic",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Classify returns the kind of v. The result depends only on v.
func Classify(v Vector) Kind {
	switch {
	case v <= LastException:
		return Exception
	case v <= PICLast:
		return LegacyPIC
	case v == Syscall:
		return SyscallKind
	case v <= LastDevice:
		return DeviceIRQ
	case v <= SMPCallLast, v >= Testing && v <= lastIPI:
		return IPI
	case v >= LAPICBase:
		return LocalAPIC
	default:
		// 229-236: inside the OS IPI block but unassigned.
		return Reserved
	}
}

var exceptionNames = [LastNamedException + 1]string{
	DivideByZero:               "divide error",
	Debug:                      "debug exception",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bounds check",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	CoprocessorSegmentOverrun:  "coprocessor segment overrun",
	InvalidTSS:                 "invalid TSS",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack exception",
	GeneralProtectionFault:     "general protection fault",
	PageFault:                  "page fault",
	15:                         "reserved",
	X87FloatingPointException:  "floating point error",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "SIMD floating point error",
}

var picLineNames = [MaxPICIRQ + 1]string{
	IRQClock:  "clock",
	IRQKbd:    "keyboard",
	2:         "cascade",
	IRQUART1:  "uart1",
	IRQUART0:  "uart0",
	IRQPCMCIA: "pcmcia",
	IRQFloppy: "floppy",
	IRQLPT:    "lpt",
	8:         "rtc",
	IRQAux:    "aux",
	IRQ13:     "fpu",
	IRQATA0:   "ata0",
	IRQATA1:   "ata1",
}

var fixedNames = map[Vector]string{
	Syscall:       "syscall",
	Testing:       "testing",
	PokeCore:      "poke core",
	KernelMessage: "kernel message",
	LAPICTimer:    "lapic timer",
	LAPICThermal:  "lapic thermal",
	LAPICPCInt:    "lapic perf counter",
	LAPICLINT0:    "lapic lint0",
	LAPICLINT1:    "lapic lint1",
	LAPICError:    "lapic error",
	LAPICSpurious: "lapic spurious",
}

// Name returns the fixed semantic name of v.
func Name(v Vector) string {
	switch Classify(v) {
	case Exception:
		if v <= LastNamedException {
			return exceptionNames[v]
		}
		return "(unknown trap)"
	case LegacyPIC:
		return fmt.Sprintf("IRQ%d", int(v-PICBase))
	case DeviceIRQ:
		return "device irq"
	case IPI:
		if v <= SMPCallLast {
			return fmt.Sprintf("smp call %d", int(v-SMPCall0))
		}
	}
	if n, ok := fixedNames[v]; ok {
		return n
	}
	return "reserved"
}

// PICLineName returns the conventional device name of a legacy PIC line, or
// the empty string if the line has none.
func PICLineName(irq int) string {
	if irq < 0 || irq > MaxPICIRQ {
		return ""
	}
	return picLineNames[irq]
}

// IsFixed returns true if v has a compile-time meaning and can never be handed
// out by an Allocator.
func IsFixed(v Vector) bool {
	return !v.IsDevice()
}
