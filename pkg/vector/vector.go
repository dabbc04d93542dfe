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

// Package vector defines the partition of the 256 interrupt and trap vectors.
//
// The numbering is an ABI shared with the entry stubs, the interrupt
// controllers and firmware tables, so none of the reserved constants below may
// change. Inter-processor and local APIC vectors are fixed at compile time
// because they are needed during core bring-up, before any allocator is safe
// to call.
package vector

import (
	"fmt"
)

// Vector is an interrupt or exception vector.
type Vector uint8

// NumVectors is the size of the interrupt descriptor table.
const NumVectors = 256

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException

	// LastNamedException is the last architecturally named exception.
	LastNamedException = SIMDFloatingPointException

	// LastException is the last vector reserved for processor exceptions.
	LastException Vector = 31
)

// Legacy 8259 PIC vectors. IRQ n of the PIC pair is delivered on PICBase+n.
const (
	PICBase Vector = 32
	PICLast Vector = PICBase + MaxPICIRQ

	// MaxPICIRQ is the highest PIC line.
	MaxPICIRQ = 15
)

// Well-known legacy PIC lines.
const (
	IRQClock  = 0
	IRQKbd    = 1
	IRQUART1  = 3
	IRQUART0  = 4
	IRQPCMCIA = 5
	IRQFloppy = 6
	IRQLPT    = 7
	IRQAux    = 12 // PS/2 port.
	IRQ13     = 13 // Coprocessor on 386.
	IRQATA0   = 14
	IRQATA1   = 15
)

// Syscall is the software interrupt used for system calls.
const Syscall Vector = 48

// Dynamically routed device vectors (IOAPIC/MSI to LAPIC).
const (
	FirstDevice Vector = Syscall + 1
	LastDevice  Vector = 223
)

// OS inter-processor interrupt vectors.
const (
	// SMPCall0 is the first of the broadcast-call vectors. It must stay
	// 16-aligned: the entry stubs derive the wrapper index by masking.
	SMPCall0 Vector = 224
	SMPCall1 Vector = SMPCall0 + 1
	SMPCall2 Vector = SMPCall0 + 2
	SMPCall3 Vector = SMPCall0 + 3
	SMPCall4 Vector = SMPCall0 + 4

	// SMPCallLast is the last broadcast-call vector.
	SMPCallLast = SMPCall4

	// NumSMPCall is the number of broadcast-call wrappers.
	NumSMPCall = int(SMPCallLast-SMPCall0) + 1

	// Testing is used by in-kernel tests.
	Testing Vector = 237

	// PokeCore wakes one idle core.
	PokeCore Vector = 238

	// KernelMessage asks a core to drain its kernel message queue.
	KernelMessage Vector = 239

	lastIPI Vector = 239
)

// Local APIC vectors, the highest priority class.
const (
	LAPICBase    Vector = 240
	LAPICTimer   Vector = LAPICBase + 0
	LAPICThermal Vector = LAPICBase + 1
	LAPICPCInt   Vector = LAPICBase + 2
	LAPICLINT0   Vector = LAPICBase + 3
	LAPICLINT1   Vector = LAPICBase + 4
	LAPICError   Vector = LAPICBase + 5

	// LAPICSpurious must have bits 3:0 set: some processors hardwire them to
	// ones unless the extended spurious vector enable is set.
	LAPICSpurious Vector = LAPICBase + 0xf

	// LAPICLast is the last LAPIC vector and the last vector overall.
	LAPICLast Vector = LAPICBase + 0xf
)

func init() {
	if SMPCall0%16 != 0 {
		panic(fmt.Sprintf("SMPCall0 (%d) is not 16-aligned", SMPCall0))
	}
	if SMPCallLast >= Testing {
		panic("broadcast-call block overlaps fixed IPI vectors")
	}
	if LAPICSpurious&0xf != 0xf {
		panic(fmt.Sprintf("spurious vector %#x must have low nibble 0xf", LAPICSpurious))
	}
}

// PICVector returns the vector for legacy PIC line irq.
func PICVector(irq int) (Vector, error) {
	if irq < 0 || irq > MaxPICIRQ {
		return 0, fmt.Errorf("PIC irq %d out of range [0,%d]", irq, MaxPICIRQ)
	}
	return PICBase + Vector(irq), nil
}

// IsException returns true if v is reserved for processor exceptions.
func (v Vector) IsException() bool {
	return v <= LastException
}

// IsDevice returns true if v lies in the dynamically routed device range.
func (v Vector) IsDevice() bool {
	return v >= FirstDevice && v <= LastDevice
}

// IsRoutable returns true if a handler chain may be attached to v: the
// legacy PIC lines and the device range.
func (v Vector) IsRoutable() bool {
	return (v >= PICBase && v <= PICLast) || v.IsDevice()
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	return fmt.Sprintf("%d (%s)", uint8(v), Name(v))
}
