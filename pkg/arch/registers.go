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

// Package arch describes the processor state that crosses the trap boundary:
// the hardware trap frame and the signal metadata handed to user runtimes.
package arch

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ByteOrder is the byte order of the modelled machine.
var ByteOrder = binary.LittleEndian

// Registers is the hardware trap frame pushed on trap entry.
//
// The layout follows the x86-64 hw_trapframe: general purpose registers
// saved by the entry stub, followed by the vector and error code, followed by
// the frame pushed by the processor itself.
type Registers struct {
	GSBase uint64
	FSBase uint64
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rbp    uint64
	Rsi    uint64
	Rdi    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64

	// Trapno is the vector that was raised.
	Trapno uint32
	_      uint32

	// Err is the error code pushed by the processor, or zero.
	Err uint64

	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// Privilege levels encoded in the low bits of CS.
const (
	KernelPL = 0
	UserPL   = 3
)

// Page fault error code bits.
const (
	PFErrPresent = 1 << 0
	PFErrWrite   = 1 << 1
	PFErrUser    = 1 << 2
	PFErrFetch   = 1 << 4
)

// InUser returns true if the trap was taken while executing user code.
func (r *Registers) InUser() bool {
	return r.Cs&3 == UserPL
}

// IP returns the instruction pointer at the time of the trap.
func (r *Registers) IP() uint64 {
	return r.Rip
}

// SP returns the stack pointer at the time of the trap.
func (r *Registers) SP() uint64 {
	return r.Rsp
}

// DumpTo prints the frame in the two-column layout used by the kernel
// monitor.
func (r *Registers) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "  rax  0x%016x  rbx  0x%016x\n", r.Rax, r.Rbx)
	fmt.Fprintf(w, "  rcx  0x%016x  rdx  0x%016x\n", r.Rcx, r.Rdx)
	fmt.Fprintf(w, "  rbp  0x%016x  rsi  0x%016x\n", r.Rbp, r.Rsi)
	fmt.Fprintf(w, "  rdi  0x%016x  r8   0x%016x\n", r.Rdi, r.R8)
	fmt.Fprintf(w, "  r9   0x%016x  r10  0x%016x\n", r.R9, r.R10)
	fmt.Fprintf(w, "  r11  0x%016x  r12  0x%016x\n", r.R11, r.R12)
	fmt.Fprintf(w, "  r13  0x%016x  r14  0x%016x\n", r.R13, r.R14)
	fmt.Fprintf(w, "  r15  0x%016x\n", r.R15)
	fmt.Fprintf(w, "  trap 0x%08x  err  0x%08x\n", r.Trapno, r.Err)
	fmt.Fprintf(w, "  rip  0x%016x  cs   0x%04x\n", r.Rip, r.Cs)
	fmt.Fprintf(w, "  flag 0x%016x  rsp  0x%016x  ss 0x%04x\n", r.Rflags, r.Rsp, r.Ss)
}
