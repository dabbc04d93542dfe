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

package fpu

import (
	"unsafe"

	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/vector"
)

// Registers is the architectural floating point register file.
type Registers struct {
	FCW   uint16
	FSW   uint16
	FTW   uint8 // Abridged tag word.
	FOP   uint16
	FIP   uint64
	FDP   uint64
	MXCSR uint32

	// ST holds the x87 data registers in their 16-byte FXSAVE slots.
	ST [8][16]byte

	XMM     [16][16]byte
	YMMH    [16][16]byte
	Opmask  [8]uint64
	ZMMH    [16][32]byte
	Hi16ZMM [16][64]byte
}

// Emulated is a software floating point unit implementing Hardware.
//
// It reproduces the behaviour the kernel must cope with: on AMD processors
// FXSAVE/XSAVE only write FOP, FIP and FDP while an exception is pending, and
// FXRSTOR/XRSTOR only load them in the same case. Restores of malformed areas
// raise #GP without modifying the register file.
//
// Emulated is a per-core register file and is not safe for concurrent use.
type Emulated struct {
	amd       bool
	useXsave  bool
	xcr0      uint64
	mxcsrMask uint32

	regs Registers

	// lastRestore and modified implement the XSAVEOPT modified optimization.
	lastRestore *byte
	modified    bool
}

// NewEmulated returns an Emulated FPU modelling the processor described by fs,
// in its power-on state.
func NewEmulated(fs *cpuid.FeatureSet) *Emulated {
	e := &Emulated{
		amd:       fs.AMD(),
		useXsave:  fs.UseXsave(),
		xcr0:      fs.ValidXCR0Mask(),
		mxcsrMask: 0xffff,
		modified:  true,
	}
	e.regs.FCW = DefaultFCW
	e.regs.MXCSR = DefaultMXCSR
	return e
}

// Registers returns a copy of the register file.
func (e *Emulated) Registers() Registers {
	return e.regs
}

// SetRegisters replaces the register file, as if by a sequence of
// instructions executed by the current context.
func (e *Emulated) SetRegisters(r Registers) {
	e.regs = r
	e.modified = true
}

// RaiseException records an unmasked invalid-operation exception for the x87
// instruction with opcode fop at fip referencing fdp.
func (e *Emulated) RaiseException(fop uint16, fip, fdp uint64) {
	e.regs.FSW |= FSWExceptionSummary | 0x1
	e.regs.FOP = fop
	e.regs.FIP = fip
	e.regs.FDP = fdp
	e.modified = true
}

// ClearExceptions executes FNCLEX. The last-instruction fields are left
// as they are.
func (e *Emulated) ClearExceptions() {
	e.regs.FSW &^= FSWExceptionSummary | FSWExceptionMask
	e.modified = true
}

// MXCSRMask returns the MXCSR bits the processor accepts.
func (e *Emulated) MXCSRMask() uint32 {
	return e.mxcsrMask
}

// Init implements Hardware.Init.
func (e *Emulated) Init() {
	e.initX87()
	e.modified = true
}

func (e *Emulated) initX87() {
	e.regs.FCW = DefaultFCW
	e.regs.FSW = 0
	e.regs.FTW = 0
	e.regs.FOP = 0
	e.regs.FIP = 0
	e.regs.FDP = 0
}

func (e *Emulated) writePointers(fsw uint16) bool {
	return !e.amd || fsw&FSWExceptionSummary != 0
}

func aligned(s State, align uintptr) bool {
	return uintptr(unsafe.Pointer(&s[0]))%align == 0
}

// componentEnd returns the size an XSAVE area needs to hold rfbm.
func componentEnd(rfbm uint64) int {
	switch {
	case rfbm&cpuid.XSAVEFeatureAVX512zmm16 != 0:
		return cpuid.XSAVEHi16ZMMOffset + cpuid.XSAVEHi16ZMMSize
	case rfbm&cpuid.XSAVEFeatureAVX512zmm0 != 0:
		return cpuid.XSAVEZMMHi256Offset + cpuid.XSAVEZMMHi256Size
	case rfbm&cpuid.XSAVEFeatureAVX512op != 0:
		return cpuid.XSAVEOpmaskOffset + cpuid.XSAVEOpmaskSize
	case rfbm&cpuid.XSAVEFeatureAVX != 0:
		return cpuid.XSAVEAVXOffset + cpuid.XSAVEAVXSize
	default:
		return minXstateBytes
	}
}

// Save implements Hardware.Save.
func (e *Emulated) Save(m Mechanism, dst State, xcr0 uint64) {
	if m.UsesXsaveArea() && !e.useXsave {
		panic(&Fault{Vector: vector.InvalidOpcode, Reason: m.String() + " not supported"})
	}
	if !m.UsesXsaveArea() {
		if len(dst) < legacyBytes || !aligned(dst, 16) {
			panic(gpFault("fxsave area of %d bytes is short or misaligned", len(dst)))
		}
		e.saveX87(dst)
		e.saveSSE(dst)
		return
	}

	rfbm := xcr0 & e.xcr0
	if len(dst) < componentEnd(rfbm) || !aligned(dst, 64) {
		panic(gpFault("xsave area of %d bytes is short or misaligned", len(dst)))
	}
	if m == XSAVEOPT && !e.modified && e.lastRestore == &dst[0] {
		// The area already holds the current state.
		return
	}
	if rfbm&cpuid.XSAVEFeatureX87 != 0 {
		e.saveX87(dst)
	}
	if rfbm&(cpuid.XSAVEFeatureSSE|cpuid.XSAVEFeatureAVX) != 0 {
		arch.ByteOrder.PutUint32(dst[mxcsrOffset:], e.regs.MXCSR)
		arch.ByteOrder.PutUint32(dst[mxcsrMaskOffset:], e.mxcsrMask)
	}
	if rfbm&cpuid.XSAVEFeatureSSE != 0 {
		e.saveSSE(dst)
	}
	if rfbm&cpuid.XSAVEFeatureAVX != 0 {
		for i := range e.regs.YMMH {
			copy(dst[cpuid.XSAVEAVXOffset+16*i:], e.regs.YMMH[i][:])
		}
	}
	if rfbm&cpuid.XSAVEFeatureAVX512op != 0 {
		for i, k := range e.regs.Opmask {
			arch.ByteOrder.PutUint64(dst[cpuid.XSAVEOpmaskOffset+8*i:], k)
		}
	}
	if rfbm&cpuid.XSAVEFeatureAVX512zmm0 != 0 {
		for i := range e.regs.ZMMH {
			copy(dst[cpuid.XSAVEZMMHi256Offset+32*i:], e.regs.ZMMH[i][:])
		}
	}
	if rfbm&cpuid.XSAVEFeatureAVX512zmm16 != 0 {
		for i := range e.regs.Hi16ZMM {
			copy(dst[cpuid.XSAVEHi16ZMMOffset+64*i:], e.regs.Hi16ZMM[i][:])
		}
	}

	bv := arch.ByteOrder.Uint64(dst[xstateBVOffset:])
	bv = bv&^rfbm | rfbm&e.inUse()
	arch.ByteOrder.PutUint64(dst[xstateBVOffset:], bv)
}

func (e *Emulated) saveX87(dst State) {
	r := &e.regs
	arch.ByteOrder.PutUint16(dst[fcwOffset:], r.FCW)
	arch.ByteOrder.PutUint16(dst[fswOffset:], r.FSW)
	dst[ftwOffset] = r.FTW
	if e.writePointers(r.FSW) {
		arch.ByteOrder.PutUint16(dst[fopOffset:], r.FOP)
		arch.ByteOrder.PutUint64(dst[fipOffset:], r.FIP)
		arch.ByteOrder.PutUint64(dst[fdpOffset:], r.FDP)
	}
	for i := range r.ST {
		copy(dst[stOffset+16*i:], r.ST[i][:])
	}
}

func (e *Emulated) saveSSE(dst State) {
	arch.ByteOrder.PutUint32(dst[mxcsrOffset:], e.regs.MXCSR)
	arch.ByteOrder.PutUint32(dst[mxcsrMaskOffset:], e.mxcsrMask)
	for i := range e.regs.XMM {
		copy(dst[xmmOffset+16*i:], e.regs.XMM[i][:])
	}
}

// inUse returns the components that are not in their initial configuration.
func (e *Emulated) inUse() uint64 {
	r := &e.regs
	var bv uint64
	if r.FCW != DefaultFCW || r.FSW != 0 || r.FTW != 0 || r.FOP != 0 || r.FIP != 0 || r.FDP != 0 || r.ST != [8][16]byte{} {
		bv |= cpuid.XSAVEFeatureX87
	}
	if r.MXCSR != DefaultMXCSR || r.XMM != [16][16]byte{} {
		bv |= cpuid.XSAVEFeatureSSE
	}
	if r.YMMH != [16][16]byte{} {
		bv |= cpuid.XSAVEFeatureAVX
	}
	if r.Opmask != [8]uint64{} {
		bv |= cpuid.XSAVEFeatureAVX512op
	}
	if r.ZMMH != [16][32]byte{} {
		bv |= cpuid.XSAVEFeatureAVX512zmm0
	}
	if r.Hi16ZMM != [16][64]byte{} {
		bv |= cpuid.XSAVEFeatureAVX512zmm16
	}
	return bv
}

// Restore implements Hardware.Restore.
//
// The area is validated completely before any register is loaded, so a
// faulting restore leaves the register file unchanged.
func (e *Emulated) Restore(m Mechanism, src State, xcr0 uint64) error {
	if m.UsesXsaveArea() && !e.useXsave {
		return &Fault{Vector: vector.InvalidOpcode, Reason: m.String() + " not supported"}
	}
	if !m.UsesXsaveArea() {
		if len(src) < legacyBytes {
			return gpFault("fxrstor area of %d bytes is short", len(src))
		}
		if !aligned(src, 16) {
			return gpFault("fxrstor area is not 16-byte aligned")
		}
		if mxcsr := arch.ByteOrder.Uint32(src[mxcsrOffset:]); mxcsr&^e.mxcsrMask != 0 {
			return gpFault("reserved MXCSR bits %#x set", mxcsr&^e.mxcsrMask)
		}
		e.loadX87(src)
		e.loadSSE(src)
		e.finishRestore(src)
		return nil
	}

	rfbm := xcr0 & e.xcr0
	if len(src) < componentEnd(rfbm) {
		return gpFault("xrstor area of %d bytes is short", len(src))
	}
	if !aligned(src, 64) {
		return gpFault("xrstor area is not 64-byte aligned")
	}
	bv := arch.ByteOrder.Uint64(src[xstateBVOffset:])
	if bv&^e.xcr0 != 0 {
		return gpFault("XSTATE_BV %#x sets bits outside XCR0 %#x", bv, e.xcr0)
	}
	for _, b := range src[xsaveHeaderZeroedOffset : xsaveHeaderZeroedOffset+xsaveHeaderZeroedBytes] {
		if b != 0 {
			return gpFault("XCOMP_BV or reserved XSAVE header bytes are non-zero")
		}
	}
	loadMXCSR := rfbm&(cpuid.XSAVEFeatureSSE|cpuid.XSAVEFeatureAVX) != 0
	mxcsr := arch.ByteOrder.Uint32(src[mxcsrOffset:])
	if loadMXCSR && mxcsr&^e.mxcsrMask != 0 {
		return gpFault("reserved MXCSR bits %#x set", mxcsr&^e.mxcsrMask)
	}

	present := func(c uint64) (load, reset bool) {
		if rfbm&c == 0 {
			return false, false
		}
		return bv&c != 0, bv&c == 0
	}
	r := &e.regs
	switch load, reset := present(cpuid.XSAVEFeatureX87); {
	case load:
		e.loadX87(src)
	case reset:
		e.initX87()
		r.ST = [8][16]byte{}
	}
	if loadMXCSR {
		r.MXCSR = mxcsr
	}
	switch load, reset := present(cpuid.XSAVEFeatureSSE); {
	case load:
		for i := range r.XMM {
			copy(r.XMM[i][:], src[xmmOffset+16*i:])
		}
	case reset:
		r.XMM = [16][16]byte{}
	}
	switch load, reset := present(cpuid.XSAVEFeatureAVX); {
	case load:
		for i := range r.YMMH {
			copy(r.YMMH[i][:], src[cpuid.XSAVEAVXOffset+16*i:])
		}
	case reset:
		r.YMMH = [16][16]byte{}
	}
	switch load, reset := present(cpuid.XSAVEFeatureAVX512op); {
	case load:
		for i := range r.Opmask {
			r.Opmask[i] = arch.ByteOrder.Uint64(src[cpuid.XSAVEOpmaskOffset+8*i:])
		}
	case reset:
		r.Opmask = [8]uint64{}
	}
	switch load, reset := present(cpuid.XSAVEFeatureAVX512zmm0); {
	case load:
		for i := range r.ZMMH {
			copy(r.ZMMH[i][:], src[cpuid.XSAVEZMMHi256Offset+32*i:])
		}
	case reset:
		r.ZMMH = [16][32]byte{}
	}
	switch load, reset := present(cpuid.XSAVEFeatureAVX512zmm16); {
	case load:
		for i := range r.Hi16ZMM {
			copy(r.Hi16ZMM[i][:], src[cpuid.XSAVEHi16ZMMOffset+64*i:])
		}
	case reset:
		r.Hi16ZMM = [16][64]byte{}
	}
	e.finishRestore(src)
	return nil
}

func (e *Emulated) loadX87(src State) {
	r := &e.regs
	r.FCW = arch.ByteOrder.Uint16(src[fcwOffset:])
	r.FSW = arch.ByteOrder.Uint16(src[fswOffset:])
	r.FTW = src[ftwOffset]
	if e.writePointers(r.FSW) {
		r.FOP = arch.ByteOrder.Uint16(src[fopOffset:])
		r.FIP = arch.ByteOrder.Uint64(src[fipOffset:])
		r.FDP = arch.ByteOrder.Uint64(src[fdpOffset:])
	}
	for i := range r.ST {
		copy(r.ST[i][:], src[stOffset+16*i:])
	}
}

func (e *Emulated) loadSSE(src State) {
	e.regs.MXCSR = arch.ByteOrder.Uint32(src[mxcsrOffset:])
	for i := range e.regs.XMM {
		copy(e.regs.XMM[i][:], src[xmmOffset+16*i:])
	}
}

func (e *Emulated) finishRestore(src State) {
	e.lastRestore = &src[0]
	e.modified = false
}
