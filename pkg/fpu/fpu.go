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

// Package fpu provides the extended floating point state (x87, SSE, AVX and
// AVX-512 registers) saved across traps and context switches.
package fpu

import (
	"fmt"
	"unsafe"

	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
)

// State represents floating point state.
//
// This is a simple byte slice whose backing array is aligned for the save
// mechanism in use.
type State []byte

// Offsets within the legacy (FXSAVE) region. (Intel SDM Vol. 1, Table 10-2
// "Format of an FXSAVE Area")
const (
	fcwOffset = 0
	fswOffset = 2
	ftwOffset = 4
	fopOffset = 6
	fipOffset = 8
	fcsOffset = 12
	fdpOffset = 16
	fdsOffset = 20

	// mxcsrOffset is the offset in bytes of the MXCSR field from the start of
	// the FXSAVE area.
	mxcsrOffset = 24

	// mxcsrMaskOffset is the offset in bytes of the MXCSR_MASK field from the
	// start of the FXSAVE area.
	mxcsrMaskOffset = 28

	stOffset  = 32
	xmmOffset = 160

	// staleFieldsOffset and staleFieldsEnd delimit FOP, FIP, FCS, FDP, FDS and
	// the two padding words between them. AMD processors only write these on
	// save when an x87 exception is pending.
	staleFieldsOffset = fopOffset
	staleFieldsEnd    = mxcsrOffset
)

const (
	// legacyBytes is the size of the FXSAVE area.
	legacyBytes = 512

	// minXstateBytes is the minimum size in bytes of an x86 XSAVE area, equal
	// to the size of the XSAVE legacy area (512 bytes) plus the size of the
	// XSAVE header (64 bytes).
	minXstateBytes = legacyBytes + 64

	// xstateBVOffset is the offset in bytes of the XSTATE_BV field in an x86
	// XSAVE area.
	xstateBVOffset = 512

	// xcompBVOffset is the offset of XCOMP_BV.
	xcompBVOffset = 520

	// xsaveHeaderZeroedOffset and xsaveHeaderZeroedBytes indicate parts of the
	// XSAVE header that must be zero: "Bytes 15:8 of the XSAVE header is a
	// state-component bitmap called XCOMP_BV. ... Bytes 63:16 of the XSAVE
	// header are reserved." - Intel SDM Vol. 1, Section 13.4.2 "XSAVE Header".
	// The compacted format is never used.
	xsaveHeaderZeroedOffset = 512 + 8
	xsaveHeaderZeroedBytes  = 64 - 8
)

// FSW bits.
const (
	// FSWExceptionSummary (ES) is set while an unmasked x87 exception is
	// pending.
	FSWExceptionSummary = 0x80

	// FSWExceptionMask covers the individual exception flags and the stack
	// fault bit.
	FSWExceptionMask = 0x7f
)

// Default control values loaded by FNINIT and the boot-time default image.
const (
	DefaultFCW   = 0x037f
	DefaultMXCSR = 0x1f80

	// defaultMXCSRMask is used when the hardware reports a zero MXCSR_MASK.
	// "If the value of the MXCSR_MASK field is 00000000H, then the MXCSR_MASK
	// value is the default value of 0000FFBFH." - Intel SDM Vol. 1, Section
	// 11.6.6.
	defaultMXCSRMask = 0xffbf
)

// XSTATE_BV does not exist if FXSAVE is used, but FXSAVE implicitly saves x87
// and SSE state, so this is the equivalent XSTATE_BV value.
const fxsaveBV uint64 = cpuid.XSAVEFeatureX87 | cpuid.XSAVEFeatureSSE

// alignedBytes returns a slice of size bytes, aligned in memory to the given
// alignment. This is used because we require certain structures to be aligned
// in a specific way (for example, the XSAVE area must be 64-byte aligned).
func alignedBytes(size, alignment uint) []byte {
	data := make([]byte, size+alignment-1)
	offset := uint(uintptr(unsafe.Pointer(&data[0])) % uintptr(alignment))
	if offset == 0 {
		return data[:size:size]
	}
	return data[alignment-offset:][:size:size]
}

// newStateSlice returns a zeroed, aligned state sized for fs.
func newStateSlice(fs *cpuid.FeatureSet) State {
	size, align := fs.ExtendedStateSize()
	return State(alignedBytes(size, align))
}

// initState writes the boot-time default image into s: the register file
// after FNINIT, with MXCSR at its power-on value and every data register
// zeroed.
func initState(s State, useXsave bool, mxcsrMask uint32) {
	clear(s)
	arch.ByteOrder.PutUint16(s[fcwOffset:], DefaultFCW)
	arch.ByteOrder.PutUint32(s[mxcsrOffset:], DefaultMXCSR)
	arch.ByteOrder.PutUint32(s[mxcsrMaskOffset:], mxcsrMask)
	if useXsave && len(s) >= minXstateBytes {
		arch.ByteOrder.PutUint64(s[xstateBVOffset:], fxsaveBV)
	}
}

// Fork creates and returns an identical copy of the floating point state. The
// copy has the same alignment guarantees as s.
func (s State) Fork() State {
	n := State(alignedBytes(uint(len(s)), 64))
	copy(n, s)
	return n
}

// FCW returns the x87 control word.
func (s State) FCW() uint16 {
	return arch.ByteOrder.Uint16(s[fcwOffset:])
}

// FSW returns the x87 status word.
func (s State) FSW() uint16 {
	return arch.ByteOrder.Uint16(s[fswOffset:])
}

// SetFSW sets the x87 status word.
func (s State) SetFSW(fsw uint16) {
	arch.ByteOrder.PutUint16(s[fswOffset:], fsw)
}

// HasPendingException returns true if the state records a pending unmasked
// x87 exception (FSW.ES).
func (s State) HasPendingException() bool {
	return s.FSW()&FSWExceptionSummary != 0
}

// FOP returns the last x87 opcode.
func (s State) FOP() uint16 {
	return arch.ByteOrder.Uint16(s[fopOffset:])
}

// FIP returns the 64-bit last instruction pointer (FIP, FCS and padding).
func (s State) FIP() uint64 {
	return arch.ByteOrder.Uint64(s[fipOffset:])
}

// FDP returns the 64-bit last data pointer (FDP, FDS and padding).
func (s State) FDP() uint64 {
	return arch.ByteOrder.Uint64(s[fdpOffset:])
}

// MXCSR returns the SSE control/status register.
func (s State) MXCSR() uint32 {
	return arch.ByteOrder.Uint32(s[mxcsrOffset:])
}

// SetMXCSR sets the MXCSR control/status register in the state.
func (s State) SetMXCSR(mxcsr uint32) {
	arch.ByteOrder.PutUint32(s[mxcsrOffset:], mxcsr)
}

// XSTATE_BV returns the state-component bitmap, or the implicit FXSAVE
// components if s has no XSAVE header.
func (s State) XSTATE_BV() uint64 {
	if len(s) < minXstateBytes {
		return fxsaveBV
	}
	return arch.ByteOrder.Uint64(s[xstateBVOffset:])
}

// SetXSTATE_BV sets the state-component bitmap.
//
// Preconditions: len(s) >= 576.
func (s State) SetXSTATE_BV(bv uint64) {
	arch.ByteOrder.PutUint64(s[xstateBVOffset:], bv)
}

// XMM returns a copy of XMM register i.
func (s State) XMM(i int) [16]byte {
	var r [16]byte
	copy(r[:], s[xmmOffset+16*i:])
	return r
}

// clearStaleFields zeroes FOP through the padding word after FDS.
func (s State) clearStaleFields() {
	clear(s[staleFieldsOffset:staleFieldsEnd])
}

// SanitizeUser mutates s to ensure that restoring it is safe.
func (s State) SanitizeUser(fs *cpuid.FeatureSet) {
	// Force reserved bits in MXCSR to 0. This is consistent with Linux.
	mask := arch.ByteOrder.Uint32(s[mxcsrMaskOffset:])
	if mask == 0 {
		mask = defaultMXCSRMask
	}
	s.SetMXCSR(s.MXCSR() & mask)

	if len(s) >= minXstateBytes {
		// Users can't enable *more* XCR0 bits than what we, and the CPU, support.
		s.SetXSTATE_BV(s.XSTATE_BV() & fs.ValidXCR0Mask())
		// Force XCOMP_BV and reserved bytes in the XSAVE header to 0.
		clear(s[xsaveHeaderZeroedOffset : xsaveHeaderZeroedOffset+xsaveHeaderZeroedBytes])
	}
}

// ErrLoadingState indicates a failed restore due to unusable floating point
// state.
type ErrLoadingState struct {
	// supported is the supported floating point state.
	supportedFeatures uint64

	// saved is the saved floating point state.
	savedFeatures uint64
}

// Error returns a sensible description of the restore error.
func (e ErrLoadingState) Error() string {
	return fmt.Sprintf("floating point state contains unsupported features; supported: %#x saved: %#x", e.supportedFeatures, e.savedFeatures)
}
