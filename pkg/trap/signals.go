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

package trap

import (
	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/vector"
)

// signalFor returns the signal a user-mode exception raises. It returns false
// for exceptions that have no user-visible meaning.
func signalFor(f *Frame) (*arch.SignalInfo, bool) {
	var info *arch.SignalInfo
	switch v := f.Vector(); v {
	case vector.PageFault:
		code := int32(linux.SEGV_MAPERR)
		if f.Err&arch.PFErrPresent != 0 {
			code = linux.SEGV_ACCERR
		}
		info = &arch.SignalInfo{Signo: int32(linux.SIGSEGV), Code: code}
		info.SetAddr(f.FaultAddr)

	case vector.Debug:
		info = &arch.SignalInfo{Signo: int32(linux.SIGTRAP), Code: linux.TRAP_TRACE}
		info.SetAddr(f.Rip)

	case vector.Breakpoint:
		info = &arch.SignalInfo{Signo: int32(linux.SIGTRAP), Code: linux.SI_KERNEL}

	case vector.GeneralProtectionFault,
		vector.Overflow,
		vector.SegmentNotPresent,
		vector.BoundRangeExceeded,
		vector.InvalidTSS,
		vector.StackSegmentFault:
		info = &arch.SignalInfo{Signo: int32(linux.SIGSEGV), Code: linux.SI_KERNEL}
		info.SetAddr(f.Rip)

	case vector.InvalidOpcode:
		info = &arch.SignalInfo{Signo: int32(linux.SIGILL), Code: linux.ILL_ILLOPC}
		info.SetAddr(f.Rip)

	case vector.DivideByZero:
		info = &arch.SignalInfo{Signo: int32(linux.SIGFPE), Code: linux.FPE_INTDIV}
		info.SetAddr(f.Rip)

	case vector.X87FloatingPointException,
		vector.SIMDFloatingPointException:
		info = &arch.SignalInfo{Signo: int32(linux.SIGFPE), Code: linux.FPE_FLTINV}
		info.SetAddr(f.Rip)

	case vector.AlignmentCheck:
		info = &arch.SignalInfo{Signo: int32(linux.SIGBUS), Code: linux.BUS_ADRALN}
		info.SetAddr(f.Rip)

	default:
		// Double fault, machine check, device not available and the
		// reserved exceptions.
		return nil, false
	}
	info.SetTrapno(uint32(f.Trapno))
	return info, true
}
