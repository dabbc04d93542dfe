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
	"fmt"

	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/vector"
)

// Mechanism is the instruction family used to save and restore state.
type Mechanism int

// Save mechanisms, in increasing order of preference.
const (
	// FXSAVE saves the legacy x87/SSE region only.
	FXSAVE Mechanism = iota

	// XSAVE saves every component enabled in XCR0.
	XSAVE

	// XSAVEOPT is XSAVE that may skip components unmodified since the last
	// XRSTOR from the same area.
	XSAVEOPT
)

// String implements fmt.Stringer.
func (m Mechanism) String() string {
	switch m {
	case FXSAVE:
		return "fxsave"
	case XSAVE:
		return "xsave"
	case XSAVEOPT:
		return "xsaveopt"
	default:
		return fmt.Sprintf("Mechanism(%d)", int(m))
	}
}

// UsesXsaveArea returns true if m saves into the XSAVE layout, and restores
// with XRSTOR.
func (m Mechanism) UsesXsaveArea() bool {
	return m != FXSAVE
}

// SelectMechanism returns the most capable mechanism fs supports.
func SelectMechanism(fs *cpuid.FeatureSet) Mechanism {
	switch {
	case fs.UseXsaveopt():
		return XSAVEOPT
	case fs.UseXsave():
		return XSAVE
	default:
		return FXSAVE
	}
}

// Hardware is the processor's floating point unit as seen by the kernel.
//
// Save and Init have no error path. Restore returns a *Fault when the
// processor rejects the area; implementations may also panic with a *Fault,
// which callers treat the same way.
type Hardware interface {
	// Save stores the register file into dst using m. xcr0 is the
	// requested-feature bitmap for the XSAVE family.
	Save(m Mechanism, dst State, xcr0 uint64)

	// Restore loads the register file from src using the restore instruction
	// that pairs with m.
	Restore(m Mechanism, src State, xcr0 uint64) error

	// Init executes FNINIT: it resets FCW, FSW, FTW, FOP, FIP and FDP and
	// leaves everything else untouched.
	Init()
}

// Fault is a processor exception raised by a save or restore instruction.
type Fault struct {
	// Vector is the exception raised, usually #GP.
	Vector vector.Vector

	// Reason describes the offending part of the area.
	Reason string
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s during fp restore: %s", vector.Name(f.Vector), f.Reason)
}

func gpFault(format string, v ...any) *Fault {
	return &Fault{Vector: vector.GeneralProtectionFault, Reason: fmt.Sprintf(format, v...)}
}
