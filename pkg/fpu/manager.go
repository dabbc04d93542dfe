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
	"sync/atomic"
	"time"

	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/log"
)

// restoreLog reports rejected restores. A context that keeps handing back a
// corrupt area must not flood the log.
var restoreLog = log.BasicRateLimitedLogger(time.Second)

// Manager saves and restores floating point state on one processor model.
//
// The capability descriptor (mechanism, vendor erratum, XCR0) is resolved
// once in NewManager and never re-queried.
type Manager struct {
	hw   Hardware
	fs   *cpuid.FeatureSet
	mech Mechanism
	xcr0 uint64

	// saveMech is the mechanism Save uses. It differs from mech only on AMD,
	// where clearing the stale fields invalidates XSAVEOPT's modified
	// tracking.
	saveMech Mechanism

	// amd enables the FOP/FIP/FDP leak mitigation.
	amd bool

	// defaultState is the boot-time baseline. It is immutable.
	defaultState State

	restoreFaults atomic.Uint64
}

// NewManager returns a Manager for the processor described by fs, reached
// through hw.
func NewManager(fs *cpuid.FeatureSet, hw Hardware) *Manager {
	m := &Manager{
		hw:   hw,
		fs:   fs,
		mech: SelectMechanism(fs),
		xcr0: fs.ValidXCR0Mask(),
		amd:  fs.AMD(),
	}
	m.saveMech = m.mech
	if m.amd && m.mech == XSAVEOPT {
		m.saveMech = XSAVE
	}
	mxcsrMask := uint32(defaultMXCSRMask)
	if mh, ok := hw.(interface{ MXCSRMask() uint32 }); ok && mh.MXCSRMask() != 0 {
		mxcsrMask = mh.MXCSRMask()
	}
	m.defaultState = newStateSlice(fs)
	initState(m.defaultState, m.mech.UsesXsaveArea(), mxcsrMask)
	log.Infof("FPU: mechanism %v, xcr0 %#x, %d-byte state, AMD pointer erratum %t", m.mech, m.xcr0, len(m.defaultState), m.amd)
	return m
}

// Mechanism returns the save mechanism in use.
func (m *Manager) Mechanism() Mechanism {
	return m.mech
}

// FeatureSet returns the capability descriptor the manager was built for.
func (m *Manager) FeatureSet() *cpuid.FeatureSet {
	return m.fs
}

// RestoreFaults returns the number of restores rejected by the processor.
func (m *Manager) RestoreFaults() uint64 {
	return m.restoreFaults.Load()
}

// NewState returns an aligned state holding the default image.
func (m *Manager) NewState() State {
	return m.defaultState.Fork()
}

// Reset resets s to the default image.
//
// Preconditions: s was returned by NewState or Fork.
func (m *Manager) Reset(s State) {
	copy(s, m.defaultState)
}

// Save stores the current register file into dst.
//
// On AMD, FOP, FIP and FDP are only written when an exception is pending, so
// they are cleared first. Otherwise a reused area would keep the pointers of
// an earlier, unrelated exception. As a result these fields are only
// meaningful on AMD when FSW.ES is set. Since the area has just been written,
// XSAVEOPT would wrongly skip the unmodified x87 component, so AMD saves with
// XSAVE.
//
// Preconditions: dst was returned by NewState or Fork.
func (m *Manager) Save(dst State) {
	if m.amd {
		dst.clearStaleFields()
	}
	m.hw.Save(m.saveMech, dst, m.xcr0)
}

// Restore loads the register file from src.
//
// If the processor rejects src, Restore loads the default image instead and
// returns EINVAL. Either way the processor holds valid state on return.
func (m *Manager) Restore(src State) error {
	if err := m.restore(src); err != nil {
		m.restoreFaults.Add(1)
		restoreLog.Warningf("Error restoring fp state, likely a bad state argument: %v. Re-initializing fp state to default.", err)
		if err := m.restore(m.defaultState); err != nil {
			panic(fmt.Sprintf("default fp state rejected: %v", err))
		}
		return linuxerr.EINVAL
	}
	return nil
}

// Init gives the processor the default floating point state. FNINIT alone is
// not enough: it leaves the data registers and MXCSR as they were.
func (m *Manager) Init() {
	if err := m.Restore(m.defaultState); err != nil {
		panic(fmt.Sprintf("default fp state rejected: %v", err))
	}
}

// restore runs the restore instruction inside a fault guard.
func (m *Manager) restore(src State) (err error) {
	// AMD does not load FOP, FIP and FDP unless the area has an exception
	// pending, which would leave the previous context's values live. FNINIT
	// clears them. If an exception is pending the restore overwrites them.
	// See CVE-2006-1056 and CVE-2013-2076.
	if m.amd && (len(src) < legacyBytes || !src.HasPendingException()) {
		m.hw.Init()
	}
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*Fault)
			if !ok {
				panic(r)
			}
			err = f
		}
	}()
	return m.hw.Restore(m.mech, src, m.xcr0)
}

// Import converts a state saved on another processor model to this one. It
// fails if old has components in use that this processor cannot restore.
func (m *Manager) Import(old State) (State, error) {
	s := m.NewState()
	if len(s) < len(old) {
		supportedBV := fxsaveBV
		if m.mech.UsesXsaveArea() {
			supportedBV = m.xcr0
		}
		savedBV := fxsaveBV
		if len(old) >= xstateBVOffset+8 {
			savedBV = arch.ByteOrder.Uint64(old[xstateBVOffset:])
		}
		if savedBV&^supportedBV != 0 {
			return nil, ErrLoadingState{supportedFeatures: supportedBV, savedFeatures: savedBV}
		}
	}
	copy(s, old)
	if len(old) < minXstateBytes && len(s) >= minXstateBytes {
		// A legacy area carries no header; describe what it holds.
		s.SetXSTATE_BV(fxsaveBV)
		clear(s[xsaveHeaderZeroedOffset : xsaveHeaderZeroedOffset+xsaveHeaderZeroedBytes])
	}
	s.SanitizeUser(m.fs)
	return s, nil
}
