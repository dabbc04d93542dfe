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

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		lo, hi Vector
		want   Kind
	}{
		{0, 31, Exception},
		{32, 47, LegacyPIC},
		{48, 48, SyscallKind},
		{49, 223, DeviceIRQ},
		{224, 228, IPI},
		{229, 236, Reserved},
		{237, 239, IPI},
		{240, 255, LocalAPIC},
	} {
		for v := int(tc.lo); v <= int(tc.hi); v++ {
			if got := Classify(Vector(v)); got != tc.want {
				t.Errorf("Classify(%d) = %v, want %v", v, got, tc.want)
			}
		}
	}
}

func TestNames(t *testing.T) {
	want := map[Vector]string{
		DivideByZero:               "divide error",
		PageFault:                  "page fault",
		SIMDFloatingPointException: "SIMD floating point error",
		25:                         "(unknown trap)",
		PICBase + IRQKbd:           "IRQ1",
		Syscall:                    "syscall",
		100:                        "device irq",
		SMPCall0:                   "smp call 0",
		SMPCall4:                   "smp call 4",
		230:                        "reserved",
		Testing:                    "testing",
		PokeCore:                   "poke core",
		KernelMessage:              "kernel message",
		LAPICTimer:                 "lapic timer",
		LAPICError:                 "lapic error",
		LAPICSpurious:              "lapic spurious",
	}
	got := make(map[Vector]string)
	for v := range want {
		got[v] = Name(v)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Name mismatch (-want +got):\n%s", diff)
	}
}

func TestFixedConstants(t *testing.T) {
	if SMPCall0%16 != 0 {
		t.Errorf("SMPCall0 = %d, not 16-aligned", SMPCall0)
	}
	if NumSMPCall != 5 {
		t.Errorf("NumSMPCall = %d, want 5", NumSMPCall)
	}
	if LAPICSpurious != 255 || LAPICSpurious&0xf != 0xf {
		t.Errorf("LAPICSpurious = %d", LAPICSpurious)
	}
	if got := [...]Vector{LAPICTimer, LAPICThermal, LAPICPCInt, LAPICLINT0, LAPICLINT1, LAPICError}; got != [...]Vector{240, 241, 242, 243, 244, 245} {
		t.Errorf("LAPIC vectors = %v", got)
	}
	for v := 0; v < NumVectors; v++ {
		if IsFixed(Vector(v)) == Vector(v).IsDevice() {
			t.Errorf("vector %d: IsFixed and IsDevice agree", v)
		}
	}
}

func TestPICVector(t *testing.T) {
	v, err := PICVector(IRQATA1)
	if err != nil || v != 47 {
		t.Errorf("PICVector(IRQATA1) = %d, %v; want 47", v, err)
	}
	if _, err := PICVector(16); err == nil {
		t.Errorf("PICVector(16) succeeded")
	}
	if got := PICLineName(IRQUART0); got != "uart0" {
		t.Errorf("PICLineName(IRQUART0) = %q", got)
	}
}

func TestAllocLowestFree(t *testing.T) {
	a := NewAllocator()
	for want := FirstDevice; want < FirstDevice+3; want++ {
		v, err := a.Alloc()
		if err != nil || v != want {
			t.Fatalf("Alloc() = %d, %v; want %d", v, err, want)
		}
	}
	if err := a.Release(FirstDevice + 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if v, _ := a.Alloc(); v != FirstDevice+1 {
		t.Errorf("Alloc after release = %d, want %d", v, FirstDevice+1)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator()
	seen := make(map[Vector]bool)
	for {
		v, err := a.Alloc()
		if err != nil {
			if !errors.Is(err, ErrRangeExhausted) || !linuxerr.Equals(linuxerr.ERANGE, err) {
				t.Fatalf("Alloc error = %v, want ErrRangeExhausted", err)
			}
			break
		}
		if !v.IsDevice() {
			t.Fatalf("Alloc returned %d outside [%d,%d]", v, FirstDevice, LastDevice)
		}
		if seen[v] {
			t.Fatalf("Alloc returned %d twice", v)
		}
		seen[v] = true
	}
	if got, want := len(seen), int(LastDevice-FirstDevice)+1; got != want {
		t.Errorf("allocated %d vectors, want %d", got, want)
	}
	if a.Free() != 0 {
		t.Errorf("Free() = %d after exhaustion", a.Free())
	}
}

func TestReserveRelease(t *testing.T) {
	a := NewAllocator()
	for _, v := range []Vector{PageFault, PICBase, Syscall, SMPCall0, LAPICTimer, LAPICSpurious} {
		if err := a.Reserve(v); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Reserve(%d) = %v, want EINVAL", v, err)
		}
		if err := a.Release(v); !linuxerr.Equals(linuxerr.EINVAL, err) {
			t.Errorf("Release(%d) = %v, want EINVAL", v, err)
		}
	}
	if err := a.Reserve(FirstDevice); err != nil {
		t.Fatalf("Reserve(FirstDevice) = %v", err)
	}
	if err := a.Reserve(FirstDevice); !linuxerr.Equals(linuxerr.EEXIST, err) {
		t.Errorf("second Reserve = %v, want EEXIST", err)
	}
	if v, _ := a.Alloc(); v != FirstDevice+1 {
		t.Errorf("Alloc after Reserve = %d", v)
	}
	if err := a.Release(LastDevice); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("Release of unassigned = %v, want ENOENT", err)
	}
	if err := a.Reserve(LastDevice); err != nil {
		t.Fatalf("Reserve(LastDevice) = %v", err)
	}
	if err := a.Release(FirstDevice); err != nil {
		t.Fatalf("Release(FirstDevice) = %v", err)
	}
	if diff := cmp.Diff([]Vector{FirstDevice + 1, LastDevice}, a.InUse()); diff != "" {
		t.Errorf("InUse() mismatch (-want +got):\n%s", diff)
	}
}
