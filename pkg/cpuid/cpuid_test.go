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

package cpuid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var justFPU = &FeatureSet{
	Set: map[Feature]bool{
		X86FeatureFPU: true,
	}}

var justFPUandXSAVE = &FeatureSet{
	Set: map[Feature]bool{
		X86FeatureFPU:   true,
		X86FeatureXSAVE: true,
	}}

func TestSubtract(t *testing.T) {
	if diff := justFPU.Subtract(justFPUandXSAVE); diff != nil {
		t.Errorf("Got %v is not subset of %v, want diff (%v) to be nil", justFPU, justFPUandXSAVE, diff)
	}

	if justFPUandXSAVE.Subtract(justFPU) == nil {
		t.Errorf("Got %v is a subset of %v, want diff to be nil", justFPU, justFPUandXSAVE)
	}
}

func TestHostFeatureSet(t *testing.T) {
	hfs := HostFeatureSet()
	if hfs != HostFeatureSet() {
		t.Errorf("HostFeatureSet returned a different set on the second call")
	}
	if hfs.UseXsaveopt() && !hfs.UseXsave() {
		t.Errorf("host reports xsaveopt without xsave: %v", hfs)
	}
}

func TestHasFeature(t *testing.T) {
	if !justFPU.HasFeature(X86FeatureFPU) {
		t.Errorf("HasFeature failed, %v should contain %v", justFPU, X86FeatureFPU)
	}

	if justFPU.HasFeature(X86FeatureAVX) {
		t.Errorf("HasFeature failed, %v should not contain %v", justFPU, X86FeatureAVX)
	}
}

func TestVendorPseudoFeatures(t *testing.T) {
	for _, tc := range []struct {
		vendor string
		amd    bool
		intel  bool
	}{
		{vendor: VendorAMD, amd: true},
		{vendor: VendorHygon, amd: true},
		{vendor: VendorIntel, intel: true},
		{vendor: "", amd: false},
	} {
		fs := NewFeatureSet(tc.vendor)
		if got := fs.HasFeature(X86FeatureVendorAMD); got != tc.amd {
			t.Errorf("vendor %q: HasFeature(vendor_amd) = %t, want %t", tc.vendor, got, tc.amd)
		}
		if got := fs.HasFeature(X86FeatureVendorIntel); got != tc.intel {
			t.Errorf("vendor %q: HasFeature(vendor_intel) = %t, want %t", tc.vendor, got, tc.intel)
		}
	}
}

func TestXsaveSelection(t *testing.T) {
	for _, tc := range []struct {
		name     string
		features []Feature
		xsave    bool
		xsaveopt bool
		xcr0     uint64
		size     uint
		align    uint
	}{
		{
			name:     "legacy",
			features: []Feature{X86FeatureFPU, X86FeatureFXSR},
			size:     512,
			align:    16,
		},
		{
			name:     "xsave not enabled by os",
			features: []Feature{X86FeatureFPU, X86FeatureXSAVE},
			xcr0:     XSAVEFeatureX87 | XSAVEFeatureSSE,
			size:     512,
			align:    16,
		},
		{
			name:     "xsave",
			features: []Feature{X86FeatureXSAVE, X86FeatureOSXSAVE},
			xsave:    true,
			xcr0:     XSAVEFeatureX87 | XSAVEFeatureSSE,
			size:     576,
			align:    64,
		},
		{
			name:     "xsaveopt avx",
			features: []Feature{X86FeatureXSAVE, X86FeatureOSXSAVE, X86FeatureXSAVEOPT, X86FeatureAVX},
			xsave:    true,
			xsaveopt: true,
			xcr0:     XSAVEFeatureX87 | XSAVEFeatureSSE | XSAVEFeatureAVX,
			size:     832,
			align:    64,
		},
		{
			name:     "avx512",
			features: []Feature{X86FeatureXSAVE, X86FeatureOSXSAVE, X86FeatureAVX, X86FeatureAVX512F},
			xsave:    true,
			xcr0:     XSAVEFeatureX87 | XSAVEFeatureSSE | XSAVEFeatureAVX | XSAVEFeatureAVX512,
			size:     2688,
			align:    64,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := NewFeatureSet(VendorIntel, tc.features...)
			if got := fs.UseXsave(); got != tc.xsave {
				t.Errorf("UseXsave() = %t, want %t", got, tc.xsave)
			}
			if got := fs.UseXsaveopt(); got != tc.xsaveopt {
				t.Errorf("UseXsaveopt() = %t, want %t", got, tc.xsaveopt)
			}
			if got := fs.ValidXCR0Mask(); got != tc.xcr0 {
				t.Errorf("ValidXCR0Mask() = %#x, want %#x", got, tc.xcr0)
			}
			size, align := fs.ExtendedStateSize()
			if size != tc.size || align != tc.align {
				t.Errorf("ExtendedStateSize() = (%d, %d), want (%d, %d)", size, align, tc.size, tc.align)
			}
		})
	}
}

func TestFeatureFromString(t *testing.T) {
	for _, f := range AllFeatures() {
		got, ok := FeatureFromString(f.String())
		if !ok || got != f {
			t.Errorf("FeatureFromString(%q) = %v, %t, want %v", f.String(), got, ok, f)
		}
	}
	if _, ok := FeatureFromString("bogus"); ok {
		t.Errorf("FeatureFromString(bogus) succeeded")
	}
}

func TestAddRemove(t *testing.T) {
	fs := NewFeatureSet(VendorIntel)
	fs.Add(X86FeatureXSAVE)
	fs.Add(X86FeatureAVX)
	fs.Remove(X86FeatureAVX)
	fs.Add(X86FeatureVendorAMD)

	want := &FeatureSet{
		Set:      map[Feature]bool{X86FeatureXSAVE: true},
		VendorID: VendorAMD,
	}
	if diff := cmp.Diff(want, fs); diff != "" {
		t.Errorf("feature set mismatch (-want +got):\n%s", diff)
	}
	if got, want := fs.FlagsString(), "xsave"; got != want {
		t.Errorf("FlagsString() = %q, want %q", got, want)
	}
}
