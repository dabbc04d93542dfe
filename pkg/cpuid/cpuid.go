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

// Package cpuid provides basic functionality for creating and adjusting CPU
// feature sets.
//
// A FeatureSet is the boot-time capability descriptor consumed by the trap
// core: it is resolved once (either from the host or built by hand for a
// modelled processor) and then threaded into the components that need it,
// rather than being re-queried on every operation.
//
// For example: test for hardware extended state saving, and if we don't have
// it, fall back to the legacy mechanism.
//
//	if !fs.UseXsave() {
//		mechanism = fpu.FXSAVE
//	}
package cpuid

import (
	"fmt"
	"sort"
	"strings"
)

// Feature is a unique identifier for a particular cpu feature.
type Feature int

// Features consumed by the trap core.
const (
	X86FeatureFPU Feature = iota
	X86FeatureFXSR
	X86FeatureSSE
	X86FeatureSSE2
	X86FeatureXSAVE
	X86FeatureOSXSAVE
	X86FeatureXSAVEOPT
	X86FeatureAVX
	X86FeatureAVX512F
	X86FeatureAPIC
	X86FeatureX2APIC

	// X86FeatureVendorAMD is a pseudo-feature set for processors that follow
	// AMD's FPU semantics (AMD and Hygon). It is derived from the vendor ID.
	X86FeatureVendorAMD

	// X86FeatureVendorIntel is a pseudo-feature derived from the vendor ID.
	X86FeatureVendorIntel

	numFeatures
)

var featureNames = map[Feature]string{
	X86FeatureFPU:         "fpu",
	X86FeatureFXSR:        "fxsr",
	X86FeatureSSE:         "sse",
	X86FeatureSSE2:        "sse2",
	X86FeatureXSAVE:       "xsave",
	X86FeatureOSXSAVE:     "osxsave",
	X86FeatureXSAVEOPT:    "xsaveopt",
	X86FeatureAVX:         "avx",
	X86FeatureAVX512F:     "avx512f",
	X86FeatureAPIC:        "apic",
	X86FeatureX2APIC:      "x2apic",
	X86FeatureVendorAMD:   "vendor_amd",
	X86FeatureVendorIntel: "vendor_intel",
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if s, ok := featureNames[f]; ok {
		return s
	}
	return fmt.Sprintf("<cpuflag %d>", int(f))
}

// FeatureFromString returns the Feature associated with the given feature
// string plus a bool to indicate if it could find the feature.
func FeatureFromString(s string) (Feature, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range featureNames {
		if name == s {
			return f, true
		}
	}
	return 0, false
}

// AllFeatures returns every feature known to the package, in numeric order.
func AllFeatures() []Feature {
	fs := make([]Feature, 0, numFeatures)
	for f := Feature(0); f < numFeatures; f++ {
		fs = append(fs, f)
	}
	return fs
}

// Vendor IDs.
const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"
	VendorHygon = "HygonGenuine"
)

// FeatureSet is a set of Features for a CPU.
type FeatureSet struct {
	// Set is the set of features that are enabled in this FeatureSet.
	Set map[Feature]bool

	// VendorID is the 12-char string returned in ebx:edx:ecx for eax=0.
	VendorID string
}

// NewFeatureSet returns a FeatureSet for the given vendor with the given
// features enabled. Vendor pseudo-features are derived from vendor.
func NewFeatureSet(vendor string, features ...Feature) *FeatureSet {
	fs := &FeatureSet{
		Set:      make(map[Feature]bool),
		VendorID: vendor,
	}
	for _, f := range features {
		fs.Add(f)
	}
	return fs
}

// HasFeature tests whether or not a feature is in the given feature set.
func (fs *FeatureSet) HasFeature(feature Feature) bool {
	switch feature {
	case X86FeatureVendorAMD:
		return fs.AMD()
	case X86FeatureVendorIntel:
		return fs.Intel()
	}
	return fs.Set[feature]
}

// Add adds a feature to a feature set.
func (fs *FeatureSet) Add(feature Feature) {
	if fs.Set == nil {
		fs.Set = make(map[Feature]bool)
	}
	switch feature {
	case X86FeatureVendorAMD:
		fs.VendorID = VendorAMD
	case X86FeatureVendorIntel:
		fs.VendorID = VendorIntel
	default:
		fs.Set[feature] = true
	}
}

// Remove removes a feature from a feature set. Vendor pseudo-features cannot
// be removed.
func (fs *FeatureSet) Remove(feature Feature) {
	delete(fs.Set, feature)
}

// Subtract returns the features present in fs that are not present in other.
// If all features in fs are present in other, Subtract returns nil.
func (fs *FeatureSet) Subtract(other *FeatureSet) (diff map[Feature]bool) {
	for f, enabled := range fs.Set {
		if enabled && !other.HasFeature(f) {
			if diff == nil {
				diff = make(map[Feature]bool)
			}
			diff[f] = true
		}
	}
	return
}

// FlagsString prints out supported CPU flags, sorted by name.
func (fs *FeatureSet) FlagsString() string {
	var s []string
	for f, enabled := range fs.Set {
		if enabled {
			s = append(s, f.String())
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// AMD returns true if fs describes a processor with AMD FPU semantics.
func (fs *FeatureSet) AMD() bool {
	return fs.VendorID == VendorAMD || fs.VendorID == VendorHygon
}

// Intel returns true if fs describes an Intel CPU.
func (fs *FeatureSet) Intel() bool {
	return fs.VendorID == VendorIntel
}

// XSAVE state component bits, as found in XCR0 and XSTATE_BV.
const (
	XSAVEFeatureX87         = 1 << 0
	XSAVEFeatureSSE         = 1 << 1
	XSAVEFeatureAVX         = 1 << 2
	XSAVEFeatureBNDREGS     = 1 << 3
	XSAVEFeatureBNDCSR      = 1 << 4
	XSAVEFeatureAVX512op    = 1 << 5
	XSAVEFeatureAVX512zmm0  = 1 << 6
	XSAVEFeatureAVX512zmm16 = 1 << 7
	XSAVEFeaturePKRU        = 1 << 9

	// XSAVEFeatureAVX512 is the set of components enabled with AVX-512F.
	XSAVEFeatureAVX512 = XSAVEFeatureAVX512op | XSAVEFeatureAVX512zmm0 | XSAVEFeatureAVX512zmm16
)

// Standard-format offsets and sizes of the XSAVE components past the legacy
// area and header (Intel SDM Vol. 1, Table 13-1 / CPUID leaf 0xd).
const (
	XSAVEAVXOffset      = 576
	XSAVEAVXSize        = 256
	XSAVEOpmaskOffset   = 1088
	XSAVEOpmaskSize     = 64
	XSAVEZMMHi256Offset = 1152
	XSAVEZMMHi256Size   = 512
	XSAVEHi16ZMMOffset  = 1664
	XSAVEHi16ZMMSize    = 1024
)

// UseXsave returns the choice of fp state saving instruction.
func (fs *FeatureSet) UseXsave() bool {
	return fs.HasFeature(X86FeatureXSAVE) && fs.HasFeature(X86FeatureOSXSAVE)
}

// UseXsaveopt returns true if 'fs' supports the "xsaveopt" instruction.
func (fs *FeatureSet) UseXsaveopt() bool {
	return fs.UseXsave() && fs.HasFeature(X86FeatureXSAVEOPT)
}

// ValidXCR0Mask returns the valid bits in control register XCR0, i.e. the
// per-boot mask of state components the save mechanism will handle.
func (fs *FeatureSet) ValidXCR0Mask() uint64 {
	if !fs.HasFeature(X86FeatureXSAVE) {
		return 0
	}
	mask := uint64(XSAVEFeatureX87 | XSAVEFeatureSSE)
	if fs.HasFeature(X86FeatureAVX) {
		mask |= XSAVEFeatureAVX
		if fs.HasFeature(X86FeatureAVX512F) {
			mask |= XSAVEFeatureAVX512
		}
	}
	return mask
}

// ExtendedStateSize returns the number of bytes needed to save the "extended
// state" for the enabled features and the boundary it must be aligned to.
// Extended state includes floating point registers, and other cpu state that's
// not associated with the normal task context.
func (fs *FeatureSet) ExtendedStateSize() (size, align uint) {
	if fs.UseXsave() {
		xcr0 := fs.ValidXCR0Mask()
		size := uint(512 + 64)
		if xcr0&XSAVEFeatureAVX != 0 {
			size = XSAVEAVXOffset + XSAVEAVXSize
		}
		if xcr0&XSAVEFeatureAVX512 != 0 {
			size = XSAVEHi16ZMMOffset + XSAVEHi16ZMMSize
		}
		return size, 64
	}

	// If we don't support xsave, we fall back to fxsave, which requires
	// 512 bytes aligned to 16 bytes.
	return 512, 16
}

// String implements fmt.Stringer.
func (fs *FeatureSet) String() string {
	return fmt.Sprintf("%s [%s]", fs.VendorID, fs.FlagsString())
}
