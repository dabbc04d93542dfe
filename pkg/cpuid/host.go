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
	"runtime"
	"sync"

	kcpuid "github.com/klauspost/cpuid/v2"
	"gvisor.dev/trapcore/pkg/log"
)

var (
	hostFeatureSet     *FeatureSet
	hostFeatureSetOnce sync.Once
)

// hostFeatureMap maps probe results onto our feature identifiers.
var hostFeatureMap = map[kcpuid.FeatureID]Feature{
	kcpuid.FXSR:     X86FeatureFXSR,
	kcpuid.SSE:      X86FeatureSSE,
	kcpuid.SSE2:     X86FeatureSSE2,
	kcpuid.XSAVE:    X86FeatureXSAVE,
	kcpuid.OSXSAVE:  X86FeatureOSXSAVE,
	kcpuid.XSAVEOPT: X86FeatureXSAVEOPT,
	kcpuid.AVX:      X86FeatureAVX,
	kcpuid.AVX512F:  X86FeatureAVX512F,
}

// HostFeatureSet returns a FeatureSet that matches that of the host machine.
// The probe runs once; callers must not mutate the returned FeatureSet.
func HostFeatureSet() *FeatureSet {
	hostFeatureSetOnce.Do(func() {
		hostFeatureSet = probeHost(&kcpuid.CPU)
		log.Infof("CPU: %s (%s)", hostFeatureSet, kcpuid.CPU.BrandName)
	})
	return hostFeatureSet
}

func probeHost(info *kcpuid.CPUInfo) *FeatureSet {
	fs := NewFeatureSet(info.VendorString)
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "386" {
		return fs
	}
	fs.Add(X86FeatureFPU)
	fs.Add(X86FeatureAPIC)
	for id, f := range hostFeatureMap {
		if info.Supports(id) {
			fs.Add(f)
		}
	}
	return fs
}
