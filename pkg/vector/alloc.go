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
	"fmt"
	"sync"

	"gvisor.dev/trapcore/pkg/bitmap"
	"gvisor.dev/trapcore/pkg/errors"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
)

// ErrRangeExhausted is returned by Alloc when every device vector is in use.
var ErrRangeExhausted = errors.New(linuxerr.ToUnix(linuxerr.ERANGE), "device vector range exhausted")

// Allocator hands out device vectors from [FirstDevice, LastDevice].
//
// Allocator is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	// used tracks assigned device vectors.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

// NewAllocator returns an Allocator with every device vector free.
func NewAllocator() *Allocator {
	return &Allocator{used: bitmap.New(NumVectors)}
}

// Alloc returns the lowest free device vector.
func (a *Allocator) Alloc() (Vector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bit, err := a.used.FirstZero(uint32(FirstDevice), uint32(LastDevice)+1)
	if err != nil {
		return 0, ErrRangeExhausted
	}
	a.used.Add(bit)
	return Vector(bit), nil
}

// Reserve claims a specific device vector, for lines whose vector is fixed
// by firmware tables.
func (a *Allocator) Reserve(v Vector) error {
	if !v.IsDevice() {
		return fmt.Errorf("vector %v is not a device vector: %w", v, linuxerr.EINVAL)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.used.Add(uint32(v)) {
		return fmt.Errorf("vector %v already assigned: %w", v, linuxerr.EEXIST)
	}
	return nil
}

// Release returns v to the free pool.
func (a *Allocator) Release(v Vector) error {
	if !v.IsDevice() {
		return fmt.Errorf("vector %v is not a device vector: %w", v, linuxerr.EINVAL)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.used.Remove(uint32(v)) {
		return fmt.Errorf("vector %v not assigned: %w", v, linuxerr.ENOENT)
	}
	return nil
}

// Assigned reports whether v is currently allocated.
func (a *Allocator) Assigned(v Vector) bool {
	if !v.IsDevice() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.IsSet(uint32(v))
}

// InUse returns the allocated device vectors, lowest first.
func (a *Allocator) InUse() []Vector {
	a.mu.Lock()
	defer a.mu.Unlock()
	var vs []Vector
	a.used.ForEach(uint32(FirstDevice), uint32(LastDevice)+1, func(i uint32) {
		vs = append(vs, Vector(i))
	})
	return vs
}

// Free returns the number of device vectors still available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(LastDevice-FirstDevice) + 1 - int(a.used.GetNumOnes())
}
