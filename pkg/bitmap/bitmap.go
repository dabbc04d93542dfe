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

// Package bitmap provides a fixed-size bitmap used for vector bookkeeping.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// NoBit is returned by searches that find nothing.
const NoBit uint32 = math.MaxUint32

// Bitmap implements a fixed-size bitmap. The zero value has no bits; use New.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of addressable bits.
	size uint32

	// bitBlock holds the bits, 64 entries per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of addressable bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true if bit i is set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) IsSet(i uint32) bool {
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i. It returns false if the bit was already set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) bool {
	block, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[block]&mask != 0 {
		return false
	}
	b.bitBlock[block] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if the bit was already clear.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) bool {
	block, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[block]&mask == 0 {
		return false
	}
	b.bitBlock[block] &^= mask
	b.numOnes--
	return true
}

// AddRange sets all bits in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// FirstZero returns the first unset bit in the range [start, end).
func (b *Bitmap) FirstZero(start, end uint32) (uint32, error) {
	if end > b.size {
		end = b.size
	}
	if start >= end {
		return NoBit, fmt.Errorf("empty range [%d, %d)", start, end)
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w)) + uint32(i)*64
			if r >= end {
				break
			}
			return r, nil
		}
		i++
		if uint32(i)*64 >= end {
			break
		}
		w = b.bitBlock[i]
	}
	return NoBit, fmt.Errorf("no unset bits in [%d, %d)", start, end)
}

// ForEach calls fn for every set bit in [start, end), lowest first.
func (b *Bitmap) ForEach(start, end uint32, fn func(i uint32)) {
	if end > b.size {
		end = b.size
	}
	for i := start / 64; i*64 < end; i++ {
		w := b.bitBlock[i]
		for w != 0 {
			r := uint32(bits.TrailingZeros64(w)) + i*64
			w &= w - 1
			if r < start {
				continue
			}
			if r >= end {
				return
			}
			fn(r)
		}
	}
}
