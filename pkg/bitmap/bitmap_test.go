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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(256)
	if !b.Add(49) {
		t.Fatalf("Add(49) on empty bitmap returned false")
	}
	if b.Add(49) {
		t.Errorf("second Add(49) returned true")
	}
	if !b.IsSet(49) || b.GetNumOnes() != 1 {
		t.Errorf("IsSet(49) = %t, GetNumOnes = %d; want true, 1", b.IsSet(49), b.GetNumOnes())
	}
	if !b.Remove(49) || b.Remove(49) {
		t.Errorf("Remove did not report state transitions correctly")
	}
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after removing only bit")
	}
}

func TestFirstZero(t *testing.T) {
	for _, tc := range []struct {
		name       string
		set        []uint32
		start, end uint32
		want       uint32
		wantErr    bool
	}{
		{name: "empty", start: 49, end: 224, want: 49},
		{name: "skip set", set: []uint32{49, 50, 51}, start: 49, end: 224, want: 52},
		{name: "cross word", set: []uint32{62, 63, 64}, start: 62, end: 224, want: 65},
		{name: "hole before start ignored", set: []uint32{50}, start: 50, end: 52, want: 51},
		{name: "full range", set: []uint32{10, 11}, start: 10, end: 12, wantErr: true},
		{name: "empty range", start: 5, end: 5, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(256)
			for _, i := range tc.set {
				b.Add(i)
			}
			got, err := b.FirstZero(tc.start, tc.end)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("FirstZero(%d, %d) = %d, want error", tc.start, tc.end, got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("FirstZero(%d, %d) = %d, %v; want %d", tc.start, tc.end, got, err, tc.want)
			}
		})
	}
}

func TestForEach(t *testing.T) {
	b := New(256)
	for _, i := range []uint32{3, 64, 130, 255} {
		b.Add(i)
	}
	var got []uint32
	b.ForEach(4, 256, func(i uint32) { got = append(got, i) })
	if diff := cmp.Diff([]uint32{64, 130, 255}, got); diff != "" {
		t.Errorf("ForEach mismatch (-want +got):\n%s", diff)
	}
}
