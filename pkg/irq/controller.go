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

package irq

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/trapcore/pkg/bitmap"
	"gvisor.dev/trapcore/pkg/vector"
)

// Controller is a software interrupt controller: it keeps a mask register and
// a routing table per vector and counts EOIs. Spurious interrupts are
// injected with InjectSpurious.
//
// The Discipline returned by a Controller is shared by every line attached to
// it, so devices sharing a line through the same controller always agree.
type Controller struct {
	name string

	mu sync.Mutex

	// +checklocks:mu
	masked bitmap.Bitmap

	// +checklocks:mu
	spurious bitmap.Bitmap

	// +checklocks:mu
	routes map[vector.Vector]int

	eois [vector.NumVectors]atomic.Uint64
}

// NewController returns a Controller with every line masked.
func NewController(name string) *Controller {
	c := &Controller{
		name:     name,
		masked:   bitmap.New(vector.NumVectors),
		spurious: bitmap.New(vector.NumVectors),
		routes:   make(map[vector.Vector]int),
	}
	c.masked.AddRange(0, vector.NumVectors)
	return c
}

// Name returns the controller name.
func (c *Controller) Name() string {
	return c.name
}

// Discipline returns the controller routines for lines attached to c.
func (c *Controller) Discipline(spuriousNeedsEOI bool) Discipline {
	return Discipline{
		CheckSpurious:    c.checkSpurious,
		EOI:              c.eoi,
		Mask:             c.mask,
		Unmask:           c.unmask,
		Route:            c.route,
		SpuriousNeedsEOI: spuriousNeedsEOI,
		Owner:            c,
	}
}

// InjectSpurious makes the next interrupt on v look spurious.
func (c *Controller) InjectSpurious(v vector.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spurious.Add(uint32(v))
}

// EOIs returns the number of EOIs issued for v.
func (c *Controller) EOIs(v vector.Vector) uint64 {
	return c.eois[v].Load()
}

// Masked returns true if v is masked.
func (c *Controller) Masked(v vector.Vector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked.IsSet(uint32(v))
}

// Destination returns the core v is routed to.
func (c *Controller) Destination(v vector.Vector) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dest, ok := c.routes[v]
	return dest, ok
}

// Deliverable returns true if an interrupt raised on v reaches a core, and
// which one.
func (c *Controller) Deliverable(v vector.Vector) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.masked.IsSet(uint32(v)) {
		return 0, false
	}
	dest, ok := c.routes[v]
	return dest, ok
}

func (c *Controller) checkSpurious(v vector.Vector) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spurious.Remove(uint32(v))
}

func (c *Controller) eoi(v vector.Vector) {
	c.eois[v].Add(1)
}

func (c *Controller) mask(_ *Handler, v vector.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked.Add(uint32(v))
}

func (c *Controller) unmask(_ *Handler, v vector.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked.Remove(uint32(v))
}

func (c *Controller) route(_ *Handler, v vector.Vector, dest int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[v] = dest
}
