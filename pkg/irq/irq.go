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

// Package irq implements per-vector chains of interrupt handlers.
//
// Several devices may share one interrupt line. Each gets its own Handler
// record on the line's chain, and every ISR on the chain runs when the line
// fires; an ISR must check its own device to see whether the interrupt was
// meant for it. The controller operations (spurious check, EOI, mask, unmask
// and route) belong to the line, not the device: all records on a chain must
// carry the same Discipline and only the head's is used.
//
// Chains are append-only. Register serializes writers with a short critical
// section; Dispatch never takes a lock and may run concurrently with
// registration on any line.
package irq

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/errors"
	"gvisor.dev/trapcore/pkg/errors/linuxerr"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/vector"
)

// NameLen is the maximum length of a handler name. Longer names are
// truncated.
const NameLen = 26

var (
	// ErrMismatchedDiscipline is returned when a handler joins a chain whose
	// controller routines differ from its own.
	ErrMismatchedDiscipline = errors.New(linuxerr.ToUnix(linuxerr.EINVAL), "handler discipline does not match the line")

	// ErrNotRoutable is returned for vectors that cannot carry device
	// interrupts.
	ErrNotRoutable = errors.New(linuxerr.ToUnix(linuxerr.EINVAL), "vector is not routable")

	// ErrRegistered is returned when a handler already on a chain is
	// registered again.
	ErrRegistered = errors.New(linuxerr.ToUnix(linuxerr.EEXIST), "handler is already registered")

	// ErrNoHandler is returned by line operations on a vector without a chain.
	ErrNoHandler = errors.New(linuxerr.ToUnix(linuxerr.ENOENT), "no handler registered on vector")
)

// unhandledLog reports interrupts on empty lines.
var unhandledLog = log.BasicRateLimitedLogger(time.Second)

// Discipline is the set of controller routines for a line.
//
// Any routine may be nil, in which case the operation is a no-op.
type Discipline struct {
	// CheckSpurious returns true if the interrupt on v is spurious.
	CheckSpurious func(v vector.Vector) bool

	// EOI signals end of interrupt for v.
	EOI func(v vector.Vector)

	// Mask and Unmask disable and enable the line.
	Mask   func(h *Handler, v vector.Vector)
	Unmask func(h *Handler, v vector.Vector)

	// Route directs the line to core dest.
	Route func(h *Handler, v vector.Vector, dest int)

	// SpuriousNeedsEOI is true if the controller expects an EOI even for
	// interrupts its spurious check rejected.
	SpuriousNeedsEOI bool

	// Owner identifies the controller the routines act on. Method values of
	// two controllers share code pointers, so records on one chain must also
	// agree on Owner. It must be comparable, typically a pointer.
	Owner any
}

// funcPointer returns the code pointer of f, or 0 if f is nil. Closures
// created by the same function literal share a code pointer.
func funcPointer(f any) uintptr {
	v := reflect.ValueOf(f)
	if v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// matches returns a description of the first routine that differs between d
// and o, or the empty string.
func (d *Discipline) matches(o *Discipline) string {
	switch {
	case funcPointer(d.CheckSpurious) != funcPointer(o.CheckSpurious):
		return "check_spurious"
	case funcPointer(d.EOI) != funcPointer(o.EOI):
		return "eoi"
	case funcPointer(d.Mask) != funcPointer(o.Mask):
		return "mask"
	case funcPointer(d.Unmask) != funcPointer(o.Unmask):
		return "unmask"
	case funcPointer(d.Route) != funcPointer(o.Route):
		return "route"
	case d.SpuriousNeedsEOI != o.SpuriousNeedsEOI:
		return "spurious_needs_eoi"
	case d.Owner != o.Owner:
		return "owner"
	}
	return ""
}

// Handler is one device's registration on a line.
type Handler struct {
	// next is the following record on the chain.
	next atomic.Pointer[Handler]

	// registered is set once h is linked into a chain.
	registered atomic.Bool

	// ISR is the device's interrupt service routine. It receives the raw
	// trap frame and Data.
	ISR func(frame *arch.Registers, data any)

	// Data is passed to ISR.
	Data any

	// Vector is the line the handler is attached to.
	Vector vector.Vector

	// Discipline holds the line's controller routines.
	Discipline Discipline

	// TBDF is the bus/device/function identifier of the device.
	TBDF uint32

	// DevIRQ is the device's interrupt number on its bus, or -1.
	DevIRQ int

	// Name is the human-readable device name.
	Name string

	// Type is the device category, e.g. "pci" or "ioapic".
	Type string
}

// Info returns a snapshot of h's descriptive fields.
func (h *Handler) Info() Info {
	return Info{
		Name:   h.Name,
		Type:   h.Type,
		TBDF:   h.TBDF,
		DevIRQ: h.DevIRQ,
		Vector: h.Vector,
	}
}

// Info describes a registered handler.
type Info struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	TBDF   uint32        `json:"tbdf"`
	DevIRQ int           `json:"dev_irq"`
	Vector vector.Vector `json:"vector"`
}

// Counters are per-line event counts.
type Counters struct {
	Dispatched uint64
	Spurious   uint64
	Unhandled  uint64
}

type lineCounters struct {
	dispatched atomic.Uint64
	spurious   atomic.Uint64
	unhandled  atomic.Uint64
}

// Table holds the handler chains for every vector.
type Table struct {
	// mu serializes writers.
	mu sync.Mutex

	// heads is read without mu.
	heads [vector.NumVectors]atomic.Pointer[Handler]

	// +checklocks:mu
	tails [vector.NumVectors]*Handler

	counters [vector.NumVectors]lineCounters
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{}
}

func truncateName(name string) string {
	if len(name) > NameLen {
		return name[:NameLen]
	}
	return name
}

// Register appends h to the tail of the chain for h.Vector.
//
// If the chain is not empty, h.Discipline must carry the same routines as the
// chain's head. A mismatch is a device setup bug and is rejected with
// ErrMismatchedDiscipline. A handler may be registered only once.
func (t *Table) Register(h *Handler) error {
	if !h.Vector.IsRoutable() {
		return fmt.Errorf("%w: %v", ErrNotRoutable, h.Vector)
	}
	if h.ISR == nil {
		return fmt.Errorf("handler %q has no ISR: %w", h.Name, linuxerr.EINVAL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h.registered.Load() {
		log.Warningf("IRQ: %q registered twice", h.Name)
		return fmt.Errorf("%w: %q on vector %v", ErrRegistered, h.Name, h.Vector)
	}
	v := h.Vector
	head := t.heads[v].Load()
	if head != nil {
		if diff := head.Discipline.matches(&h.Discipline); diff != "" {
			log.Warningf("IRQ: %q on vector %v: %s differs from %q", h.Name, v, diff, head.Name)
			return fmt.Errorf("%w: %s of %q differs from %q on vector %v", ErrMismatchedDiscipline, diff, h.Name, head.Name, v)
		}
	}
	if !h.registered.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %q on vector %v", ErrRegistered, h.Name, h.Vector)
	}
	h.Name = truncateName(h.Name)
	h.next.Store(nil)
	if head != nil {
		t.tails[v].next.Store(h)
	} else {
		t.heads[v].Store(h)
	}
	t.tails[v] = h
	log.Infof("IRQ: registered %q (type %q, tbdf %#x, irq %d) on vector %v", h.Name, h.Type, h.TBDF, h.DevIRQ, v)
	return nil
}

// Dispatch runs the chain for v with the trap frame. It returns true if the
// interrupt was delivered to the chain.
//
// If the head's spurious check rejects the interrupt no ISR runs, and EOI is
// only issued when the discipline requires it. Otherwise every ISR runs in
// registration order and the head's EOI is issued once.
func (t *Table) Dispatch(v vector.Vector, frame *arch.Registers) bool {
	head := t.heads[v].Load()
	c := &t.counters[v]
	if head == nil {
		c.unhandled.Add(1)
		unhandledLog.Warningf("IRQ: interrupt on vector %v with no handler", v)
		return false
	}
	d := &head.Discipline
	if d.CheckSpurious != nil && d.CheckSpurious(v) {
		c.spurious.Add(1)
		if d.SpuriousNeedsEOI && d.EOI != nil {
			d.EOI(v)
		}
		return false
	}
	c.dispatched.Add(1)
	for h := head; h != nil; h = h.next.Load() {
		h.ISR(frame, h.Data)
	}
	if d.EOI != nil {
		d.EOI(v)
	}
	return true
}

func (t *Table) head(v vector.Vector) (*Handler, error) {
	h := t.heads[v].Load()
	if h == nil {
		return nil, fmt.Errorf("%w %v", ErrNoHandler, v)
	}
	return h, nil
}

// Mask disables the line for v.
func (t *Table) Mask(v vector.Vector) error {
	h, err := t.head(v)
	if err != nil {
		return err
	}
	if h.Discipline.Mask != nil {
		h.Discipline.Mask(h, v)
	}
	return nil
}

// Unmask enables the line for v.
func (t *Table) Unmask(v vector.Vector) error {
	h, err := t.head(v)
	if err != nil {
		return err
	}
	if h.Discipline.Unmask != nil {
		h.Discipline.Unmask(h, v)
	}
	return nil
}

// Route directs the line for v to core dest.
func (t *Table) Route(v vector.Vector, dest int) error {
	h, err := t.head(v)
	if err != nil {
		return err
	}
	if h.Discipline.Route != nil {
		h.Discipline.Route(h, v, dest)
	}
	return nil
}

// Handlers returns the handlers on v's chain, in registration order.
func (t *Table) Handlers(v vector.Vector) []Info {
	var infos []Info
	for h := t.heads[v].Load(); h != nil; h = h.next.Load() {
		infos = append(infos, h.Info())
	}
	return infos
}

// Lines returns the vectors that have at least one handler, lowest first.
func (t *Table) Lines() []vector.Vector {
	var vs []vector.Vector
	for i := range t.heads {
		if t.heads[i].Load() != nil {
			vs = append(vs, vector.Vector(i))
		}
	}
	return vs
}

// Counters returns the event counts for v.
func (t *Table) Counters(v vector.Vector) Counters {
	c := &t.counters[v]
	return Counters{
		Dispatched: c.dispatched.Load(),
		Spurious:   c.spurious.Load(),
		Unhandled:  c.unhandled.Load(),
	}
}

// DeviceConfig describes a device being attached by bus setup.
type DeviceConfig struct {
	Name       string
	Type       string
	TBDF       uint32
	DevIRQ     int
	ISR        func(frame *arch.Registers, data any)
	Data       any
	Discipline Discipline

	// Vector is the line to attach to. Zero asks for a device vector from the
	// allocator.
	Vector vector.Vector

	// Dest is the core the line is routed to when it is first set up.
	Dest int
}

// RegisterDevice attaches a device: it picks a vector if none is given,
// registers the handler and, for a new line, routes and unmasks it.
func (t *Table) RegisterDevice(d DeviceConfig, alloc *vector.Allocator) (*Handler, error) {
	v := d.Vector
	allocated := false
	if v == 0 {
		var err error
		if v, err = alloc.Alloc(); err != nil {
			return nil, fmt.Errorf("attaching %q: %w", d.Name, err)
		}
		allocated = true
	}
	h := &Handler{
		ISR:        d.ISR,
		Data:       d.Data,
		Vector:     v,
		Discipline: d.Discipline,
		TBDF:       d.TBDF,
		DevIRQ:     d.DevIRQ,
		Name:       d.Name,
		Type:       d.Type,
	}
	if err := t.Register(h); err != nil {
		if allocated {
			if rerr := alloc.Release(v); rerr != nil {
				log.Warningf("IRQ: releasing vector %v for %q: %v", v, d.Name, rerr)
			}
		}
		return nil, err
	}
	if t.heads[v].Load() == h {
		if err := t.Route(v, d.Dest); err != nil {
			return h, fmt.Errorf("routing %q on vector %v: %w", d.Name, v, err)
		}
		if err := t.Unmask(v); err != nil {
			return h, fmt.Errorf("unmasking %q on vector %v: %w", d.Name, v, err)
		}
	}
	return h, nil
}
