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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/trapcore/pkg/abi/linux"
	"gvisor.dev/trapcore/pkg/arch"
	"gvisor.dev/trapcore/pkg/irq"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/sigbridge"
	"gvisor.dev/trapcore/pkg/trap"
	"gvisor.dev/trapcore/pkg/uthread"
	"gvisor.dev/trapcore/pkg/vector"
	"gvisor.dev/trapcore/trapctl/config"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "Run a trap scenario across simulated cores."
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [options] - Attach the configured devices, raise the configured
interrupts, faults and broadcast calls on every core, and print what the trap
path did with each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.metrics, "metrics", true, "Print Prometheus metrics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	res, err := runScenario(ctx, conf)
	if err != nil {
		Fatalf("Simulation failed: %v", err)
	}
	if err := res.write(os.Stdout); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	if s.metrics {
		if err := res.kernel.WritePrometheus(os.Stdout); err != nil {
			Fatalf("Error writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// event is one trap raised on a core.
type event struct {
	frame trap.Frame

	// spurious, if set, marks the line spurious before the trap.
	spurious *irq.Controller
}

// tally counts outcomes with the same vector and disposition.
type tally struct {
	Vector      vector.Vector
	Disposition trap.Disposition
	Count       int
}

type device struct {
	name   string
	vector vector.Vector
	hits   atomic.Uint64
}

type result struct {
	kernel  *trap.Kernel
	tallies []tally
	devices []*device
	calls   uint64
	fatal   []string
}

// Frame values used for injected faults.
const (
	simUserCS   = 0x33
	simKernelCS = 0x10
	simUserRIP  = 0x400000
)

func runScenario(ctx context.Context, conf *config.Config) (*result, error) {
	fs, err := conf.FeatureSet()
	if err != nil {
		return nil, err
	}
	k, err := trap.New(trap.Config{NumCores: conf.Cores, Features: fs, PoolSize: conf.PoolSize})
	if err != nil {
		return nil, err
	}
	sc := &conf.Scenario
	if sc.Handle {
		if err := installScheduler(k); err != nil {
			return nil, err
		}
	}

	events := make([][]event, conf.Cores)
	controllers := make(map[string]*irq.Controller)
	res := &result{kernel: k}
	for _, d := range sc.Devices {
		name := d.Controller
		if name == "" {
			name = "default"
		}
		ctrl, ok := controllers[name]
		if !ok {
			ctrl = irq.NewController(name)
			controllers[name] = ctrl
		}
		dev := &device{name: d.Name}
		dc := irq.DeviceConfig{
			Name: d.Name,
			Type: name,
			ISR: func(_ *arch.Registers, data any) {
				data.(*device).hits.Add(1)
			},
			Data:       dev,
			Discipline: ctrl.Discipline(d.SpuriousEOI),
			Dest:       d.Core,
		}
		if d.PIC >= 0 {
			if dc.Vector, err = vector.PICVector(d.PIC); err != nil {
				return nil, err
			}
		}
		h, err := k.IRQs.RegisterDevice(dc, k.Vectors)
		if err != nil {
			return nil, fmt.Errorf("attaching %q: %w", d.Name, err)
		}
		dev.vector = h.Vector
		res.devices = append(res.devices, dev)

		// A shared line keeps the route of its first device.
		core, _ := ctrl.Destination(h.Vector)
		frame := trap.Frame{Registers: arch.Registers{Trapno: uint32(h.Vector), Cs: simUserCS, Rip: simUserRIP}}
		for i := 0; i < d.Spurious; i++ {
			events[core] = append(events[core], event{frame: frame, spurious: ctrl})
		}
		for i := 0; i < d.Interrupts; i++ {
			events[core] = append(events[core], event{frame: frame})
		}
	}
	for _, f := range sc.Faults {
		frame := trap.Frame{Registers: arch.Registers{Trapno: uint32(f.Vector), Cs: simUserCS, Rip: simUserRIP}, FaultAddr: f.Addr}
		if f.Kernel {
			frame.Cs = simKernelCS
		} else if vector.Vector(f.Vector) == vector.PageFault {
			frame.Err = arch.PFErrUser
		}
		events[f.Core] = append(events[f.Core], event{frame: frame})
	}

	var calls atomic.Uint64
	for i := 0; i < sc.Broadcasts; i++ {
		if _, err := k.IPIs.Broadcast(func(int) { calls.Add(1) }); err != nil {
			return nil, err
		}
	}

	outcomes := make([][]trap.Outcome, conf.Cores)
	// The emulated floating point unit is shared by all simulated cores.
	var fpuMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < conf.Cores; c++ {
		c := c
		g.Go(func() error {
			for _, ev := range events[c] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if ev.spurious != nil {
					ev.spurious.InjectSpurious(ev.frame.Vector())
				}
				frame := ev.frame
				exception := frame.Vector().IsException()
				if exception {
					fpuMu.Lock()
				}
				outcomes[c] = append(outcomes[c], k.HandleTrap(c, &frame))
				if exception {
					fpuMu.Unlock()
				}
			}
			// Service IPIs through the trap path, as the core would on
			// its next interrupt window.
			pending, err := k.IPIs.Pending(c)
			if err != nil {
				return err
			}
			for _, v := range pending {
				outcomes[c] = append(outcomes[c], k.HandleTrap(c, &trap.Frame{Registers: arch.Registers{Trapno: uint32(v)}}))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	counts := make(map[tally]int)
	for _, core := range outcomes {
		for _, o := range core {
			counts[tally{Vector: o.Vector, Disposition: o.Disposition}]++
			if o.Disposition == trap.Fatal {
				res.fatal = append(res.fatal, o.Message)
			}
		}
	}
	for t, n := range counts {
		t.Count = n
		res.tallies = append(res.tallies, t)
	}
	sort.Slice(res.tallies, func(i, j int) bool {
		a, b := res.tallies[i], res.tallies[j]
		if a.Vector != b.Vector {
			return a.Vector < b.Vector
		}
		return a.Disposition < b.Disposition
	})
	sort.Strings(res.fatal)
	res.calls = calls.Load()
	return res, nil
}

// installScheduler installs the reference scheduler with a thread per core
// and handlers for every signal an exception can raise.
func installScheduler(k *trap.Kernel) error {
	s := uthread.New(k.Signals)
	if err := s.Init(); err != nil {
		return err
	}
	handler := func(_ *uthread.Scheduler, tid sigbridge.ThreadID, p *sigbridge.Payload) {
		log.Infof("Thread %d: %v at %#x, si_addr %#x", tid, p.Signal(), p.Context.Rip, p.Info.Addr())
	}
	for _, sig := range []linux.Signal{linux.SIGSEGV, linux.SIGBUS, linux.SIGFPE, linux.SIGILL, linux.SIGTRAP} {
		act := uthread.Action{SignalAct: arch.SignalAct{Flags: linux.SA_SIGINFO}, Func: handler}
		if _, err := s.SetAction(sig, act); err != nil {
			return err
		}
	}
	for c := 0; c < k.NumCores(); c++ {
		k.SetCurrent(c, s.NewThread())
	}
	return nil
}

func (r *result) write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VECTOR\tNAME\tOUTCOME\tCOUNT")
	for _, t := range r.tallies {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", t.Vector, vector.Name(t.Vector), t.Disposition, t.Count)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "DEVICE\tVECTOR\tISR RUNS")
	for _, d := range r.devices {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", d.name, d.vector, d.hits.Load())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nbroadcast calls run: %d\n", r.calls)
	if inUse := r.kernel.Vectors.InUse(); len(inUse) != 0 {
		vs := make([]string, len(inUse))
		for i, v := range inUse {
			vs[i] = strconv.Itoa(int(v))
		}
		fmt.Fprintf(w, "device vectors assigned: %s\n", strings.Join(vs, " "))
	}
	for _, m := range r.fatal {
		fmt.Fprintf(w, "fatal: %s\n", m)
	}
	return nil
}
