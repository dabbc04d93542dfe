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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/vector"
)

// Vectors implements subcommands.Command for the "vectors" command.
type Vectors struct {
	output string
	all    bool
}

// VectorRange is a run of vectors with the same kind and name.
type VectorRange struct {
	First vector.Vector `json:"first"`
	Last  vector.Vector `json:"last"`
	Kind  string        `json:"kind"`
	Name  string        `json:"name"`

	// Device is the conventional device on a legacy PIC line.
	Device string `json:"device,omitempty"`
}

type vectorsOutputFunc func(io.Writer, []VectorRange) error

var vectorsOutputMap = map[string]vectorsOutputFunc{
	"table": vectorsTable,
	"json":  vectorsJSON,
	"csv":   vectorsCSV,
}

// Name implements subcommands.Command.Name.
func (*Vectors) Name() string {
	return "vectors"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Vectors) Synopsis() string {
	return "Print the interrupt vector layout."
}

// Usage implements subcommands.Command.Usage.
func (*Vectors) Usage() string {
	return `vectors [options] - Print the interrupt vector layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Vectors) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.output, "o", "table", "Output format (table, csv, json).")
	f.BoolVar(&v.all, "all", false, "Print one row per vector instead of collapsing runs.")
}

// Execute implements subcommands.Command.Execute.
func (v *Vectors) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := vectorsOutputMap[v.output]
	if !ok {
		Fatalf("Unsupported output format %q", v.output)
	}
	if err := out(os.Stdout, Layout(!v.all)); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// Layout returns the vector table. If collapse is set, consecutive vectors
// with the same kind and name share a row.
func Layout(collapse bool) []VectorRange {
	var rows []VectorRange
	for i := 0; i < vector.NumVectors; i++ {
		v := vector.Vector(i)
		kind, name := vector.Classify(v), vector.Name(v)
		var device string
		if kind == vector.LegacyPIC {
			device = vector.PICLineName(int(v - vector.PICBase))
		}
		if n := len(rows); collapse && n > 0 && rows[n-1].Kind == kind.String() && rows[n-1].Name == name && rows[n-1].Device == device && rows[n-1].Last == v-1 {
			rows[n-1].Last = v
			continue
		}
		rows = append(rows, VectorRange{First: v, Last: v, Kind: kind.String(), Name: name, Device: device})
	}
	return rows
}

func (r VectorRange) vectors() string {
	if r.First == r.Last {
		return strconv.Itoa(int(r.First))
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

func vectorsTable(w io.Writer, rows []VectorRange) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VECTOR\tKIND\tNAME\tDEVICE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.vectors(), r.Kind, r.Name, r.Device)
	}
	return tw.Flush()
}

func vectorsJSON(w io.Writer, rows []VectorRange) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(rows)
}

func vectorsCSV(w io.Writer, rows []VectorRange) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"first", "last", "kind", "name", "device"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{strconv.Itoa(int(r.First)), strconv.Itoa(int(r.Last)), r.Kind, r.Name, r.Device}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
