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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/fpu"
	"gvisor.dev/trapcore/trapctl/config"
)

// Features implements subcommands.Command for the "features" command.
type Features struct {
	json bool
}

// FeatureReport describes the processor and the extended state handling
// chosen for it.
type FeatureReport struct {
	Vendor     string   `json:"vendor"`
	Features   []string `json:"features"`
	Mechanism  string   `json:"mechanism"`
	XCR0       uint64   `json:"xcr0"`
	StateSize  uint     `json:"state_size"`
	StateAlign uint     `json:"state_align"`
}

// Name implements subcommands.Command.Name.
func (*Features) Name() string {
	return "features"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Features) Synopsis() string {
	return "Print processor features and the extended state mechanism."
}

// Usage implements subcommands.Command.Usage.
func (*Features) Usage() string {
	return `features [options] - Print the host processor features, or those given by
--vendor and --features, and the save/restore mechanism they select.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fe *Features) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&fe.json, "json", false, "Print JSON.")
}

// Execute implements subcommands.Command.Execute.
func (fe *Features) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	fs, err := conf.FeatureSet()
	if err != nil {
		Fatalf("%v", err)
	}
	r := NewFeatureReport(fs)
	if fe.json {
		err = json.NewEncoder(os.Stdout).Encode(r)
	} else {
		err = r.write(os.Stdout)
	}
	if err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// NewFeatureReport builds the report for fs.
func NewFeatureReport(fs *cpuid.FeatureSet) FeatureReport {
	size, align := fs.ExtendedStateSize()
	r := FeatureReport{
		Vendor:     fs.VendorID,
		Mechanism:  fpu.SelectMechanism(fs).String(),
		XCR0:       fs.ValidXCR0Mask(),
		StateSize:  size,
		StateAlign: align,
	}
	for _, feature := range cpuid.AllFeatures() {
		if fs.HasFeature(feature) {
			r.Features = append(r.Features, feature.String())
		}
	}
	return r
}

func (r FeatureReport) write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "vendor:     %s\nfeatures:   %s\nmechanism:  %s\nxcr0:       %#x\nstate size: %d bytes, %d-byte aligned\n",
		r.Vendor, strings.Join(r.Features, " "), r.Mechanism, r.XCR0, r.StateSize, r.StateAlign)
	return err
}
