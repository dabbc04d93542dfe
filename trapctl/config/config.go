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

// Package config provides basic infrastructure to set configuration settings
// for trapctl. Settings come from an optional TOML or YAML file and are
// overridden by command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/trapcore/pkg/cpuid"
	"gvisor.dev/trapcore/pkg/log"
	"gvisor.dev/trapcore/pkg/vector"
)

// Config holds configuration that is not part of a scenario's events.
//
// Fields with a flag tag can be set on the command line; the flag name is the
// tag value.
type Config struct {
	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `flag:"log-level" toml:"log_level" yaml:"log_level"`

	// Cores is the number of simulated cores.
	Cores int `flag:"cores" toml:"cores" yaml:"cores"`

	// PoolSize bounds the number of signal payloads in flight.
	PoolSize int `flag:"pool-size" toml:"pool_size" yaml:"pool_size"`

	// Vendor overrides the host processor vendor. Empty means the host.
	Vendor string `flag:"vendor" toml:"vendor" yaml:"vendor"`

	// Features is a comma-separated feature list used with Vendor.
	Features string `flag:"features" toml:"features" yaml:"features"`

	// Scenario is only read from a file.
	Scenario Scenario `toml:"scenario" yaml:"scenario"`
}

// Scenario describes the events a simulation injects.
type Scenario struct {
	// Devices are attached before any event is injected.
	Devices []Device `toml:"device" yaml:"devices"`

	// Faults are user or kernel exceptions raised on cores.
	Faults []Fault `toml:"fault" yaml:"faults"`

	// Broadcasts is the number of broadcast calls sent to every core.
	Broadcasts int `toml:"broadcasts" yaml:"broadcasts"`

	// Handle, if set, installs the reference scheduler so that user faults
	// are delivered instead of taking their default action.
	Handle bool `toml:"handle_signals" yaml:"handle_signals"`
}

// Device is a simulated interrupt source.
type Device struct {
	Name string `toml:"name" yaml:"name"`

	// PIC is the legacy line to use. Negative means a device vector is
	// allocated.
	PIC int `toml:"pic" yaml:"pic"`

	// Controller groups devices that share a line. Devices on one line must
	// name the same controller.
	Controller string `toml:"controller" yaml:"controller"`

	// Interrupts is the number of interrupts raised.
	Interrupts int `toml:"interrupts" yaml:"interrupts"`

	// Spurious is the number of spurious events raised on the line.
	Spurious int `toml:"spurious" yaml:"spurious"`

	// SpuriousEOI is true if the controller expects an EOI for spurious
	// events.
	SpuriousEOI bool `toml:"spurious_eoi" yaml:"spurious_eoi"`

	// Core is the core the line is routed to.
	Core int `toml:"core" yaml:"core"`
}

// Fault is an exception raised on a core.
type Fault struct {
	Vector int    `toml:"vector" yaml:"vector"`
	Core   int    `toml:"core" yaml:"core"`
	Kernel bool   `toml:"kernel" yaml:"kernel"`
	Addr   uint64 `toml:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		LogLevel:  "info",
		Cores:     1,
		PoolSize:  64,
	}
}

// Load reads a configuration file on top of the defaults. The format is
// chosen by extension: .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %q: unknown extension %q, must be .toml, .yaml or .yml", path, ext)
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool-size must be positive, got %d", c.PoolSize)
	}
	if c.Vendor == "" && c.Features != "" {
		return fmt.Errorf("features %q given without a vendor", c.Features)
	}
	for i, d := range c.Scenario.Devices {
		if d.PIC > vector.MaxPICIRQ {
			return fmt.Errorf("device %d (%q): PIC line %d out of range", i, d.Name, d.PIC)
		}
		if d.Core < 0 || d.Core >= c.Cores {
			return fmt.Errorf("device %d (%q): core %d out of range", i, d.Name, d.Core)
		}
	}
	for i, f := range c.Scenario.Faults {
		if f.Vector < 0 || f.Vector > int(vector.LastException) {
			return fmt.Errorf("fault %d: vector %d is not an exception", i, f.Vector)
		}
		if f.Core < 0 || f.Core >= c.Cores {
			return fmt.Errorf("fault %d: core %d out of range", i, f.Core)
		}
	}
	return nil
}

// FeatureSet returns the processor description: the host's, or the one
// described by Vendor and Features.
func (c *Config) FeatureSet() (*cpuid.FeatureSet, error) {
	if c.Vendor == "" {
		return cpuid.HostFeatureSet(), nil
	}
	var features []cpuid.Feature
	for _, name := range strings.Split(c.Features, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f, ok := cpuid.FeatureFromString(name)
		if !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		features = append(features, f)
	}
	return cpuid.NewFeatureSet(c.Vendor, features...), nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.LogLevel: %s", c.LogLevel)
	log.Infof("Config.Cores: %d", c.Cores)
	log.Infof("Config.PoolSize: %d", c.PoolSize)
	if c.Vendor != "" {
		log.Infof("Config.CPU: %s [%s]", c.Vendor, c.Features)
	}
	log.Infof("Config.Scenario: %d devices, %d faults, %d broadcasts", len(c.Scenario.Devices), len(c.Scenario.Faults), c.Scenario.Broadcasts)
}
