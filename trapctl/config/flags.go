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

package config

import (
	"flag"
	"fmt"
	"reflect"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML or YAML configuration file. Flags override its values.")

	// Debugging flags.
	flagSet.String("log-format", d.LogFormat, "log format: text (default), json, or logrus.")
	flagSet.String("log-level", d.LogLevel, "minimum log level: warning, info (default), or debug.")

	// Machine flags.
	flagSet.Int("cores", d.Cores, "number of simulated cores.")
	flagSet.Int("pool-size", d.PoolSize, "maximum number of signal payloads in flight.")
	flagSet.String("vendor", d.Vendor, "processor vendor ID to model instead of the host, e.g. AuthenticAMD.")
	flagSet.String("features", d.Features, "comma-separated processor features used with --vendor, e.g. fpu,fxsr,sse,xsave,osxsave.")
}

// NewFromFlags creates a new Config with values coming from the file named by
// --config, if any, and then from the flags that were set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		var err error
		if conf, err = Load(path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !set[name] {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
