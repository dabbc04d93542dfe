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

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// jsonEntry is one line of JSONEmitter output.
type jsonEntry struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Subsystem string    `json:"subsystem,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Msg       string    `json:"msg"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning:
		return []byte(`"warning"`), nil
	case Info:
		return []byte(`"info"`), nil
	case Debug:
		return []byte(`"debug"`), nil
	default:
		return nil, fmt.Errorf("unknown level %v", l)
	}
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts both
// names and integers.
func (l *Level) UnmarshalJSON(b []byte) error {
	switch s := string(b); s {
	case "0", `"warning"`:
		*l = Warning
	case "1", `"info"`:
		*l = Info
	case "2", `"debug"`:
		*l = Debug
	default:
		return fmt.Errorf("unknown level %q", s)
	}
	return nil
}

// maxSubsystemLen bounds the tag accepted by splitSubsystem.
const maxSubsystemLen = 8

// splitSubsystem splits a leading tag such as "IRQ: " or "FPU: " off msg.
// Tags are short runs of upper case letters and digits.
func splitSubsystem(msg string) (string, string) {
	i := strings.Index(msg, ": ")
	if i <= 0 || i > maxSubsystemLen {
		return "", msg
	}
	for _, c := range msg[:i] {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", msg
		}
	}
	return msg[:i], msg[i+2:]
}

// JSONEmitter logs one JSON object per line. Messages tagged with a
// subsystem, as the trap core's are, carry it in a separate field.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := jsonEntry{
		Time:  timestamp,
		Level: level,
	}
	entry.Subsystem, entry.Msg = splitSubsystem(fmt.Sprintf(format, v...))
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		entry.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	b, err := json.Marshal(entry)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
