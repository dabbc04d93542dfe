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

package linux

// SignalDefaultAction is the action taken for a signal whose disposition is
// SIG_DFL, from signal(7).
type SignalDefaultAction int

// Default actions.
const (
	// SignalActionTerm terminates the thread group.
	SignalActionTerm SignalDefaultAction = iota

	// SignalActionCore terminates the thread group and dumps core.
	SignalActionCore

	// SignalActionStop stops the thread group.
	SignalActionStop

	// SignalActionIgnore ignores the signal.
	SignalActionIgnore

	// SignalActionContinue continues a stopped thread group.
	SignalActionContinue
)

// String implements fmt.Stringer.
func (a SignalDefaultAction) String() string {
	switch a {
	case SignalActionTerm:
		return "terminate"
	case SignalActionCore:
		return "core"
	case SignalActionStop:
		return "stop"
	case SignalActionIgnore:
		return "ignore"
	case SignalActionContinue:
		return "continue"
	default:
		return "unknown"
	}
}

var defaultActions = map[Signal]SignalDefaultAction{
	SIGHUP:    SignalActionTerm,
	SIGINT:    SignalActionTerm,
	SIGQUIT:   SignalActionCore,
	SIGILL:    SignalActionCore,
	SIGTRAP:   SignalActionCore,
	SIGABRT:   SignalActionCore,
	SIGBUS:    SignalActionCore,
	SIGFPE:    SignalActionCore,
	SIGKILL:   SignalActionTerm,
	SIGUSR1:   SignalActionTerm,
	SIGSEGV:   SignalActionCore,
	SIGUSR2:   SignalActionTerm,
	SIGPIPE:   SignalActionTerm,
	SIGALRM:   SignalActionTerm,
	SIGTERM:   SignalActionTerm,
	SIGSTKFLT: SignalActionTerm,
	SIGCHLD:   SignalActionIgnore,
	SIGCONT:   SignalActionContinue,
	SIGSTOP:   SignalActionStop,
	SIGTSTP:   SignalActionStop,
	SIGTTIN:   SignalActionStop,
	SIGTTOU:   SignalActionStop,
	SIGURG:    SignalActionIgnore,
	SIGXCPU:   SignalActionCore,
	SIGXFSZ:   SignalActionCore,
	SIGVTALRM: SignalActionTerm,
	SIGPROF:   SignalActionTerm,
	SIGWINCH:  SignalActionIgnore,
	SIGIO:     SignalActionTerm,
	SIGPWR:    SignalActionTerm,
	SIGSYS:    SignalActionCore,
}

// DefaultAction returns the default action for s. Realtime signals
// terminate.
func (s Signal) DefaultAction() SignalDefaultAction {
	if a, ok := defaultActions[s]; ok {
		return a
	}
	return SignalActionTerm
}
