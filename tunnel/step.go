// step.go - Pure state transition function.
// Copyright (C) 2026  Veilvpn Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package tunnel

// stepEvent is an input to the transition function: an external command,
// an internal completion notification, or the shutdown signal.
type stepEvent interface {
	isStepEvent()
}

type evConnect struct{}
type evDisconnect struct{}
type evShutdown struct{}

// evFault reports a runtime failure of the established session.
type evFault struct {
	reason ErrorStateReason
}

// evAttemptDone reports the outcome of a connection attempt.
type evAttemptDone struct {
	ok        bool
	cancelled bool
	reason    ErrorStateReason
}

// evCleanupDone reports that resource release finished.
type evCleanupDone struct{}

func (evConnect) isStepEvent()     {}
func (evDisconnect) isStepEvent()  {}
func (evShutdown) isStepEvent()    {}
func (evFault) isStepEvent()       {}
func (evAttemptDone) isStepEvent() {}
func (evCleanupDone) isStepEvent() {}

// effect is an action the executor performs after a step.  The step
// function itself performs no I/O.
type effect int

const (
	// fxStartAttempt spawns a connection attempt.
	fxStartAttempt effect = iota

	// fxCancelAttempt cancels the in-flight attempt; the loop then waits
	// for its evAttemptDone.
	fxCancelAttempt

	// fxStartCleanup releases the resources of the current or attempted
	// session; completion arrives as evCleanupDone.
	fxStartCleanup

	// fxFinish terminates the control loop.
	fxFinish
)

// machineState is the full internal state: the observable Status plus
// the shutdown latch.
type machineState struct {
	state        State
	after        ActionAfterDisconnect
	reason       ErrorStateReason
	shuttingDown bool
}

func (s machineState) status() Status {
	return Status{State: s.state, AfterDisconnect: s.after, Reason: s.reason}
}

// step computes the successor state and the effects to run.  All
// transition decisions live here so they can be tested without any I/O;
// the executor in machine.go interprets the effects.
func step(s machineState, ev stepEvent) (machineState, []effect) {
	if _, ok := ev.(evShutdown); ok {
		return stepShutdown(s)
	}

	switch s.state {
	case StateDisconnected:
		if _, ok := ev.(evConnect); ok {
			s.state = StateConnecting
			return s, []effect{fxStartAttempt}
		}

	case StateConnecting:
		switch ev := ev.(type) {
		case evDisconnect:
			s.state = StateDisconnecting
			s.after = ActionNothing
			return s, []effect{fxCancelAttempt}
		case evAttemptDone:
			if ev.ok {
				s.state = StateConnected
				return s, nil
			}
			s.state = StateDisconnecting
			if ev.cancelled {
				s.after = ActionNothing
			} else {
				s.after = ActionError
				s.reason = ev.reason
			}
			return s, []effect{fxStartCleanup}
		}

	case StateConnected:
		switch ev := ev.(type) {
		case evDisconnect:
			s.state = StateDisconnecting
			s.after = ActionNothing
			return s, []effect{fxStartCleanup}
		case evFault:
			s.state = StateDisconnecting
			s.after = ActionReconnect
			s.reason = ev.reason
			return s, []effect{fxStartCleanup}
		}

	case StateDisconnecting:
		// The after-disconnect action is set once per disconnect cycle;
		// commands arriving mid-cleanup do not mutate it.
		switch ev.(type) {
		case evAttemptDone:
			// The attempt observed the cancellation; release whatever it
			// had applied by then.
			return s, []effect{fxStartCleanup}
		case evCleanupDone:
			return resolveDisconnect(s)
		}

	case StateError:
		switch ev.(type) {
		case evConnect:
			s.state = StateConnecting
			return s, []effect{fxStartAttempt}
		case evDisconnect:
			s.state = StateDisconnecting
			s.after = ActionNothing
			return s, []effect{fxStartCleanup}
		}
	}
	return s, nil
}

func stepShutdown(s machineState) (machineState, []effect) {
	s.shuttingDown = true
	switch s.state {
	case StateConnecting:
		s.state = StateDisconnecting
		s.after = ActionNothing
		return s, []effect{fxCancelAttempt}
	case StateConnected:
		s.state = StateDisconnecting
		s.after = ActionNothing
		return s, []effect{fxStartCleanup}
	case StateDisconnecting:
		return s, nil
	default:
		return s, []effect{fxFinish}
	}
}

// resolveDisconnect decides where a completed disconnect cycle lands.
func resolveDisconnect(s machineState) (machineState, []effect) {
	if s.shuttingDown {
		s.state = StateDisconnected
		s.after = ActionNothing
		return s, []effect{fxFinish}
	}
	switch s.after {
	case ActionReconnect:
		s.state = StateConnecting
		s.after = ActionNothing
		return s, []effect{fxStartAttempt}
	case ActionError:
		s.state = StateError
		s.after = ActionNothing
		return s, nil
	default:
		s.state = StateDisconnected
		return s, nil
	}
}
