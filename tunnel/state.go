// state.go - Tunnel state taxonomy and the command/event protocol.
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

// Package tunnel implements the tunnel state machine: a single control
// loop that owns the route, DNS and firewall handlers, drives the data
// plane connectors, and guarantees that OS network state is released on
// every exit path.
package tunnel

import (
	"fmt"

	"github.com/veilvpn/veilvpn/config"
)

// State is the coarse tunnel lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ActionAfterDisconnect is recorded when entering Disconnecting and
// consulted once cleanup completes to decide the next state.  It is set
// exactly once per disconnect cycle.
type ActionAfterDisconnect int

const (
	// ActionNothing settles in Disconnected.
	ActionNothing ActionAfterDisconnect = iota

	// ActionReconnect re-enters Connecting.
	ActionReconnect

	// ActionError settles in Error with the recorded reason.
	ActionError
)

func (a ActionAfterDisconnect) String() string {
	switch a {
	case ActionNothing:
		return "Nothing"
	case ActionReconnect:
		return "Reconnect"
	case ActionError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// ErrorStateReason classifies which subsystem put the tunnel into the
// Error state.  Every terminal failure path maps to exactly one reason.
type ErrorStateReason int

const (
	ReasonFirewall ErrorStateReason = iota
	ReasonRouting
	ReasonDNS
	ReasonTunDevice
	ReasonEstablishMixnetConnection
	ReasonTunnelDown
)

func (r ErrorStateReason) String() string {
	switch r {
	case ReasonFirewall:
		return "Firewall"
	case ReasonRouting:
		return "Routing"
	case ReasonDNS:
		return "Dns"
	case ReasonTunDevice:
		return "TunDevice"
	case ReasonEstablishMixnetConnection:
		return "EstablishMixnetConnection"
	case ReasonTunnelDown:
		return "TunnelDown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Status is the externally observable tunnel state.  AfterDisconnect is
// meaningful only while State is StateDisconnecting, Reason only while
// it is StateError.
type Status struct {
	State           State
	AfterDisconnect ActionAfterDisconnect
	Reason          ErrorStateReason
}

func (s Status) String() string {
	switch s.State {
	case StateDisconnecting:
		return fmt.Sprintf("Disconnecting(after: %v)", s.AfterDisconnect)
	case StateError:
		return fmt.Sprintf("Error(%v)", s.Reason)
	default:
		return s.State.String()
	}
}

// Command is an inbound instruction to the machine.  Commands are
// queued unbounded and processed strictly in arrival order.
type Command interface {
	isCommand()
}

type connectCommand struct{}
type disconnectCommand struct{}
type setSettingsCommand struct {
	settings *config.Tunnel
}

func (connectCommand) isCommand()     {}
func (disconnectCommand) isCommand()  {}
func (setSettingsCommand) isCommand() {}

// Event is the interface for the machine's outbound events.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// StateChangeEvent is emitted on every state transition, in transition
// order, exactly once per transition.
type StateChangeEvent struct {
	Status Status
}

// String returns a string representation of the StateChangeEvent.
func (e *StateChangeEvent) String() string {
	return fmt.Sprintf("StateChange: %v", e.Status)
}
