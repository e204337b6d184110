// error.go - Tunnel error classification.
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

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind identifies the subsystem a tunnel error originated in.  The
// machine classifies errors by kind, never by string matching.
type ErrorKind int

const (
	KindFirewall ErrorKind = iota
	KindRouting
	KindDNS
	KindTunDevice
	KindMixnetConnection
	KindTunnelDown
)

func (k ErrorKind) String() string {
	return k.Reason().String()
}

// Reason maps the kind onto the user-facing error state reason.  The
// mapping is 1:1.
func (k ErrorKind) Reason() ErrorStateReason {
	switch k {
	case KindFirewall:
		return ReasonFirewall
	case KindRouting:
		return ReasonRouting
	case KindDNS:
		return ReasonDNS
	case KindTunDevice:
		return ReasonTunDevice
	case KindMixnetConnection:
		return ReasonEstablishMixnetConnection
	default:
		return ReasonTunnelDown
	}
}

// Error is a classified tunnel failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("tunnel: %v: %v", e.Kind, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Reason returns the error state reason for this error.
func (e *Error) Reason() ErrorStateReason {
	return e.Kind.Reason()
}

// WrapError classifies err under the given kind.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsCancelled reports whether err is a cancellation rather than a
// failure.  Cancellation runs the same cleanup path as a failure but is
// reported distinctly and never enters the Error state.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
