// machine.go - Tunnel state machine control loop.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/gateway"
	"github.com/veilvpn/veilvpn/log"
	"github.com/veilvpn/veilvpn/worker"
)

const sessionCloseTimeout = 10 * time.Second

// Session is an established data plane session, owned by the machine
// once the connector hands it over.
type Session interface {
	// Routes returns the routes to install for this session.
	Routes() []Route

	// Done yields the session's terminal error when it dies on its own.
	Done() <-chan error

	// Close tears the session down.  Closing a dead or already closed
	// session is a no-op.
	Close(ctx context.Context) error
}

// Connector turns selected gateways into a live Session.  Establish
// honors ctx at every suspension point; when it fails or is cancelled it
// tears down everything it allocated before returning.
type Connector interface {
	Establish(ctx context.Context, gws *gateway.SelectedGateways, settings *config.Tunnel) (Session, error)
}

// Deps are the machine's collaborators.  Nil handler constructors
// default to the no-op handlers.
type Deps struct {
	Selector   *gateway.Selector
	Connectors map[config.TunnelType]Connector

	NewRouteHandler    func() (RouteHandler, error)
	NewDNSHandler      func() (DnsHandler, error)
	NewFirewallHandler func() (FirewallHandler, error)

	// Registry receives the machine's metrics.  Per-instance, so tests
	// can run several machines in parallel.  Nil gets a private one.
	Registry *prometheus.Registry
}

// attemptResources tracks what a connection attempt has applied so that
// cleanup releases exactly that, no more and no less.
type attemptResources struct {
	sess            Session
	firewallApplied bool
	routesApplied   bool
	dnsApplied      bool
}

// Machine is the tunnel state machine.  All transitions are serialized
// through its single control loop; commands are asynchronous and
// processed in arrival order.
type Machine struct {
	worker.Worker

	selector   *gateway.Selector
	connectors map[config.TunnelType]Connector

	route    RouteHandler
	dns      DnsHandler
	firewall FirewallHandler

	commands *fifo[Command]
	events   *broadcaster
	internal chan stepEvent

	// Owned by the control loop.
	settings      *config.Tunnel
	st            machineState
	pending       *attemptResources
	attemptCancel context.CancelFunc

	transitions *prometheus.CounterVec
	log         *logging.Logger
}

// NewMachine creates a Machine and starts its control loop in the
// Disconnected state.  Handler construction failures are classified
// under the corresponding error kind.
func NewMachine(cfg *config.Config, deps *Deps, logBackend *log.Backend) (*Machine, error) {
	m := &Machine{
		selector:   deps.Selector,
		connectors: deps.Connectors,
		commands:   newFifo[Command](),
		events:     new(broadcaster),
		internal:   make(chan stepEvent, 8),
		settings:   cfg.Tunnel,
		log:        logBackend.GetLogger("tunnel/machine"),
	}

	var err error
	if m.route, err = newHandler(deps.NewRouteHandler, RouteHandler(NoopRouteHandler{})); err != nil {
		return nil, WrapError(KindRouting, err)
	}
	if m.dns, err = newHandler(deps.NewDNSHandler, DnsHandler(NoopDnsHandler{})); err != nil {
		return nil, WrapError(KindDNS, err)
	}
	if m.firewall, err = newHandler(deps.NewFirewallHandler, FirewallHandler(NoopFirewallHandler{})); err != nil {
		return nil, WrapError(KindFirewall, err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "veilvpn",
			Subsystem: "tunnel",
			Name:      "state_transitions_total",
			Help:      "Tunnel state transitions.",
		},
		[]string{"from", "to"},
	)
	registry.MustRegister(m.transitions)

	m.Go(func() {
		m.commands.run(m.HaltCh())
	})
	m.Go(m.loop)
	return m, nil
}

func newHandler[T any](ctor func() (T, error), fallback T) (T, error) {
	if ctor == nil {
		return fallback, nil
	}
	return ctor()
}

// Connect asks the machine to establish a tunnel.  A no-op unless the
// machine is Disconnected or in the Error state.
func (m *Machine) Connect() {
	m.commands.push(connectCommand{}, m.HaltCh())
}

// Disconnect asks the machine to tear the tunnel down.
func (m *Machine) Disconnect() {
	m.commands.push(disconnectCommand{}, m.HaltCh())
}

// SetTunnelSettings swaps the settings used by subsequent connection
// attempts.  The swap happens inside the control loop, ordered with the
// commands around it; the in-flight attempt, if any, keeps the settings
// it started with.
func (m *Machine) SetTunnelSettings(settings *config.Tunnel) {
	m.commands.push(setSettingsCommand{settings: settings}, m.HaltCh())
}

// Events subscribes to the machine's event stream.  Delivery is
// unbounded and best-effort: the returned channel never backpressures
// the loop and is closed on shutdown.
func (m *Machine) Events() <-chan Event {
	return m.events.subscribe()
}

func (m *Machine) loop() {
	// Stop is the guaranteed last cleanup hook, after the broadcaster is
	// gone and no further effect can touch the routing table.
	defer m.route.Stop()
	defer m.events.Halt()

	m.log.Debugf("Control loop started")
	for {
		ev := m.nextEvent()
		if ev == nil {
			continue
		}

		next, effects := step(m.st, ev)
		if next.status() != m.st.status() {
			m.transition(m.st.status(), next.status())
		}
		m.st = next

		for _, fx := range effects {
			switch fx {
			case fxStartAttempt:
				m.startAttempt()
			case fxCancelAttempt:
				if m.attemptCancel != nil {
					m.attemptCancel()
				}
			case fxStartCleanup:
				m.startCleanup()
			case fxFinish:
				m.log.Debugf("Control loop finished")
				return
			}
		}
	}
}

// nextEvent blocks for the next input.  Shutdown wins ties over other
// inputs arriving in the same poll.
func (m *Machine) nextEvent() stepEvent {
	if m.st.shuttingDown {
		// Shutdown has latched; only the completion of the in-flight
		// attempt or cleanup can move the machine now.  The closed halt
		// channel must not be polled again or the loop would spin.
		return <-m.internal
	}

	select {
	case <-m.HaltCh():
		return evShutdown{}
	default:
	}

	var sessionDone <-chan error
	if m.st.state == StateConnected && m.pending != nil && m.pending.sess != nil {
		sessionDone = m.pending.sess.Done()
	}

	select {
	case <-m.HaltCh():
		return evShutdown{}
	case cmd := <-m.commands.out:
		switch c := cmd.(type) {
		case connectCommand:
			return evConnect{}
		case disconnectCommand:
			return evDisconnect{}
		case setSettingsCommand:
			m.settings = c.settings
			m.log.Noticef("Tunnel settings updated")
			return nil
		}
		return nil
	case ev := <-m.internal:
		return ev
	case err := <-sessionDone:
		m.log.Warningf("Tunnel session failed: %v", err)
		return evFault{reason: ReasonTunnelDown}
	}
}

func (m *Machine) transition(from, to Status) {
	m.transitions.WithLabelValues(from.State.String(), to.State.String()).Inc()
	m.log.Noticef("Tunnel state: %v", to)
	m.events.publish(&StateChangeEvent{Status: to})
}

func (m *Machine) startAttempt() {
	res := &attemptResources{}
	m.pending = res
	settings := m.settings

	ctx, cancel := m.Context(context.Background())
	m.attemptCancel = cancel
	m.Go(func() {
		defer cancel()
		done := evAttemptDone{}
		if err := m.establish(ctx, settings, res); err != nil {
			if IsCancelled(err) {
				done.cancelled = true
				m.log.Noticef("Connection attempt cancelled")
			} else {
				done.reason = err.Reason()
				m.log.Errorf("Connection attempt failed: %v", err)
			}
		} else {
			done.ok = true
		}
		m.internal <- done
	})
}

// establish runs one connection attempt, recording in res every
// resource it applies.  It never releases anything itself; cleanup is
// the loop's job so that the release path is the same for failure,
// cancellation and ordinary disconnect.
func (m *Machine) establish(ctx context.Context, settings *config.Tunnel, res *attemptResources) *Error {
	if err := m.firewall.ApplyPolicy(); err != nil {
		return WrapError(KindFirewall, err)
	}
	res.firewallApplied = true
	if err := ctx.Err(); err != nil {
		return WrapError(KindFirewall, err)
	}

	gws, err := m.selector.Select(ctx, settings)
	if err != nil {
		return WrapError(KindRouting, err)
	}
	m.log.Noticef("Selected entry gateway %s (%s), exit gateway %s (%s)",
		gws.Entry.Name, gws.Entry.CountryCode, gws.Exit.Name, gws.Exit.CountryCode)

	connector, ok := m.connectors[settings.Type]
	if !ok {
		return WrapError(connectKind(settings.Type), fmt.Errorf("no connector for tunnel type %q", settings.Type))
	}
	sess, cerr := connector.Establish(ctx, gws, settings)
	if cerr != nil {
		var terr *Error
		if errors.As(cerr, &terr) {
			return terr
		}
		return WrapError(connectKind(settings.Type), cerr)
	}
	res.sess = sess

	if err := m.route.AddRoutes(sess.Routes()); err != nil {
		return WrapError(KindRouting, err)
	}
	res.routesApplied = true

	if err := m.dns.Set(settings.DNSAddrs()); err != nil {
		return WrapError(KindDNS, err)
	}
	res.dnsApplied = true

	if err := ctx.Err(); err != nil {
		return WrapError(KindTunnelDown, err)
	}
	return nil
}

func connectKind(t config.TunnelType) ErrorKind {
	if t == config.TunnelTypeWireGuard {
		return KindTunDevice
	}
	return KindMixnetConnection
}

func (m *Machine) startCleanup() {
	res := m.pending
	m.pending = nil
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.Go(func() {
		m.release(res)
		m.internal <- evCleanupDone{}
	})
}

// release undoes, in reverse order of application, whatever the attempt
// applied.  Errors are logged and do not stop the remaining releases.
func (m *Machine) release(res *attemptResources) {
	if res == nil {
		return
	}
	if res.dnsApplied {
		if err := m.dns.Reset(); err != nil {
			m.log.Warningf("DNS reset failed: %v", err)
		}
	}
	if res.routesApplied {
		if err := m.route.RemoveRoutes(); err != nil {
			m.log.Warningf("Route removal failed: %v", err)
		}
	}
	if res.sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
		if err := res.sess.Close(ctx); err != nil {
			m.log.Warningf("Session close failed: %v", err)
		}
		cancel()
	}
	if res.firewallApplied {
		if err := m.firewall.ResetPolicy(); err != nil {
			m.log.Warningf("Firewall reset failed: %v", err)
		}
	}
}
