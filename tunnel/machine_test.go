// machine_test.go - State machine control loop tests.
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
	mrand "math/rand"
	"net"
	"sync"
	"testing"
	"time"

	eddsa "github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/veilvpn/veilvpn/config"
	"github.com/veilvpn/veilvpn/gateway"
	"github.com/veilvpn/veilvpn/log"
)

const eventTimeout = 10 * time.Second

type mockRouteHandler struct {
	sync.Mutex
	adds, removes, stops int
	failAdd              bool
}

func (h *mockRouteHandler) AddRoutes(routes []Route) error {
	h.Lock()
	defer h.Unlock()
	if h.failAdd {
		return errors.New("route apply refused")
	}
	h.adds++
	return nil
}

func (h *mockRouteHandler) RemoveRoutes() error {
	h.Lock()
	defer h.Unlock()
	h.removes++
	return nil
}

func (h *mockRouteHandler) Stop() {
	h.Lock()
	defer h.Unlock()
	h.stops++
}

func (h *mockRouteHandler) counts() (int, int, int) {
	h.Lock()
	defer h.Unlock()
	return h.adds, h.removes, h.stops
}

type mockDnsHandler struct {
	sync.Mutex
	sets, resets int
	failSet      bool
}

func (h *mockDnsHandler) Set(servers []net.IP) error {
	h.Lock()
	defer h.Unlock()
	if h.failSet {
		return errors.New("dns set refused")
	}
	h.sets++
	return nil
}

func (h *mockDnsHandler) Reset() error {
	h.Lock()
	defer h.Unlock()
	h.resets++
	return nil
}

func (h *mockDnsHandler) counts() (int, int) {
	h.Lock()
	defer h.Unlock()
	return h.sets, h.resets
}

type mockFirewallHandler struct {
	sync.Mutex
	applies, resets int
	failApply       bool
}

func (h *mockFirewallHandler) ApplyPolicy() error {
	h.Lock()
	defer h.Unlock()
	if h.failApply {
		return errors.New("firewall apply refused")
	}
	h.applies++
	return nil
}

func (h *mockFirewallHandler) ResetPolicy() error {
	h.Lock()
	defer h.Unlock()
	h.resets++
	return nil
}

func (h *mockFirewallHandler) counts() (int, int) {
	h.Lock()
	defer h.Unlock()
	return h.applies, h.resets
}

type fakeSession struct {
	sync.Mutex
	done   chan error
	closed int
}

func (s *fakeSession) Routes() []Route {
	return DefaultRoutes("tun0")
}

func (s *fakeSession) Done() <-chan error {
	return s.done
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

type fakeConnector struct {
	sync.Mutex
	establishErr error
	block        bool

	calls        int
	sessions     []*fakeSession
	lastSettings *config.Tunnel
}

func (c *fakeConnector) Establish(ctx context.Context, gws *gateway.SelectedGateways, settings *config.Tunnel) (Session, error) {
	c.Lock()
	c.calls++
	c.lastSettings = settings
	blocked, err := c.block, c.establishErr
	c.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	s := &fakeSession{done: make(chan error, 1)}
	c.Lock()
	c.sessions = append(c.sessions, s)
	c.Unlock()
	return s, nil
}

func (c *fakeConnector) callCount() int {
	c.Lock()
	defer c.Unlock()
	return c.calls
}

func (c *fakeConnector) session(i int) *fakeSession {
	c.Lock()
	defer c.Unlock()
	return c.sessions[i]
}

type testHarness struct {
	machine  *Machine
	events   <-chan Event
	route    *mockRouteHandler
	dns      *mockDnsHandler
	firewall *mockFirewallHandler
	conn     *fakeConnector
}

func testDirectory(t *testing.T) gateway.Directory {
	t.Helper()
	gateways := make([]*gateway.Gateway, 0, 2)
	for i, name := range []string{"alpha", "bravo"} {
		_, pub, err := eddsa.NewKeypair(mrand.New(mrand.NewSource(int64(i + 1))))
		require.NoError(t, err)
		gateways = append(gateways, &gateway.Gateway{
			IdentityKey:           pub,
			Name:                  name,
			CountryCode:           "DE",
			Host:                  net.ParseIP("192.0.2.1"),
			Performance:           90,
			SupportsIPR:           true,
			SupportsAuthenticator: true,
		})
	}
	return gateway.NewStaticDirectory(gateways)
}

func newHarness(t *testing.T, conn *fakeConnector) *testHarness {
	t.Helper()
	require := require.New(t)

	cfg := &config.Config{
		Tunnel: &config.Tunnel{Type: config.TunnelTypeMixnet, DNS: []string{"10.0.0.1"}},
	}
	require.NoError(cfg.FixupAndValidate())

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	h := &testHarness{
		route:    &mockRouteHandler{},
		dns:      &mockDnsHandler{},
		firewall: &mockFirewallHandler{},
		conn:     conn,
	}
	h.machine, err = NewMachine(cfg, &Deps{
		Selector: gateway.NewSelectorWithRNG(testDirectory(t), mrand.New(mrand.NewSource(42))),
		Connectors: map[config.TunnelType]Connector{
			config.TunnelTypeMixnet: conn,
		},
		NewRouteHandler:    func() (RouteHandler, error) { return h.route, nil },
		NewDNSHandler:      func() (DnsHandler, error) { return h.dns, nil },
		NewFirewallHandler: func() (FirewallHandler, error) { return h.firewall, nil },
	}, logBackend)
	require.NoError(err)
	h.events = h.machine.Events()
	return h
}

// nextStatus reads the next state change, failing the test on timeout.
func nextStatus(t *testing.T, events <-chan Event) Status {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		sc, ok := ev.(*StateChangeEvent)
		require.True(t, ok, "unexpected event type %T", ev)
		return sc.Status
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for a state change")
		return Status{}
	}
}

func expectStates(t *testing.T, events <-chan Event, want ...State) []Status {
	t.Helper()
	statuses := make([]Status, 0, len(want))
	for _, w := range want {
		st := nextStatus(t, events)
		require.Equal(t, w, st.State, "unexpected transition order, got %v", st)
		statuses = append(statuses, st)
	}
	return statuses
}

func TestMachineConnectDisconnect(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	defer h.machine.Halt()

	h.machine.Connect()
	expectStates(t, h.events, StateConnecting, StateConnected)

	h.machine.Disconnect()
	sts := expectStates(t, h.events, StateDisconnecting, StateDisconnected)
	require.Equal(ActionNothing, sts[0].AfterDisconnect)

	applies, resets := h.firewall.counts()
	require.Equal(1, applies)
	require.Equal(1, resets)
	adds, removes, _ := h.route.counts()
	require.Equal(1, adds)
	require.Equal(1, removes)
	sets, dnsResets := h.dns.counts()
	require.Equal(1, sets)
	require.Equal(1, dnsResets)
	require.Equal(1, h.conn.session(0).closeCount())
}

func TestMachineConnectFailure(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{
		establishErr: WrapError(KindMixnetConnection, errors.New("no echo")),
	})
	defer h.machine.Halt()

	h.machine.Connect()
	sts := expectStates(t, h.events, StateConnecting, StateDisconnecting, StateError)
	require.Equal(ActionError, sts[1].AfterDisconnect)
	require.Equal(ReasonEstablishMixnetConnection, sts[2].Reason)

	// Everything that was applied before the failure is released again.
	applies, resets := h.firewall.counts()
	require.Equal(applies, resets)
	adds, removes, _ := h.route.counts()
	require.Zero(adds)
	require.Zero(removes)
}

func TestMachineFirewallFailure(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	h.firewall.failApply = true
	defer h.machine.Halt()

	h.machine.Connect()
	sts := expectStates(t, h.events, StateConnecting, StateDisconnecting, StateError)
	require.Equal(ReasonFirewall, sts[2].Reason)

	// Nothing was applied, so nothing gets reset.
	_, resets := h.firewall.counts()
	require.Zero(resets)
	require.Zero(h.conn.callCount())
}

func TestMachineRouteFailureClosesSession(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	h.route.failAdd = true
	defer h.machine.Halt()

	h.machine.Connect()
	sts := expectStates(t, h.events, StateConnecting, StateDisconnecting, StateError)
	require.Equal(ReasonRouting, sts[2].Reason)

	applies, resets := h.firewall.counts()
	require.Equal(applies, resets)
	require.Equal(1, h.conn.session(0).closeCount())
}

func TestMachineCancelDuringConnect(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{block: true})
	defer h.machine.Halt()

	h.machine.Connect()
	expectStates(t, h.events, StateConnecting)
	h.machine.Disconnect()

	// Cancellation lands in Disconnected, distinguishable from a
	// protocol failure which would land in Error.
	expectStates(t, h.events, StateDisconnecting, StateDisconnected)

	applies, resets := h.firewall.counts()
	require.Equal(1, applies)
	require.Equal(1, resets)
	require.Equal(1, h.conn.callCount())
}

func TestMachineRuntimeFaultReconnects(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	defer h.machine.Halt()

	h.machine.Connect()
	expectStates(t, h.events, StateConnecting, StateConnected)

	h.conn.session(0).done <- errors.New("peer went away")
	sts := expectStates(t, h.events, StateDisconnecting, StateConnecting, StateConnected)
	require.Equal(ActionReconnect, sts[0].AfterDisconnect)
	require.Equal(2, h.conn.callCount())
	require.Equal(1, h.conn.session(0).closeCount())
}

func TestMachineDisconnectIsNoOpWhenDisconnected(t *testing.T) {
	h := newHarness(t, &fakeConnector{})
	defer h.machine.Halt()

	// No event may be emitted for the no-op; the first observable
	// transition after the subsequent Connect must be Connecting.
	h.machine.Disconnect()
	h.machine.Connect()
	expectStates(t, h.events, StateConnecting, StateConnected)
}

func TestMachineSetTunnelSettings(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	defer h.machine.Halt()

	next := &config.Tunnel{Type: config.TunnelTypeMixnet, DNS: []string{"10.9.9.9"}}
	h.machine.SetTunnelSettings(next)
	h.machine.Connect()
	expectStates(t, h.events, StateConnecting, StateConnected)

	h.conn.Lock()
	got := h.conn.lastSettings
	h.conn.Unlock()
	require.Equal([]string{"10.9.9.9"}, got.DNS)
}

func TestMachineShutdownFromConnected(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})

	h.machine.Connect()
	expectStates(t, h.events, StateConnecting, StateConnected)

	h.machine.Halt()

	applies, resets := h.firewall.counts()
	require.Equal(applies, resets)
	require.Equal(1, h.conn.session(0).closeCount())
	_, _, stops := h.route.counts()
	require.Equal(1, stops)
}

func TestMachineShutdownDuringConnect(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{block: true})

	h.machine.Connect()
	expectStates(t, h.events, StateConnecting)

	h.machine.Halt()

	applies, resets := h.firewall.counts()
	require.Equal(1, applies)
	require.Equal(1, resets)
	_, _, stops := h.route.counts()
	require.Equal(1, stops)
}

func TestMachineEventOrdering(t *testing.T) {
	require := require.New(t)

	h := newHarness(t, &fakeConnector{})
	defer h.machine.Halt()

	// A full connect/disconnect cycle produces exactly one event per
	// transition, in transition order, with no duplicates.
	h.machine.Connect()
	got := make([]State, 0, 4)
	got = append(got, nextStatus(t, h.events).State)
	got = append(got, nextStatus(t, h.events).State)
	h.machine.Disconnect()
	got = append(got, nextStatus(t, h.events).State)
	got = append(got, nextStatus(t, h.events).State)
	require.Equal([]State{StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}, got)

	// No stray duplicate follows.
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected extra event: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
