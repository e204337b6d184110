// monitor.go - Background bandwidth monitor.
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

package bandwidth

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/veilvpn/veilvpn/authenticator"
	"github.com/veilvpn/veilvpn/log"
	"github.com/veilvpn/veilvpn/worker"
)

// Monitor periodically queries the remaining bandwidth of the session's
// registered peers and, when a controller is attached, tops a balance up
// as soon as it hits zero.  One Monitor runs for the lifetime of a
// tunnel session; Halt stops it.
type Monitor struct {
	worker.Worker

	clients    []*authenticator.Client
	controller *Controller
	interval   time.Duration
	registry   *prometheus.Registry
	log        *logging.Logger

	remaining *prometheus.GaugeVec
	topUps    prometheus.Counter
}

// NewMonitor creates and starts a Monitor polling on the given interval.
// controller may be nil when credentials mode is off; the monitor then
// only observes.  Metrics are registered on the caller's registry for
// the monitor's lifetime and unregistered again when it halts, so a
// long-lived registry can be shared across successive sessions.
func NewMonitor(clients []*authenticator.Client, controller *Controller, interval time.Duration, registry *prometheus.Registry, logBackend *log.Backend) *Monitor {
	m := &Monitor{
		clients:    clients,
		controller: controller,
		interval:   interval,
		registry:   registry,
		log:        logBackend.GetLogger("bandwidth/monitor"),
		remaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "veilvpn",
				Subsystem: "bandwidth",
				Name:      "remaining_bytes",
				Help:      "Remaining bandwidth per registered gateway.",
			},
			[]string{"gateway"},
		),
		topUps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "veilvpn",
				Subsystem: "bandwidth",
				Name:      "top_ups_total",
				Help:      "Number of automatic bandwidth top-ups.",
			},
		),
	}
	registry.MustRegister(m.remaining, m.topUps)
	m.Go(m.pollWorker)
	return m
}

func (m *Monitor) pollWorker() {
	// Halt waits for this goroutine, so the collectors are gone from the
	// registry before Halt returns and the next session may register.
	defer m.registry.Unregister(m.topUps)
	defer m.registry.Unregister(m.remaining)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollOnce()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			m.pollOnce()
		}
	}
}

func (m *Monitor) pollOnce() {
	ctx, cancel := m.Context(context.Background())
	defer cancel()

	for _, client := range m.clients {
		available, err := client.QueryBandwidth(ctx)
		if err != nil {
			m.log.Warningf("Bandwidth query for %s failed: %v", client.Recipient(), err)
			continue
		}
		if available == nil {
			// Unreachable with the current protocol model, see
			// authenticator.Client.QueryBandwidth.
			continue
		}
		m.remaining.WithLabelValues(client.Recipient()).Set(float64(*available))

		if *available > 0 || m.controller == nil {
			continue
		}
		if _, err := m.controller.TopUp(ctx, client); err != nil {
			m.log.Errorf("Automatic top-up for %s failed: %v", client.Recipient(), err)
			continue
		}
		m.topUps.Inc()
	}
}
