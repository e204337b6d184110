// selector.go - Entry/exit gateway pair selection.
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

package gateway

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"

	"github.com/katzenpost/hpqc/rand"

	"github.com/veilvpn/veilvpn/config"
)

var (
	// ErrNoMatchingIdentity is returned when the requested gateway
	// identity is absent from the eligible candidate set.
	ErrNoMatchingIdentity = errors.New("gateway: no gateway for requested identity")

	// ErrNoMatchingCountry is returned when no eligible gateway exists
	// in the requested country.
	ErrNoMatchingCountry = errors.New("gateway: no gateway for requested country")

	// ErrNoGateways is returned when the eligible candidate set is empty.
	ErrNoGateways = errors.New("gateway: no eligible gateways")

	// ErrSameEntryAndExit is returned when country specs for both ends
	// can only resolve to a single gateway.  A one-node path provides no
	// meaningful routing and is rejected.
	ErrSameEntryAndExit = errors.New("gateway: entry and exit resolve to the same gateway")
)

// Selector picks entry/exit gateway pairs from a directory.
//
// Among equally eligible gateways the pick is uniformly random rather
// than best-score-first, spreading load instead of hotspotting the top
// ranked gateway.  Tests must seed the RNG for reproducibility.
type Selector struct {
	dir Directory
	rng *mrand.Rand
}

// NewSelector creates a Selector using a cryptographically seeded math
// RNG for tie-breaking.
func NewSelector(dir Directory) *Selector {
	return &Selector{
		dir: dir,
		rng: rand.NewMath(),
	}
}

// NewSelectorWithRNG creates a Selector with the caller's RNG.  Tests
// use this with a fixed seed.
func NewSelectorWithRNG(dir Directory, rng *mrand.Rand) *Selector {
	return &Selector{dir: dir, rng: rng}
}

// Select resolves the entry and exit specs into a concrete gateway pair
// eligible for the given tunnel type and performance floor.
func (s *Selector) Select(ctx context.Context, tcfg *config.Tunnel) (*SelectedGateways, error) {
	candidates, err := s.dir.ListGateways(ctx)
	if err != nil {
		return nil, err
	}

	minPerformance := tcfg.MinMixnetPerformance
	if tcfg.Type == config.TunnelTypeWireGuard {
		minPerformance = tcfg.MinVPNPerformance
	}

	eligible := make([]*Gateway, 0, len(candidates))
	for _, g := range candidates {
		if !hasCapability(g, tcfg.Type) {
			continue
		}
		if g.Performance < minPerformance {
			continue
		}
		eligible = append(eligible, g)
	}

	entry, err := s.pick(tcfg.Entry, eligible, nil)
	if err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}

	// With a country constraint on both ends the exit must not collapse
	// onto the entry gateway; a degenerate single-node pair is refused.
	var excluded *Gateway
	if tcfg.Entry.Country != "" && tcfg.Exit.Country != "" {
		excluded = entry
	}
	exit, err := s.pick(tcfg.Exit, eligible, excluded)
	if err != nil {
		if excluded != nil && errors.Is(err, ErrNoMatchingCountry) {
			// The country had gateways, all of them the entry.
			if _, retryErr := s.pick(tcfg.Exit, eligible, nil); retryErr == nil {
				return nil, ErrSameEntryAndExit
			}
		}
		return nil, fmt.Errorf("exit: %w", err)
	}

	return &SelectedGateways{Entry: entry, Exit: exit}, nil
}

func (s *Selector) pick(spec config.GatewaySpec, eligible []*Gateway, excluded *Gateway) (*Gateway, error) {
	switch {
	case spec.ID != "":
		identity, err := ParseSpecID(spec)
		if err != nil {
			return nil, err
		}
		for _, g := range eligible {
			if g.IdentityKey.Equal(identity) {
				return g, nil
			}
		}
		return nil, ErrNoMatchingIdentity

	case spec.Country != "":
		matching := make([]*Gateway, 0, len(eligible))
		for _, g := range eligible {
			if g.CountryCode != spec.Country {
				continue
			}
			if excluded != nil && g.SameIdentity(excluded) {
				continue
			}
			matching = append(matching, g)
		}
		if len(matching) == 0 {
			return nil, ErrNoMatchingCountry
		}
		return matching[s.rng.Intn(len(matching))], nil

	default:
		if len(eligible) == 0 {
			return nil, ErrNoGateways
		}
		return eligible[s.rng.Intn(len(eligible))], nil
	}
}
