// keys.go - Persisted WireGuard keypairs.
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

package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/rand"

	"github.com/veilvpn/veilvpn/authenticator"
)

// loadOrGenerateKeypair returns the persisted WireGuard keypair for the
// given peer role, generating and writing one on first use.  Keeping the
// key stable across sessions lets the gateway short-circuit repeated
// registrations.  An empty dataDir yields an ephemeral keypair.
func loadOrGenerateKeypair(dataDir, role string) (*authenticator.Keypair, error) {
	if dataDir == "" {
		return authenticator.GenerateKeypair(rand.Reader)
	}

	scheme := authenticator.Scheme()
	privFile := filepath.Join(dataDir, fmt.Sprintf("wireguard.%s.private.pem", role))
	pubFile := filepath.Join(dataDir, fmt.Sprintf("wireguard.%s.public.pem", role))

	privExists := fileExists(privFile)
	pubExists := fileExists(pubFile)
	switch {
	case privExists && pubExists:
		privateKey, err := nikepem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return nil, err
		}
		publicKey, err := nikepem.FromPublicPEMFile(pubFile, scheme)
		if err != nil {
			return nil, err
		}
		return &authenticator.Keypair{Private: privateKey, Public: publicKey}, nil

	case !privExists && !pubExists:
		keys, err := authenticator.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := nikepem.PrivateKeyToFile(privFile, keys.Private, scheme); err != nil {
			return nil, err
		}
		if err := nikepem.PublicKeyToFile(pubFile, keys.Public, scheme); err != nil {
			return nil, err
		}
		return keys, nil

	default:
		return nil, errors.New("connector: found only one out of two key files for the keypair")
	}
}

func fileExists(f string) bool {
	_, err := os.Stat(f)
	return err == nil
}
