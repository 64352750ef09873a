// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package keystore owns a device's key pairs: private halves live in a local
// Vault, public halves are published to the shared Directory.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/seal"
)

// Directory is the shared public-key table.
type Directory interface {
	PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error
	// GetPublicKey returns common.ErrKeyNotFound when the user has none.
	GetPublicKey(ctx context.Context, userID string) ([]byte, error)
}

type Store struct {
	vault Vault
	dir   Directory
	log   logging.Logger

	group    singleflight.Group
	mu       sync.Mutex
	verified map[string]bool

	generate func() (*seal.KeyPair, error)
}

func NewStore(vault Vault, dir Directory, log logging.Logger) *Store {
	return &Store{
		vault:    vault,
		dir:      dir,
		log:      log,
		verified: make(map[string]bool),
		generate: seal.GenerateKeyPair,
	}
}

// GetOrCreateKeys returns the user's public key, generating and publishing a
// key pair on first use. Concurrent calls for one user share a single
// generation. An existing local key is re-published once per Store if the
// directory copy is missing or differs.
func (s *Store) GetOrCreateKeys(ctx context.Context, userID string) (seal.PublicKey, error) {
	v, err, _ := s.group.Do(userID, func() (any, error) {
		return s.getOrCreate(ctx, userID)
	})
	if err != nil {
		return seal.PublicKey{}, err
	}
	return v.(seal.PublicKey), nil
}

func (s *Store) getOrCreate(ctx context.Context, userID string) (seal.PublicKey, error) {
	if s.vault.Has(userID) {
		kp, err := s.vault.Load(userID)
		if err != nil {
			return seal.PublicKey{}, err
		}
		s.ensurePublished(ctx, userID, kp.Public)
		return kp.Public, nil
	}

	kp, err := s.generate()
	if err != nil {
		return seal.PublicKey{}, err
	}

	if err := s.vault.Save(userID, kp); err != nil {
		if !errors.Is(err, ErrKeyExists) {
			return seal.PublicKey{}, fmt.Errorf("%w: persist private key: %v", common.ErrKeyGenerationFailed, err)
		}
		// Another writer got there first; its key is the one that counts.
		existing, err := s.vault.Load(userID)
		if err != nil {
			return seal.PublicKey{}, err
		}
		kp = existing
	}

	if err := s.dir.PublishPublicKey(ctx, userID, kp.Public[:]); err != nil {
		// The private key is already saved; the next call re-publishes.
		return seal.PublicKey{}, fmt.Errorf("%w: publish public key: %v", common.ErrKeyGenerationFailed, err)
	}
	s.markVerified(userID)
	s.log.Info(ctx, "generated key pair", "user_id", userID)
	return kp.Public, nil
}

func (s *Store) ensurePublished(ctx context.Context, userID string, pub seal.PublicKey) {
	s.mu.Lock()
	done := s.verified[userID]
	s.mu.Unlock()
	if done {
		return
	}

	remote, err := s.dir.GetPublicKey(ctx, userID)
	switch {
	case err == nil && bytes.Equal(remote, pub[:]):
	case err == nil || errors.Is(err, common.ErrKeyNotFound):
		if err := s.dir.PublishPublicKey(ctx, userID, pub[:]); err != nil {
			s.log.Warn(ctx, "re-publish public key failed", "user_id", userID, "error", err)
			return
		}
		s.log.Info(ctx, "re-published public key", "user_id", userID)
	default:
		s.log.Warn(ctx, "public key lookup failed", "user_id", userID, "error", err)
		return
	}
	s.markVerified(userID)
}

func (s *Store) markVerified(userID string) {
	s.mu.Lock()
	s.verified[userID] = true
	s.mu.Unlock()
}

// HasLocalPrivateKey is a local check with no network round trip.
func (s *Store) HasLocalPrivateKey(userID string) bool {
	return s.vault.Has(userID)
}

// LocalKeyPair returns common.ErrLocalPrivateKeyMissing if this device never
// generated a key for the user.
func (s *Store) LocalKeyPair(userID string) (*seal.KeyPair, error) {
	return s.vault.Load(userID)
}

// GetPeerPublicKey looks up a peer's published key.
func (s *Store) GetPeerPublicKey(ctx context.Context, userID string) (seal.PublicKey, error) {
	raw, err := s.dir.GetPublicKey(ctx, userID)
	if err != nil {
		return seal.PublicKey{}, err
	}
	pk, err := seal.ParsePublicKey(raw)
	if err != nil {
		return seal.PublicKey{}, fmt.Errorf("peer %s: %w", userID, err)
	}
	return pk, nil
}
