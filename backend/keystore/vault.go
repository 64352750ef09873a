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

package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/seal"
)

// ErrKeyExists is returned by Vault.Save when the user already has a key.
// Vaults never overwrite a private key.
var ErrKeyExists = errors.New("local key already exists")

// Vault is the device-local home of private keys. Nothing in a vault ever
// leaves the device.
type Vault interface {
	// Has reports whether a key is stored for the user. It must not do I/O
	// beyond a local lookup.
	Has(userID string) bool
	// Load returns common.ErrLocalPrivateKeyMissing when nothing is stored.
	Load(userID string) (*seal.KeyPair, error)
	// Save stores a new key pair and fails with ErrKeyExists if one is
	// already present.
	Save(userID string, kp *seal.KeyPair) error
}

// MemoryVault keeps keys for the life of the process.
type MemoryVault struct {
	mu   sync.RWMutex
	keys map[string]seal.KeyPair
}

var _ Vault = (*MemoryVault)(nil)

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{keys: make(map[string]seal.KeyPair)}
}

func (v *MemoryVault) Has(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.keys[userID]
	return ok
}

func (v *MemoryVault) Load(userID string) (*seal.KeyPair, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	kp, ok := v.keys[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrLocalPrivateKeyMissing, userID)
	}
	return &kp, nil
}

func (v *MemoryVault) Save(userID string, kp *seal.KeyPair) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[userID]; ok {
		return ErrKeyExists
	}
	v.keys[userID] = *kp
	return nil
}
