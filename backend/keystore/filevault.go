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
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/seal"
)

const (
	vaultRecordVersion = 1
	vaultFileExt       = ".key.age"

	// DefaultWorkFactor is the scrypt log2(N) used for new vault files.
	DefaultWorkFactor = 18
)

type vaultRecord struct {
	Version   int       `cbor:"1,keyasint"`
	UserID    string    `cbor:"2,keyasint"`
	Public    []byte    `cbor:"3,keyasint"`
	Private   []byte    `cbor:"4,keyasint"`
	CreatedAt time.Time `cbor:"5,keyasint"`
}

// FileVault stores one age-encrypted file per user under a private
// directory. The passphrase protects the private key at rest.
type FileVault struct {
	dir        string
	passphrase string
	workFactor int
}

var _ Vault = (*FileVault)(nil)

// NewFileVault creates dir with 0700 permissions if needed. A workFactor of
// zero selects DefaultWorkFactor.
func NewFileVault(dir, passphrase string, workFactor int) (*FileVault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: vault passphrase is required", common.ErrInvalidArgument)
	}
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &FileVault{dir: dir, passphrase: passphrase, workFactor: workFactor}, nil
}

// path derives a filesystem-safe name from the user id.
func (v *FileVault) path(userID string) string {
	sum := blake3.Sum256([]byte(userID))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:16])+vaultFileExt)
}

func (v *FileVault) Has(userID string) bool {
	_, err := os.Stat(v.path(userID))
	return err == nil
}

func (v *FileVault) Load(userID string) (*seal.KeyPair, error) {
	raw, err := os.ReadFile(v.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", common.ErrLocalPrivateKeyMissing, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	identity, err := age.NewScryptIdentity(v.passphrase)
	if err != nil {
		return nil, fmt.Errorf("vault identity: %w", err)
	}
	identity.SetMaxWorkFactor(max(v.workFactor, DefaultWorkFactor))

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt vault file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	var rec vaultRecord
	if err := cbor.Unmarshal(plain, &rec); err != nil {
		return nil, fmt.Errorf("decode vault record: %w", err)
	}
	return rec.keyPair(userID)
}

func (rec *vaultRecord) keyPair(userID string) (*seal.KeyPair, error) {
	if rec.Version != vaultRecordVersion {
		return nil, fmt.Errorf("unsupported vault record version %d", rec.Version)
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("vault record belongs to %q", rec.UserID)
	}
	if len(rec.Private) != seal.KeySize || len(rec.Public) != seal.KeySize {
		return nil, errors.New("vault record has malformed keys")
	}

	derived, err := curve25519.X25519(rec.Private, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if subtle.ConstantTimeCompare(derived, rec.Public) != 1 {
		return nil, errors.New("vault record public key does not match private key")
	}

	kp := &seal.KeyPair{}
	copy(kp.Public[:], rec.Public)
	copy(kp.Private[:], rec.Private)
	return kp, nil
}

// Save writes to a temp file and hard-links it into place so that a second
// writer, even in another process, cannot replace an existing key.
func (v *FileVault) Save(userID string, kp *seal.KeyPair) error {
	rec := vaultRecord{
		Version:   vaultRecordVersion,
		UserID:    userID,
		Public:    kp.Public[:],
		Private:   kp.Private[:],
		CreatedAt: time.Now().UTC(),
	}
	plain, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode vault record: %w", err)
	}

	recipient, err := age.NewScryptRecipient(v.passphrase)
	if err != nil {
		return fmt.Errorf("vault recipient: %w", err)
	}
	recipient.SetWorkFactor(v.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("encrypt vault file: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypt vault file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt vault file: %w", err)
	}
	clear(plain)

	tmp, err := os.CreateTemp(v.dir, ".pending-*")
	if err != nil {
		return fmt.Errorf("create vault temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write vault temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync vault temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close vault temp file: %w", err)
	}

	if err := os.Link(tmpName, v.path(userID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrKeyExists
		}
		return fmt.Errorf("install vault file: %w", err)
	}
	return nil
}
