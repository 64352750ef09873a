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

// Package seal is the per-message conversation cipher.
//
// Every message is sealed twice with NaCl box (X25519 + XSalsa20-Poly1305):
// once to the peer and once to the sender's own public key. Either party can
// then open their copy with their private key and the sender's public key.
// Keys are always passed in explicitly; the package holds no key state.
package seal

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/efchatnet/efdm/backend/common"
)

const (
	KeySize   = 32
	NonceSize = 24
	Overhead  = box.Overhead
)

// randReader is swapped in tests to simulate entropy failures.
var randReader io.Reader = rand.Reader

type PublicKey = [KeySize]byte
type PrivateKey = [KeySize]byte

// KeyPair is one user's X25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// Sealed is one ciphertext and the nonce it was sealed under.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Envelope holds both sealed copies of one plaintext.
type Envelope struct {
	ForMe   Sealed `json:"for_me"`
	ForPeer Sealed `json:"for_peer"`
}

// GenerateKeyPair creates a fresh key pair from crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyGenerationFailed, err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// ParsePublicKey validates and copies a raw public key.
func ParsePublicKey(raw []byte) (PublicKey, error) {
	var pk PublicKey
	if len(raw) != KeySize {
		return pk, fmt.Errorf("%w: public key must be %d bytes, got %d", common.ErrInvalidArgument, KeySize, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// EncryptForConversation seals plaintext to the peer and to the sender.
// Each copy gets its own random nonce.
func EncryptForConversation(plaintext []byte, myPrivate *PrivateKey, myPublic, peerPublic *PublicKey) (*Envelope, error) {
	forPeer, err := sealTo(plaintext, peerPublic, myPrivate)
	if err != nil {
		return nil, err
	}
	forMe, err := sealTo(plaintext, myPublic, myPrivate)
	if err != nil {
		return nil, err
	}
	return &Envelope{ForMe: *forMe, ForPeer: *forPeer}, nil
}

// DecryptFromConversation opens one sealed copy. otherPublic is always the
// sender's public key: the peer's key when opening a received message, the
// caller's own key when opening the copy they sealed to themselves.
// Tampering, a wrong key or a wrong nonce all yield ErrDecryptFailed.
func DecryptFromConversation(ciphertext, nonce []byte, myPrivate *PrivateKey, otherPublic *PublicKey) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", common.ErrDecryptFailed, NonceSize, len(nonce))
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryptFailed)
	}

	var n [NonceSize]byte
	copy(n[:], nonce)

	plaintext, ok := box.Open(nil, ciphertext, &n, otherPublic, myPrivate)
	if !ok {
		return nil, common.ErrDecryptFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func sealTo(plaintext []byte, recipient *PublicKey, senderPrivate *PrivateKey) (*Sealed, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(randReader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", common.ErrEncryptFailed, err)
	}

	ciphertext := box.Seal(nil, plaintext, &nonce, recipient, senderPrivate)
	return &Sealed{Ciphertext: ciphertext, Nonce: nonce[:]}, nil
}
