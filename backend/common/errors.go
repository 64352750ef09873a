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

// Package common holds the sentinel errors shared by the device-side
// messaging core and the server boundary. Match them with errors.Is.
package common

import "errors"

var (
	// Key lifecycle.
	ErrKeyGenerationFailed    = errors.New("key generation failed")
	ErrKeyNotFound            = errors.New("peer has no published public key")
	ErrLocalPrivateKeyMissing = errors.New("no local private key on this device")

	// Cipher.
	ErrEncryptFailed = errors.New("encrypt failed")
	ErrDecryptFailed = errors.New("decrypt failed")

	// Message log.
	ErrLogAppendFailed = errors.New("message log append failed")
	ErrLogFetchFailed  = errors.New("message log fetch failed")
	ErrStreamDropped   = errors.New("change stream dropped")

	// Boundary errors returned by storage and mapped to HTTP statuses.
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
)
