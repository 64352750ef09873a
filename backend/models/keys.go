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

package models

import (
	"time"
)

// PublicKeyRecord is one row of the shared key directory. Private keys
// never leave the device and have no server-side model.
type PublicKeyRecord struct {
	UserID    string    `json:"user_id" db:"user_id"`
	PublicKey []byte    `json:"public_key" db:"public_key"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
