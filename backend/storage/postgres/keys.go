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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
)

// UpsertPublicKey publishes a user's public key. Last write wins.
func (s *Store) UpsertPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	if userID == "" || len(publicKey) == 0 {
		return fmt.Errorf("%w: user id and public key are required", common.ErrInvalidArgument)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public_keys (user_id, public_key, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET public_key = $2, updated_at = $3`,
		userID, publicKey, s.now())
	if err != nil {
		return fmt.Errorf("upsert public key: %w", err)
	}
	return nil
}

func (s *Store) GetPublicKey(ctx context.Context, userID string) (*models.PublicKeyRecord, error) {
	rec := &models.PublicKeyRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, public_key, updated_at FROM public_keys
		WHERE user_id = $1`, userID).Scan(&rec.UserID, &rec.PublicKey, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return rec, nil
}
