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
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
)

const maxEmojiLen = 32

// ToggleReaction deletes the (message, user, emoji) reaction if it exists and
// inserts it otherwise. Each statement is atomic on its own; when two toggles
// race past the delete, the unique constraint rejects the second insert and
// both callers converge on "present".
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	if emoji == "" || len(emoji) > maxEmojiLen || !utf8.ValidString(emoji) {
		return false, fmt.Errorf("%w: invalid emoji", common.ErrInvalidArgument)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), messageID, userID, emoji, s.now())
	if err != nil && !isUniqueViolation(err) {
		return false, fmt.Errorf("toggle reaction: %w", err)
	}
	return true, nil
}

func (s *Store) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id = $1
		ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var out []models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
