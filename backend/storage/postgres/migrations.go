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

import "context"

var migrations = []string{
	// Public key directory (private keys never reach the server)
	`CREATE TABLE IF NOT EXISTS public_keys (
		user_id VARCHAR(255) PRIMARY KEY,
		public_key BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	// One conversation per unordered pair
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(255) PRIMARY KEY,
		participant_a VARCHAR(255) NOT NULL,
		participant_b VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT unique_conversation_pair UNIQUE (participant_a, participant_b),
		CONSTRAINT ordered_participants CHECK (participant_a < participant_b)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_b
	ON conversations(participant_b, updated_at DESC)`,

	// Encrypted message log. Ciphertexts are NULL once soft-deleted.
	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(255) PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL,
		sender_id VARCHAR(255) NOT NULL,
		ciphertext_for_sender BYTEA,
		nonce_for_sender BYTEA,
		ciphertext_for_recipient BYTEA,
		nonce_for_recipient BYTEA,
		message_type VARCHAR(20) NOT NULL DEFAULT 'text'
			CHECK (message_type IN ('text', 'image', 'file')),
		attachment_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		CONSTRAINT ciphertexts_present CHECK (
			is_deleted OR (ciphertext_for_sender IS NOT NULL AND ciphertext_for_recipient IS NOT NULL)
		),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at ASC)`,

	`CREATE TABLE IF NOT EXISTS reactions (
		id VARCHAR(255) PRIMARY KEY,
		message_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		emoji VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT unique_reaction UNIQUE (message_id, user_id, emoji),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,

	// Typing indicators live in Redis; no table here.
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}
