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

	"github.com/google/uuid"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
)

const messageColumns = `id, conversation_id, sender_id,
	ciphertext_for_sender, nonce_for_sender,
	ciphertext_for_recipient, nonce_for_recipient,
	message_type, attachment_ref, created_at, edited_at, read_at, is_deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m             models.Message
		attachmentRef sql.NullString
		editedAt      sql.NullTime
		readAt        sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID,
		&m.CiphertextForSender, &m.NonceForSender,
		&m.CiphertextForRecipient, &m.NonceForRecipient,
		&m.MessageType, &attachmentRef, &m.CreatedAt, &editedAt, &readAt, &m.IsDeleted,
	)
	if err != nil {
		return nil, err
	}
	if attachmentRef.Valid {
		m.AttachmentRef = &attachmentRef.String
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	return &m, nil
}

func validateCiphertexts(c models.Ciphertexts) error {
	if len(c.CiphertextForSender) == 0 || len(c.NonceForSender) == 0 ||
		len(c.CiphertextForRecipient) == 0 || len(c.NonceForRecipient) == 0 {
		return fmt.Errorf("%w: both ciphertexts and nonces are required", common.ErrInvalidArgument)
	}
	return nil
}

func validMessageType(t string) bool {
	switch t {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeFile:
		return true
	}
	return false
}

// AppendMessage stores a new message and bumps the conversation's
// updated_at. The sender must be a participant.
func (s *Store) AppendMessage(ctx context.Context, req models.AppendRequest) (*models.Message, error) {
	if err := validateCiphertexts(req.Ciphertexts); err != nil {
		return nil, err
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageTypeText
	}
	if !validMessageType(req.MessageType) {
		return nil, fmt.Errorf("%w: unknown message type %q", common.ErrInvalidArgument, req.MessageType)
	}

	msg := &models.Message{
		ID:                     uuid.New().String(),
		ConversationID:         req.ConversationID,
		SenderID:               req.SenderID,
		CiphertextForSender:    req.CiphertextForSender,
		NonceForSender:         req.NonceForSender,
		CiphertextForRecipient: req.CiphertextForRecipient,
		NonceForRecipient:      req.NonceForRecipient,
		MessageType:            req.MessageType,
		AttachmentRef:          req.AttachmentRef,
		CreatedAt:              s.now(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var a, b string
		err := tx.QueryRowContext(ctx, `
			SELECT participant_a, participant_b FROM conversations
			WHERE id = $1
			FOR UPDATE`, req.ConversationID).Scan(&a, &b)
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrNotFound
		}
		if err != nil {
			return err
		}
		if req.SenderID != a && req.SenderID != b {
			return common.ErrForbidden
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL, NULL, FALSE)`,
			msg.ID, msg.ConversationID, msg.SenderID,
			msg.CiphertextForSender, msg.NonceForSender,
			msg.CiphertextForRecipient, msg.NonceForRecipient,
			msg.MessageType, msg.AttachmentRef, msg.CreatedAt)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = $2
			WHERE id = $1`, msg.ConversationID, msg.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the conversation's messages oldest first. Only the
// two participants may read it.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, common.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE id = $1`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// EditMessage replaces both ciphertexts. Only the sender may edit, and a
// deleted message stays deleted.
func (s *Store) EditMessage(ctx context.Context, messageID, senderID string, c models.Ciphertexts) (*models.Message, error) {
	if err := validateCiphertexts(c); err != nil {
		return nil, err
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET ciphertext_for_sender = $3, nonce_for_sender = $4,
		    ciphertext_for_recipient = $5, nonce_for_recipient = $6,
		    edited_at = $7
		WHERE id = $1 AND sender_id = $2 AND is_deleted = FALSE
		RETURNING `+messageColumns,
		messageID, senderID,
		c.CiphertextForSender, c.NonceForSender,
		c.CiphertextForRecipient, c.NonceForRecipient,
		s.now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainRejected(ctx, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return m, nil
}

// DeleteMessage soft-deletes: both ciphertexts and nonces are cleared and the
// row is kept for ordering.
func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET ciphertext_for_sender = NULL, nonce_for_sender = NULL,
		    ciphertext_for_recipient = NULL, nonce_for_recipient = NULL,
		    is_deleted = TRUE
		WHERE id = $1 AND sender_id = $2
		RETURNING `+messageColumns,
		messageID, senderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainRejected(ctx, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// MarkMessageRead sets read_at once. Only the non-sender participant may
// do so; a second call returns the row unchanged.
func (s *Store) MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages AS m
		SET read_at = $3
		FROM conversations AS c
		WHERE m.id = $1
		  AND m.conversation_id = c.id
		  AND m.sender_id <> $2
		  AND (c.participant_a = $2 OR c.participant_b = $2)
		  AND m.read_at IS NULL
		RETURNING `+prefixed("m", messageColumns),
		messageID, readerID, s.now()))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	existing, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.ReadAt != nil && existing.SenderID != readerID {
		conv, err := s.GetConversation(ctx, existing.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.HasParticipant(readerID) {
			return existing, nil
		}
	}
	return nil, common.ErrForbidden
}

// explainRejected turns a zero-row sender-only update into NotFound or
// Forbidden.
func (s *Store) explainRejected(ctx context.Context, messageID string) error {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return common.ErrForbidden
}
