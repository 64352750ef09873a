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

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/seal"
)

// Sender encrypts and appends outgoing messages for one user.
type Sender struct {
	log    MessageLog
	keys   KeyProvider
	me     string
	logger logging.Logger

	uploader AttachmentUploader
}

func NewSender(log MessageLog, keys KeyProvider, me string, logger logging.Logger) *Sender {
	return &Sender{log: log, keys: keys, me: me, logger: logger}
}

// WithUploader enables SendAttachment.
func (s *Sender) WithUploader(u AttachmentUploader) *Sender {
	s.uploader = u
	return s
}

// Send encrypts text for both participants and appends it. Any failure is a
// *SendError and nothing is appended.
func (s *Sender) Send(ctx context.Context, conversationID, peerID, text string) (string, error) {
	return s.send(ctx, conversationID, peerID, text, models.MessageTypeText, nil)
}

// SendAttachment uploads data and sends caption as the encrypted body. The
// attachment bytes themselves are stored as given.
func (s *Sender) SendAttachment(ctx context.Context, conversationID, peerID, caption string, data []byte, contentType, messageType string) (string, error) {
	if s.uploader == nil {
		return "", &SendError{Op: "upload attachment", Err: errors.New("attachments are not configured")}
	}
	if messageType != models.MessageTypeImage && messageType != models.MessageTypeFile {
		return "", &SendError{Op: "upload attachment", Err: fmt.Errorf("%w: message type %q", common.ErrInvalidArgument, messageType)}
	}

	ref, err := s.uploader.UploadAttachment(ctx, data, contentType)
	if err != nil {
		return "", &SendError{Op: "upload attachment", Err: err, Retryable: true}
	}
	return s.send(ctx, conversationID, peerID, caption, messageType, &ref)
}

func (s *Sender) send(ctx context.Context, conversationID, peerID, text, messageType string, attachmentRef *string) (string, error) {
	c, err := s.seal(ctx, peerID, text)
	if err != nil {
		return "", err
	}

	id, err := s.log.Append(ctx, models.AppendRequest{
		ConversationID: conversationID,
		SenderID:       s.me,
		MessageType:    messageType,
		AttachmentRef:  attachmentRef,
		Ciphertexts:    *c,
	})
	if err != nil {
		return "", &SendError{Op: "append", Err: fmt.Errorf("%w: %w", common.ErrLogAppendFailed, err), Retryable: retryable(err)}
	}
	return id, nil
}

// Edit re-encrypts both copies with new text.
func (s *Sender) Edit(ctx context.Context, messageID, peerID, text string) error {
	c, err := s.seal(ctx, peerID, text)
	if err != nil {
		return err
	}
	if err := s.log.Edit(ctx, messageID, *c); err != nil {
		return &SendError{Op: "edit", Err: fmt.Errorf("%w: %w", common.ErrLogAppendFailed, err), Retryable: retryable(err)}
	}
	return nil
}

// Delete soft-deletes one of the user's own messages.
func (s *Sender) Delete(ctx context.Context, messageID string) error {
	if err := s.log.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// seal makes sure the user has keys, then encrypts text to both sides.
func (s *Sender) seal(ctx context.Context, peerID, text string) (*models.Ciphertexts, error) {
	if _, err := s.keys.GetOrCreateKeys(ctx, s.me); err != nil {
		return nil, &SendError{Op: "keys", Err: err, Retryable: true}
	}
	kp, err := s.keys.LocalKeyPair(s.me)
	if err != nil {
		return nil, &SendError{Op: "keys", Err: err}
	}

	peerPub, err := s.keys.GetPeerPublicKey(ctx, peerID)
	if err != nil {
		// A peer without a key cannot be messaged until they create one.
		return nil, &SendError{Op: "peer key", Err: err, Retryable: !errors.Is(err, common.ErrKeyNotFound)}
	}

	env, err := seal.EncryptForConversation([]byte(text), &kp.Private, &kp.Public, &peerPub)
	if err != nil {
		return nil, &SendError{Op: "encrypt", Err: err, Retryable: true}
	}

	return &models.Ciphertexts{
		CiphertextForSender:    env.ForMe.Ciphertext,
		NonceForSender:         env.ForMe.Nonce,
		CiphertextForRecipient: env.ForPeer.Ciphertext,
		NonceForRecipient:      env.ForPeer.Nonce,
	}, nil
}

// retryable is false for rejections that will repeat on retry.
func retryable(err error) bool {
	return !errors.Is(err, common.ErrForbidden) &&
		!errors.Is(err, common.ErrNotFound) &&
		!errors.Is(err, common.ErrInvalidArgument)
}
