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
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/seal"
)

const defaultReceiptTimeout = 10 * time.Second

// Pipeline turns the encrypted log into DecryptedMessages for one user.
type Pipeline struct {
	log    MessageLog
	keys   KeyProvider
	me     string
	logger logging.Logger

	receiptTimeout time.Duration
	receipts       sync.WaitGroup

	mu     sync.Mutex
	marked map[string]struct{}
}

func NewPipeline(log MessageLog, keys KeyProvider, me string, logger logging.Logger) *Pipeline {
	return &Pipeline{
		log:            log,
		keys:           keys,
		me:             me,
		logger:         logger,
		receiptTimeout: defaultReceiptTimeout,
		marked:         make(map[string]struct{}),
	}
}

// Render fetches the conversation and decrypts every record. A record that
// fails to decrypt becomes a placeholder; it never fails the render. Unread
// records from the peer are then marked read in the background.
func (p *Pipeline) Render(ctx context.Context, conversationID, peerID string) ([]models.DecryptedMessage, error) {
	kp, err := p.keys.LocalKeyPair(p.me)
	if err != nil {
		return nil, err
	}

	var peerPub *seal.PublicKey
	pk, err := p.keys.GetPeerPublicKey(ctx, peerID)
	switch {
	case err == nil:
		peerPub = &pk
	case errors.Is(err, common.ErrKeyNotFound):
		// Our own copies still open; the peer's render as placeholders.
		p.logger.Warn(ctx, "peer has no public key", "peer_id", peerID)
	default:
		return nil, fmt.Errorf("%w: peer key: %v", common.ErrLogFetchFailed, err)
	}

	records, err := p.log.List(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrLogFetchFailed, err)
	}

	out := make([]models.DecryptedMessage, 0, len(records))
	var unread []string
	for i := range records {
		rec := &records[i]
		out = append(out, p.decryptRecord(ctx, rec, kp, peerID, peerPub))
		if rec.SenderID != p.me && rec.ReadAt == nil {
			unread = append(unread, rec.ID)
		}
	}

	p.markRead(unread)
	return out, nil
}

func (p *Pipeline) decryptRecord(ctx context.Context, rec *models.Message, kp *seal.KeyPair, peerID string, peerPub *seal.PublicKey) models.DecryptedMessage {
	dm := models.DecryptedMessage{
		ID:            rec.ID,
		SenderID:      rec.SenderID,
		IsMine:        rec.SenderID == p.me,
		CreatedAt:     rec.CreatedAt,
		ReadAt:        rec.ReadAt,
		EditedAt:      rec.EditedAt,
		IsDeleted:     rec.IsDeleted,
		MessageType:   rec.MessageType,
		AttachmentRef: rec.AttachmentRef,
		Status:        models.StatusOK,
	}

	if rec.IsDeleted {
		dm.Plaintext = PlaceholderDeleted
		dm.Status = models.StatusDeleted
		return dm
	}

	var (
		ciphertext, nonce []byte
		senderPub         *seal.PublicKey
	)
	switch rec.SenderID {
	case p.me:
		ciphertext, nonce, senderPub = rec.CiphertextForSender, rec.NonceForSender, &kp.Public
	case peerID:
		ciphertext, nonce, senderPub = rec.CiphertextForRecipient, rec.NonceForRecipient, peerPub
	}

	if senderPub == nil {
		dm.Plaintext = PlaceholderUndecryptable
		dm.Status = models.StatusUndecryptable
		return dm
	}

	plain, err := seal.DecryptFromConversation(ciphertext, nonce, &kp.Private, senderPub)
	if err != nil {
		p.logger.Warn(ctx, "message undecryptable", "message_id", rec.ID, "error", err)
		dm.Plaintext = PlaceholderUndecryptable
		dm.Status = models.StatusUndecryptable
		return dm
	}
	dm.Plaintext = string(plain)
	return dm
}

// markRead sends read receipts on a detached goroutine. Its outcome never
// reaches the render that triggered it. Each id is sent once per Pipeline
// unless the attempt fails.
func (p *Pipeline) markRead(ids []string) {
	p.mu.Lock()
	pending := ids[:0:0]
	for _, id := range ids {
		if _, ok := p.marked[id]; ok {
			continue
		}
		p.marked[id] = struct{}{}
		pending = append(pending, id)
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	p.receipts.Add(1)
	go func() {
		defer p.receipts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.receiptTimeout)
		defer cancel()

		for _, id := range pending {
			if err := p.log.MarkRead(ctx, id); err != nil {
				p.logger.Warn(ctx, "mark read failed", "message_id", id, "error", err)
				p.mu.Lock()
				delete(p.marked, id)
				p.mu.Unlock()
			}
		}
	}()
}

// Wait blocks until in-flight read receipts finish.
func (p *Pipeline) Wait() {
	p.receipts.Wait()
}
