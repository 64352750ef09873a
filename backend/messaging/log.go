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

// Package messaging is the device side of direct messages: it encrypts
// outgoing messages, renders a conversation from the encrypted log and keeps
// that rendering current as change events arrive.
package messaging

import (
	"context"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/seal"
)

// MessageLog is the remote encrypted message log as seen by one
// authenticated user. Mutations act as that user.
type MessageLog interface {
	// OpenConversation returns the conversation with peerID, creating it on
	// first use.
	OpenConversation(ctx context.Context, peerID string) (*models.Conversation, error)
	Append(ctx context.Context, req models.AppendRequest) (string, error)
	// List returns the conversation's records oldest first.
	List(ctx context.Context, conversationID string) ([]models.Message, error)
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	Edit(ctx context.Context, messageID string, c models.Ciphertexts) error
	Delete(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
}

// Subscription delivers change events for one conversation until Close.
// Delivery is at least once.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Typing() <-chan models.TypingIndicator
	Close() error
}

type ReactionLog interface {
	ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error)
}

type TypingPublisher interface {
	SetTyping(ctx context.Context, conversationID string, isTyping bool) error
}

type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, data []byte, contentType string) (string, error)
}

// KeyProvider is the part of keystore.Store the messaging core needs.
type KeyProvider interface {
	GetOrCreateKeys(ctx context.Context, userID string) (seal.PublicKey, error)
	LocalKeyPair(userID string) (*seal.KeyPair, error)
	GetPeerPublicKey(ctx context.Context, userID string) (seal.PublicKey, error)
}
