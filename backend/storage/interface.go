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

package storage

import (
	"context"
	"time"

	"github.com/efchatnet/efdm/backend/models"
)

// KeyDirectory is the shared public-key table. Upsert only, no delete.
type KeyDirectory interface {
	UpsertPublicKey(ctx context.Context, userID string, publicKey []byte) error
	GetPublicKey(ctx context.Context, userID string) (*models.PublicKeyRecord, error)
}

type ConversationStore interface {
	// GetOrCreateConversation returns the single conversation for the pair,
	// creating it on first use.
	GetOrCreateConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
}

// MessageStore is the encrypted message log. Mutations take the acting user
// and enforce who may touch which column.
type MessageStore interface {
	AppendMessage(ctx context.Context, req models.AppendRequest) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID, userID string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	EditMessage(ctx context.Context, messageID, senderID string, c models.Ciphertexts) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (*models.Message, error)
}

type ReactionStore interface {
	// ToggleReaction removes the reaction if present, inserts it otherwise.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (added bool, err error)
	ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error)
}

type Store interface {
	KeyDirectory
	ConversationStore
	MessageStore
	ReactionStore
	Ping(ctx context.Context) error
}

// ChangeNotifier fans change events out to conversation subscribers.
type ChangeNotifier interface {
	PublishMessageEvent(ctx context.Context, ev models.ChangeEvent) error
	PublishTyping(ctx context.Context, ind models.TypingIndicator) error
	SubscribeConversation(ctx context.Context, conversationID string) (Subscription, error)
}

// Subscription is a live feed for one conversation. Close releases it.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Typing() <-chan models.TypingIndicator
	Close() error
}

// TypingStore keeps the latest typing row per (conversation, user).
type TypingStore interface {
	SetTyping(ctx context.Context, ind models.TypingIndicator, ttl time.Duration) error
	GetTyping(ctx context.Context, conversationID string) ([]models.TypingIndicator, error)
}

// BlobStore holds attachment bytes.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}
