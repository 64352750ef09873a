// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Message is one row of the encrypted message log. Both ciphertexts hold
// the same plaintext; ForSender is sealed to the sender's own key and
// ForRecipient to the peer's. Soft delete clears both.
type Message struct {
	ID                     string     `json:"id" db:"id"`
	ConversationID         string     `json:"conversation_id" db:"conversation_id"`
	SenderID               string     `json:"sender_id" db:"sender_id"`
	CiphertextForSender    []byte     `json:"ciphertext_for_sender" db:"ciphertext_for_sender"`
	NonceForSender         []byte     `json:"nonce_for_sender" db:"nonce_for_sender"`
	CiphertextForRecipient []byte     `json:"ciphertext_for_recipient" db:"ciphertext_for_recipient"`
	NonceForRecipient      []byte     `json:"nonce_for_recipient" db:"nonce_for_recipient"`
	MessageType            string     `json:"message_type" db:"message_type"`
	AttachmentRef          *string    `json:"attachment_ref,omitempty" db:"attachment_ref"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	EditedAt               *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	ReadAt                 *time.Time `json:"read_at,omitempty" db:"read_at"`
	IsDeleted              bool       `json:"is_deleted" db:"is_deleted"`
}

// Ciphertexts is the sealed payload of an append or edit.
type Ciphertexts struct {
	CiphertextForSender    []byte `json:"ciphertext_for_sender"`
	NonceForSender         []byte `json:"nonce_for_sender"`
	CiphertextForRecipient []byte `json:"ciphertext_for_recipient"`
	NonceForRecipient      []byte `json:"nonce_for_recipient"`
}

// AppendRequest is what a sender submits to the log.
type AppendRequest struct {
	ConversationID string  `json:"conversation_id"`
	SenderID       string  `json:"sender_id"`
	MessageType    string  `json:"message_type"`
	AttachmentRef  *string `json:"attachment_ref,omitempty"`
	Ciphertexts
}

// Change event types emitted on the per-conversation stream.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ChangeEvent is a message-table change notification.
type ChangeEvent struct {
	EventType string  `json:"event_type"`
	Row       Message `json:"row"`
}

// Reaction is a plaintext emoji annotation on a message.
type Reaction struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TypingIndicator is the ephemeral per-(conversation, user) presence row.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Render status of a DecryptedMessage.
const (
	StatusOK            = "ok"
	StatusUndecryptable = "undecryptable"
	StatusDeleted       = "deleted"
)

// DecryptedMessage is the local, never-persisted view of a Message.
type DecryptedMessage struct {
	ID            string     `json:"id"`
	SenderID      string     `json:"sender_id"`
	Plaintext     string     `json:"plaintext"`
	IsMine        bool       `json:"is_mine"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	IsDeleted     bool       `json:"is_deleted"`
	MessageType   string     `json:"message_type"`
	AttachmentRef *string    `json:"attachment_ref,omitempty"`
	Status        string     `json:"status"`
}

// Stream frame types.
const (
	FrameMessage = "message"
	FrameTyping  = "typing"
)

// StreamFrame is one websocket frame on a conversation stream.
type StreamFrame struct {
	Type   string           `json:"type"`
	Event  *ChangeEvent     `json:"event,omitempty"`
	Typing *TypingIndicator `json:"typing,omitempty"`
}
