// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/notify"
	"github.com/efchatnet/efdm/backend/storage"
)

var errNotSupported = errors.New("not supported by fake")

type fakeStore struct {
	mu        sync.Mutex
	keys      map[string]models.PublicKeyRecord
	convs     map[string]*models.Conversation
	msgs      map[string]*models.Message
	order     []string
	reactions map[string]models.Reaction
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:      make(map[string]models.PublicKeyRecord),
		convs:     make(map[string]*models.Conversation),
		msgs:      make(map[string]*models.Message),
		reactions: make(map[string]models.Reaction),
	}
}

var _ storage.Store = (*fakeStore)(nil)

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) UpsertPublicKey(ctx context.Context, userID string, pk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[userID] = models.PublicKeyRecord{UserID: userID, PublicKey: pk, UpdatedAt: time.Now()}
	return nil
}

func (s *fakeStore) GetPublicKey(ctx context.Context, userID string) (*models.PublicKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[userID]
	if !ok {
		return nil, common.ErrKeyNotFound
	}
	return &rec, nil
}

func (s *fakeStore) GetOrCreateConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error) {
	if peerID == "" || userID == peerID {
		return nil, common.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, b := models.CanonicalPair(userID, peerID)
	id := a + ":" + b
	c, ok := s.convs[id]
	if !ok {
		c = &models.Conversation{ID: id, ParticipantA: a, ParticipantB: b}
		s.convs[id] = c
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, req models.AppendRequest) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[req.ConversationID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if !c.HasParticipant(req.SenderID) {
		return nil, common.ErrForbidden
	}
	if len(req.CiphertextForSender) == 0 || len(req.CiphertextForRecipient) == 0 {
		return nil, fmt.Errorf("%w: ciphertexts required", common.ErrInvalidArgument)
	}
	s.seq++
	m := &models.Message{
		ID:                     fmt.Sprintf("m%d", s.seq),
		ConversationID:         req.ConversationID,
		SenderID:               req.SenderID,
		CiphertextForSender:    req.CiphertextForSender,
		NonceForSender:         req.NonceForSender,
		CiphertextForRecipient: req.CiphertextForRecipient,
		NonceForRecipient:      req.NonceForRecipient,
		MessageType:            models.MessageTypeText,
		AttachmentRef:          req.AttachmentRef,
		CreatedAt:              time.Date(2025, 1, 1, 0, 0, s.seq, 0, time.UTC),
	}
	s.msgs[m.ID] = m
	s.order = append(s.order, m.ID)
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, convID, userID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if !c.HasParticipant(userID) {
		return nil, common.ErrForbidden
	}
	var out []models.Message
	for _, id := range s.order {
		if m := s.msgs[id]; m.ConversationID == convID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) senderOwned(id, senderID string) (*models.Message, error) {
	m, ok := s.msgs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	if m.SenderID != senderID || m.IsDeleted {
		return nil, common.ErrForbidden
	}
	return m, nil
}

func (s *fakeStore) EditMessage(ctx context.Context, id, senderID string, c models.Ciphertexts) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.senderOwned(id, senderID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	m.CiphertextForSender, m.NonceForSender = c.CiphertextForSender, c.NonceForSender
	m.CiphertextForRecipient, m.NonceForRecipient = c.CiphertextForRecipient, c.NonceForRecipient
	m.EditedAt = &now
	cp := *m
	return &cp, nil
}

func (s *fakeStore) DeleteMessage(ctx context.Context, id, senderID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.senderOwned(id, senderID)
	if err != nil {
		return nil, err
	}
	m.CiphertextForSender, m.NonceForSender = nil, nil
	m.CiphertextForRecipient, m.NonceForRecipient = nil, nil
	m.IsDeleted = true
	cp := *m
	return &cp, nil
}

func (s *fakeStore) MarkMessageRead(ctx context.Context, id, readerID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	if m.SenderID == readerID || !s.convs[m.ConversationID].HasParticipant(readerID) {
		return nil, common.ErrForbidden
	}
	if m.ReadAt == nil {
		now := time.Now()
		m.ReadAt = &now
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) ToggleReaction(ctx context.Context, msgID, userID, emoji string) (bool, error) {
	if emoji == "" {
		return false, common.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msgID + "|" + userID + "|" + emoji
	if _, ok := s.reactions[key]; ok {
		delete(s.reactions, key)
		return false, nil
	}
	s.reactions[key] = models.Reaction{ID: key, MessageID: msgID, UserID: userID, Emoji: emoji}
	return true, nil
}

func (s *fakeStore) ListReactions(ctx context.Context, msgID string) ([]models.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reaction
	for _, r := range s.reactions {
		if r.MessageID == msgID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	events   []models.ChangeEvent
	typing   []models.TypingIndicator
	failWith error
}

func (n *fakeNotifier) PublishMessageEvent(ctx context.Context, ev models.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) PublishTyping(ctx context.Context, ind models.TypingIndicator) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typing = append(n.typing, ind)
	return nil
}

func (n *fakeNotifier) SubscribeConversation(ctx context.Context, id string) (storage.Subscription, error) {
	return nil, errNotSupported
}

func (n *fakeNotifier) eventTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fakeTyping struct {
	mu   sync.Mutex
	rows map[string]models.TypingIndicator
	ttls []time.Duration
}

func (f *fakeTyping) SetTyping(ctx context.Context, ind models.TypingIndicator, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[string]models.TypingIndicator)
	}
	f.rows[ind.ConversationID+"|"+ind.UserID] = ind
	f.ttls = append(f.ttls, ttl)
	return nil
}

func (f *fakeTyping) GetTyping(ctx context.Context, convID string) ([]models.TypingIndicator, error) {
	return nil, errNotSupported
}

type fakeBlobs struct {
	data        []byte
	contentType string
}

func (b *fakeBlobs) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", common.ErrInvalidArgument
	}
	b.data, b.contentType = data, contentType
	return "https://blobs.test/attachments/abc", nil
}

type fakeDispatcher struct {
	sent chan notify.Payload
	err  error
}

func (d *fakeDispatcher) Notify(ctx context.Context, p notify.Payload) error {
	d.sent <- p
	return d.err
}
