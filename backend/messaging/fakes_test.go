// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
)

// memServer is an in-memory stand-in for the DM backend.
type memServer struct {
	mu        sync.Mutex
	keys      map[string][]byte
	publishes map[string]int
	convs     map[string]*models.Conversation
	msgs      []models.Message
	reactions []models.Reaction
	subs      map[string][]*memSub
	clock     time.Time
	seq       int

	appendErr    error
	listErr      error
	subscribeErr error
	markReadErr  error
	markReads    []string
}

func newMemServer() *memServer {
	return &memServer{
		keys:      make(map[string][]byte),
		publishes: make(map[string]int),
		convs:     make(map[string]*models.Conversation),
		subs:      make(map[string][]*memSub),
		clock:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memServer) tick() time.Time {
	s.seq++
	return s.clock.Add(time.Duration(s.seq) * time.Second)
}

func (s *memServer) broadcast(convID string, ev models.ChangeEvent) {
	for _, sub := range s.subs[convID] {
		sub.sendEvent(ev)
	}
}

func (s *memServer) messagesIn(convID string) []models.Message {
	var out []models.Message
	for _, m := range s.msgs {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out
}

func (s *memServer) find(id string) *models.Message {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return &s.msgs[i]
		}
	}
	return nil
}

// memClient is one user's authenticated view of memServer.
type memClient struct {
	srv  *memServer
	user string
}

func (c *memClient) PublishPublicKey(ctx context.Context, userID string, pk []byte) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.keys[userID] = append([]byte(nil), pk...)
	c.srv.publishes[userID]++
	return nil
}

func (c *memClient) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	pk, ok := c.srv.keys[userID]
	if !ok {
		return nil, common.ErrKeyNotFound
	}
	return pk, nil
}

func (c *memClient) OpenConversation(ctx context.Context, peerID string) (*models.Conversation, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	a, b := models.CanonicalPair(c.user, peerID)
	id := "conv-" + a + "-" + b
	conv, ok := c.srv.convs[id]
	if !ok {
		now := c.srv.tick()
		conv = &models.Conversation{ID: id, ParticipantA: a, ParticipantB: b, CreatedAt: now, UpdatedAt: now}
		c.srv.convs[id] = conv
	}
	cp := *conv
	return &cp, nil
}

func (c *memClient) Append(ctx context.Context, req models.AppendRequest) (string, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.appendErr != nil {
		return "", c.srv.appendErr
	}
	conv, ok := c.srv.convs[req.ConversationID]
	if !ok {
		return "", common.ErrNotFound
	}
	if !conv.HasParticipant(c.user) || req.SenderID != c.user {
		return "", common.ErrForbidden
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	m := models.Message{
		ID:                     fmt.Sprintf("m%03d", len(c.srv.msgs)+1),
		ConversationID:         req.ConversationID,
		SenderID:               c.user,
		CiphertextForSender:    req.CiphertextForSender,
		NonceForSender:         req.NonceForSender,
		CiphertextForRecipient: req.CiphertextForRecipient,
		NonceForRecipient:      req.NonceForRecipient,
		MessageType:            msgType,
		AttachmentRef:          req.AttachmentRef,
		CreatedAt:              c.srv.tick(),
	}
	c.srv.msgs = append(c.srv.msgs, m)
	conv.UpdatedAt = m.CreatedAt
	c.srv.broadcast(m.ConversationID, models.ChangeEvent{EventType: models.EventInsert, Row: m})
	return m.ID, nil
}

func (c *memClient) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.listErr != nil {
		return nil, c.srv.listErr
	}
	conv, ok := c.srv.convs[conversationID]
	if !ok {
		return nil, common.ErrNotFound
	}
	if !conv.HasParticipant(c.user) {
		return nil, common.ErrForbidden
	}
	return c.srv.messagesIn(conversationID), nil
}

func (c *memClient) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.subscribeErr != nil {
		return nil, c.srv.subscribeErr
	}
	sub := &memSub{
		events: make(chan models.ChangeEvent, 16),
		typing: make(chan models.TypingIndicator, 16),
	}
	c.srv.subs[conversationID] = append(c.srv.subs[conversationID], sub)
	return sub, nil
}

func (c *memClient) Edit(ctx context.Context, messageID string, ct models.Ciphertexts) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	m := c.srv.find(messageID)
	if m == nil {
		return common.ErrNotFound
	}
	if m.SenderID != c.user || m.IsDeleted {
		return common.ErrForbidden
	}
	now := c.srv.tick()
	m.CiphertextForSender, m.NonceForSender = ct.CiphertextForSender, ct.NonceForSender
	m.CiphertextForRecipient, m.NonceForRecipient = ct.CiphertextForRecipient, ct.NonceForRecipient
	m.EditedAt = &now
	c.srv.broadcast(m.ConversationID, models.ChangeEvent{EventType: models.EventUpdate, Row: *m})
	return nil
}

func (c *memClient) Delete(ctx context.Context, messageID string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	m := c.srv.find(messageID)
	if m == nil {
		return common.ErrNotFound
	}
	if m.SenderID != c.user {
		return common.ErrForbidden
	}
	m.CiphertextForSender, m.NonceForSender = nil, nil
	m.CiphertextForRecipient, m.NonceForRecipient = nil, nil
	m.IsDeleted = true
	c.srv.broadcast(m.ConversationID, models.ChangeEvent{EventType: models.EventDelete, Row: *m})
	return nil
}

func (c *memClient) MarkRead(ctx context.Context, messageID string) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if c.srv.markReadErr != nil {
		return c.srv.markReadErr
	}
	m := c.srv.find(messageID)
	if m == nil {
		return common.ErrNotFound
	}
	if m.SenderID == c.user {
		return common.ErrForbidden
	}
	c.srv.markReads = append(c.srv.markReads, messageID)
	if m.ReadAt == nil {
		now := c.srv.tick()
		m.ReadAt = &now
	}
	return nil
}

func (c *memClient) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	ind := models.TypingIndicator{ConversationID: conversationID, UserID: c.user, IsTyping: isTyping, UpdatedAt: c.srv.tick()}
	for _, sub := range c.srv.subs[conversationID] {
		sub.sendTyping(ind)
	}
	return nil
}

func (c *memClient) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	for i, r := range c.srv.reactions {
		if r.MessageID == messageID && r.UserID == c.user && r.Emoji == emoji {
			c.srv.reactions = append(c.srv.reactions[:i], c.srv.reactions[i+1:]...)
			return false, nil
		}
	}
	c.srv.reactions = append(c.srv.reactions, models.Reaction{
		ID: fmt.Sprintf("r%d", c.srv.seq), MessageID: messageID, UserID: c.user, Emoji: emoji, CreatedAt: c.srv.tick(),
	})
	return true, nil
}

func (c *memClient) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var out []models.Reaction
	for _, r := range c.srv.reactions {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *memClient) UploadAttachment(ctx context.Context, data []byte, contentType string) (string, error) {
	return fmt.Sprintf("https://blobs.test/attachments/%d", len(data)), nil
}

type memSub struct {
	mu     sync.Mutex
	closed bool
	events chan models.ChangeEvent
	typing chan models.TypingIndicator
}

func (s *memSub) sendEvent(ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *memSub) sendTyping(ind models.TypingIndicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.typing <- ind
	}
}

func (s *memSub) Events() <-chan models.ChangeEvent     { return s.events }
func (s *memSub) Typing() <-chan models.TypingIndicator { return s.typing }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
		close(s.typing)
	}
	return nil
}

// dropSubs closes every live subscription on a conversation, as a lost
// connection would.
func (s *memServer) dropSubs(convID string) {
	s.mu.Lock()
	subs := append([]*memSub(nil), s.subs[convID]...)
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
}

func (s *memServer) setSubscribeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

func (s *memServer) subCount(convID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[convID])
}

func (s *memSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// device bundles everything one user's device holds.
type device struct {
	user     string
	client   *memClient
	keys     *keystore.Store
	pipeline *Pipeline
	sender   *Sender
}

func newDevice(srv *memServer, user string) *device {
	c := &memClient{srv: srv, user: user}
	keys := keystore.NewStore(keystore.NewMemoryVault(), c, logging.Nop())
	return &device{
		user:     user,
		client:   c,
		keys:     keys,
		pipeline: NewPipeline(c, keys, user, logging.Nop()),
		sender:   NewSender(c, keys, user, logging.Nop()).WithUploader(c),
	}
}
