// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/models"
)

// backend is a shared in-memory server; remote is one user's session on it.
type backend struct {
	mu        sync.Mutex
	keys      map[string][]byte
	convs     map[string]*models.Conversation
	msgs      []models.Message
	reactions []models.Reaction
	uploads   map[string]string
}

func newBackend() *backend {
	return &backend{
		keys:    make(map[string][]byte),
		convs:   make(map[string]*models.Conversation),
		uploads: make(map[string]string),
	}
}

type remote struct {
	b  *backend
	me string
}

var _ Remote = (*remote)(nil)

func (r *remote) PublishPublicKey(ctx context.Context, userID string, pk []byte) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	r.b.keys[userID] = append([]byte(nil), pk...)
	return nil
}

func (r *remote) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	pk, ok := r.b.keys[userID]
	if !ok {
		return nil, common.ErrKeyNotFound
	}
	return pk, nil
}

func (r *remote) OpenConversation(ctx context.Context, peerID string) (*models.Conversation, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	a, b := models.CanonicalPair(r.me, peerID)
	id := a + "~" + b
	c, ok := r.b.convs[id]
	if !ok {
		c = &models.Conversation{ID: id, ParticipantA: a, ParticipantB: b, UpdatedAt: time.Now()}
		r.b.convs[id] = c
	}
	cp := *c
	return &cp, nil
}

func (r *remote) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var out []models.Conversation
	for _, c := range r.b.convs {
		if c.HasParticipant(r.me) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *remote) Append(ctx context.Context, req models.AppendRequest) (string, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	m := models.Message{
		ID:             fmt.Sprintf("m%d", len(r.b.msgs)+1),
		ConversationID: req.ConversationID,
		SenderID:       r.me,
		MessageType:    req.MessageType,
		AttachmentRef:  req.AttachmentRef,
		CreatedAt:      time.Now(),
	}
	m.CiphertextForSender, m.NonceForSender = req.CiphertextForSender, req.NonceForSender
	m.CiphertextForRecipient, m.NonceForRecipient = req.CiphertextForRecipient, req.NonceForRecipient
	r.b.msgs = append(r.b.msgs, m)
	return m.ID, nil
}

func (r *remote) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var out []models.Message
	for _, m := range r.b.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *remote) find(id string) *models.Message {
	for i := range r.b.msgs {
		if r.b.msgs[i].ID == id {
			return &r.b.msgs[i]
		}
	}
	return nil
}

func (r *remote) Edit(ctx context.Context, messageID string, ct models.Ciphertexts) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	m := r.find(messageID)
	if m == nil {
		return common.ErrNotFound
	}
	if m.SenderID != r.me {
		return common.ErrForbidden
	}
	now := time.Now()
	m.CiphertextForSender, m.NonceForSender = ct.CiphertextForSender, ct.NonceForSender
	m.CiphertextForRecipient, m.NonceForRecipient = ct.CiphertextForRecipient, ct.NonceForRecipient
	m.EditedAt = &now
	return nil
}

func (r *remote) Delete(ctx context.Context, messageID string) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	m := r.find(messageID)
	if m == nil {
		return common.ErrNotFound
	}
	if m.SenderID != r.me {
		return common.ErrForbidden
	}
	m.IsDeleted = true
	m.CiphertextForSender, m.CiphertextForRecipient = nil, nil
	return nil
}

func (r *remote) MarkRead(ctx context.Context, messageID string) error {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if m := r.find(messageID); m != nil && m.ReadAt == nil {
		now := time.Now()
		m.ReadAt = &now
	}
	return nil
}

func (r *remote) Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error) {
	return &idleSub{events: make(chan models.ChangeEvent), typing: make(chan models.TypingIndicator)}, nil
}

func (r *remote) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return nil
}

func (r *remote) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	for i, rx := range r.b.reactions {
		if rx.MessageID == messageID && rx.UserID == r.me && rx.Emoji == emoji {
			r.b.reactions = append(r.b.reactions[:i], r.b.reactions[i+1:]...)
			return false, nil
		}
	}
	r.b.reactions = append(r.b.reactions, models.Reaction{MessageID: messageID, UserID: r.me, Emoji: emoji})
	return true, nil
}

func (r *remote) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	var out []models.Reaction
	for _, rx := range r.b.reactions {
		if rx.MessageID == messageID {
			out = append(out, rx)
		}
	}
	return out, nil
}

func (r *remote) UploadAttachment(ctx context.Context, data []byte, contentType string) (string, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	url := fmt.Sprintf("https://cdn.test/%d", len(r.b.uploads)+1)
	r.b.uploads[url] = contentType
	return url, nil
}

type idleSub struct {
	once   sync.Once
	events chan models.ChangeEvent
	typing chan models.TypingIndicator
}

func (s *idleSub) Events() <-chan models.ChangeEvent     { return s.events }
func (s *idleSub) Typing() <-chan models.TypingIndicator { return s.typing }
func (s *idleSub) Close() error {
	s.once.Do(func() {
		close(s.events)
		close(s.typing)
	})
	return nil
}

type device struct {
	app *App
	out *bytes.Buffer
}

func newDevice(b *backend, user string, stdin string) *device {
	out := &bytes.Buffer{}
	app := NewApp(user, &remote{b: b, me: user}, keystore.NewMemoryVault(), logging.Nop(), strings.NewReader(stdin), out)
	return &device{app: app, out: out}
}

func (d *device) run(t *testing.T, args ...string) string {
	t.Helper()
	d.out.Reset()
	require.NoError(t, d.app.Run(context.Background(), args))
	return d.out.String()
}

func TestKeys_PublishesOnce(t *testing.T) {
	b := newBackend()
	alice := newDevice(b, "alice", "")

	first := alice.run(t, "keys")
	second := alice.run(t, "keys")
	assert.Contains(t, first, "user:       alice")
	assert.Equal(t, first, second)
	assert.Len(t, b.keys["alice"], 32)
}

func TestSendAndHistory(t *testing.T) {
	b := newBackend()
	alice := newDevice(b, "alice", "")
	bob := newDevice(b, "bob", "")
	bob.run(t, "keys")

	id := strings.TrimSpace(alice.run(t, "send", "bob", "hey", "there"))
	assert.Equal(t, "m1", id)

	out := bob.run(t, "history", "alice")
	assert.Contains(t, out, "m1 alice: hey there")

	out = alice.run(t, "history", "bob")
	assert.Contains(t, out, "m1 me: hey there (read)")

	convs := bob.run(t, "conversations")
	assert.Contains(t, convs, "alice")
}

func TestEditAndDelete(t *testing.T) {
	b := newBackend()
	alice := newDevice(b, "alice", "")
	bob := newDevice(b, "bob", "")
	bob.run(t, "keys")
	alice.run(t, "send", "bob", "helo")

	alice.run(t, "edit", "bob", "m1", "hello")
	assert.Contains(t, bob.run(t, "history", "alice"), "alice: hello (edited)")

	err := bob.app.Run(context.Background(), []string{"delete", "m1"})
	assert.ErrorIs(t, err, common.ErrForbidden)

	alice.run(t, "delete", "m1")
	assert.Contains(t, bob.run(t, "history", "alice"), messaging.PlaceholderDeleted)
}

func TestReact(t *testing.T) {
	b := newBackend()
	alice := newDevice(b, "alice", "")
	bob := newDevice(b, "bob", "")

	assert.Equal(t, "👍1*\n", alice.run(t, "react", "m1", "👍"))
	assert.Equal(t, "👍2*\n", bob.run(t, "react", "m1", "👍"))
	assert.Equal(t, "👍1\n", alice.run(t, "react", "m1", "👍"))
}

func TestAttach(t *testing.T) {
	b := newBackend()
	alice := newDevice(b, "alice", "")
	bob := newDevice(b, "bob", "")
	bob.run(t, "keys")

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nfake"), 0o600))

	alice.run(t, "attach", "bob", path, "look")
	require.Len(t, b.msgs, 1)
	assert.Equal(t, models.MessageTypeImage, b.msgs[0].MessageType)
	assert.Equal(t, "image/png", b.uploads["https://cdn.test/1"])
	assert.Contains(t, bob.run(t, "history", "alice"), "alice: look [https://cdn.test/1]")
}

func TestWatch_SendsStdinLines(t *testing.T) {
	b := newBackend()
	bob := newDevice(b, "bob", "")
	bob.run(t, "keys")
	alice := newDevice(b, "alice", "first\n\nsecond\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, alice.app.Run(ctx, []string{"watch", "bob"}))

	b.mu.Lock()
	n := len(b.msgs)
	b.mu.Unlock()
	assert.Equal(t, 2, n)
	assert.Contains(t, bob.run(t, "history", "alice"), "alice: second")
}

func TestUsage(t *testing.T) {
	d := newDevice(newBackend(), "alice", "")
	ctx := context.Background()

	assert.ErrorIs(t, d.app.Run(ctx, nil), errUsage)
	assert.ErrorIs(t, d.app.Run(ctx, []string{"send", "bob"}), errUsage)
	assert.ErrorIs(t, d.app.Run(ctx, []string{"frobnicate"}), errUsage)
}

func TestTranscript_ReprintsEditsAndDeletes(t *testing.T) {
	d := newDevice(newBackend(), "bob", "")
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	edited := created.Add(time.Minute)
	show := func(tr *transcript, msgs ...models.DecryptedMessage) string {
		d.out.Reset()
		for _, m := range tr.changed(msgs) {
			d.app.printMessage(m)
		}
		return d.out.String()
	}

	tr := newTranscript()
	m1 := models.DecryptedMessage{ID: "m1", SenderID: "alice", Plaintext: "hi", CreatedAt: created}
	m2 := models.DecryptedMessage{ID: "m2", SenderID: "alice", Plaintext: "there", CreatedAt: created}

	out := show(tr, m1)
	assert.Contains(t, out, "m1 alice: hi")

	// Unchanged messages are not printed twice.
	out = show(tr, m1, m2)
	assert.NotContains(t, out, "m1")
	assert.Contains(t, out, "m2 alice: there")

	m1.Plaintext, m1.EditedAt = "hello", &edited
	out = show(tr, m1, m2)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "m1 alice: hello (edited)")

	m2.Plaintext, m2.IsDeleted = messaging.PlaceholderDeleted, true
	out = show(tr, m1, m2)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "m2 alice: "+messaging.PlaceholderDeleted)

	assert.Empty(t, show(tr, m1, m2))
}
