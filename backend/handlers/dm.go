// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/notify"
	"github.com/efchatnet/efdm/backend/storage"
)

const notifyTimeout = 10 * time.Second

// DMHandler serves conversations, messages, reactions and typing state.
type DMHandler struct {
	store      storage.Store
	notifier   storage.ChangeNotifier
	typing     storage.TypingStore
	dispatcher notify.Dispatcher
	log        logging.Logger
	typingTTL  time.Duration

	tasks sync.WaitGroup
}

func NewDMHandler(store storage.Store, notifier storage.ChangeNotifier, typing storage.TypingStore, dispatcher notify.Dispatcher, log logging.Logger) *DMHandler {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	return &DMHandler{
		store:      store,
		notifier:   notifier,
		typing:     typing,
		dispatcher: dispatcher,
		log:        log,
		typingTTL:  10 * time.Second,
	}
}

// CreateConversation returns the caller's conversation with peer_id,
// creating it if needed.
func (h *DMHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	conv, err := h.store.GetOrCreateConversation(r.Context(), userID, req.PeerID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *DMHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	convs, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"count":         len(convs),
	})
}

// ListMessages returns the encrypted log, oldest first.
func (h *DMHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// SendMessage appends a message as the caller, then fans out the change
// event and a push notification. Neither side effect can fail the send.
func (h *DMHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.AppendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	req.ConversationID = mux.Vars(r)["id"]
	req.SenderID = userID

	msg, err := h.store.AppendMessage(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.publish(r.Context(), models.EventInsert, msg)
	h.dispatchNotification(r.Context(), msg)

	writeJSON(w, http.StatusCreated, msg)
}

// EditMessage replaces both ciphertexts. Sender only.
func (h *DMHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req models.Ciphertexts
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	msg, err := h.store.EditMessage(r.Context(), mux.Vars(r)["id"], userID, req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.publish(r.Context(), models.EventUpdate, msg)
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage soft-deletes a message. Sender only.
func (h *DMHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	msg, err := h.store.DeleteMessage(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.publish(r.Context(), models.EventDelete, msg)
	writeJSON(w, http.StatusOK, msg)
}

// MarkRead sets read_at. Only the non-sender participant may do this.
func (h *DMHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	msg, err := h.store.MarkMessageRead(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.publish(r.Context(), models.EventUpdate, msg)
	writeJSON(w, http.StatusOK, msg)
}

func (h *DMHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	messageID := mux.Vars(r)["id"]
	if _, err := h.messageForParticipant(r.Context(), messageID, userID); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	added, err := h.store.ToggleReaction(r.Context(), messageID, userID, req.Emoji)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (h *DMHandler) ListReactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	messageID := mux.Vars(r)["id"]
	if _, err := h.messageForParticipant(r.Context(), messageID, userID); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	list, err := h.store.ListReactions(r.Context(), messageID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if list == nil {
		list = []models.Reaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reactions": list,
		"count":     len(list),
	})
}

// SetTyping overwrites the caller's typing row and broadcasts it.
func (h *DMHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	convID := mux.Vars(r)["id"]
	if err := h.requireParticipant(r.Context(), convID, userID); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	ind := models.TypingIndicator{
		ConversationID: convID,
		UserID:         userID,
		IsTyping:       req.IsTyping,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := h.typing.SetTyping(r.Context(), ind, h.typingTTL); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.notifier.PublishTyping(r.Context(), ind); err != nil {
		h.log.Warn(r.Context(), "publish typing failed", "conversation_id", convID, "error", err)
	}
	writeJSON(w, http.StatusOK, ind)
}

func (h *DMHandler) requireParticipant(ctx context.Context, conversationID, userID string) error {
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: not a participant", common.ErrForbidden)
	}
	return nil
}

func (h *DMHandler) messageForParticipant(ctx context.Context, messageID, userID string) (*models.Message, error) {
	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := h.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// publish is best effort: subscribers re-fetch on the next event anyway.
func (h *DMHandler) publish(ctx context.Context, eventType string, msg *models.Message) {
	ev := models.ChangeEvent{EventType: eventType, Row: *msg}
	if err := h.notifier.PublishMessageEvent(ctx, ev); err != nil {
		h.log.Warn(ctx, "publish change event failed", "message_id", msg.ID, "event", eventType, "error", err)
	}
}

// dispatchNotification runs detached from the request. Its outcome is only
// logged.
func (h *DMHandler) dispatchNotification(ctx context.Context, msg *models.Message) {
	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		h.log.Warn(ctx, "notification skipped", "message_id", msg.ID, "error", err)
		return
	}

	payload := notify.Payload{
		RecipientID:    conv.PeerOf(msg.SenderID),
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Preview:        notify.RedactedPreview,
		SentAt:         msg.CreatedAt,
	}

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := h.dispatcher.Notify(ctx, payload); err != nil {
			h.log.Warn(ctx, "notification dispatch failed", "message_id", payload.MessageID, "error", err)
		}
	}()
}

// Wait blocks until detached notification tasks finish.
func (h *DMHandler) Wait() {
	h.tasks.Wait()
}
