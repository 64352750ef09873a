// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	// Pub/Sub channel prefixes
	convChannelPrefix   = "dm:conv:"   // dm:conv:{conversationId} - message change events
	typingChannelPrefix = "dm:typing:" // dm:typing:{conversationId} - typing indicators
	notifyChannelPrefix = "dm:notify:" // dm:notify:{userId} - new message notifications

	subscriptionBuffer = 32
)

func ConversationChannel(conversationID string) string { return convChannelPrefix + conversationID }
func TypingChannel(conversationID string) string       { return typingChannelPrefix + conversationID }
func NotifyChannel(userID string) string               { return notifyChannelPrefix + userID }

// Notifier publishes message and typing changes over Redis Pub/Sub.
type Notifier struct {
	rdb *redis.Client
}

var _ storage.ChangeNotifier = (*Notifier)(nil)

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) PublishMessageEvent(ctx context.Context, ev models.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := n.rdb.Publish(ctx, ConversationChannel(ev.Row.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (n *Notifier) PublishTyping(ctx context.Context, ind models.TypingIndicator) error {
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("failed to marshal typing indicator: %w", err)
	}
	if err := n.rdb.Publish(ctx, TypingChannel(ind.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish typing indicator: %w", err)
	}
	return nil
}

// PublishUserNotification pushes a new-message notice to a user's channel.
func (n *Notifier) PublishUserNotification(ctx context.Context, userID string, payload []byte) error {
	return n.rdb.Publish(ctx, NotifyChannel(userID), payload).Err()
}

// SubscribeConversation subscribes to both channels of a conversation and
// returns once Redis has confirmed the subscription.
func (n *Notifier) SubscribeConversation(ctx context.Context, conversationID string) (storage.Subscription, error) {
	ps := n.rdb.Subscribe(ctx, ConversationChannel(conversationID), TypingChannel(conversationID))

	// one confirmation per channel
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan models.ChangeEvent, subscriptionBuffer),
		typing: make(chan models.TypingIndicator, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(ConversationChannel(conversationID))
	return sub, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan models.ChangeEvent
	typing chan models.TypingIndicator
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan models.ChangeEvent     { return s.events }
func (s *subscription) Typing() <-chan models.TypingIndicator { return s.typing }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) pump(convChannel string) {
	defer close(s.events)
	defer close(s.typing)

	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Channel == convChannel {
				var ev models.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue // Skip malformed events
				}
				select {
				case s.events <- ev:
				case <-s.done:
					return
				}
				continue
			}

			var ind models.TypingIndicator
			if err := json.Unmarshal([]byte(msg.Payload), &ind); err != nil {
				continue
			}
			select {
			case s.typing <- ind:
			case <-s.done:
				return
			}
		}
	}
}
