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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	// DefaultTypingTTL bounds how long a stored "typing" row survives if the
	// writer never sends the idle transition.
	DefaultTypingTTL = 10 * time.Second

	typingKeyPrefix = "dm:typing:state:" // dm:typing:state:{conversationId}:{userId}
)

// TypingStore keeps one row per (conversation, user), overwritten in place.
type TypingStore struct {
	rdb *redis.Client
}

var _ storage.TypingStore = (*TypingStore)(nil)

func NewTypingStore(rdb *redis.Client) *TypingStore {
	return &TypingStore{rdb: rdb}
}

func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + conversationID + ":" + userID
}

func (s *TypingStore) SetTyping(ctx context.Context, ind models.TypingIndicator, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	data, err := json.Marshal(ind)
	if err != nil {
		return fmt.Errorf("failed to marshal typing indicator: %w", err)
	}
	if err := s.rdb.Set(ctx, typingKey(ind.ConversationID, ind.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store typing indicator: %w", err)
	}
	return nil
}

// GetTyping returns the live rows for a conversation. Expired rows are
// already gone; readers must still apply their own display TTL.
func (s *TypingStore) GetTyping(ctx context.Context, conversationID string) ([]models.TypingIndicator, error) {
	var out []models.TypingIndicator

	iter := s.rdb.Scan(ctx, 0, typingKeyPrefix+conversationID+":*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		} else if err != nil {
			return nil, fmt.Errorf("failed to get typing indicator: %w", err)
		}

		var ind models.TypingIndicator
		if err := json.Unmarshal([]byte(data), &ind); err != nil {
			continue
		}
		out = append(out, ind)
	}
	return out, iter.Err()
}
