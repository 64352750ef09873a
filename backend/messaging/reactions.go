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

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
)

type Reactions struct {
	log ReactionLog
	me  string
}

func NewReactions(log ReactionLog, me string) *Reactions {
	return &Reactions{log: log, me: me}
}

// Toggle adds the user's emoji to the message, or removes it if present.
func (r *Reactions) Toggle(ctx context.Context, messageID, emoji string) (bool, error) {
	if emoji == "" {
		return false, fmt.Errorf("%w: empty emoji", common.ErrInvalidArgument)
	}
	return r.log.ToggleReaction(ctx, messageID, emoji)
}

// ReactionCount is one emoji's tally on a message.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	Mine  bool   `json:"mine"`
}

// Summary groups a message's reactions by emoji, in order of first use.
func (r *Reactions) Summary(ctx context.Context, messageID string) ([]ReactionCount, error) {
	list, err := r.log.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return Summarize(list, r.me), nil
}

func Summarize(list []models.Reaction, me string) []ReactionCount {
	index := make(map[string]int)
	var out []ReactionCount
	for _, rx := range list {
		i, ok := index[rx.Emoji]
		if !ok {
			i = len(out)
			index[rx.Emoji] = i
			out = append(out, ReactionCount{Emoji: rx.Emoji})
		}
		out[i].Count++
		if rx.UserID == me {
			out[i].Mine = true
		}
	}
	return out
}
