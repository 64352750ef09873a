// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/models"
)

func TestReactions_ToggleTwiceRestoresState(t *testing.T) {
	srv := newMemServer()
	rx := NewReactions(&memClient{srv: srv, user: "alice"}, "alice")
	ctx := context.Background()

	added, err := rx.Toggle(ctx, "m1", "🔥")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, srv.reactions, 1)

	added, err = rx.Toggle(ctx, "m1", "🔥")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, srv.reactions)
}

func TestReactions_Summary(t *testing.T) {
	srv := newMemServer()
	ctx := context.Background()
	alice := NewReactions(&memClient{srv: srv, user: "alice"}, "alice")
	bob := NewReactions(&memClient{srv: srv, user: "bob"}, "bob")

	_, _ = alice.Toggle(ctx, "m1", "🔥")
	_, _ = bob.Toggle(ctx, "m1", "👍")
	_, _ = bob.Toggle(ctx, "m1", "🔥")
	_, _ = bob.Toggle(ctx, "m2", "🔥")

	got, err := alice.Summary(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []ReactionCount{
		{Emoji: "🔥", Count: 2, Mine: true},
		{Emoji: "👍", Count: 1, Mine: false},
	}, got)
}

func TestReactions_RejectsEmpty(t *testing.T) {
	rx := NewReactions(&memClient{srv: newMemServer(), user: "alice"}, "alice")
	_, err := rx.Toggle(context.Background(), "m1", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Empty(t, Summarize([]models.Reaction{}, "alice"))
}
