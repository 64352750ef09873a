// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
)

func openTestView(t *testing.T, d *device, convID, peer string, ttl time.Duration) *View {
	t.Helper()
	v, err := OpenView(context.Background(), ViewConfig{
		ConversationID: convID,
		PeerID:         peer,
		Log:            d.client,
		Pipeline:       d.pipeline,
		Sender:         d.sender,
		Typing:         d.client,
		Logger:         logging.Nop(),
		TypingTTL:      ttl,
		ReconnectBase:  5 * time.Millisecond,
		ReconnectMax:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	return v
}

// waitFor reads snapshots until cond holds.
func waitFor(t *testing.T, v *View, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-v.Updates():
			if !ok {
				t.Fatal("view stopped")
			}
			if cond(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return Snapshot{}
		}
	}
}

func TestView_RerendersOnPeerMessage(t *testing.T) {
	_, alice, bob, convID := setupPair(t)
	ctx := context.Background()

	v := openTestView(t, bob, convID, "alice", 0)
	defer v.Close()

	waitFor(t, v, func(s Snapshot) bool { return s.Err == nil && len(s.Messages) == 0 })

	_, err := alice.sender.Send(ctx, convID, "bob", "ping")
	require.NoError(t, err)

	s := waitFor(t, v, func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "ping", s.Messages[0].Plaintext)
	assert.False(t, s.Messages[0].IsMine)
}

func TestView_SendRendersLocally(t *testing.T) {
	_, alice, _, convID := setupPair(t)

	v := openTestView(t, alice, convID, "bob", 0)
	defer v.Close()

	_, err := v.Send(context.Background(), "from the view")
	require.NoError(t, err)

	s := waitFor(t, v, func(s Snapshot) bool { return len(s.Messages) == 1 })
	assert.True(t, s.Messages[0].IsMine)
	assert.Equal(t, "from the view", s.Messages[0].Plaintext)
}

func TestView_PeerTypingExpires(t *testing.T) {
	_, alice, bob, convID := setupPair(t)

	v := openTestView(t, bob, convID, "alice", 50*time.Millisecond)
	defer v.Close()

	// Alice starts typing and her idle update is never sent.
	require.NoError(t, alice.client.SetTyping(context.Background(), convID, true))

	waitFor(t, v, func(s Snapshot) bool { return s.PeerTyping })
	waitFor(t, v, func(s Snapshot) bool { return !s.PeerTyping })
}

func TestView_IgnoresOwnTypingEcho(t *testing.T) {
	_, _, bob, convID := setupPair(t)

	v := openTestView(t, bob, convID, "alice", time.Minute)
	defer v.Close()
	waitFor(t, v, func(s Snapshot) bool { return true })

	v.Keystroke()
	v.Refresh()
	s := waitFor(t, v, func(s Snapshot) bool { return true })
	assert.False(t, s.PeerTyping)
}

func TestView_CloseReleasesSubscriptionAndTyping(t *testing.T) {
	srv, _, bob, convID := setupPair(t)

	v := openTestView(t, bob, convID, "alice", 0)
	v.Keystroke()
	require.True(t, v.emitter.IsTyping())

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	assert.False(t, v.emitter.IsTyping())
	srv.mu.Lock()
	sub := srv.subs[convID][0]
	srv.mu.Unlock()
	assert.True(t, sub.isClosed())

	select {
	case <-v.done:
	default:
		t.Fatal("render loop still running")
	}
}

func TestView_ResubscribesAfterStreamDrop(t *testing.T) {
	srv, alice, bob, convID := setupPair(t)
	ctx := context.Background()

	v := openTestView(t, bob, convID, "alice", 0)
	defer v.Close()
	waitFor(t, v, func(s Snapshot) bool { return s.Err == nil })

	srv.setSubscribeErr(errors.New("connection refused"))
	srv.dropSubs(convID)
	s := waitFor(t, v, func(s Snapshot) bool { return s.Err != nil })
	assert.ErrorIs(t, s.Err, common.ErrStreamDropped)

	_, err := alice.sender.Send(ctx, convID, "bob", "after drop")
	require.NoError(t, err)
	srv.setSubscribeErr(nil)

	s = waitFor(t, v, func(s Snapshot) bool { return s.Err == nil && len(s.Messages) == 1 })
	assert.Equal(t, "after drop", s.Messages[0].Plaintext)
	assert.Equal(t, 2, srv.subCount(convID))

	// The new subscription is live.
	_, err = alice.sender.Send(ctx, convID, "bob", "second")
	require.NoError(t, err)
	waitFor(t, v, func(s Snapshot) bool { return len(s.Messages) == 2 })
}

func TestView_StopsWhenResubscribeRejected(t *testing.T) {
	srv, _, bob, convID := setupPair(t)

	v := openTestView(t, bob, convID, "alice", 0)
	defer v.Close()
	waitFor(t, v, func(s Snapshot) bool { return s.Err == nil })

	srv.setSubscribeErr(common.ErrForbidden)
	srv.dropSubs(convID)

	var last Snapshot
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-v.Updates():
			if ok {
				last = s
				continue
			}
			assert.ErrorIs(t, last.Err, common.ErrForbidden)
			return
		case <-timeout:
			t.Fatal("updates never closed")
		}
	}
}
