// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	// TypingIdleAfter is how long after the last keystroke the writer goes
	// back to idle.
	TypingIdleAfter = 3 * time.Second
	// TypingDisplayTTL bounds how long a reader shows a peer as typing
	// without a fresh update.
	TypingDisplayTTL = 5 * time.Second
	// TypingRefreshEvery is how often a writer that keeps typing repeats
	// its Typing state. Must stay below TypingDisplayTTL.
	TypingRefreshEvery = 2 * time.Second

	typingPublishTimeout = 5 * time.Second
)

// TypingEmitter is the local user's typing state for one conversation.
// State changes are queued and published in order by one background
// goroutine, so callers never wait on the network. Publishing is best
// effort; failures are logged. Close releases the goroutine.
type TypingEmitter struct {
	pub            TypingPublisher
	conversationID string
	idleAfter      time.Duration
	refreshEvery   time.Duration
	logger         logging.Logger
	now            func() time.Time

	mu          sync.Mutex
	typing      bool
	closed      bool
	timer       *time.Timer
	gen         uint64
	lastPublish time.Time
	pending     []bool

	wake    chan struct{}
	stopped chan struct{}
}

func NewTypingEmitter(pub TypingPublisher, conversationID string, logger logging.Logger) *TypingEmitter {
	e := &TypingEmitter{
		pub:            pub,
		conversationID: conversationID,
		idleAfter:      TypingIdleAfter,
		refreshEvery:   TypingRefreshEvery,
		logger:         logger,
		now:            time.Now,
		wake:           make(chan struct{}, 1),
		stopped:        make(chan struct{}),
	}
	go e.drain()
	return e
}

// Keystroke moves to Typing and restarts the idle timer. While typing
// continues the Typing state is republished every refreshEvery so readers
// do not expire it.
func (e *TypingEmitter) Keystroke() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(e.idleAfter, func() { e.expire(gen) })

	switch {
	case !e.typing:
		e.typing = true
		e.enqueueLocked(true)
	case e.now().Sub(e.lastPublish) >= e.refreshEvery:
		e.enqueueLocked(true)
	}
}

// Sent goes idle immediately.
func (e *TypingEmitter) Sent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idleLocked()
}

// Close goes idle, disables the emitter and waits until every queued
// state has been published. Safe to call twice.
func (e *TypingEmitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.idleLocked()
		e.closed = true
		e.signal()
	}
	e.mu.Unlock()
	<-e.stopped
}

func (e *TypingEmitter) IsTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typing
}

func (e *TypingEmitter) expire(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// A keystroke after this timer was armed owns the state now.
	if gen != e.gen || e.closed {
		return
	}
	e.idleLocked()
}

func (e *TypingEmitter) idleLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if e.typing {
		e.typing = false
		e.enqueueLocked(false)
	}
}

func (e *TypingEmitter) enqueueLocked(isTyping bool) {
	e.pending = append(e.pending, isTyping)
	e.lastPublish = e.now()
	e.signal()
}

func (e *TypingEmitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// drain publishes queued states in order until the emitter is closed and
// the queue is empty.
func (e *TypingEmitter) drain() {
	defer close(e.stopped)
	for range e.wake {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, isTyping := range batch {
			e.publish(isTyping)
		}

		e.mu.Lock()
		done := e.closed && len(e.pending) == 0
		e.mu.Unlock()
		if done {
			return
		}
	}
}

func (e *TypingEmitter) publish(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
	defer cancel()
	if err := e.pub.SetTyping(ctx, e.conversationID, isTyping); err != nil {
		e.logger.Warn(ctx, "publish typing state failed", "conversation_id", e.conversationID, "error", err)
	}
}

// TypingTracker is the reader side. A Typing state counts only for the
// display TTL after it was received, so a lost Idle update cannot leave a
// peer "typing" forever.
type TypingTracker struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	states map[string]trackedTyping
}

type trackedTyping struct {
	ind        models.TypingIndicator
	receivedAt time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = TypingDisplayTTL
	}
	return &TypingTracker{ttl: ttl, now: time.Now, states: make(map[string]trackedTyping)}
}

// Observe records an indicator. Indicators older than the one already held
// for the user are ignored.
func (t *TypingTracker) Observe(ind models.TypingIndicator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.states[ind.UserID]; ok && ind.UpdatedAt.Before(cur.ind.UpdatedAt) {
		return
	}
	t.states[ind.UserID] = trackedTyping{ind: ind, receivedAt: t.now()}
}

func (t *TypingTracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[userID]
	if !ok || !s.ind.IsTyping {
		return false
	}
	return t.now().Sub(s.receivedAt) < t.ttl
}

// TTL is the display window.
func (t *TypingTracker) TTL() time.Duration { return t.ttl }
