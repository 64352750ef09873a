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
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/models"
)

// Snapshot is one rendering of a conversation screen.
type Snapshot struct {
	Messages   []models.DecryptedMessage
	PeerTyping bool
	// Err is set when the latest render failed or the change stream is
	// down; Messages then holds the last good rendering.
	Err error
}

// ViewConfig wires a View.
type ViewConfig struct {
	ConversationID string
	PeerID         string
	Log            MessageLog
	Pipeline       *Pipeline
	Sender         *Sender
	Typing         TypingPublisher
	Logger         logging.Logger
	// TypingTTL overrides TypingDisplayTTL.
	TypingTTL time.Duration
	// ReconnectBase and ReconnectMax bound the backoff used to resubscribe
	// after the change stream drops.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

const (
	defaultReconnectBase = 250 * time.Millisecond
	defaultReconnectMax  = 10 * time.Second
)

// View owns one open conversation: it renders on open, on every change
// event and after each local send, and tracks the peer's typing state.
// When the change stream drops it reports ErrStreamDropped, resubscribes
// with backoff and renders again. A single goroutine does all rendering.
// Close stops the subscription and every timer the view started.
type View struct {
	cfg     ViewConfig
	sub     Subscription
	emitter *TypingEmitter
	tracker *TypingTracker

	updates chan Snapshot
	refresh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	last      Snapshot
}

// OpenView subscribes before the first render so no change is missed.
func OpenView(ctx context.Context, cfg ViewConfig) (*View, error) {
	sub, err := cfg.Log.Subscribe(ctx, cfg.ConversationID)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &View{
		cfg:     cfg,
		sub:     sub,
		tracker: NewTypingTracker(cfg.TypingTTL),
		updates: make(chan Snapshot, 1),
		refresh: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if v.cfg.ReconnectBase <= 0 {
		v.cfg.ReconnectBase = defaultReconnectBase
	}
	if v.cfg.ReconnectMax <= 0 {
		v.cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.Typing != nil {
		v.emitter = NewTypingEmitter(cfg.Typing, cfg.ConversationID, cfg.Logger)
	}

	go v.run(loopCtx)
	return v, nil
}

// Updates delivers the latest snapshot. Slow readers skip intermediate
// snapshots, never the newest one. It is closed when the view stops, after
// Close or once the change stream cannot be restored.
func (v *View) Updates() <-chan Snapshot { return v.updates }

// Send sends text, drops the local typing state and re-renders.
func (v *View) Send(ctx context.Context, text string) (string, error) {
	if v.emitter != nil {
		v.emitter.Sent()
	}
	id, err := v.cfg.Sender.Send(ctx, v.cfg.ConversationID, v.cfg.PeerID, text)
	if err != nil {
		return "", err
	}
	v.Refresh()
	return id, nil
}

// Keystroke reports local typing activity.
func (v *View) Keystroke() {
	if v.emitter != nil {
		v.emitter.Keystroke()
	}
}

// Refresh asks for a re-render. Requests coalesce.
func (v *View) Refresh() {
	select {
	case v.refresh <- struct{}{}:
	default:
	}
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)
	defer close(v.updates)

	expiry := time.NewTimer(time.Hour)
	expiry.Stop()
	defer expiry.Stop()

	v.render(ctx)

	events, typing := v.sub.Events(), v.sub.Typing()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				if !v.reconnect(ctx) {
					return
				}
				events, typing = v.sub.Events(), v.sub.Typing()
				continue
			}
			v.render(ctx)
		case ind, ok := <-typing:
			if !ok {
				if !v.reconnect(ctx) {
					return
				}
				events, typing = v.sub.Events(), v.sub.Typing()
				continue
			}
			if ind.UserID != v.cfg.PeerID {
				continue
			}
			v.tracker.Observe(ind)
			if ind.IsTyping {
				expiry.Reset(v.tracker.TTL())
			}
			v.publishTyping()
		case <-expiry.C:
			v.publishTyping()
		case <-v.refresh:
			v.render(ctx)
		}
	}
}

// reconnect replaces a dropped subscription. It reports the drop, retries
// Subscribe until it succeeds or ctx ends, then renders whatever changed
// while the stream was down. A rejected Subscribe is final.
func (v *View) reconnect(ctx context.Context) bool {
	_ = v.sub.Close()
	v.cfg.Logger.Warn(ctx, "change stream dropped", "conversation_id", v.cfg.ConversationID)
	v.last.Err = common.ErrStreamDropped
	v.publish(v.last)

	b := retry.WithCappedDuration(v.cfg.ReconnectMax, retry.NewExponential(v.cfg.ReconnectBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		sub, err := v.cfg.Log.Subscribe(ctx, v.cfg.ConversationID)
		switch {
		case errors.Is(err, common.ErrForbidden), errors.Is(err, common.ErrNotFound):
			return err
		case err != nil:
			v.cfg.Logger.Debug(ctx, "resubscribe failed", "conversation_id", v.cfg.ConversationID, "error", err)
			return retry.RetryableError(err)
		}
		v.sub = sub
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			v.cfg.Logger.Warn(ctx, "change stream lost", "conversation_id", v.cfg.ConversationID, "error", err)
			v.last.Err = err
			v.publish(v.last)
		}
		return false
	}

	v.cfg.Logger.Info(ctx, "change stream restored", "conversation_id", v.cfg.ConversationID)
	v.render(ctx)
	return true
}

func (v *View) render(ctx context.Context) {
	msgs, err := v.cfg.Pipeline.Render(ctx, v.cfg.ConversationID, v.cfg.PeerID)
	if err != nil {
		v.cfg.Logger.Warn(ctx, "render failed", "conversation_id", v.cfg.ConversationID, "error", err)
		v.last.Err = err
	} else {
		v.last.Messages = msgs
		v.last.Err = nil
	}
	v.last.PeerTyping = v.tracker.IsTyping(v.cfg.PeerID)
	v.publish(v.last)
}

func (v *View) publishTyping() {
	v.last.PeerTyping = v.tracker.IsTyping(v.cfg.PeerID)
	v.publish(v.last)
}

// publish replaces any unread snapshot. Only the run goroutine calls it.
func (v *View) publish(s Snapshot) {
	select {
	case <-v.updates:
	default:
	}
	v.updates <- s
}

// Close unsubscribes, stops timers and waits for background work.
func (v *View) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.cancel()
		<-v.done
		if v.emitter != nil {
			v.emitter.Close()
		}
		err = v.sub.Close()
		v.cfg.Pipeline.Wait()
	})
	return err
}
