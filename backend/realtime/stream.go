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

// Package realtime bridges per-conversation change feeds onto websockets.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
	"github.com/efchatnet/efdm/backend/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 4 * 1024
)

// StreamHandler serves GET /conversations/{id}/stream.
type StreamHandler struct {
	conversations storage.ConversationStore
	notifier      storage.ChangeNotifier
	typing        storage.TypingStore
	log           logging.Logger
	upgrader      websocket.Upgrader
	now           func() time.Time
}

func NewStreamHandler(conversations storage.ConversationStore, notifier storage.ChangeNotifier, typing storage.TypingStore, log logging.Logger) *StreamHandler {
	return &StreamHandler{
		conversations: conversations,
		notifier:      notifier,
		typing:        typing,
		log:           log,
		now:           time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Auth is the bearer token, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convID := mux.Vars(r)["id"]
	conv, err := h.conversations.GetConversation(r.Context(), convID)
	if err != nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if !conv.HasParticipant(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// Detach from the request so the upgrade does not cancel the feed.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	sub, err := h.notifier.SubscribeConversation(ctx, convID)
	if err != nil {
		cancel()
		h.log.Error(r.Context(), "subscribe failed", "conversation_id", convID, "error", err)
		http.Error(w, "Stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		_ = sub.Close()
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		sub:    sub,
		log:    h.log.With("conversation_id", convID, "user_id", userID),
		cancel: cancel,
	}
	h.log.Debug(ctx, "stream opened", "conversation_id", convID, "user_id", userID)

	initial := h.currentTyping(ctx, convID, userID)
	go c.writePump(ctx, initial)
	go c.readPump(ctx)
}

// currentTyping seeds a new stream with the peer's live typing rows. Rows
// older than the reader's display TTL are skipped; the reader would treat
// them as fresh.
func (h *StreamHandler) currentTyping(ctx context.Context, convID, userID string) []models.TypingIndicator {
	rows, err := h.typing.GetTyping(ctx, convID)
	if err != nil {
		h.log.Warn(ctx, "load typing state failed", "conversation_id", convID, "error", err)
		return nil
	}
	now := h.now()
	out := rows[:0]
	for _, ind := range rows {
		if ind.UserID == userID || now.Sub(ind.UpdatedAt) >= messaging.TypingDisplayTTL {
			continue
		}
		out = append(out, ind)
	}
	return out
}

// client is one websocket connection bound to one subscription.
type client struct {
	conn   *websocket.Conn
	sub    storage.Subscription
	log    logging.Logger
	cancel context.CancelFunc
}

// readPump only services control frames; its exit tears the stream down.
func (c *client) readPump(ctx context.Context) {
	defer c.cancel()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn(ctx, "stream read error", "error", err)
			}
			return
		}
	}
}

// writePump forwards subscription events as StreamFrames until the
// subscription ends or the client goes away.
func (c *client) writePump(ctx context.Context, initial []models.TypingIndicator) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sub.Close()
		_ = c.conn.Close()
		c.cancel()
	}()

	for i := range initial {
		if err := c.writeFrame(models.StreamFrame{Type: models.FrameTyping, Typing: &initial[i]}); err != nil {
			return
		}
	}

	events, typing := c.sub.Events(), c.sub.Typing()
	for {
		var frame models.StreamFrame
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame = models.StreamFrame{Type: models.FrameMessage, Event: &ev}
		case ind, ok := <-typing:
			if !ok {
				return
			}
			frame = models.StreamFrame{Type: models.FrameTyping, Typing: &ind}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		if err := c.writeFrame(frame); err != nil {
			c.log.Debug(ctx, "stream write failed", "error", err)
			return
		}
	}
}

func (c *client) writeFrame(frame models.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
