// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	subscriptionBuffer = 64
	pongWait           = 60 * time.Second
	writeWait          = 10 * time.Second
)

// Subscribe opens the conversation's websocket stream. The returned
// subscription closes its channels when the connection drops.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (messaging.Subscription, error) {
	u, err := url.Parse(c.baseURL + "/conversations/" + url.PathEscape(conversationID) + "/stream")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, c.statusError(u.Path, resp)
		}
		return nil, err
	}

	s := &wsSubscription{
		conn:   conn,
		events: make(chan models.ChangeEvent, subscriptionBuffer),
		typing: make(chan models.TypingIndicator, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan models.ChangeEvent
	typing chan models.TypingIndicator

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSubscription) Events() <-chan models.ChangeEvent     { return s.events }
func (s *wsSubscription) Typing() <-chan models.TypingIndicator { return s.typing }

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)
	defer close(s.typing)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame models.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch {
		case frame.Type == models.FrameMessage && frame.Event != nil:
			select {
			case s.events <- *frame.Event:
			case <-s.done:
				return
			}
		case frame.Type == models.FrameTyping && frame.Typing != nil:
			select {
			case s.typing <- *frame.Typing:
			case <-s.done:
				return
			}
		}
	}
}
