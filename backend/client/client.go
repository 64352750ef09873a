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

// Package client talks to the DM API as one authenticated user. It is the
// remote MessageLog and key Directory used on devices.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4 << 10
)

type Client struct {
	baseURL string
	token   string
	userID  string

	http    *http.Client
	dialer  *websocket.Dialer
	backoff func() retry.Backoff
}

var (
	_ messaging.MessageLog         = (*Client)(nil)
	_ messaging.ReactionLog        = (*Client)(nil)
	_ messaging.TypingPublisher    = (*Client)(nil)
	_ messaging.AttachmentUploader = (*Client)(nil)
	_ keystore.Directory           = (*Client)(nil)
)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries sets how often idempotent requests are retried.
func WithRetries(max uint64, base time.Duration) Option {
	return func(c *Client) {
		c.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(max, retry.NewExponential(base))
		}
	}
}

// New returns a client for baseURL, the DM API root such as
// https://efchat.net/api/dm. token is a bearer JWT for userID.
func New(baseURL, token, userID string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: defaultTimeout},
		dialer:  websocket.DefaultDialer,
	}
	WithRetries(3, 200*time.Millisecond)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) UserID() string { return c.userID }

// StatusError is a non-2xx response that maps to no domain error.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dm api: status %d: %s", e.Code, e.Message)
}

// do sends one request and decodes a JSON response into out when non-nil.
// GET requests are retried on transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	if method != http.MethodGet {
		_, err := c.once(ctx, method, path, body, contentType, out)
		return err
	}
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		transient, err := c.once(ctx, method, path, body, contentType, out)
		if transient {
			return retry.RetryableError(err)
		}
		return err
	})
}

// once performs a single round trip. transient reports whether err is worth
// retrying.
func (c *Client) once(ctx context.Context, method, path string, body []byte, contentType string, out any) (transient bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode >= 500, c.statusError(path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return false, nil
}

func (c *Client) statusError(path string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", common.ErrInvalidArgument, body.Error)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", common.ErrForbidden, body.Error)
	case http.StatusNotFound:
		if strings.HasPrefix(path, "/keys/") {
			return common.ErrKeyNotFound
		}
		return fmt.Errorf("%w: %s", common.ErrNotFound, body.Error)
	default:
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.do(ctx, method, path, nil, "", out)
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, raw, "application/json", out)
}

// Key directory

func (c *Client) PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	if userID != c.userID {
		return fmt.Errorf("%w: can only publish own key", common.ErrForbidden)
	}
	return c.doJSON(ctx, http.MethodPut, "/keys", map[string][]byte{"public_key": publicKey}, nil)
}

func (c *Client) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	var rec models.PublicKeyRecord
	if err := c.doJSON(ctx, http.MethodGet, "/keys/"+url.PathEscape(userID), nil, &rec); err != nil {
		return nil, err
	}
	return rec.PublicKey, nil
}

// Conversations and messages

func (c *Client) OpenConversation(ctx context.Context, peerID string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", map[string]string{"peer_id": peerID}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) Append(ctx context.Context, req models.AppendRequest) (string, error) {
	var msg models.Message
	path := "/conversations/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (c *Client) List(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) Edit(ctx context.Context, messageID string, ct models.Ciphertexts) error {
	return c.doJSON(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), ct, nil)
}

func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// Reactions, typing, attachments

func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	var out struct {
		Added bool `json:"added"`
	}
	path := "/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, &out); err != nil {
		return false, err
	}
	return out.Added, nil
}

func (c *Client) ListReactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	var out struct {
		Reactions []models.Reaction `json:"reactions"`
	}
	path := "/messages/" + url.PathEscape(messageID) + "/reactions"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Reactions, nil
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/typing"
	return c.doJSON(ctx, http.MethodPut, path, map[string]bool{"is_typing": isTyping}, nil)
}

func (c *Client) UploadAttachment(ctx context.Context, data []byte, contentType string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/attachments", data, contentType, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}
