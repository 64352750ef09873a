// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package notify dispatches best-effort "you have a new message" pushes
// through an asynq queue. A failed dispatch never affects the send that
// triggered it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskType = "dm:notify"

	// RedactedPreview is what recipients see; the server never has plaintext.
	RedactedPreview = "New encrypted message"

	defaultQueue    = "notifications"
	defaultMaxRetry = 3
	defaultTimeout  = 30 * time.Second
)

// Payload is the task body.
type Payload struct {
	RecipientID    string    `json:"recipient_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// Dispatcher hands a notification off for asynchronous delivery.
type Dispatcher interface {
	Notify(ctx context.Context, p Payload) error
}

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type AsynqDispatcher struct {
	client Enqueuer
	queue  string
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

func NewAsynqDispatcher(client Enqueuer) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, queue: defaultQueue}
}

func (d *AsynqDispatcher) Notify(ctx context.Context, p Payload) error {
	if p.RecipientID == "" {
		return errors.New("notify: recipient is required")
	}
	if p.Preview == "" {
		p.Preview = RedactedPreview
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(TaskType, data),
		asynq.Queue(d.queue),
		asynq.MaxRetry(defaultMaxRetry),
		asynq.Timeout(defaultTimeout),
	)
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// NopDispatcher drops notifications. Used when no queue is configured.
type NopDispatcher struct{}

func (NopDispatcher) Notify(context.Context, Payload) error { return nil }
