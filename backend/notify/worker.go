// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/efchatnet/efdm/backend/logging"
)

// Publisher delivers a rendered notification to a user's live channel.
type Publisher interface {
	PublishUserNotification(ctx context.Context, userID string, payload []byte) error
}

type Worker struct {
	publisher Publisher
	log       logging.Logger
}

func NewWorker(publisher Publisher, log logging.Logger) *Worker {
	return &Worker{publisher: publisher, log: log}
}

// HandleNotify processes one dm:notify task. Malformed payloads are dropped
// without retry.
func (w *Worker) HandleNotify(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Warn(ctx, "dropping malformed notification", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	out, err := json.Marshal(map[string]string{
		"type":            "new_dm",
		"message_id":      p.MessageID,
		"conversation_id": p.ConversationID,
		"sender_id":       p.SenderID,
		"preview":         p.Preview,
	})
	if err != nil {
		return err
	}

	if err := w.publisher.PublishUserNotification(ctx, p.RecipientID, out); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	w.log.Debug(ctx, "notification delivered", "recipient_id", p.RecipientID, "message_id", p.MessageID)
	return nil
}

// Mux returns a ServeMux with the worker's handlers registered.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskType, w.HandleNotify)
	return mux
}

// NewServer builds the asynq server that runs the worker.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{defaultQueue: 1},
	})
}
