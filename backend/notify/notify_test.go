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
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdm/backend/logging"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1"}, nil
}

type fakePublisher struct {
	userID  string
	payload []byte
	err     error
}

func (f *fakePublisher) PublishUserNotification(ctx context.Context, userID string, payload []byte) error {
	f.userID, f.payload = userID, payload
	return f.err
}

func TestAsynqDispatcher_EnqueuesRedactedPreview(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := NewAsynqDispatcher(enq)

	err := d.Notify(context.Background(), Payload{RecipientID: "bob", SenderID: "alice", MessageID: "m1"})
	require.NoError(t, err)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TaskType, enq.tasks[0].Type())

	var p Payload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	assert.Equal(t, "bob", p.RecipientID)
	assert.Equal(t, RedactedPreview, p.Preview)
}

func TestAsynqDispatcher_Errors(t *testing.T) {
	d := NewAsynqDispatcher(&fakeEnqueuer{})
	assert.Error(t, d.Notify(context.Background(), Payload{}))

	d = NewAsynqDispatcher(&fakeEnqueuer{err: errors.New("redis down")})
	assert.Error(t, d.Notify(context.Background(), Payload{RecipientID: "bob"}))
}

func TestWorker_HandleNotify(t *testing.T) {
	pub := &fakePublisher{}
	w := NewWorker(pub, logging.Nop())

	data, _ := json.Marshal(Payload{RecipientID: "bob", SenderID: "alice", ConversationID: "c1", MessageID: "m1", Preview: RedactedPreview})
	require.NoError(t, w.HandleNotify(context.Background(), asynq.NewTask(TaskType, data)))

	assert.Equal(t, "bob", pub.userID)
	var out map[string]string
	require.NoError(t, json.Unmarshal(pub.payload, &out))
	assert.Equal(t, "new_dm", out["type"])
	assert.Equal(t, "m1", out["message_id"])
	assert.Equal(t, RedactedPreview, out["preview"])
}

func TestWorker_MalformedPayloadSkipsRetry(t *testing.T) {
	w := NewWorker(&fakePublisher{}, logging.Nop())

	err := w.HandleNotify(context.Background(), asynq.NewTask(TaskType, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestWorker_PublishFailureRetries(t *testing.T) {
	w := NewWorker(&fakePublisher{err: errors.New("down")}, logging.Nop())

	data, _ := json.Marshal(Payload{RecipientID: "bob"})
	err := w.HandleNotify(context.Background(), asynq.NewTask(TaskType, data))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestNopDispatcher(t *testing.T) {
	assert.NoError(t, NopDispatcher{}.Notify(context.Background(), Payload{}))
}
