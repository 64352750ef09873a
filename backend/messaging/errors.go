// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messaging

import "fmt"

// Rendered in place of a message body that cannot be shown.
const (
	PlaceholderUndecryptable = "[unable to decrypt message]"
	PlaceholderDeleted       = "[message deleted]"
)

// SendError is a send that did not reach the log. The peer never got the
// message; Retryable says whether trying again can help.
type SendError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
