// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes mounts the DM API on api, which is expected to be the
// authenticated /api/dm subrouter. stream and attachments may be nil.
func Routes(api *mux.Router, keys *KeyHandler, dm *DMHandler, attachments *AttachmentHandler, stream http.Handler) {
	// Key directory
	api.HandleFunc("/keys", keys.PublishKey).Methods("PUT", "OPTIONS")
	api.HandleFunc("/keys/{userId}", keys.GetKey).Methods("GET", "OPTIONS")

	// Conversations
	api.HandleFunc("/conversations", dm.CreateConversation).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations", dm.ListConversations).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{id}/messages", dm.ListMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/conversations/{id}/messages", dm.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/conversations/{id}/typing", dm.SetTyping).Methods("PUT", "OPTIONS")
	if stream != nil {
		api.Handle("/conversations/{id}/stream", stream).Methods("GET")
	}

	// Messages
	api.HandleFunc("/messages/{id}", dm.EditMessage).Methods("PUT", "OPTIONS")
	api.HandleFunc("/messages/{id}", dm.DeleteMessage).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/messages/{id}/read", dm.MarkRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{id}/reactions", dm.ToggleReaction).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{id}/reactions", dm.ListReactions).Methods("GET", "OPTIONS")

	if attachments != nil {
		api.HandleFunc("/attachments", attachments.Upload).Methods("POST", "OPTIONS")
	}
}
