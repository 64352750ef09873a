// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/storage"
)

// DefaultMaxAttachmentBytes caps a single upload.
const DefaultMaxAttachmentBytes = 10 << 20

type AttachmentHandler struct {
	blobs    storage.BlobStore
	log      logging.Logger
	maxBytes int64
}

func NewAttachmentHandler(blobs storage.BlobStore, maxBytes int64, log logging.Logger) *AttachmentHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	return &AttachmentHandler{blobs: blobs, log: log, maxBytes: maxBytes}
}

// Upload stores the raw request body and returns its URL.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "attachment too large"})
			return
		}
		writeError(w, r, h.log, fmt.Errorf("%w: unreadable body", common.ErrInvalidArgument))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	url, err := h.blobs.Upload(r.Context(), data, contentType)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.log.Info(r.Context(), "attachment uploaded", "user_id", userID, "bytes", len(data))
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}
