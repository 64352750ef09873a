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

package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdm/backend/common"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/seal"
	"github.com/efchatnet/efdm/backend/storage"
)

type KeyHandler struct {
	store storage.KeyDirectory
	log   logging.Logger
}

func NewKeyHandler(store storage.KeyDirectory, log logging.Logger) *KeyHandler {
	return &KeyHandler{store: store, log: log}
}

// PublishKey upserts the caller's public key. Last write wins.
func (h *KeyHandler) PublishKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if len(req.PublicKey) != seal.KeySize {
		writeError(w, r, h.log, fmt.Errorf("%w: public key must be %d bytes", common.ErrInvalidArgument, seal.KeySize))
		return
	}

	if err := h.store.UpsertPublicKey(r.Context(), userID, req.PublicKey); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	h.log.Info(r.Context(), "public key published", "user_id", userID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

// GetKey returns another user's public key.
func (h *KeyHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	rec, err := h.store.GetPublicKey(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
