// Copyright 2025 KitchenVoice Authors
// SPDX-License-Identifier: Apache-2.0

package docserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mageroyer/kitchenvoice-sync/docstore"
	"github.com/mageroyer/kitchenvoice-sync/internal/auth"
)

// Handlers exposes the document service over HTTP. All routes require the
// JWT middleware; the account and source identity come from the request
// context, never from the URL or body.
type Handlers struct {
	service *DocService
	logger  *slog.Logger
}

// NewHandlers creates the HTTP handler set for the document service.
func NewHandlers(service *DocService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes installs the store routes on mux, wrapped in authMW.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, authMW func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler { return authMW(fn) }
	mux.Handle("GET /store/{collection}", wrap(h.handleGetAll))
	mux.Handle("GET /store/{collection}/changes", wrap(h.handleChanges))
	mux.Handle("PUT /store/{collection}/{docID}", wrap(h.handleSetDoc))
	mux.Handle("DELETE /store/{collection}/{docID}", wrap(h.handleDeleteDoc))
}

func (h *Handlers) handleGetAll(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	docs, err := h.service.GetAll(r.Context(), accountID, collection)
	if err != nil {
		h.serverError(w, r, "get_all", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handlers) handleSetDoc(w http.ResponseWriter, r *http.Request) {
	accountID, sourceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")
	docID := r.PathValue("docID")

	var doc docstore.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.clientError(w, fmt.Sprintf("invalid document body: %v", err))
		return
	}
	if doc.DocID == "" {
		doc.DocID = docID
	}
	if doc.DocID != docID {
		h.clientError(w, "document id does not match URL")
		return
	}
	if doc.SyncedAt.IsZero() {
		doc.SyncedAt = time.Now().UTC()
	}

	if err := h.service.SetDoc(r.Context(), accountID, sourceID, collection, doc); err != nil {
		h.serverError(w, r, "set_doc", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	accountID, sourceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")
	docID := r.PathValue("docID")

	if err := h.service.DeleteDoc(r.Context(), accountID, sourceID, collection, docID); err != nil {
		h.serverError(w, r, "delete_doc", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleChanges(w http.ResponseWriter, r *http.Request) {
	accountID, _, ok := h.identity(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")

	after, err := queryInt64(r, "after", 0)
	if err != nil {
		h.clientError(w, "invalid after parameter")
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		h.clientError(w, "invalid limit parameter")
		return
	}
	waitMS, err := queryInt64(r, "wait_ms", 0)
	if err != nil {
		h.clientError(w, "invalid wait_ms parameter")
		return
	}
	// Cap the long poll below typical LB idle timeouts.
	if waitMS > 30000 {
		waitMS = 30000
	}

	events, next, err := h.service.Changes(r.Context(), accountID, collection, after,
		int(limit), time.Duration(waitMS)*time.Millisecond)
	if err != nil {
		if r.Context().Err() != nil {
			return // client went away mid-poll
		}
		h.serverError(w, r, "changes", err)
		return
	}
	if events == nil {
		events = []docstore.ChangeEvent{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_after": next})
}

// identity pulls the authenticated account and source ids from the request
// context. A missing identity means the middleware was bypassed.
func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (accountID, sourceID string, ok bool) {
	accountID, okAcc := auth.GetAccountID(r.Context())
	sourceID, okSrc := auth.GetSourceID(r.Context())
	if !okAcc || !okSrc || accountID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	return accountID, sourceID, true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) clientError(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

func (h *Handlers) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("Request failed", "op", op, "path", r.URL.Path, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
