// Package api serves the notification REST endpoints. Every mutation is
// followed by a push to the affected user's open sockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/notify"
	"github.com/codeGROOVE-dev/doorbell/pkg/session"
)

const (
	maxBodySize   = 16 << 10
	verifyTimeout = 5 * time.Second
)

// Notifier pushes state changes to connected clients. *srv.Dispatcher
// satisfies it.
type Notifier interface {
	BroadcastNewNotification(ctx context.Context, n *notify.Notification)
	BroadcastUnreadCount(ctx context.Context, userID string)
}

// Handler holds the REST endpoints.
type Handler struct {
	store    notify.Store
	verifier session.Verifier
	notifier Notifier
}

// New creates a Handler.
func New(store notify.Store, verifier session.Verifier, notifier Notifier) *Handler {
	return &Handler{store: store, verifier: verifier, notifier: notifier}
}

// Register adds the endpoints to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/notifications", h.authed(h.list))
	mux.HandleFunc("GET /api/notifications/unread-count", h.authed(h.unreadCount))
	mux.HandleFunc("POST /api/notifications", h.authed(h.create))
	mux.HandleFunc("POST /api/notifications/read-all", h.authed(h.markAllRead))
	mux.HandleFunc("POST /api/notifications/{id}/read", h.authed(h.markRead))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, id session.Identity)

// authed resolves the caller from the session cookie or bearer token.
func (h *Handler) authed(next authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := session.FromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		id, err := h.verifier.Verify(vctx, token)
		cancel()
		if err != nil {
			logger.Warn(ctx, "REST request rejected: session verification failed", logger.Fields{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"error":       err.Error(),
			})
			if errors.Is(err, session.ErrUnavailable) {
				writeError(w, http.StatusServiceUnavailable, "session verification unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, id)
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, id session.Identity) {
	items, err := h.store.List(r.Context(), id.SubjectID)
	if err != nil {
		h.internalError(w, r, "failed to list notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (h *Handler) unreadCount(w http.ResponseWriter, r *http.Request, id session.Identity) {
	n, err := h.store.CountUnread(r.Context(), id.SubjectID)
	if err != nil {
		h.internalError(w, r, "failed to count unread notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, id session.Identity) {
	ctx := r.Context()

	var d notify.Draft
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d.ActorID = id.SubjectID

	n, err := h.store.Create(ctx, d)
	if errors.Is(err, notify.ErrInvalid) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to create notification", err)
		return
	}

	logger.Info(ctx, "notification created", logger.Fields{
		"notification_id": n.ID,
		"recipient":       n.RecipientID,
		"actor":           n.ActorID,
		"type":            n.Type,
	})
	h.notifier.BroadcastNewNotification(ctx, &n)
	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, id session.Identity) {
	ctx := r.Context()
	changed, err := h.store.MarkRead(ctx, id.SubjectID, r.PathValue("id"))
	if errors.Is(err, notify.ErrNotFound) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "failed to mark notification read", err)
		return
	}
	if changed {
		h.notifier.BroadcastUnreadCount(ctx, id.SubjectID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (h *Handler) markAllRead(w http.ResponseWriter, r *http.Request, id session.Identity) {
	ctx := r.Context()
	n, err := h.store.MarkAllRead(ctx, id.SubjectID)
	if err != nil {
		h.internalError(w, r, "failed to mark notifications read", err)
		return
	}
	if n > 0 {
		h.notifier.BroadcastUnreadCount(ctx, id.SubjectID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"changed": n})
}

func (*Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logger.Error(r.Context(), msg, err, logger.Fields{"path": r.URL.Path})
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
