// Package webhook receives signed notification events from the platform's
// other services (document versioning, quotation review, task tracking),
// stores them, and pushes them to the recipient's open sockets.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/notify"
)

const (
	maxPayloadSize = 64 << 10 // 64KB, a notification is a few hundred bytes

	// Delivery ids are remembered this long so sender retries are not stored twice.
	deliveryCacheSize = 10000
	deliveryCacheTTL  = 30 * time.Minute

	// Headers set by senders.
	EventHeader     = "X-Doorbell-Event"
	SignatureHeader = "X-Doorbell-Signature-256"
	DeliveryHeader  = "X-Doorbell-Delivery"
)

// Notifier is the part of the push dispatcher the handler needs.
type Notifier interface {
	BroadcastNewNotification(ctx context.Context, n *notify.Notification)
}

// Handler handles signed notification events.
type Handler struct {
	store            notify.Store
	notifier         Notifier
	deliveries       *fido.Cache[string, string]
	inflight         map[string]chan struct{}
	allowedEventsMap map[string]bool
	secret           string
	mu               sync.Mutex
}

// NewHandler creates a webhook handler. A nil allowedEvents accepts any event type.
func NewHandler(store notify.Store, notifier Notifier, secret string, allowedEvents []string) *Handler {
	// Build map for O(1) event type lookups
	var allowedMap map[string]bool
	if allowedEvents != nil {
		allowedMap = make(map[string]bool, len(allowedEvents))
		for _, event := range allowedEvents {
			allowedMap[event] = true
		}
	}

	return &Handler{
		store:    store,
		notifier: notifier,
		deliveries: fido.New[string, string](
			fido.Size(deliveryCacheSize),
			fido.TTL(deliveryCacheTTL),
		),
		inflight:         make(map[string]chan struct{}),
		allowedEventsMap: allowedMap,
		secret:           secret,
	}
}

// claimDelivery reserves deliveryID for this request. If the id was already
// processed it returns the stored notification id and seen=true. A concurrent
// request holding the same id is waited out first. On success the caller must
// call release once it has recorded (or given up on) the delivery.
func (h *Handler) claimDelivery(ctx context.Context, deliveryID string) (id string, seen bool, release func(), err error) {
	for {
		h.mu.Lock()
		if stored, ok := h.deliveries.Get(deliveryID); ok {
			h.mu.Unlock()
			return stored, true, nil, nil
		}
		busy, ok := h.inflight[deliveryID]
		if !ok {
			done := make(chan struct{})
			h.inflight[deliveryID] = done
			h.mu.Unlock()
			return "", false, func() {
				h.mu.Lock()
				delete(h.inflight, deliveryID)
				h.mu.Unlock()
				close(done)
			}, nil
		}
		h.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return "", false, nil, ctx.Err()
		}
	}
}

// event is the JSON body a sender posts. The notification type defaults to
// the event header.
type event struct {
	RecipientID string `json:"recipientId"`
	ActorID     string `json:"actorId"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Link        string `json:"link"`
}

// ServeHTTP validates, stores and pushes one notification event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventType := r.Header.Get(EventHeader)
	signature := r.Header.Get(SignatureHeader)
	deliveryID := r.Header.Get(DeliveryHeader)

	logger.Info(ctx, "webhook request received", logger.Fields{
		"method":       r.Method,
		"remote_addr":  r.RemoteAddr,
		"user_agent":   r.UserAgent(),
		"content_type": r.Header.Get("Content-Type"),
		"event_type":   eventType,
		"delivery_id":  deliveryID,
	})

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check if event type is allowed
	if h.allowedEventsMap != nil && !h.allowedEventsMap[eventType] {
		logger.Warn(ctx, "webhook event type not allowed", logger.Fields{
			"event_type":  eventType,
			"delivery_id": deliveryID,
		})
		w.WriteHeader(http.StatusOK) // Silent accept so the sender does not retry
		return
	}

	// Check content length before reading
	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "webhook rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"delivery_id":    deliveryID,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		logger.Error(ctx, "error reading webhook body", err, logger.Fields{"delivery_id": deliveryID})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()
	if len(body) > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !VerifySignature(body, signature, h.secret) {
		logger.Warn(ctx, "webhook rejected: 401 Unauthorized - signature verification failed", logger.Fields{
			"delivery_id":      deliveryID,
			"event_type":       eventType,
			"remote_addr":      r.RemoteAddr,
			"signature_exists": signature != "",
			"secret_set":       h.secret != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if deliveryID != "" {
		id, seen, release, err := h.claimDelivery(ctx, deliveryID)
		if err != nil {
			logger.Warn(ctx, "webhook abandoned waiting on concurrent delivery", logger.Fields{
				"delivery_id": deliveryID,
				"error":       err.Error(),
			})
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		if seen {
			logger.Info(ctx, "duplicate webhook delivery ignored", logger.Fields{
				"delivery_id":     deliveryID,
				"notification_id": id,
			})
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "duplicate"})
			return
		}
		defer release()
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Error(ctx, "webhook rejected: 400 Bad Request - error parsing payload", err, logger.Fields{
			"delivery_id":  deliveryID,
			"payload_size": len(body),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if ev.Type == "" {
		ev.Type = eventType
	}

	n, err := h.store.Create(ctx, notify.Draft{
		RecipientID: ev.RecipientID,
		ActorID:     ev.ActorID,
		Type:        ev.Type,
		Title:       ev.Title,
		Message:     ev.Message,
		Link:        ev.Link,
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		logger.Error(ctx, "failed to store webhook notification", err, logger.Fields{"delivery_id": deliveryID})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if deliveryID != "" {
		h.deliveries.Set(deliveryID, n.ID)
	}

	h.notifier.BroadcastNewNotification(ctx, &n)

	logger.Info(ctx, "webhook notification stored and pushed", logger.Fields{
		"delivery_id":     deliveryID,
		"event_type":      eventType,
		"notification_id": n.ID,
		"recipient":       n.RecipientID,
	})
	writeJSON(w, http.StatusCreated, map[string]string{"id": n.ID, "status": "created"})
}

// VerifySignature checks a "sha256=<hex>" HMAC of payload under secret in
// constant time. An empty secret never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	// Always compute HMAC first to maintain constant time
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	validFormat := strings.HasPrefix(signature, "sha256=")
	validSecret := secret != ""
	validSignature := hmac.Equal([]byte(signature), []byte(expected))

	return validFormat && validSecret && validSignature
}

// Sign returns the signature header value for payload. Senders and tests use it.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}
