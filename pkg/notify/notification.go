// Package notify defines the notification record pushed to users and a
// flat-file JSON store that the REST handlers mutate.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Notification is a single message addressed to one user.
type Notification struct {
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt"`
	ID          string     `json:"id"`
	RecipientID string     `json:"recipientId"`
	ActorID     string     `json:"actorId"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Link        string     `json:"link"`
}

// IsRead reports whether the recipient has read the notification.
func (n *Notification) IsRead() bool {
	return n.ReadAt != nil
}

// Draft holds the caller-supplied fields of a new notification.
type Draft struct {
	RecipientID string `json:"recipientId"`
	ActorID     string `json:"actorId"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Link        string `json:"link"`
}

// Validate checks that a draft can be stored. Failures wrap ErrInvalid.
func (d *Draft) Validate() error {
	if d.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrInvalid)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if len(d.Title) > 200 || len(d.Message) > 4000 || len(d.Link) > 2000 {
		return fmt.Errorf("%w: field too long", ErrInvalid)
	}
	return nil
}

var (
	// ErrNotFound is returned when a notification does not exist or belongs to
	// another user.
	ErrNotFound = errors.New("notification not found")

	// ErrInvalid is returned for drafts that cannot be stored.
	ErrInvalid = errors.New("invalid notification")
)

// Counter reports how many unread notifications a user has. It is the only
// store method the push path depends on.
type Counter interface {
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Store is the full notification store used by the REST handlers.
type Store interface {
	Counter
	Create(ctx context.Context, d Draft) (Notification, error)
	List(ctx context.Context, userID string) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) (changed bool, err error)
	MarkAllRead(ctx context.Context, userID string) (changed int, err error)
}
