package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps notifications in a single JSON file. Every mutation rewrites
// the file through a temp file and rename so a crash never leaves it truncated.
//
// All reads are served from memory; the file is only read at open.
type FileStore struct {
	now   func() time.Time
	path  string
	items []Notification
	mu    sync.RWMutex
}

// OpenFileStore loads path, creating an empty store if the file does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read notification store: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.items); err != nil {
			return nil, fmt.Errorf("parse notification store %s: %w", path, err)
		}
	}
	return s, nil
}

// Create stores a new unread notification.
func (s *FileStore) Create(_ context.Context, d Draft) (Notification, error) {
	if err := d.Validate(); err != nil {
		return Notification{}, err
	}

	n := Notification{
		ID:          uuid.NewString(),
		RecipientID: d.RecipientID,
		ActorID:     d.ActorID,
		Type:        d.Type,
		Title:       d.Title,
		Message:     d.Message,
		Link:        d.Link,
		CreatedAt:   s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, n)
	if err := s.persist(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return Notification{}, err
	}
	return n, nil
}

// List returns the user's notifications, newest first.
func (s *FileStore) List(_ context.Context, userID string) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Notification, 0)
	for i := range s.items {
		if s.items[i].RecipientID == userID {
			out = append(out, s.items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CountUnread returns the number of unread notifications for userID.
func (s *FileStore) CountUnread(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for i := range s.items {
		if s.items[i].RecipientID == userID && !s.items[i].IsRead() {
			count++
		}
	}
	return count, nil
}

// MarkRead marks one of the user's notifications as read. changed is false
// when it was already read.
func (s *FileStore) MarkRead(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		n := &s.items[i]
		if n.ID != id || n.RecipientID != userID {
			continue
		}
		if n.IsRead() {
			return false, nil
		}
		now := s.now().UTC()
		n.ReadAt = &now
		if err := s.persist(); err != nil {
			n.ReadAt = nil
			return false, err
		}
		return true, nil
	}
	return false, ErrNotFound
}

// MarkAllRead marks every unread notification of the user as read and returns
// how many changed.
func (s *FileStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var touched []int
	for i := range s.items {
		if s.items[i].RecipientID == userID && !s.items[i].IsRead() {
			s.items[i].ReadAt = &now
			touched = append(touched, i)
		}
	}
	if len(touched) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for _, i := range touched {
			s.items[i].ReadAt = nil
		}
		return 0, err
	}
	return len(touched), nil
}

// persist writes the store to disk. Callers hold s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode notification store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".notifications-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) //nolint:errcheck // already renamed on success
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close() //nolint:errcheck // write error takes precedence
		return fmt.Errorf("write notification store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace notification store: %w", err)
	}
	return nil
}
