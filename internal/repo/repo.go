package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitetrack/internal/status"
	"sitetrack/internal/store"
)

// Storage keys. The layout matches the JSON bundle so exports round-trip.
const (
	KeyProjects          = "projects"
	KeyUsers             = "users"
	KeySettings          = "settings"
	KeyStatusDefinitions = "statusDefinitions"
	KeyNotifications     = "site_notifications"
	KeyTicketLogs        = "auto_ticket_logs"
	KeyFormDraft         = "project_form_draft"
)

// AllKeys lists every key owned by the repository.
var AllKeys = []string{
	KeyProjects, KeyUsers, KeySettings, KeyStatusDefinitions,
	KeyNotifications, KeyTicketLogs, KeyFormDraft,
}

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidFilter rejects a list query that cannot be evaluated.
	ErrInvalidFilter = errors.New("invalid filter")
)

// NotFoundError names the missing entity. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Repo persists projects and their auxiliary records in a document store.
// Statuses is used to seed new projects and to sort by status order.
type Repo struct {
	Store    store.Store
	Statuses *status.Table
	Now      func() time.Time
	NewID    func() string
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) timestamp() string {
	return r.now().Format(time.RFC3339)
}

func (r Repo) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// errUnchanged aborts an update without writing.
var errUnchanged = errors.New("unchanged")

func readJSON(ctx context.Context, s store.Store, key string, out any) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Value, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func writeJSON(ctx context.Context, s store.Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// updateJSON decodes key into a T, lets fn mutate it and writes it back
// atomically. Returning errUnchanged from fn skips the write.
func updateJSON[T any](ctx context.Context, s store.Store, key string, fn func(*T) error) error {
	err := store.Update(ctx, s, key, func(cur []byte) ([]byte, error) {
		var v T
		if cur != nil {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// prependCapped puts item first and trims the list to max entries.
func prependCapped[T any](list []T, item T, max int) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, item)
	out = append(out, list...)
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Reset deletes every repository key.
func (r Repo) Reset(ctx context.Context) error {
	for _, k := range AllKeys {
		if err := r.Store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
