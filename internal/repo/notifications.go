package repo

import (
	"context"
	"errors"

	"sitetrack/internal/domain"
	"sitetrack/internal/store"
)

const (
	MaxNotifications = 100
	MaxTicketLogs    = 1000
	DefaultLogLimit  = 50
)

func (r Repo) AppendNotification(ctx context.Context, n domain.Notification) error {
	return updateJSON(ctx, r.Store, KeyNotifications, func(items *[]domain.Notification) error {
		*items = prependCapped(*items, n, MaxNotifications)
		return nil
	})
}

// RemoveNotification deletes a notification by id; missing ids are ignored.
func (r Repo) RemoveNotification(ctx context.Context, id string) error {
	return updateJSON(ctx, r.Store, KeyNotifications, func(items *[]domain.Notification) error {
		for i := range *items {
			if (*items)[i].ID == id {
				*items = append((*items)[:i], (*items)[i+1:]...)
				return nil
			}
		}
		return errUnchanged
	})
}

// ListNotifications returns notifications newest first. An empty targetUser
// matches every recipient.
func (r Repo) ListNotifications(ctx context.Context, targetUser string, unreadOnly bool) ([]domain.Notification, error) {
	var items []domain.Notification
	if err := readJSON(ctx, r.Store, KeyNotifications, &items); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	out := []domain.Notification{}
	for _, n := range items {
		if targetUser != "" && n.TargetUser != targetUser {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	var out domain.Notification
	err := updateJSON(ctx, r.Store, KeyNotifications, func(items *[]domain.Notification) error {
		for i := range *items {
			n := &(*items)[i]
			if n.ID != id {
				continue
			}
			if !n.Read {
				n.Read = true
				n.ReadAt = r.timestamp()
			}
			out = *n
			return nil
		}
		return &NotFoundError{Kind: "notification", ID: id}
	})
	return out, err
}

func (r Repo) AppendTicketLog(ctx context.Context, rec domain.AutoTicketRecord) error {
	if rec.LoggedAt == "" {
		rec.LoggedAt = r.timestamp()
	}
	return updateJSON(ctx, r.Store, KeyTicketLogs, func(items *[]domain.AutoTicketRecord) error {
		*items = prependCapped(*items, rec, MaxTicketLogs)
		return nil
	})
}

// ListTicketLogs returns up to limit records, newest first.
func (r Repo) ListTicketLogs(ctx context.Context, limit int) ([]domain.AutoTicketRecord, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	var items []domain.AutoTicketRecord
	if err := readJSON(ctx, r.Store, KeyTicketLogs, &items); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	if items == nil {
		items = []domain.AutoTicketRecord{}
	}
	return items, nil
}
