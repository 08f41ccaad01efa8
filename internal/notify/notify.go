// Package notify delivers auto-ticket notifications outside the store.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"sitetrack/internal/domain"
)

// EventAutoTicket is the webhook event type for auto-ticket notifications.
const EventAutoTicket = "notification.auto_ticket"

// Notifier delivers a notification that has already been persisted.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Log writes notifications to a zap logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, n domain.Notification) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("type", n.Type),
		zap.String("project_id", n.ProjectID),
		zap.String("target_user", n.TargetUser),
		zap.String("message", n.Message),
	)
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
