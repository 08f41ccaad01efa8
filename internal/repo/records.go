package repo

import (
	"context"
	"errors"

	"sitetrack/internal/domain"
	"sitetrack/internal/status"
	"sitetrack/internal/store"
)

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := readJSON(ctx, r.Store, KeyUsers, &users); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []domain.User{}, nil
		}
		return nil, err
	}
	return users, nil
}

func (r Repo) ActiveUsers(ctx context.Context) ([]domain.User, error) {
	users, err := r.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.IsActive {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r Repo) PutUsers(ctx context.Context, users []domain.User) error {
	ts := r.timestamp()
	for i := range users {
		if users[i].CreatedAt == "" {
			users[i].CreatedAt = ts
		}
	}
	return writeJSON(ctx, r.Store, KeyUsers, users)
}

func (r Repo) GetSettings(ctx context.Context) (domain.Settings, error) {
	var s domain.Settings
	if err := readJSON(ctx, r.Store, KeySettings, &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Settings{}, &NotFoundError{Kind: "settings"}
		}
		return domain.Settings{}, err
	}
	return s, nil
}

func (r Repo) PutSettings(ctx context.Context, s domain.Settings) error {
	if s.LastUpdated == "" {
		s.LastUpdated = r.timestamp()
	}
	return writeJSON(ctx, r.Store, KeySettings, s)
}

// UpdateSettings merges changes through fn and stamps lastUpdated.
func (r Repo) UpdateSettings(ctx context.Context, fn func(*domain.Settings)) (domain.Settings, error) {
	var out domain.Settings
	err := updateJSON(ctx, r.Store, KeySettings, func(s *domain.Settings) error {
		fn(s)
		s.LastUpdated = r.timestamp()
		out = *s
		return nil
	})
	return out, err
}

func (r Repo) GetStatusDefinitions(ctx context.Context) (map[string]status.Definition, error) {
	var defs map[string]status.Definition
	if err := readJSON(ctx, r.Store, KeyStatusDefinitions, &defs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Kind: "status definitions"}
		}
		return nil, err
	}
	return defs, nil
}

func (r Repo) PutStatusDefinitions(ctx context.Context, defs map[string]status.Definition) error {
	return writeJSON(ctx, r.Store, KeyStatusDefinitions, defs)
}

// LoadStatusTable builds the status table from the stored definitions.
func (r Repo) LoadStatusTable(ctx context.Context, fallback status.FallbackPolicy) (*status.Table, error) {
	defs, err := r.GetStatusDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	return status.New(defs, fallback)
}
