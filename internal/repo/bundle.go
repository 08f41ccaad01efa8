package repo

import (
	"context"
	"errors"
	"fmt"

	"sitetrack/internal/domain"
	"sitetrack/internal/status"
)

const BundleVersion = "1.0"

// Bundle is the full-data JSON export.
type Bundle struct {
	Projects          []domain.Project             `json:"projects"`
	Users             []domain.User                `json:"users"`
	Settings          *domain.Settings             `json:"settings,omitempty"`
	StatusDefinitions map[string]status.Definition `json:"statusDefinitions,omitempty"`
	ExportedAt        string                       `json:"exportedAt,omitempty"`
	Version           string                       `json:"version,omitempty"`
}

func (r Repo) ExportBundle(ctx context.Context) (Bundle, error) {
	b := Bundle{ExportedAt: r.timestamp(), Version: BundleVersion}
	var err error
	if b.Projects, err = r.loadProjects(ctx); err != nil {
		return Bundle{}, err
	}
	if b.Users, err = r.ListUsers(ctx); err != nil {
		return Bundle{}, err
	}
	settings, err := r.GetSettings(ctx)
	switch {
	case err == nil:
		b.Settings = &settings
	case !errors.Is(err, ErrNotFound):
		return Bundle{}, err
	}
	defs, err := r.GetStatusDefinitions(ctx)
	switch {
	case err == nil:
		b.StatusDefinitions = defs
	case !errors.Is(err, ErrNotFound):
		return Bundle{}, err
	}
	return b, nil
}

// ImportBundle replaces every record present in b. Status definitions are
// validated before anything is written.
func (r Repo) ImportBundle(ctx context.Context, b Bundle, fallback status.FallbackPolicy) error {
	if b.StatusDefinitions != nil {
		if _, err := status.New(b.StatusDefinitions, fallback); err != nil {
			return fmt.Errorf("import status definitions: %w", err)
		}
	}
	if b.Projects != nil {
		if err := r.ReplaceProjects(ctx, b.Projects); err != nil {
			return err
		}
	}
	if b.Users != nil {
		if err := r.PutUsers(ctx, b.Users); err != nil {
			return err
		}
	}
	if b.Settings != nil {
		if err := r.PutSettings(ctx, *b.Settings); err != nil {
			return err
		}
	}
	if b.StatusDefinitions != nil {
		if err := r.PutStatusDefinitions(ctx, b.StatusDefinitions); err != nil {
			return err
		}
	}
	return nil
}
