package repo

import (
	"context"
	"errors"
	"time"

	"sitetrack/internal/store"
)

// DraftTTL is how long a saved form draft stays restorable.
const DraftTTL = time.Hour

type Draft struct {
	Data      map[string]string `json:"data"`
	Timestamp string            `json:"timestamp"`
}

func (r Repo) SaveDraft(ctx context.Context, data map[string]string) (Draft, error) {
	d := Draft{Data: data, Timestamp: r.timestamp()}
	if err := writeJSON(ctx, r.Store, KeyFormDraft, d); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// LoadDraft returns the saved draft. Expired drafts are deleted and reported
// as not found.
func (r Repo) LoadDraft(ctx context.Context) (Draft, error) {
	var d Draft
	if err := readJSON(ctx, r.Store, KeyFormDraft, &d); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Draft{}, &NotFoundError{Kind: "draft"}
		}
		return Draft{}, err
	}
	saved, err := time.Parse(time.RFC3339, d.Timestamp)
	if err != nil || len(d.Data) == 0 || r.now().Sub(saved) > DraftTTL {
		if err := r.Store.Delete(ctx, KeyFormDraft); err != nil {
			return Draft{}, err
		}
		return Draft{}, &NotFoundError{Kind: "draft"}
	}
	return d, nil
}

func (r Repo) ClearDraft(ctx context.Context) error {
	return r.Store.Delete(ctx, KeyFormDraft)
}
