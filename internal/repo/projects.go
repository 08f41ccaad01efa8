package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sitetrack/internal/domain"
	"sitetrack/internal/store"
)

func (r Repo) loadProjects(ctx context.Context) ([]domain.Project, error) {
	var items []domain.Project
	if err := readJSON(ctx, r.Store, KeyProjects, &items); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []domain.Project{}, nil
		}
		return nil, err
	}
	return items, nil
}

func indexOf(items []domain.Project, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// AllProjects returns every project in storage order.
func (r Repo) AllProjects(ctx context.Context) ([]domain.Project, error) {
	return r.loadProjects(ctx)
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	items, err := r.loadProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if i := indexOf(items, id); i >= 0 {
		return items[i], nil
	}
	return domain.Project{}, &NotFoundError{Kind: "project", ID: id}
}

// SaveProject inserts p when it has no id, otherwise overwrites the stored
// record. Status, progress and creation time are owned by the workflow and
// survive an overwrite.
func (r Repo) SaveProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	var saved domain.Project
	err := updateJSON(ctx, r.Store, KeyProjects, func(items *[]domain.Project) error {
		ts := r.timestamp()
		if p.ID == "" {
			p.ID = r.newID()
			p.CreatedAt = ts
			p.UpdatedAt = ts
			p.Version = 1
			if p.Priority == "" {
				p.Priority = domain.PriorityNormal
			}
			if p.Status.Current == "" {
				if r.Statuses == nil {
					return fmt.Errorf("status table not loaded")
				}
				initial := r.Statuses.Initial()
				p.Status = domain.StatusState{
					Current: initial,
					History: []domain.HistoryEntry{{Status: initial, Date: ts, ChangedBy: domain.SystemActor}},
				}
				p.Progress = r.Statuses.Progress(initial)
			}
			*items = append(*items, p)
			saved = p
			return nil
		}
		i := indexOf(*items, p.ID)
		if i < 0 {
			return &NotFoundError{Kind: "project", ID: p.ID}
		}
		prev := (*items)[i]
		p.Status = prev.Status
		p.Progress = prev.Progress
		p.CreatedAt = prev.CreatedAt
		p.UpdatedAt = ts
		p.Version = prev.Version + 1
		if p.Priority == "" {
			p.Priority = prev.Priority
		}
		(*items)[i] = p
		saved = p
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return saved, nil
}

// UpdateProject atomically applies fn to the latest stored copy of the
// project. An error from fn aborts without writing.
func (r Repo) UpdateProject(ctx context.Context, id string, fn func(*domain.Project) error) (domain.Project, error) {
	var saved domain.Project
	err := updateJSON(ctx, r.Store, KeyProjects, func(items *[]domain.Project) error {
		i := indexOf(*items, id)
		if i < 0 {
			return &NotFoundError{Kind: "project", ID: id}
		}
		p := (*items)[i]
		if err := fn(&p); err != nil {
			return err
		}
		p.ID = id
		p.UpdatedAt = r.timestamp()
		p.Version = (*items)[i].Version + 1
		(*items)[i] = p
		saved = p
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return saved, nil
}

// DeleteProject reports whether a project was removed.
func (r Repo) DeleteProject(ctx context.Context, id string) (bool, error) {
	removed := false
	err := updateJSON(ctx, r.Store, KeyProjects, func(items *[]domain.Project) error {
		i := indexOf(*items, id)
		if i < 0 {
			return errUnchanged
		}
		*items = append((*items)[:i], (*items)[i+1:]...)
		removed = true
		return nil
	})
	return removed, err
}

// ReplaceProjects overwrites the whole collection.
func (r Repo) ReplaceProjects(ctx context.Context, items []domain.Project) error {
	if items == nil {
		items = []domain.Project{}
	}
	return writeJSON(ctx, r.Store, KeyProjects, items)
}

const (
	SortName      = "name"
	SortClient    = "client"
	SortStatus    = "status"
	SortStartDate = "startDate"
	SortEndDate   = "endDate"
	SortAmount    = "amount"
	SortUpdatedAt = "updatedAt"
	SortCreatedAt = "createdAt"
	SortProgress  = "progress"
)

// ProjectFilter narrows ListProjects. Zero values match everything.
// From and To are only applied together.
type ProjectFilter struct {
	Query    string
	Status   string
	Statuses []string
	Manager  string
	Priority string
	From     string
	To       string
	SortBy   string
	Desc     bool
	Limit    int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	items, err := r.loadProjects(ctx)
	if err != nil {
		return nil, err
	}
	if f.SortBy != "" && !validSortKey(f.SortBy) {
		return nil, fmt.Errorf("%w: sort key %q", ErrInvalidFilter, f.SortBy)
	}
	out := make([]domain.Project, 0, len(items))
	for _, p := range items {
		if f.match(p) {
			out = append(out, p)
		}
	}
	if f.SortBy != "" {
		r.sortProjects(out, f.SortBy, f.Desc)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (f ProjectFilter) match(p domain.Project) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.Client.Name), q) &&
			!strings.Contains(strings.ToLower(p.Notes), q) {
			return false
		}
	}
	if f.Status != "" && p.Status.Current != f.Status {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, p.Status.Current) {
		return false
	}
	if f.Manager != "" && p.AssignedTo.ProjectManager != f.Manager && p.AssignedTo.SiteManager != f.Manager {
		return false
	}
	if f.Priority != "" && p.Priority != f.Priority {
		return false
	}
	if f.From != "" && f.To != "" {
		// Dates are YYYY-MM-DD so lexical order is chronological.
		if p.Schedule.StartDate == "" || p.Schedule.EndDate == "" {
			return false
		}
		if p.Schedule.StartDate > f.To || p.Schedule.EndDate < f.From {
			return false
		}
	}
	return true
}

func validSortKey(k string) bool {
	switch k {
	case SortName, SortClient, SortStatus, SortStartDate, SortEndDate, SortAmount, SortUpdatedAt, SortCreatedAt, SortProgress:
		return true
	}
	return false
}

func (r Repo) sortProjects(items []domain.Project, key string, desc bool) {
	less := func(a, b domain.Project) int {
		switch key {
		case SortName:
			return strings.Compare(a.Name, b.Name)
		case SortClient:
			return strings.Compare(a.Client.Name, b.Client.Name)
		case SortStatus:
			return r.statusOrder(a.Status.Current) - r.statusOrder(b.Status.Current)
		case SortStartDate:
			return strings.Compare(a.Schedule.StartDate, b.Schedule.StartDate)
		case SortEndDate:
			return strings.Compare(a.Schedule.EndDate, b.Schedule.EndDate)
		case SortAmount:
			return compareInt64(a.EffectiveAmount(), b.EffectiveAmount())
		case SortUpdatedAt:
			return strings.Compare(a.UpdatedAt, b.UpdatedAt)
		case SortCreatedAt:
			return strings.Compare(a.CreatedAt, b.CreatedAt)
		case SortProgress:
			return a.Progress - b.Progress
		}
		return 0
	}
	sort.SliceStable(items, func(i, j int) bool {
		c := less(items[i], items[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func (r Repo) statusOrder(name string) int {
	if r.Statuses == nil {
		return 0
	}
	order, _ := r.Statuses.Order(name)
	return order
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
