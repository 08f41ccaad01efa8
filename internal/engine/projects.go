package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
	"sitetrack/internal/status"
)

// ProjectInput is the editable part of a project as entered on the form.
type ProjectInput struct {
	Name           string   `json:"name" validate:"required,max=200"`
	ClientName     string   `json:"clientName" validate:"required,max=200"`
	ClientPhone    string   `json:"clientPhone,omitempty" validate:"omitempty,jp_phone"`
	ClientEmail    string   `json:"clientEmail,omitempty" validate:"omitempty,email"`
	ClientAddress  string   `json:"clientAddress,omitempty"`
	EstimateAmount *int64   `json:"estimateAmount,omitempty" validate:"omitempty,gte=0"`
	EstimateDate   string   `json:"estimateDate,omitempty" validate:"omitempty,ymd"`
	StartDate      string   `json:"startDate,omitempty" validate:"omitempty,ymd"`
	EndDate        string   `json:"endDate,omitempty" validate:"omitempty,ymd"`
	ProjectManager string   `json:"projectManager,omitempty"`
	SiteManager    string   `json:"siteManager,omitempty"`
	Workers        []string `json:"workers,omitempty"`
	Priority       string   `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	Notes          string   `json:"notes,omitempty" validate:"max=2000"`
}

// InputFromProject extracts the editable fields of p.
func InputFromProject(p domain.Project) ProjectInput {
	return ProjectInput{
		Name:           p.Name,
		ClientName:     p.Client.Name,
		ClientPhone:    p.Client.Phone,
		ClientEmail:    p.Client.Email,
		ClientAddress:  p.Client.Address,
		EstimateAmount: p.Estimate.Amount,
		EstimateDate:   p.Estimate.Date,
		StartDate:      p.Schedule.StartDate,
		EndDate:        p.Schedule.EndDate,
		ProjectManager: p.AssignedTo.ProjectManager,
		SiteManager:    p.AssignedTo.SiteManager,
		Workers:        p.AssignedTo.Workers,
		Priority:       p.Priority,
		Notes:          p.Notes,
	}
}

func (e Engine) validateInput(in *ProjectInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.ClientName = strings.TrimSpace(in.ClientName)
	if err := validateStruct(e.validate, *in, "入力内容を確認してください"); err != nil {
		return err
	}
	if in.StartDate != "" && in.EndDate != "" && in.StartDate >= in.EndDate {
		return &ValidationError{
			Reason: "入力内容を確認してください",
			Fields: map[string]string{"endDate": "完了予定日は着工予定日より後の日付を入力してください"},
		}
	}
	return nil
}

// applyInput copies the form fields onto p. Fields the form does not edit
// (contract, actual dates, coordinates) are left alone.
func (e Engine) applyInput(ctx context.Context, p *domain.Project, in ProjectInput) {
	p.Name = in.Name
	p.Client = domain.Client{Name: in.ClientName, Phone: in.ClientPhone, Email: in.ClientEmail, Address: in.ClientAddress}
	p.Estimate.Amount = in.EstimateAmount
	if in.EstimateDate != "" {
		p.Estimate.Date = in.EstimateDate
	}
	if p.Estimate.Date == "" {
		p.Estimate.Date = e.today()
	}
	if p.Estimate.ValidUntil == "" {
		p.Estimate.ValidUntil = e.validUntil(ctx, p.Estimate.Date)
	}
	p.Schedule.StartDate = in.StartDate
	p.Schedule.EndDate = in.EndDate
	p.AssignedTo.ProjectManager = in.ProjectManager
	p.AssignedTo.SiteManager = in.SiteManager
	if in.Workers != nil {
		p.AssignedTo.Workers = in.Workers
	}
	p.Location.Address = in.ClientAddress
	p.Notes = in.Notes
	if in.Priority != "" {
		p.Priority = in.Priority
	}
}

const defaultEstimateValidDays = 30

func (e Engine) validUntil(ctx context.Context, estimateDate string) string {
	days := defaultEstimateValidDays
	if s, err := e.Repo.GetSettings(ctx); err == nil && s.DefaultEstimateValidDays > 0 {
		days = s.DefaultEstimateValidDays
	}
	d, err := time.Parse(dateLayout, estimateDate)
	if err != nil {
		d = e.now()
	}
	return d.AddDate(0, 0, days).Format(dateLayout)
}

// CreateProject validates in and stores a new project at the initial status.
func (e Engine) CreateProject(ctx context.Context, in ProjectInput, actor string) (domain.Project, error) {
	if err := e.validateInput(&in); err != nil {
		return domain.Project{}, err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	initial := e.Statuses.Initial()
	p := domain.Project{
		Priority: domain.PriorityNormal,
		Status: domain.StatusState{
			Current: initial,
			History: []domain.HistoryEntry{{Status: initial, Date: e.timestamp(), ChangedBy: actor, Notes: "新規登録"}},
		},
		Progress: e.Statuses.Progress(initial),
	}
	e.applyInput(ctx, &p, in)
	saved, err := e.Repo.SaveProject(ctx, p)
	if err != nil {
		return domain.Project{}, persistErr("create project", err)
	}
	e.recordEvent(ctx, events.ProjectCreated, saved.ID, "project", saved.ID, actor, events.EventPayload{
		"name":   saved.Name,
		"client": saved.Client.Name,
		"status": saved.Status.Current,
	})
	return saved, nil
}

// UpdateProject replaces the editable fields of a project. Status and
// progress only change through ApplyTransition.
func (e Engine) UpdateProject(ctx context.Context, id string, in ProjectInput, actor string) (domain.Project, error) {
	if err := e.validateInput(&in); err != nil {
		return domain.Project{}, err
	}
	saved, err := e.Repo.UpdateProject(ctx, id, func(p *domain.Project) error {
		e.applyInput(ctx, p, in)
		return nil
	})
	if err != nil {
		return domain.Project{}, persistErr("update project", err)
	}
	e.recordEvent(ctx, events.ProjectUpdated, saved.ID, "project", saved.ID, actor, events.EventPayload{"version": saved.Version})
	return saved, nil
}

func (e Engine) DeleteProject(ctx context.Context, id, actor string) error {
	removed, err := e.Repo.DeleteProject(ctx, id)
	if err != nil {
		return persistErr("delete project", err)
	}
	if !removed {
		return &repo.NotFoundError{Kind: "project", ID: id}
	}
	e.recordEvent(ctx, events.ProjectDeleted, id, "project", id, actor, nil)
	return nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	return p, persistErr("get project", err)
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilter) ([]domain.Project, error) {
	items, err := e.Repo.ListProjects(ctx, f)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidFilter) {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return nil, persistErr("list projects", err)
	}
	return items, nil
}

// UpdateSettings merges changes through fn and records who made them.
func (e Engine) UpdateSettings(ctx context.Context, fn func(*domain.Settings), actor string) (domain.Settings, error) {
	s, err := e.Repo.UpdateSettings(ctx, fn)
	if err != nil {
		return domain.Settings{}, persistErr("update settings", err)
	}
	e.recordEvent(ctx, events.SettingsUpdated, "", "settings", "", actor, events.EventPayload{
		"autoTicketEnabled": s.AutoTicketEnabled,
	})
	return s, nil
}

// Import replaces stored records with those present in b. Imported status
// definitions take effect the next time the engine is built.
func (e Engine) Import(ctx context.Context, b repo.Bundle, actor string) error {
	if err := e.Repo.ImportBundle(ctx, b, e.Statuses.Fallback()); err != nil {
		if errors.Is(err, status.ErrInvalidTable) {
			return &ValidationError{Reason: err.Error()}
		}
		return persistErr("import", err)
	}
	e.recordEvent(ctx, events.DataImported, "", "bundle", "", actor, events.EventPayload{
		"projects": len(b.Projects),
		"users":    len(b.Users),
	})
	return nil
}

// Reset deletes every stored record.
func (e Engine) Reset(ctx context.Context, actor string) error {
	if err := e.Repo.Reset(ctx); err != nil {
		return persistErr("reset", err)
	}
	e.recordEvent(ctx, events.DataReset, "", "bundle", "", actor, nil)
	return nil
}
