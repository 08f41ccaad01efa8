package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

// TransitionOptions carries the optional inputs of a status change.
type TransitionOptions struct {
	ChangedBy      string `json:"changedBy"`
	Notes          string `json:"notes" validate:"max=2000"`
	ContractAmount *int64 `json:"contractAmount" validate:"omitempty,gt=0"`
	ActualDate     string `json:"actualDate" validate:"omitempty,ymd"`
}

// AllowedTransitions lists the statuses p may move to next.
func (e Engine) AllowedTransitions(p domain.Project) []string {
	return e.Statuses.AllowedTransitions(p.Status.Current)
}

// ValidateTransition checks that target is reachable from p's current
// status. The returned warnings are advisory; the transition is still legal.
func (e Engine) ValidateTransition(p domain.Project, target string) ([]string, error) {
	if err := e.checkTransition(p, target); err != nil {
		return nil, err
	}
	var warnings []string
	if target == domain.StatusOrdered && p.Estimate.Amount == nil {
		warnings = append(warnings, "見積金額が設定されていません")
	}
	if (target == domain.StatusPreConstruction || target == domain.StatusInConstruction) && p.Schedule.StartDate == "" {
		warnings = append(warnings, "着工予定日が設定されていません")
	}
	if (target == domain.StatusInConstruction || target == domain.StatusConstructionDone) && strings.TrimSpace(p.AssignedTo.SiteManager) == "" {
		warnings = append(warnings, "現場管理者が設定されていません")
	}
	return warnings, nil
}

func (e Engine) checkTransition(p domain.Project, target string) error {
	if strings.TrimSpace(target) == "" {
		return &ValidationError{Reason: "変更先ステータスを選択してください"}
	}
	if !e.Statuses.CanTransition(p.Status.Current, target) {
		return &ValidationError{
			Status: target,
			Reason: "「" + p.Status.Current + "」から「" + target + "」への変更は許可されていません",
		}
	}
	return nil
}

// ApplyTransition moves a project to target in a single atomic write, then
// runs the auto-ticket side effect and the observers. Neither can undo the
// committed change.
func (e Engine) ApplyTransition(ctx context.Context, id, target string, opts TransitionOptions) (domain.Project, error) {
	if err := validateStruct(e.validate, opts, "invalid transition options"); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Status = target
		}
		return domain.Project{}, err
	}
	changedBy := strings.TrimSpace(opts.ChangedBy)
	if changedBy == "" {
		changedBy = domain.SystemActor
	}
	var from string
	updated, err := e.Repo.UpdateProject(ctx, id, func(p *domain.Project) error {
		if err := e.checkTransition(*p, target); err != nil {
			return err
		}
		from = p.Status.Current
		e.applyTransition(p, target, changedBy, opts)
		return nil
	})
	if err != nil {
		return domain.Project{}, persistErr("apply transition", err)
	}
	e.Logger.Info("status changed",
		zap.String("project_id", updated.ID),
		zap.String("from", from),
		zap.String("to", target),
		zap.String("changed_by", changedBy))

	e.recordEvent(ctx, events.ProjectStatusChanged, updated.ID, "project", updated.ID, changedBy, events.EventPayload{
		"from":     from,
		"to":       target,
		"notes":    opts.Notes,
		"progress": updated.Progress,
	})

	if e.Statuses.TriggersAutoTicket(target) && e.autoTicketEnabled(ctx) {
		e.dispatcher.Run(ctx, updated)
	}
	e.notifyObservers(ctx, updated, target)
	return updated, nil
}

// applyTransition mutates p in place. Legality has already been checked.
func (e Engine) applyTransition(p *domain.Project, target, changedBy string, opts TransitionOptions) {
	p.Status.History = append(p.Status.History, domain.HistoryEntry{
		Status:    target,
		Date:      e.timestamp(),
		ChangedBy: changedBy,
		Notes:     opts.Notes,
	})
	date := opts.ActualDate
	if date == "" {
		date = e.today()
	}
	switch target {
	case domain.StatusInConstruction:
		if p.Schedule.ActualStartDate == "" {
			p.Schedule.ActualStartDate = date
		}
	case domain.StatusConstructionDone:
		if p.Schedule.ActualEndDate == "" {
			p.Schedule.ActualEndDate = date
		}
	case domain.StatusOrdered:
		if opts.ContractAmount != nil {
			amount := *opts.ContractAmount
			p.Contract.Amount = &amount
			p.Contract.SignedDate = date
		}
	}
	p.Progress = e.Statuses.Progress(target)
	p.Status.Current = target
}

// autoTicketEnabled reads the settings switch. Missing settings leave the
// feature on.
func (e Engine) autoTicketEnabled(ctx context.Context) bool {
	s, err := e.Repo.GetSettings(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.Logger.Warn("read settings failed", zap.Error(err))
		}
		return true
	}
	return s.AutoTicketEnabled
}
