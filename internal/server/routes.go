package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

type projectPath struct {
	ID string `path:"id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Query    string `query:"q" doc:"Matches project or client name"`
		Status   string `query:"status"`
		Manager  string `query:"manager"`
		Priority string `query:"priority"`
		From     string `query:"from" doc:"Start date lower bound, used with to"`
		To       string `query:"to"`
		Sort     string `query:"sort" doc:"name, client, status, startDate, endDate, amount, progress, createdAt or updatedAt"`
		Desc     bool   `query:"desc"`
		View     string `query:"view" doc:"site or gantt"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		f := repo.ProjectFilter{
			Query:    input.Query,
			Status:   input.Status,
			Manager:  input.Manager,
			Priority: input.Priority,
			From:     input.From,
			To:       input.To,
			SortBy:   input.Sort,
			Desc:     input.Desc,
		}
		if input.Limit > 0 {
			f.Limit = normalizeLimit(input.Limit)
		}
		var (
			items []domain.Project
			err   error
		)
		switch input.View {
		case "":
			items, err = e.ListProjects(ctx, f)
		case "site":
			items, err = e.SiteProjects(ctx, f)
		case "gantt":
			items, err = e.GanttProjects(ctx, f)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid view", map[string]any{"view": input.View})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: projectList(e, items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body engine.ProjectInput `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(e, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(e, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPut,
		Path:        "/projects/{id}",
		Summary:     "Update project fields",
		Description: "Replaces the editable fields. Status and progress only change through the status endpoint.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body engine.ProjectInput `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, input.ID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(e, p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/transitions",
		Summary:     "Allowed next statuses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{
			Current: p.Status.Current,
			Allowed: nonNilSlice(e.AllowedTransitions(p)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-transition",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/transitions/check",
		Summary:     "Validate a status change without applying it",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body TransitionCheckRequest `json:"body"`
	}) (*struct {
		Body TransitionCheckResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		warnings, err := e.ValidateTransition(p, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionCheckResponse `json:"body"`
		}{Body: TransitionCheckResponse{Status: input.Body.Status, Warnings: nonNilSlice(warnings)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-status",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/status",
		Summary:     "Change project status",
		Description: "Applies one transition. Entering 受注 also raises the site manager ticket.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body StatusChangeRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ApplyTransition(ctx, input.ID, input.Body.Status, engine.TransitionOptions{
			ChangedBy:      actorID,
			Notes:          input.Body.Notes,
			ContractAmount: input.Body.ContractAmount,
			ActualDate:     input.Body.ActualDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(e, p)}, nil
	})
}

func registerStatuses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/statuses",
		Summary:     "Status definitions in order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusList `json:"body"`
	}, error) {
		names := e.Statuses.Names()
		resp := StatusList{Items: make([]StatusResponse, 0, len(names))}
		for _, name := range names {
			resp.Items = append(resp.Items, statusResponse(e.Statuses, name))
		}
		return &struct {
			Body StatusList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List site notifications, newest first",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TargetUser string `query:"targetUser"`
		Unread     bool   `query:"unread"`
	}) (*struct {
		Body NotificationList `json:"body"`
	}, error) {
		items, err := e.Repo.ListNotifications(ctx, input.TargetUser, input.Unread)
		if err != nil {
			return nil, handleError(repoError("list notifications", err))
		}
		return &struct {
			Body NotificationList `json:"body"`
		}{Body: NotificationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		n, err := e.Repo.MarkNotificationRead(ctx, input.ID)
		if err != nil {
			return nil, handleError(repoError("mark notification read", err))
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "Auto-ticket log, newest first",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body TicketList `json:"body"`
	}, error) {
		items, err := e.Repo.ListTicketLogs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(repoError("list tickets", err))
		}
		return &struct {
			Body TicketList `json:"body"`
		}{Body: TicketList{Items: nonNilSlice(items)}}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Statistics, deadline alerts and status suggestions",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"7" minimum:"1" maximum:"365"`
	}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		stats, err := e.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		alerts, err := e.DeadlineAlerts(ctx, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		recs, err := e.Recommendations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: DashboardResponse{
			Stats:           stats,
			Alerts:          nonNilSlice(alerts),
			Recommendations: nonNilSlice(recs),
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events, newest first",
		Description: "Empty when the workspace runs on the redis backend.",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"projectId"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := e.Events.Latest(ctx, normalizeLimit(input.Limit), events.Filter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
		})
		if err != nil {
			return nil, handleError(repoError("list events", err))
		}
		resp := EventList{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
	})
}
