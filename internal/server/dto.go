package server

import (
	"encoding/json"

	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/status"
)

// Request payloads

type StatusChangeRequest struct {
	Status         string `json:"status" example:"受注"`
	Notes          string `json:"notes,omitempty" maxLength:"2000"`
	ContractAmount *int64 `json:"contractAmount,omitempty" example:"5000000"`
	ActualDate     string `json:"actualDate,omitempty" example:"2024-03-05"`
}

type TransitionCheckRequest struct {
	Status string `json:"status" example:"受注"`
}

// Response payloads

// ProjectResponse is a stored project plus its deadline urgency.
type ProjectResponse struct {
	domain.Project
	Urgency string `json:"urgency" enum:"urgent,attention,normal"`
}

type ProjectList struct {
	Items []ProjectResponse `json:"items"`
}

type TransitionsResponse struct {
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

type TransitionCheckResponse struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings"`
}

type StatusResponse struct {
	Name               string   `json:"name"`
	Order              int      `json:"order"`
	Color              string   `json:"color,omitempty"`
	Description        string   `json:"description,omitempty"`
	AllowedTransitions []string `json:"allowedTransitions"`
	TriggerAutoTicket  bool     `json:"triggerAutoTicket"`
	Progress           int      `json:"progress"`
	Terminal           bool     `json:"terminal"`
}

type StatusList struct {
	Items []StatusResponse `json:"items"`
}

type NotificationList struct {
	Items []domain.Notification `json:"items"`
}

type TicketList struct {
	Items []domain.AutoTicketRecord `json:"items"`
}

type DashboardResponse struct {
	Stats           engine.DashboardStats   `json:"stats"`
	Alerts          []engine.Alert          `json:"alerts"`
	Recommendations []engine.Recommendation `json:"recommendations"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

// Conversion helpers

func projectResponse(e engine.Engine, p domain.Project) ProjectResponse {
	return ProjectResponse{Project: p, Urgency: e.Urgency(p)}
}

func projectList(e engine.Engine, items []domain.Project) ProjectList {
	out := ProjectList{Items: make([]ProjectResponse, 0, len(items))}
	for _, p := range items {
		out.Items = append(out.Items, projectResponse(e, p))
	}
	return out
}

func statusResponse(tbl *status.Table, name string) StatusResponse {
	def, _ := tbl.Definition(name)
	return StatusResponse{
		Name:               name,
		Order:              def.Order,
		Color:              def.Color,
		Description:        def.Description,
		AllowedTransitions: nonNilSlice(tbl.AllowedTransitions(name)),
		TriggerAutoTicket:  def.TriggersAutoTicket,
		Progress:           tbl.Progress(name),
		Terminal:           tbl.IsTerminal(name),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
