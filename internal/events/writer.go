package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sitetrack/internal/domain"
)

const (
	ProjectCreated       = "project.created"
	ProjectUpdated       = "project.updated"
	ProjectDeleted       = "project.deleted"
	ProjectStatusChanged = "project.status.changed"
	TicketCompleted      = "ticket.completed"
	TicketFailed         = "ticket.failed"
	DataImported         = "data.imported"
	DataReset            = "data.reset"
	SettingsUpdated      = "settings.updated"
)

// Writer appends audit events. A zero Writer (nil DB) discards events, which
// is what the redis backend runs with.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Enabled() bool { return w.DB != nil }

func (w Writer) Append(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = domain.SystemActor
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// Filter narrows event queries. Zero values match everything.
type Filter struct {
	ProjectID  string
	Type       string
	EntityKind string
	AfterID    int64
}

// Latest returns up to limit events, newest first.
func (w Writer) Latest(ctx context.Context, limit int, f Filter) ([]domain.Event, error) {
	if w.DB == nil {
		return []domain.Event{}, nil
	}
	where, args := f.clause()
	args = append(args, limit)
	return w.query(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`+where+` ORDER BY id DESC LIMIT ?`, args...)
}

// After returns up to limit events with id > f.AfterID, oldest first.
func (w Writer) After(ctx context.Context, limit int, f Filter) ([]domain.Event, error) {
	if w.DB == nil {
		return []domain.Event{}, nil
	}
	where, args := f.clause()
	args = append(args, limit)
	return w.query(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`+where+` ORDER BY id ASC LIMIT ?`, args...)
}

func (w Writer) LatestID(ctx context.Context) (int64, error) {
	if w.DB == nil {
		return 0, nil
	}
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (f Filter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.ProjectID != "" {
		conds = append(conds, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		conds = append(conds, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.AfterID > 0 {
		conds = append(conds, "id>?")
		args = append(args, f.AfterID)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (w Writer) query(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
