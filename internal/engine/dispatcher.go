package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
)

const (
	NotificationAutoTicket = "auto_ticket"
	autoTicketTitle        = "新規案件起票"
)

var errNoSiteManager = errors.New("現場管理者が設定されていません")

type ticketJob struct {
	project domain.Project
	record  domain.AutoTicketRecord
}

// Dispatcher is the FIFO auto-ticket queue. Jobs run on the goroutine that
// calls Drain or Run.
type Dispatcher struct {
	engine Engine

	// run is held for a whole drain so a caller never returns while a job
	// it queued is still in another caller's hands.
	run   sync.Mutex
	mu    sync.Mutex
	queue []ticketJob
}

// Run queues a ticket for p and drains the queue, returning p's finished
// record.
func (d *Dispatcher) Run(ctx context.Context, p domain.Project) domain.AutoTicketRecord {
	d.run.Lock()
	defer d.run.Unlock()
	rec := d.Enqueue(p)
	for _, done := range d.drain(ctx) {
		if done.ID == rec.ID {
			return done
		}
	}
	return rec
}

// Enqueue adds a pending ticket for p and returns its record.
func (d *Dispatcher) Enqueue(p domain.Project) domain.AutoTicketRecord {
	rec := domain.AutoTicketRecord{
		ID:             d.engine.newID(),
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		ClientName:     p.Client.Name,
		SiteManager:    p.AssignedTo.SiteManager,
		ContractAmount: p.Contract.Amount,
		StartDate:      p.Schedule.StartDate,
		EndDate:        p.Schedule.EndDate,
		Location:       p.Location.Address,
		Notes:          p.Notes,
		TicketedAt:     d.engine.timestamp(),
		Status:         domain.TicketPending,
	}
	d.mu.Lock()
	d.queue = append(d.queue, ticketJob{project: p, record: rec})
	d.mu.Unlock()
	return rec
}

// Pending reports the number of queued jobs.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) next() (ticketJob, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return ticketJob{}, false
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	return job, true
}

// Drain processes queued jobs in order until the queue is empty and returns
// the finished records. A failed job never stops the ones after it.
func (d *Dispatcher) Drain(ctx context.Context) []domain.AutoTicketRecord {
	d.run.Lock()
	defer d.run.Unlock()
	return d.drain(ctx)
}

func (d *Dispatcher) drain(ctx context.Context) []domain.AutoTicketRecord {
	var done []domain.AutoTicketRecord
	for {
		job, ok := d.next()
		if !ok {
			return done
		}
		done = append(done, d.process(ctx, job))
	}
}

func (d *Dispatcher) process(ctx context.Context, job ticketJob) domain.AutoTicketRecord {
	e := d.engine
	rec := job.record
	n, err := d.deliver(ctx, job.project, &rec)
	if err != nil {
		rec.Status = domain.TicketFailed
		rec.Error = err.Error()
		if logErr := e.Repo.AppendTicketLog(ctx, rec); logErr != nil {
			e.Logger.Warn("record failed ticket", zap.String("ticket_id", rec.ID), zap.Error(logErr))
		}
		e.Logger.Error("auto ticket failed", zap.Error(&SideEffectError{TicketID: rec.ID, ProjectID: rec.ProjectID, Err: err}))
		e.recordEvent(ctx, events.TicketFailed, rec.ProjectID, "ticket", rec.ID, domain.SystemActor, events.EventPayload{"error": rec.Error})
		return rec
	}
	e.Logger.Info("auto ticket completed",
		zap.String("ticket_id", rec.ID),
		zap.String("project_id", rec.ProjectID),
		zap.String("site_manager", rec.SiteManager))
	e.recordEvent(ctx, events.TicketCompleted, rec.ProjectID, "ticket", rec.ID, domain.SystemActor, events.EventPayload{
		"notification_id": n.ID,
		"site_manager":    rec.SiteManager,
	})
	if e.Notifier != nil {
		if err := e.Notifier.Notify(ctx, n); err != nil {
			e.Logger.Warn("deliver notification failed", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}
	return rec
}

// deliver writes the notification and the completed log entry. When the log
// write fails the notification is removed again.
func (d *Dispatcher) deliver(ctx context.Context, p domain.Project, rec *domain.AutoTicketRecord) (domain.Notification, error) {
	e := d.engine
	if strings.TrimSpace(p.AssignedTo.SiteManager) == "" {
		return domain.Notification{}, errNoSiteManager
	}
	n := domain.Notification{
		ID:         e.newID(),
		Type:       NotificationAutoTicket,
		Title:      autoTicketTitle,
		Message:    "案件「" + p.Name + "」が起票されました",
		ProjectID:  p.ID,
		TargetUser: p.AssignedTo.SiteManager,
		CreatedAt:  e.timestamp(),
	}
	if err := e.Repo.AppendNotification(ctx, n); err != nil {
		return domain.Notification{}, err
	}
	rec.Status = domain.TicketCompleted
	if err := e.Repo.AppendTicketLog(ctx, *rec); err != nil {
		if rmErr := e.Repo.RemoveNotification(ctx, n.ID); rmErr != nil {
			e.Logger.Error("remove orphan notification", zap.String("notification_id", n.ID), zap.Error(rmErr))
		}
		return domain.Notification{}, err
	}
	return n, nil
}
