package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/logging"
	"sitetrack/internal/notify"
	"sitetrack/internal/repo"
	"sitetrack/internal/status"
)

// Observer is called after a committed status change. Errors and panics are
// logged and never reach the caller.
type Observer func(ctx context.Context, p domain.Project, target string) error

// Engine runs the project workflow on top of a Repo. Copies share their
// observers and dispatch queue.
type Engine struct {
	Repo     repo.Repo
	Statuses *status.Table
	Events   events.Writer
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time

	dispatcher *Dispatcher
	observers  *observerList
	validate   *validator.Validate
}

type Options struct {
	Events   events.Writer
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(r repo.Repo, opts Options) (Engine, error) {
	if r.Store == nil {
		return Engine{}, errors.New("engine: repo has no store")
	}
	if r.Statuses == nil {
		return Engine{}, errors.New("engine: status table not loaded")
	}
	if opts.Now != nil && r.Now == nil {
		r.Now = opts.Now
	}
	e := Engine{
		Repo:      r,
		Statuses:  r.Statuses,
		Events:    opts.Events,
		Notifier:  opts.Notifier,
		Logger:    logging.OrNop(opts.Logger),
		Now:       opts.Now,
		observers: &observerList{},
		validate:  newValidator(),
	}
	if e.Events.Now == nil {
		e.Events.Now = e.Now
	}
	e.dispatcher = &Dispatcher{engine: e}
	return e, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) timestamp() string { return e.now().Format(time.RFC3339) }

func (e Engine) today() string { return e.now().Format(dateLayout) }

func (e Engine) newID() string {
	if e.Repo.NewID != nil {
		return e.Repo.NewID()
	}
	return uuid.NewString()
}

// Dispatcher returns the auto-ticket queue shared by copies of e.
func (e Engine) Dispatcher() *Dispatcher { return e.dispatcher }

// recordEvent appends an audit event. Failures are logged only.
func (e Engine) recordEvent(ctx context.Context, evtType, projectID, kind, entityID, actor string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, projectID, kind, entityID, actor, payload); err != nil {
		e.Logger.Warn("append event failed", zap.String("type", evtType), zap.String("project_id", projectID), zap.Error(err))
	}
}

// persistErr leaves domain errors alone and wraps store failures.
func persistErr(op string, err error) error {
	var verr *ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr), errors.Is(err, repo.ErrNotFound):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type observerList struct {
	mu     sync.Mutex
	nextID int
	items  []observerEntry
}

type observerEntry struct {
	id int
	fn Observer
}

// Subscribe registers fn for committed transitions. The returned func
// removes it and is safe to call more than once.
func (e Engine) Subscribe(fn Observer) func() {
	l := e.observers
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, observerEntry{id: id, fn: fn})
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, it := range l.items {
			if it.id == id {
				l.items = append(l.items[:i:i], l.items[i+1:]...)
				return
			}
		}
	}
}

func (e Engine) notifyObservers(ctx context.Context, p domain.Project, target string) {
	e.observers.mu.Lock()
	items := append([]observerEntry(nil), e.observers.items...)
	e.observers.mu.Unlock()
	for _, it := range items {
		if err := callObserver(ctx, it.fn, p, target); err != nil {
			e.Logger.Warn("transition observer failed",
				zap.Int("observer", it.id),
				zap.String("project_id", p.ID),
				zap.String("status", target),
				zap.Error(err))
		}
	}
}

func callObserver(ctx context.Context, fn Observer, p domain.Project, target string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return fn(ctx, p, target)
}
