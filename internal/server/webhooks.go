package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sitetrack/internal/config"
	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/logging"
	"sitetrack/internal/notify"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookBatch        = 100
)

// hookState is one configured hook and the id of the last event it has
// seen. primed is false until the cursor has been placed at the log head.
type hookState struct {
	cfg    config.WebhookConfig
	cursor int64
	primed bool
}

// webhookDispatcher forwards audit events to hooks. It is driven by a single
// goroutine; a failed delivery leaves the cursor in place so the event is
// retried on the next poll.
type webhookDispatcher struct {
	events events.Writer
	hooks  []*hookState
	client *http.Client
	logger *zap.Logger
}

func newWebhookDispatcher(w events.Writer, hooks []config.WebhookConfig, logger *zap.Logger) *webhookDispatcher {
	d := &webhookDispatcher{
		events: w,
		client: &http.Client{Timeout: notify.DefaultTimeout},
		logger: logging.OrNop(logger),
	}
	for _, h := range hooks {
		if h.IsEnabled() {
			d.hooks = append(d.hooks, &hookState{cfg: h})
		}
	}
	return d
}

// StartWebhooks polls the event log until ctx is done. It does nothing when
// no hooks are enabled or the backend keeps no event log.
func StartWebhooks(ctx context.Context, w events.Writer, hooks []config.WebhookConfig, logger *zap.Logger) {
	if !w.Enabled() {
		return
	}
	d := newWebhookDispatcher(w, hooks, logger)
	if len(d.hooks) == 0 {
		return
	}
	go d.run(ctx, webhookPollInterval)
}

func (d *webhookDispatcher) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if err := d.dispatch(ctx, h); err != nil {
			d.logger.Warn("webhook delivery stopped", zap.String("url", h.cfg.URL), zap.Int64("cursor", h.cursor), zap.Error(err))
		}
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, h *hookState) error {
	if !h.primed {
		// only events recorded after the dispatcher starts are sent
		head, err := d.events.LatestID(ctx)
		if err != nil {
			return err
		}
		h.cursor, h.primed = head, true
	}
	batch, err := d.events.After(ctx, webhookBatch, events.Filter{AfterID: h.cursor})
	if err != nil {
		return err
	}
	for _, evt := range batch {
		if h.cfg.Matches(evt.Type) {
			if err := d.post(ctx, h.cfg, evt); err != nil {
				return err
			}
		}
		h.cursor = evt.ID
	}
	return nil
}

// webhookEvent is the JSON body sent to hooks. A payload that is not valid
// JSON is passed through as payloadRaw.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	TS         string          `json:"ts"`
	ProjectID  string          `json:"projectId,omitempty"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId,omitempty"`
	ActorID    string          `json:"actorId"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payloadRaw,omitempty"`
}

func toWebhookEvent(evt domain.Event) webhookEvent {
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		TS:         evt.TS,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    json.RawMessage("{}"),
	}
	switch {
	case evt.Payload == "":
	case json.Valid([]byte(evt.Payload)):
		out.Payload = json.RawMessage(evt.Payload)
	default:
		out.PayloadRaw = evt.Payload
	}
	return out
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	body, err := json.Marshal(toWebhookEvent(evt))
	if err != nil {
		return err
	}
	return notify.Post(ctx, d.client, hook, evt.Type, strconv.FormatInt(evt.ID, 10), body)
}
