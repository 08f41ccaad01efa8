package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sitetrack/internal/config"
	"sitetrack/internal/domain"
)

const DefaultTimeout = 5 * time.Second

// Webhook posts notifications to every enabled hook subscribed to
// EventAutoTicket.
type Webhook struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
}

type notificationBody struct {
	Type         string              `json:"type"`
	Notification domain.Notification `json:"notification"`
}

func (w Webhook) Notify(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(notificationBody{Type: EventAutoTicket, Notification: n})
	if err != nil {
		return err
	}
	var failed []string
	for _, hook := range w.Hooks {
		if !hook.IsEnabled() || !hook.Matches(EventAutoTicket) {
			continue
		}
		if err := Post(ctx, w.Client, hook, EventAutoTicket, n.ID, data); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", hook.URL, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("webhook delivery failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

// Post sends one JSON body to hook. A non-2xx response is an error that
// carries the start of the response body.
func Post(ctx context.Context, client *http.Client, hook config.WebhookConfig, event, delivery string, body []byte) error {
	timeout := DefaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sitetrack-Event", event)
	req.Header.Set("X-Sitetrack-Delivery", delivery)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Sitetrack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
