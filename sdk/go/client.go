package sitetracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal sitetrack HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken is an HS256 JWT issued by 'st token'.
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; the server only
	// accepts it when started with --allow-legacy-actor.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Client struct {
		Name string `json:"name"`
	} `json:"client"`
	Contract struct {
		Amount *int64 `json:"amount,omitempty"`
	} `json:"contract"`
	Schedule struct {
		StartDate       string `json:"startDate,omitempty"`
		EndDate         string `json:"endDate,omitempty"`
		ActualStartDate string `json:"actualStartDate,omitempty"`
		ActualEndDate   string `json:"actualEndDate,omitempty"`
	} `json:"schedule"`
	Status struct {
		Current string         `json:"current"`
		History []HistoryEntry `json:"history"`
	} `json:"status"`
	Priority string `json:"priority"`
	Progress int    `json:"progress"`
	Version  int64  `json:"version"`
	Urgency  string `json:"urgency"`
}

type HistoryEntry struct {
	Status    string `json:"status"`
	Date      string `json:"date"`
	ChangedBy string `json:"changedBy"`
	Notes     string `json:"notes,omitempty"`
}

// ProjectInput is the create/update body.
type ProjectInput struct {
	Name           string   `json:"name"`
	ClientName     string   `json:"clientName"`
	ClientPhone    string   `json:"clientPhone,omitempty"`
	ClientEmail    string   `json:"clientEmail,omitempty"`
	ClientAddress  string   `json:"clientAddress,omitempty"`
	EstimateAmount *int64   `json:"estimateAmount,omitempty"`
	EstimateDate   string   `json:"estimateDate,omitempty"`
	StartDate      string   `json:"startDate,omitempty"`
	EndDate        string   `json:"endDate,omitempty"`
	ProjectManager string   `json:"projectManager,omitempty"`
	SiteManager    string   `json:"siteManager,omitempty"`
	Workers        []string `json:"workers,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// ProjectQuery filters ListProjects. View is "", "site" or "gantt".
type ProjectQuery struct {
	Query    string
	Status   string
	Manager  string
	Priority string
	Sort     string
	Desc     bool
	View     string
	Limit    int
}

// StatusChange is the body of ChangeStatus.
type StatusChange struct {
	Status         string `json:"status"`
	Notes          string `json:"notes,omitempty"`
	ContractAmount *int64 `json:"contractAmount,omitempty"`
	ActualDate     string `json:"actualDate,omitempty"`
}

type Transitions struct {
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	ProjectID  string `json:"projectId"`
	TargetUser string `json:"targetUser"`
	CreatedAt  string `json:"createdAt"`
	Read       bool   `json:"read"`
}

type Ticket struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	SiteManager string `json:"siteManager"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	TicketedAt  string `json:"ticketedAt"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code, Message and Details come from the
// server's error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListProjects returns projects matching q.
func (c *Client) ListProjects(ctx context.Context, q ProjectQuery) ([]Project, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("q", q.Query)
	set("status", q.Status)
	set("manager", q.Manager)
	set("priority", q.Priority)
	set("sort", q.Sort)
	set("view", q.View)
	if q.Desc {
		v.Set("desc", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("projects", v), nil, &resp)
	return resp.Items, err
}

// CreateProject creates a project in the initial status.
func (c *Client) CreateProject(ctx context.Context, in ProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", in, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// UpdateProject replaces the editable fields of a project.
func (c *Client) UpdateProject(ctx context.Context, id string, in ProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPut, projectPath(id, ""), in, &resp)
	return resp, err
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, projectPath(id, ""), nil, nil)
}

// AllowedTransitions lists the statuses a project may move to.
func (c *Client) AllowedTransitions(ctx context.Context, id string) (Transitions, error) {
	var resp Transitions
	err := c.do(ctx, http.MethodGet, projectPath(id, "transitions"), nil, &resp)
	return resp, err
}

// CheckTransition validates a move without applying it and returns the
// advisory warnings.
func (c *Client) CheckTransition(ctx context.Context, id, target string) ([]string, error) {
	var resp struct {
		Warnings []string `json:"warnings"`
	}
	err := c.do(ctx, http.MethodPost, projectPath(id, "transitions/check"), map[string]string{"status": target}, &resp)
	return resp.Warnings, err
}

// ChangeStatus applies a status transition.
func (c *Client) ChangeStatus(ctx context.Context, id string, change StatusChange) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "status"), change, &resp)
	return resp, err
}

// Notifications lists notifications, newest first.
func (c *Client) Notifications(ctx context.Context, targetUser string, unreadOnly bool) ([]Notification, error) {
	v := url.Values{}
	if targetUser != "" {
		v.Set("targetUser", targetUser)
	}
	if unreadOnly {
		v.Set("unread", "true")
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("notifications", v), nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	var resp Notification
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("notifications/%s/read", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tickets returns auto-ticket records, newest first.
func (c *Client) Tickets(ctx context.Context, limit int) ([]Ticket, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Ticket `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("tickets", v), nil, &resp)
	return resp.Items, err
}

// Events returns recent events, optionally for one project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	v := url.Values{}
	if projectID != "" {
		v.Set("projectId", projectID)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func projectPath(id, p string) string {
	out := "projects/" + url.PathEscape(id)
	if p != "" {
		out += "/" + p
	}
	return out
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
