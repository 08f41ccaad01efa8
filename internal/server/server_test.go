package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"sitetrack/internal/app"
	"sitetrack/internal/config"
	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

const testSecret = "test-secret"

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	handler, err := New(Config{Engine: a.Engine, BasePath: "/v0", Auth: authCfg})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func legacyServer(t *testing.T) *testServer {
	return newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
}

var asYamada = map[string]string{"X-Actor-Id": "山田花子"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func createProject(t *testing.T, srv *testServer, body map[string]any) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", body, asYamada)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var p ProjectResponse
	require.NoError(t, json.Unmarshal(data, &p))
	return p
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := legacyServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v0/projects/{id}/status")
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	srv := legacyServer(t)
	p := createProject(t, srv, map[string]any{
		"name":        "田中邸新築工事",
		"clientName":  "田中太郎",
		"clientPhone": "090-1234-5678",
		"siteManager": "佐藤次郎",
		"startDate":   "2024-03-15",
		"endDate":     "2024-06-30",
	})
	assert.Equal(t, "見積", p.Status.Current)
	assert.Equal(t, 17, p.Progress)
	assert.Equal(t, "normal", p.Urgency)
	require.Len(t, p.Status.History, 1)
	assert.Equal(t, "山田花子", p.Status.History[0].ChangedBy)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/transitions", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tr TransitionsResponse
	require.NoError(t, json.Unmarshal(data, &tr))
	assert.Equal(t, TransitionsResponse{Current: "見積", Allowed: []string{"受注"}}, tr)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/transitions/check",
		map[string]any{"status": "受注"}, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var check TransitionCheckResponse
	require.NoError(t, json.Unmarshal(data, &check))
	assert.Equal(t, []string{"見積金額が設定されていません"}, check.Warnings)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/status",
		map[string]any{"status": "受注", "contractAmount": 5000000, "notes": "契約締結"}, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var ordered ProjectResponse
	require.NoError(t, json.Unmarshal(data, &ordered))
	assert.Equal(t, "受注", ordered.Status.Current)
	assert.Equal(t, 33, ordered.Progress)
	require.NotNil(t, ordered.Contract.Amount)
	assert.EqualValues(t, 5000000, *ordered.Contract.Amount)
	assert.Equal(t, "2024-03-01", ordered.Contract.SignedDate)
	last, _ := ordered.LastChange()
	assert.Equal(t, domain.HistoryEntry{Status: "受注", Date: "2024-03-01T09:00:00Z", ChangedBy: "山田花子", Notes: "契約締結"}, last)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/notifications?"+url.Values{"targetUser": {"佐藤次郎"}, "unread": {"true"}}.Encode(), nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var notes NotificationList
	require.NoError(t, json.Unmarshal(data, &notes))
	require.Len(t, notes.Items, 1)
	assert.Equal(t, "新規案件起票", notes.Items[0].Title)
	assert.Equal(t, p.ID, notes.Items[0].ProjectID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/notifications/"+notes.Items[0].ID+"/read", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var read domain.Notification
	require.NoError(t, json.Unmarshal(data, &read))
	assert.True(t, read.Read)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tickets", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tickets TicketList
	require.NoError(t, json.Unmarshal(data, &tickets))
	require.Len(t, tickets.Items, 1)
	assert.Equal(t, domain.TicketCompleted, tickets.Items[0].Status)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/projects/"+p.ID, map[string]any{
		"name":        "田中邸新築工事（変更）",
		"clientName":  "田中太郎",
		"siteManager": "佐藤次郎",
	}, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated ProjectResponse
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "田中邸新築工事（変更）", updated.Name)
	assert.Equal(t, "受注", updated.Status.Current)
	assert.Len(t, updated.Status.History, 2)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?projectId="+p.ID, nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts EventList
	require.NoError(t, json.Unmarshal(data, &evts))
	require.NotEmpty(t, evts.Items)
	assert.Equal(t, events.ProjectUpdated, evts.Items[0].Type)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/projects/"+p.ID, nil, asYamada)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID, nil, asYamada)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestStatusChangeErrors(t *testing.T) {
	srv := legacyServer(t)
	p := createProject(t, srv, map[string]any{"name": "改装工事", "clientName": "佐藤"})
	statusURL := srv.URL + "/v0/projects/" + p.ID + "/status"

	res, data := doJSON(t, srv.Client(), http.MethodPost, statusURL, map[string]any{"status": "施工中"}, asYamada)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	body := decodeError(t, data)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Equal(t, "施工中", body.Details["status"])
	assert.Contains(t, body.Message, "「見積」から「施工中」への変更は許可されていません")

	res, data = doJSON(t, srv.Client(), http.MethodPost, statusURL, map[string]any{"status": ""}, asYamada)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Contains(t, decodeError(t, data).Message, "変更先ステータスを選択してください")

	res, data = doJSON(t, srv.Client(), http.MethodPost, statusURL, map[string]any{"status": "受注", "actualDate": "2024/03/05"}, asYamada)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	fields, ok := decodeError(t, data).Details["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "actualDate")

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/missing/status", map[string]any{"status": "受注"}, asYamada)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID, nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var unchanged ProjectResponse
	require.NoError(t, json.Unmarshal(data, &unchanged))
	assert.Equal(t, p.Version, unchanged.Version)
	assert.Len(t, unchanged.Status.History, 1)
}

func TestCreateProjectValidation(t *testing.T) {
	srv := legacyServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":       " ",
		"clientName": "田中",
		"startDate":  "2024-05-01",
		"endDate":    "2024-04-01",
	}, asYamada)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	fields := decodeError(t, data).Details["fields"].(map[string]any)
	assert.Contains(t, fields, "name")

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{"clientName": "田中"}, asYamada)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListProjectsFilters(t *testing.T) {
	srv := legacyServer(t)
	createProject(t, srv, map[string]any{"name": "A工事", "clientName": "甲", "projectManager": "山田花子"})
	createProject(t, srv, map[string]any{"name": "B工事", "clientName": "乙", "startDate": "2024-04-01", "endDate": "2024-05-01"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?manager="+url.QueryEscape("山田花子"), nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list ProjectList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "A工事", list.Items[0].Name)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?view=gantt", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "B工事", list.Items[0].Name)

	for _, key := range []string{"progress", "createdAt"} {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?desc=true&sort="+key, nil, asYamada)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		require.NoError(t, json.Unmarshal(data, &list))
		assert.Len(t, list.Items, 2, key)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?sort=bogus", nil, asYamada)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects?view=bogus", nil, asYamada)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStatusesAndDashboard(t *testing.T) {
	srv := legacyServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/statuses", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var statuses StatusList
	require.NoError(t, json.Unmarshal(data, &statuses))
	require.Len(t, statuses.Items, 6)
	assert.Equal(t, "受注", statuses.Items[1].Name)
	assert.True(t, statuses.Items[1].TriggerAutoTicket)
	assert.Equal(t, 33, statuses.Items[1].Progress)
	assert.True(t, statuses.Items[5].Terminal)
	assert.Empty(t, statuses.Items[5].AllowedTransitions)

	createProject(t, srv, map[string]any{"name": "期限間近", "clientName": "甲", "endDate": "2024-03-03", "estimateAmount": 1200000})
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dash DashboardResponse
	require.NoError(t, json.Unmarshal(data, &dash))
	assert.Equal(t, 1, dash.Stats.Total)
	assert.EqualValues(t, 1200000, dash.Stats.TotalAmount)
	require.Len(t, dash.Alerts, 1)
	assert.Equal(t, "完了予定日まで2日です", dash.Alerts[0].Message)
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	token, err := IssueToken(testSecret, "鈴木一郎", nil, time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects",
		map[string]any{"name": "JWT案件", "clientName": "甲"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var p ProjectResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, "鈴木一郎", p.Status.History[0].ChangedBy)

	forged, err := IssueToken("other-secret", "鈴木一郎", nil, time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	expired, err := IssueToken(testSecret, "鈴木一郎", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, asYamada)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "legacy header is off by default")

	_, err = IssueToken("", "x", nil, 0, time.Now())
	assert.Error(t, err)
}

func TestExports(t *testing.T) {
	srv := legacyServer(t)
	createProject(t, srv, map[string]any{"name": "田中邸新築工事", "clientName": "田中太郎"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export.csv", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "text/csv; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "filename*=UTF-8''")
	assert.True(t, strings.HasPrefix(string(data), "\uFEFF\"案件名\""))
	assert.Contains(t, string(data), `"田中邸新築工事","田中太郎"`)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export.csv?charset=shift_jis", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(decoded), `"案件名"`))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export.csv?charset=latin1", nil, asYamada)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export.xlsx", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, bytes.HasPrefix(data, []byte("PK")), "xlsx is a zip archive")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export.json", nil, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var b repo.Bundle
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, repo.BundleVersion, b.Version)
	assert.Len(t, b.Projects, 1)
	assert.Len(t, b.StatusDefinitions, 6)
}

func TestStreamReceivesStatusChanges(t *testing.T) {
	srv := legacyServer(t)
	p := createProject(t, srv, map[string]any{"name": "配信案件", "clientName": "甲", "siteManager": "佐藤次郎"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "佐藤次郎")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)
	readEvent := func() (string, string) {
		var evt, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if evt != "" {
					return evt, data
				}
			case strings.HasPrefix(line, "event: "):
				evt = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}
	evt, _ := readEvent()
	require.Equal(t, "connected", evt)

	res2, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/status", map[string]any{"status": "受注"}, asYamada)
	require.Equal(t, http.StatusOK, res2.StatusCode, string(body))

	evt, data := readEvent()
	require.Equal(t, EventStatusChanged, evt)
	var payload statusChangedData
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, p.ID, payload.ProjectID)
	assert.Equal(t, "受注", payload.Status)
	assert.Equal(t, 33, payload.Progress)
	assert.Equal(t, "山田花子", payload.ChangedBy)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(nil)
	c := &streamClient{id: "slow", events: make(chan StreamEvent, 1)}
	h.register(c)
	h.Broadcast(StreamEvent{Type: "a"})
	h.Broadcast(StreamEvent{Type: "b"})
	assert.Equal(t, "a", (<-c.events).Type)
	assert.Empty(t, c.events)
	h.unregister("slow")
	assert.Zero(t, h.Clients())
	_, open := <-c.events
	assert.False(t, open)
}

func TestWebhookDispatcherForwardsEvents(t *testing.T) {
	type delivery struct {
		event  string
		secret string
		body   webhookEvent
	}
	var (
		mu       sync.Mutex
		received []delivery
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, delivery{event: r.Header.Get("X-Sitetrack-Event"), secret: r.Header.Get("X-Sitetrack-Secret"), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := legacyServer(t)
	ctx := context.Background()
	// seeded before the dispatcher starts, so never delivered
	_, err := srv.App.Engine.UpdateSettings(ctx, func(s *domain.Settings) { s.CompanyName = "テスト工務店" }, "")
	require.NoError(t, err)

	d := newWebhookDispatcher(srv.App.Engine.Events, []config.WebhookConfig{
		{URL: hook.URL, Secret: "s3cret", Events: []string{events.ProjectStatusChanged}},
	}, nil)
	d.dispatchAll(ctx)

	p := createProject(t, srv, map[string]any{"name": "通知案件", "clientName": "甲", "siteManager": "佐藤次郎"})
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/status", map[string]any{"status": "受注"}, asYamada)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, events.ProjectStatusChanged, received[0].event)
	assert.Equal(t, "s3cret", received[0].secret)
	assert.Equal(t, p.ID, received[0].body.ProjectID)
	assert.Equal(t, "山田花子", received[0].body.ActorID)

	latest, err := srv.App.Engine.Events.LatestID(ctx)
	require.NoError(t, err)
	require.Len(t, d.hooks, 1)
	assert.Equal(t, latest, d.hooks[0].cursor)
}
