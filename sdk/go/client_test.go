package sitetracksdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/app"
	"sitetrack/internal/server"
	sitetracksdk "sitetrack/sdk/go"
)

const secret = "sdk-secret"

func newClient(t *testing.T) *sitetracksdk.Client {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Now:       func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: a.Engine, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	token, err := server.IssueToken(secret, "山田花子", nil, time.Hour, time.Now())
	require.NoError(t, err)
	return sitetracksdk.New(ts.URL, token)
}

func TestClientWorkflow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, sitetracksdk.ProjectInput{
		Name:        "SDK案件",
		ClientName:  "株式会社テスト",
		StartDate:   "2024-04-01",
		EndDate:     "2024-05-31",
		SiteManager: "佐藤次郎",
	})
	require.NoError(t, err)
	assert.Equal(t, "見積", p.Status.Current)
	assert.Equal(t, 17, p.Progress)

	tr, err := c.AllowedTransitions(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"受注"}, tr.Allowed)

	amount := int64(4_800_000)
	updated, err := c.ChangeStatus(ctx, p.ID, sitetracksdk.StatusChange{Status: "受注", ContractAmount: &amount, Notes: "契約締結"})
	require.NoError(t, err)
	assert.Equal(t, "受注", updated.Status.Current)
	assert.Equal(t, 33, updated.Progress)
	require.NotNil(t, updated.Contract.Amount)
	assert.Equal(t, amount, *updated.Contract.Amount)
	require.Len(t, updated.Status.History, 2)
	assert.Equal(t, "山田花子", updated.Status.History[1].ChangedBy)

	tickets, err := c.Tickets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, p.ID, tickets[0].ProjectID)

	notes, err := c.Notifications(ctx, "佐藤次郎", true)
	require.NoError(t, err)
	require.NotEmpty(t, notes)
	read, err := c.MarkNotificationRead(ctx, notes[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	list, err := c.ListProjects(ctx, sitetracksdk.ProjectQuery{Status: "受注"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	evts, err := c.Events(ctx, p.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evts)

	require.NoError(t, c.DeleteProject(ctx, p.ID))
	_, err = c.GetProject(ctx, p.ID)
	var apiErr *sitetracksdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientDecodesValidationErrors(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, sitetracksdk.ProjectInput{Name: "飛び越し", ClientName: "甲"})
	require.NoError(t, err)

	_, err = c.ChangeStatus(ctx, p.ID, sitetracksdk.StatusChange{Status: "施工中"})
	var apiErr *sitetracksdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "validation_failed", apiErr.Code)
	assert.Equal(t, "施工中", apiErr.Details["status"])
}

func TestClientWithoutCredentials(t *testing.T) {
	c := newClient(t)
	c.BearerToken = ""
	_, err := c.ListProjects(context.Background(), sitetracksdk.ProjectQuery{})
	var apiErr *sitetracksdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
