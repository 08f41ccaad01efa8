package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/app"
	"sitetrack/internal/config"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
)

func TestOpenSeedsDefaults(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Samples: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"見積", "受注", "施工前", "施工中", "施工完了", "案件完了"}, a.Engine.Statuses.Names())
	users, err := a.Engine.Repo.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 3)
	settings, err := a.Engine.Repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.AutoTicketEnabled)

	projects, err := a.Engine.Repo.AllProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "田中邸新築工事", projects[0].Name)
	assert.Equal(t, 67, projects[0].Progress)
	assert.Equal(t, 50, projects[1].Progress)
}

func TestOpenKeepsExistingRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := app.Open(ctx, app.Options{Workspace: dir, Samples: true})
	require.NoError(t, err)
	_, err = a.Engine.UpdateSettings(ctx, func(s *domain.Settings) { s.CompanyName = "テスト工務店" }, "")
	require.NoError(t, err)
	_, err = a.Engine.CreateProject(ctx, engine.ProjectInput{Name: "追加案件", ClientName: "顧客"}, "")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := app.Open(ctx, app.Options{Workspace: dir, Samples: true})
	require.NoError(t, err)
	defer b.Close()
	settings, err := b.Engine.Repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "テスト工務店", settings.CompanyName)
	projects, err := b.Engine.Repo.AllProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 3)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	bad := `
statuses:
  definitions:
    a: {order: 1}
    b: {order: 2, allowed_transitions: []}
`
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(bad), 0o644))
	_, err := app.Open(context.Background(), app.Options{Workspace: dir})
	require.Error(t, err)
}
