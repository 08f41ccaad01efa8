package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/events"
	"sitetrack/internal/migrate"
	"sitetrack/internal/repo"
	"sitetrack/internal/store"
)

// faultyStore fails every write to one key.
type faultyStore struct {
	store.Store
	failKey string
}

var errDiskFull = errors.New("disk full")

func (f *faultyStore) Put(ctx context.Context, key string, value []byte) error {
	if key == f.failKey {
		return errDiskFull
	}
	return f.Store.Put(ctx, key, value)
}

func (f *faultyStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) error {
	if key == f.failKey {
		return errDiskFull
	}
	return f.Store.CompareAndSwap(ctx, key, version, value)
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Store  *faultyStore
	Logs   *observer.ObservedLogs
	clock  *time.Time
}

func (e testEnv) advance(d time.Duration) { *e.clock = e.clock.Add(d) }

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	tbl, err := cfg.StatusTable()
	require.NoError(t, err)
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	var seq atomic.Int64
	st := &faultyStore{Store: store.NewSQLite(conn)}
	r := repo.Repo{
		Store:    st,
		Statuses: tbl,
		NewID: func() string {
			return fmt.Sprintf("id-%d", seq.Add(1))
		},
	}
	ctx := context.Background()
	require.NoError(t, r.PutSettings(ctx, cfg.Settings))

	core, logs := observer.New(zap.DebugLevel)
	eng, err := engine.New(r, engine.Options{
		Events: events.Writer{DB: conn},
		Logger: zap.New(core),
		Now:    now,
	})
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: ctx, Store: st, Logs: logs, clock: &clock}
}

func amount(v int64) *int64 { return &v }

func (e testEnv) createProject(t *testing.T, siteManager string) domain.Project {
	t.Helper()
	p, err := e.Engine.CreateProject(e.Ctx, engine.ProjectInput{
		Name:           "田中邸新築工事",
		ClientName:     "田中太郎",
		ClientPhone:    "090-1234-5678",
		ClientAddress:  "東京都世田谷区1-2-3",
		EstimateAmount: amount(15000000),
		StartDate:      "2024-04-01",
		EndDate:        "2024-09-30",
		ProjectManager: "山田花子",
		SiteManager:    siteManager,
	}, "山田花子")
	require.NoError(t, err)
	return p
}

func TestCreateProjectSeedsInitialStatus(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")

	assert.Equal(t, domain.StatusEstimate, p.Status.Current)
	require.Len(t, p.Status.History, 1)
	assert.Equal(t, domain.HistoryEntry{Status: "見積", Date: "2024-03-01T09:00:00Z", ChangedBy: "山田花子", Notes: "新規登録"}, p.Status.History[0])
	assert.Equal(t, 17, p.Progress)
	assert.Equal(t, "2024-03-01", p.Estimate.Date)
	assert.Equal(t, "2024-03-31", p.Estimate.ValidUntil)
	assert.Equal(t, "東京都世田谷区1-2-3", p.Location.Address)
	assert.Equal(t, domain.PriorityNormal, p.Priority)

	evts, err := env.Engine.Events.Latest(env.Ctx, 10, events.Filter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ProjectCreated, evts[0].Type)
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]struct {
		in    engine.ProjectInput
		field string
	}{
		"missing name":     {engine.ProjectInput{ClientName: "x"}, "name"},
		"missing client":   {engine.ProjectInput{Name: "x"}, "clientName"},
		"bad email":        {engine.ProjectInput{Name: "x", ClientName: "y", ClientEmail: "nope"}, "clientEmail"},
		"bad phone":        {engine.ProjectInput{Name: "x", ClientName: "y", ClientPhone: "12-ab"}, "clientPhone"},
		"negative amount":  {engine.ProjectInput{Name: "x", ClientName: "y", EstimateAmount: amount(-1)}, "estimateAmount"},
		"bad date":         {engine.ProjectInput{Name: "x", ClientName: "y", StartDate: "2024/04/01"}, "startDate"},
		"bad priority":     {engine.ProjectInput{Name: "x", ClientName: "y", Priority: "asap"}, "priority"},
		"end before start": {engine.ProjectInput{Name: "x", ClientName: "y", StartDate: "2024-05-01", EndDate: "2024-05-01"}, "endDate"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateProject(env.Ctx, tc.in, "")
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
	all, err := env.Engine.Repo.AllProjects(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScenarioOrderCreatesTicket(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")

	updated, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{ChangedBy: "X", ContractAmount: amount(1000)})
	require.NoError(t, err)

	assert.Equal(t, "受注", updated.Status.Current)
	require.NotNil(t, updated.Contract.Amount)
	assert.EqualValues(t, 1000, *updated.Contract.Amount)
	assert.Equal(t, "2024-03-01", updated.Contract.SignedDate)
	assert.Equal(t, 33, updated.Progress)
	require.Len(t, updated.Status.History, 2)
	assert.Equal(t, "X", updated.Status.History[1].ChangedBy)

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "", false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "佐藤次郎", notes[0].TargetUser)
	assert.Equal(t, "新規案件起票", notes[0].Title)
	assert.Equal(t, "案件「田中邸新築工事」が起票されました", notes[0].Message)

	logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.TicketCompleted, logs[0].Status)
	assert.Equal(t, p.ID, logs[0].ProjectID)
	assert.EqualValues(t, 1000, *logs[0].ContractAmount)
	assert.Zero(t, env.Engine.Dispatcher().Pending())

	evts, err := env.Engine.Events.Latest(env.Ctx, 10, events.Filter{Type: events.TicketCompleted})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestConcurrentTransitionsCommitOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")

	const n = 8
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{ChangedBy: fmt.Sprintf("worker-%d", i)})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "受注", verr.Status)
	}
	assert.Equal(t, 1, successes)

	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "受注", got.Status.Current)
	assert.Len(t, got.Status.History, 2)

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "", false)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestConcurrentOrdersFinishOwnTicket(t *testing.T) {
	env := newTestEnv(t)
	const n = 6
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.createProject(t, "佐藤次郎").ID
	}

	var wg sync.WaitGroup
	failures := make(chan string, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := env.Engine.ApplyTransition(env.Ctx, id, "受注", engine.TransitionOptions{}); err != nil {
				failures <- id + ": " + err.Error()
				return
			}
			logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, repo.MaxTicketLogs)
			if err != nil {
				failures <- id + ": " + err.Error()
				return
			}
			for _, rec := range logs {
				if rec.ProjectID == id && rec.Status == domain.TicketCompleted {
					return
				}
			}
			failures <- id + ": ticket not finished on return"
		}(id)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
	assert.Zero(t, env.Engine.Dispatcher().Pending())
}

func TestScenarioTerminalRejectsEveryTarget(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	for _, s := range []string{"受注", "施工前", "施工中", "施工完了", "案件完了"} {
		_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, s, engine.TransitionOptions{})
		require.NoError(t, err)
	}
	before, err := env.Store.Get(env.Ctx, repo.KeyProjects)
	require.NoError(t, err)

	for _, s := range []string{"見積", "受注", "施工中", "案件完了", ""} {
		_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, s, engine.TransitionOptions{})
		var verr *engine.ValidationError
		require.ErrorAs(t, err, &verr, "target %q", s)
	}
	after, err := env.Store.Get(env.Ctx, repo.KeyProjects)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestScenarioUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApplyTransition(env.Ctx, "missing", "受注", engine.TransitionOptions{})
	require.ErrorIs(t, err, repo.ErrNotFound)

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
	logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestWalkLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	wantProgress := map[string]int{"受注": 33, "施工前": 50, "施工中": 67, "施工完了": 83, "案件完了": 100}

	prev := p
	for _, s := range []string{"受注", "施工前", "施工中", "施工完了", "案件完了"} {
		env.advance(24 * time.Hour)
		next, err := env.Engine.ApplyTransition(env.Ctx, p.ID, s, engine.TransitionOptions{Notes: "step " + s})
		require.NoError(t, err)
		assert.Len(t, next.Status.History, len(prev.Status.History)+1)
		assert.Equal(t, prev.Status.History, next.Status.History[:len(prev.Status.History)])
		assert.Equal(t, wantProgress[s], next.Progress)
		assert.Greater(t, next.Progress, prev.Progress)
		assert.Equal(t, domain.SystemActor, next.Status.History[len(next.Status.History)-1].ChangedBy)
		prev = next
	}
	assert.Equal(t, "2024-03-04", prev.Schedule.ActualStartDate)
	assert.Equal(t, "2024-03-05", prev.Schedule.ActualEndDate)
	assert.Nil(t, prev.Contract.Amount)
	assert.Empty(t, env.Engine.AllowedTransitions(prev))
}

func TestActualDatesNotOverwritten(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	_, err := env.Engine.Repo.UpdateProject(env.Ctx, p.ID, func(p *domain.Project) error {
		p.Status.Current = "施工前"
		p.Schedule.ActualStartDate = "2024-02-20"
		return nil
	})
	require.NoError(t, err)

	got, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "施工中", engine.TransitionOptions{ActualDate: "2024-02-25"})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-20", got.Schedule.ActualStartDate)

	got, err = env.Engine.ApplyTransition(env.Ctx, p.ID, "施工完了", engine.TransitionOptions{ActualDate: "2024-02-28"})
	require.NoError(t, err)
	assert.Equal(t, "2024-02-28", got.Schedule.ActualEndDate)
}

func TestTransitionOptionsValidated(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	cases := map[string]engine.TransitionOptions{
		"zero contract": {ContractAmount: amount(0)},
		"bad date":      {ActualDate: "03/01/2024"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", opts)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "受注", verr.Status)
		})
	}
	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "見積", got.Status.Current)
}

func TestValidateTransitionWarnings(t *testing.T) {
	env := newTestEnv(t)
	p := domain.Project{Status: domain.StatusState{Current: "見積"}}
	warnings, err := env.Engine.ValidateTransition(p, "受注")
	require.NoError(t, err)
	assert.Equal(t, []string{"見積金額が設定されていません"}, warnings)

	p.Status.Current = "施工前"
	warnings, err = env.Engine.ValidateTransition(p, "施工中")
	require.NoError(t, err)
	assert.Equal(t, []string{"着工予定日が設定されていません", "現場管理者が設定されていません"}, warnings)

	p.Schedule.StartDate = "2024-04-01"
	p.AssignedTo.SiteManager = "佐藤次郎"
	warnings, err = env.Engine.ValidateTransition(p, "施工中")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	_, err = env.Engine.ValidateTransition(p, "案件完了")
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTicketWithoutSiteManagerFails(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "")

	updated, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "受注", updated.Status.Current)

	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
	logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.TicketFailed, logs[0].Status)
	assert.Equal(t, "現場管理者が設定されていません", logs[0].Error)
	assert.Equal(t, 1, env.Logs.FilterMessage("auto ticket failed").Len())
}

func TestTicketFailureKeepsStatusChange(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	env.Store.failKey = repo.KeyTicketLogs

	updated, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "受注", updated.Status.Current)

	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "受注", got.Status.Current)

	// The notification written before the log failure is rolled back.
	notes, err := env.Engine.Repo.ListNotifications(env.Ctx, "", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
	failed := env.Logs.FilterMessage("auto ticket failed").All()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ContextMap()["error"], "disk full")
}

func TestNotificationWriteFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	env.Store.failKey = repo.KeyNotifications

	_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	require.NoError(t, err)

	logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.TicketFailed, logs[0].Status)
	assert.Contains(t, logs[0].Error, "disk full")
}

func TestAutoTicketDisabledBySettings(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	_, err := env.Engine.UpdateSettings(env.Ctx, func(s *domain.Settings) { s.AutoTicketEnabled = false }, "山田花子")
	require.NoError(t, err)

	_, err = env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	require.NoError(t, err)
	logs, err := env.Engine.Repo.ListTicketLogs(env.Ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestProjectWritePersistenceError(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	env.Store.failKey = repo.KeyProjects

	_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	var perr *engine.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.ErrorIs(t, err, errDiskFull)

	env.Store.failKey = ""
	got, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "見積", got.Status.Current)
}

func TestObserversRunInOrderAndAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")

	var calls []string
	env.Engine.Subscribe(func(_ context.Context, p domain.Project, s string) error {
		calls = append(calls, "first:"+s)
		return errors.New("first failed")
	})
	env.Engine.Subscribe(func(context.Context, domain.Project, string) error {
		calls = append(calls, "second")
		panic("boom")
	})
	unsubscribe := env.Engine.Subscribe(func(_ context.Context, p domain.Project, s string) error {
		calls = append(calls, "third:"+p.Status.Current)
		return nil
	})

	_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:受注", "second", "third:受注"}, calls)
	assert.Equal(t, 2, env.Logs.FilterMessage("transition observer failed").Len())

	unsubscribe()
	unsubscribe()
	calls = nil
	_, err = env.Engine.ApplyTransition(env.Ctx, p.ID, "施工前", engine.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:施工前", "second"}, calls)
}

func TestUpdateProjectKeepsWorkflowFields(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	_, err := env.Engine.ApplyTransition(env.Ctx, p.ID, "受注", engine.TransitionOptions{ContractAmount: amount(2000)})
	require.NoError(t, err)

	in := engine.InputFromProject(p)
	in.Name = "田中邸新築工事（変更）"
	in.Priority = domain.PriorityHigh
	got, err := env.Engine.UpdateProject(env.Ctx, p.ID, in, "山田花子")
	require.NoError(t, err)
	assert.Equal(t, "田中邸新築工事（変更）", got.Name)
	assert.Equal(t, "受注", got.Status.Current)
	assert.Equal(t, 33, got.Progress)
	assert.EqualValues(t, 2000, *got.Contract.Amount)
	assert.Equal(t, domain.PriorityHigh, got.Priority)

	require.NoError(t, env.Engine.DeleteProject(env.Ctx, p.ID, "山田花子"))
	require.ErrorIs(t, env.Engine.DeleteProject(env.Ctx, p.ID, "山田花子"), repo.ErrNotFound)
}

func TestGetProjectIsStable(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "佐藤次郎")
	a, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	b, err := env.Engine.GetProject(env.Ctx, p.ID)
	require.NoError(t, err)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.JSONEq(t, string(ja), string(jb))
}
