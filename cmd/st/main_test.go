package main

import (
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
)

func TestSettingSetter(t *testing.T) {
	var s domain.Settings
	for _, arg := range [][2]string{
		{"companyName", "山田工務店"},
		{"autoTicketEnabled", "false"},
		{"defaultEstimateValidDays", "45"},
		{"workingDays", "monday, tuesday"},
		{"notifications.deadlineAlert", "true"},
	} {
		fn, err := settingSetter(arg[0], arg[1])
		require.NoError(t, err, arg[0])
		fn(&s)
	}
	assert.Equal(t, "山田工務店", s.CompanyName)
	assert.False(t, s.AutoTicketEnabled)
	assert.Equal(t, 45, s.DefaultEstimateValidDays)
	assert.Equal(t, []string{"monday", "tuesday"}, s.WorkingDays)
	assert.True(t, s.Notifications.DeadlineAlert)

	_, err := settingSetter("defaultEstimateValidDays", "-1")
	assert.Error(t, err)
	_, err = settingSetter("autoTicketEnabled", "maybe")
	assert.Error(t, err)
	_, err = settingSetter("unknown", "x")
	assert.ErrorContains(t, err, "unknown setting")
}

func TestSetEnvValueKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, setEnvValue(path, "SITETRACK_JWT_SECRET", "s3cret"))
	require.NoError(t, setEnvValue(path, "SITETRACK_ACTOR", "佐藤次郎"))
	require.NoError(t, setEnvValue(path, "SITETRACK_ACTOR", "鈴木一郎"))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SITETRACK_JWT_SECRET": "s3cret", "SITETRACK_ACTOR": "鈴木一郎"}, env)
}

func TestProjectFlagsMergeOnlyChanged(t *testing.T) {
	var pf projectFlags
	fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
	pf.register(fs)
	require.NoError(t, fs.Parse([]string{"--end", "2024-06-30", "--estimate-amount", "1200000", "--worker", "田中", "--worker", "高橋"}))

	amount := int64(900000)
	base := engine.ProjectInput{Name: "外壁塗装", ClientName: "甲", StartDate: "2024-04-01", EndDate: "2024-05-31", EstimateAmount: &amount}
	got := pf.merge(fs, base)

	assert.Equal(t, "外壁塗装", got.Name)
	assert.Equal(t, "2024-04-01", got.StartDate)
	assert.Equal(t, "2024-06-30", got.EndDate)
	require.NotNil(t, got.EstimateAmount)
	assert.Equal(t, int64(1200000), *got.EstimateAmount)
	assert.Equal(t, []string{"田中", "高橋"}, got.Workers)
	assert.Equal(t, int64(900000), amount, "base amount untouched")
}

func TestDraftInput(t *testing.T) {
	in := draftInput(map[string]string{
		"name":           "屋根修理",
		"clientName":     "乙",
		"estimateAmount": "350000",
		"workers":        "田中,高橋",
	})
	assert.Equal(t, "屋根修理", in.Name)
	require.NotNil(t, in.EstimateAmount)
	assert.Equal(t, int64(350000), *in.EstimateAmount)
	assert.Equal(t, []string{"田中", "高橋"}, in.Workers)

	assert.Nil(t, draftInput(map[string]string{"estimateAmount": "abc"}).EstimateAmount)
}

func TestAmountText(t *testing.T) {
	v := int64(4800000)
	assert.Equal(t, "¥4,800,000", amountText(&v))
	assert.Equal(t, "", amountText(nil))
}
