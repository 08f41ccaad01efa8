package export_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"sitetrack/internal/domain"
	"sitetrack/internal/export"
	"sitetrack/internal/repo"
)

func amount(v int64) *int64 { return &v }

func sampleProjects() []domain.Project {
	return []domain.Project{
		{
			Name:       `田中邸"新築"工事`,
			Client:     domain.Client{Name: "田中太郎", Phone: "090-1234-5678"},
			Estimate:   domain.Estimate{Amount: amount(15000000)},
			Schedule:   domain.Schedule{StartDate: "2024-04-01", EndDate: "2024-09-30"},
			AssignedTo: domain.Assignment{ProjectManager: "山田花子", SiteManager: "佐藤次郎"},
			Status:     domain.StatusState{Current: "受注"},
			Progress:   33,
			Notes:      "2階建て,木造",
			CreatedAt:  "2024-03-01T09:00:00Z",
			UpdatedAt:  "2024-03-02T10:00:00Z",
		},
	}
}

func TestWriteCSVUTF8(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, sampleProjects(), export.UTF8))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "\uFEFF"))
	lines := strings.Split(strings.TrimPrefix(out, "\uFEFF"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `"案件名","顧客名","電話番号"`))
	assert.Equal(t, 16, strings.Count(lines[0], `","`)+1)
	assert.Equal(t,
		`"田中邸""新築""工事","田中太郎","090-1234-5678","","","山田花子","佐藤次郎","15000000","0","2024-04-01","2024-09-30","受注","33","2階建て,木造","2024-03-01","2024-03-02"`,
		lines[1])
}

func TestWriteCSVShiftJIS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, sampleProjects(), export.ShiftJIS))
	assert.False(t, bytes.HasPrefix(buf.Bytes(), []byte("\xEF\xBB\xBF")))

	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, string(decoded), `"田中邸""新築""工事"`)
}

func TestParseCharset(t *testing.T) {
	cs, err := export.ParseCharset("SJIS")
	require.NoError(t, err)
	assert.Equal(t, export.ShiftJIS, cs)
	cs, err = export.ParseCharset("")
	require.NoError(t, err)
	assert.Equal(t, export.UTF8, cs)
	_, err = export.ParseCharset("latin1")
	assert.Error(t, err)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteXLSX(&buf, sampleProjects()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("案件一覧")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, export.Columns, rows[0])
	assert.Equal(t, `田中邸"新築"工事`, rows[1][0])
	assert.Equal(t, "15000000", rows[1][7])
	assert.Equal(t, "33", rows[1][12])
}

func TestJSONRoundTrip(t *testing.T) {
	in := repo.Bundle{Projects: sampleProjects(), Users: []domain.User{{ID: "user_001", Name: "山田花子"}}, Version: repo.BundleVersion}
	var buf bytes.Buffer
	require.NoError(t, export.WriteJSON(&buf, in))
	assert.Contains(t, buf.String(), "\n  \"projects\"")

	out, err := export.ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Projects[0].Name, out.Projects[0].Name)
	assert.Equal(t, "1.0", out.Version)

	_, err = export.ReadJSON(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "案件一覧_2024-03-01.csv", export.Filename("csv", now))
	assert.Equal(t, "案件管理データ_2024-03-01.json", export.Filename("json", now))
}
