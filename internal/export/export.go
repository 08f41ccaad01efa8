// Package export renders projects as CSV, XLSX and the JSON backup bundle.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"sitetrack/internal/domain"
	"sitetrack/internal/repo"
)

// Columns is the header row shared by CSV and XLSX exports.
var Columns = []string{
	"案件名", "顧客名", "電話番号", "メールアドレス", "住所",
	"プロジェクトマネージャー", "現場管理者",
	"見積金額", "契約金額", "着工予定日", "完了予定日",
	"ステータス", "進捗率", "備考", "作成日", "更新日",
}

type Charset string

const (
	UTF8     Charset = "utf-8"
	ShiftJIS Charset = "shift_jis"
)

func ParseCharset(s string) (Charset, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "utf8", "utf-8":
		return UTF8, nil
	case "sjis", "shift_jis", "shift-jis", "cp932":
		return ShiftJIS, nil
	}
	return "", fmt.Errorf("unknown charset %q", s)
}

func amountOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// dateOnly trims an RFC 3339 timestamp to its date.
func dateOnly(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UTC().Format("2006-01-02")
	}
	return ts
}

// Row returns the export cells for p in Columns order.
func Row(p domain.Project) []string {
	return []string{
		p.Name,
		p.Client.Name,
		p.Client.Phone,
		p.Client.Email,
		p.Client.Address,
		p.AssignedTo.ProjectManager,
		p.AssignedTo.SiteManager,
		strconv.FormatInt(amountOrZero(p.Estimate.Amount), 10),
		strconv.FormatInt(amountOrZero(p.Contract.Amount), 10),
		p.Schedule.StartDate,
		p.Schedule.EndDate,
		p.Status.Current,
		strconv.Itoa(p.Progress),
		p.Notes,
		dateOnly(p.CreatedAt),
		dateOnly(p.UpdatedAt),
	}
}

const utf8BOM = "\uFEFF"

// WriteCSV writes every cell quoted and rows joined by "\n". UTF-8 output
// starts with a byte order mark so spreadsheet apps detect the encoding.
// Shift_JIS replaces characters it cannot represent.
func WriteCSV(w io.Writer, projects []domain.Project, cs Charset) error {
	var b strings.Builder
	writeRow := func(cells []string) {
		for i, c := range cells {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(c, `"`, `""`))
			b.WriteByte('"')
		}
	}
	writeRow(Columns)
	for _, p := range projects {
		b.WriteByte('\n')
		writeRow(Row(p))
	}

	switch cs {
	case ShiftJIS:
		tw := transform.NewWriter(w, encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder()))
		if _, err := io.WriteString(tw, b.String()); err != nil {
			return err
		}
		return tw.Close()
	case UTF8, "":
		_, err := io.WriteString(w, utf8BOM+b.String())
		return err
	}
	return fmt.Errorf("unknown charset %q", cs)
}

// WriteJSON writes the backup bundle indented by two spaces.
func WriteJSON(w io.Writer, b repo.Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(b)
}

// ReadJSON decodes a backup bundle.
func ReadJSON(r io.Reader) (repo.Bundle, error) {
	var b repo.Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return repo.Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return b, nil
}

// Filename names a download for kind ("csv", "xlsx" or "json") on day now.
func Filename(kind string, now time.Time) string {
	day := now.Format("2006-01-02")
	if kind == "json" {
		return "案件管理データ_" + day + ".json"
	}
	return "案件一覧_" + day + "." + kind
}
