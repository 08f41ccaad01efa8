package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"sitetrack/internal/domain"
)

const sheetName = "案件一覧"

var colWidths = []float64{24, 16, 14, 24, 28, 16, 14, 12, 12, 12, 12, 10, 8, 30, 12, 12}

// WriteXLSX writes a single-sheet workbook with a bold header row.
func WriteXLSX(w io.Writer, projects []domain.Project) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Size: 11},
		Fill:   excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return err
	}
	last, _ := excelize.ColumnNumberToName(len(Columns))
	if err := f.SetCellStyle(sheetName, "A1", last+"1", bold); err != nil {
		return err
	}

	for i, p := range projects {
		cells := Row(p)
		row := make([]any, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		// Amounts and progress stay numeric so spreadsheets can sum them.
		row[7] = amountOrZero(p.Estimate.Amount)
		row[8] = amountOrZero(p.Contract.Amount)
		row[12] = p.Progress
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	for i, width := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheetName, col, col, width); err != nil {
			return err
		}
	}
	_, err = f.WriteTo(w)
	return err
}
