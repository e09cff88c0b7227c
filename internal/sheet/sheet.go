// Package sheet reads audit targets from an XLSX workbook and writes scores
// back next to them.
package sheet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

// Output columns written to the right of the URL column, in order.
var outputHeaders = []string{
	"Mobile Score",
	"Desktop Score",
	"Mobile Report",
	"Desktop Report",
	"Fetched At",
	"Source",
	"Error",
}

// Config locates the URLs inside the workbook.
type Config struct {
	// Sheet is the worksheet name; empty selects the active sheet.
	Sheet string
	// URLColumn is the column letter holding URLs, e.g. "A".
	URLColumn string
	// HeaderRows is the number of leading rows to skip.
	HeaderRows int
}

// Row is one URL cell found in the sheet. Index is the 1-based row number.
type Row struct {
	Index int
	URL   string
}

// Workbook is an open spreadsheet. Record may be called concurrently.
type Workbook struct {
	mu     sync.Mutex
	file   *excelize.File
	path   string
	sheet  string
	urlCol int
	cfg    Config
}

// Open loads the workbook at path.
func Open(path string, cfg Config) (*Workbook, error) {
	if cfg.URLColumn == "" {
		cfg.URLColumn = "A"
	}
	if cfg.HeaderRows < 0 {
		cfg.HeaderRows = 0
	}
	col, err := excelize.ColumnNameToNumber(strings.ToUpper(cfg.URLColumn))
	if err != nil {
		return nil, fmt.Errorf("url column %q: %w", cfg.URLColumn, err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	name := cfg.Sheet
	if name == "" {
		name = f.GetSheetName(f.GetActiveSheetIndex())
	}
	if idx, err := f.GetSheetIndex(name); err != nil || idx < 0 {
		_ = f.Close()
		return nil, fmt.Errorf("sheet %q not found", name)
	}

	return &Workbook{
		file:   f,
		path:   path,
		sheet:  name,
		urlCol: col,
		cfg:    cfg,
	}, nil
}

// Sheet returns the worksheet in use.
func (w *Workbook) Sheet() string {
	return w.sheet
}

// Rows returns every non-empty URL cell below the header rows.
func (w *Workbook) Rows() ([]Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.file.GetRows(w.sheet)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	var out []Row
	for i, cells := range rows {
		if i < w.cfg.HeaderRows || len(cells) < w.urlCol {
			continue
		}
		url := strings.TrimSpace(cells[w.urlCol-1])
		if url == "" {
			continue
		}
		out = append(out, Row{Index: i + 1, URL: url})
	}
	return out, nil
}

// Jobs converts the sheet rows into batch jobs carrying opts.
func (w *Workbook) Jobs(ids audit.IDGenerator, opts audit.Options) ([]audit.Job, error) {
	rows, err := w.Rows()
	if err != nil {
		return nil, err
	}
	jobs := make([]audit.Job, 0, len(rows))
	for _, r := range rows {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		jobs = append(jobs, audit.Job{ID: id, Row: r.Index, URL: r.URL, Options: opts})
	}
	return jobs, nil
}

// WriteHeaders labels the output columns on the last header row. It is a
// no-op when the sheet has no header rows.
func (w *Workbook) WriteHeaders() error {
	if w.cfg.HeaderRows == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	values := make([]any, len(outputHeaders))
	for i, h := range outputHeaders {
		values[i] = h
	}
	return w.writeRowLocked(w.cfg.HeaderRows, values)
}

// Record implements audit.ResultSink by filling the output columns of the
// job's row. Jobs without a row are ignored.
func (w *Workbook) Record(_ context.Context, outcome audit.Outcome) error {
	if outcome.Job.Row <= 0 {
		return nil
	}
	values := make([]any, len(outputHeaders))
	for i := range values {
		values[i] = ""
	}
	if outcome.Succeeded() {
		res := outcome.Result
		if res.MobileScore != nil {
			values[0] = *res.MobileScore
		}
		if res.DesktopScore != nil {
			values[1] = *res.DesktopScore
		}
		values[2] = res.MobileReportURL
		values[3] = res.DesktopReportURL
		values[4] = res.FetchedAt.UTC().Format(time.RFC3339)
		values[5] = string(res.Provenance)
	} else {
		values[6] = outcome.Err.Error()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeRowLocked(outcome.Job.Row, values)
}

func (w *Workbook) writeRowLocked(row int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(w.urlCol+1+i, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := w.file.SetCellValue(w.sheet, cell, v); err != nil {
			return fmt.Errorf("set %s: %w", cell, err)
		}
	}
	return nil
}

// Save writes the workbook to path, or back to the file it was opened from
// when path is empty.
func (w *Workbook) Save(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if path == "" {
		path = w.path
	}
	if err := w.file.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// Close releases the workbook.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}
