// Package dataset reads call-session exports from spreadsheets so they can
// be replayed through the ingestion path.
package dataset

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/alikalatearabi/opera-qc-elastic/internal/types"
)

// Row is one parsed spreadsheet row. Line is the 1-based sheet row.
type Row struct {
	Line  int
	Event types.IngestionEvent
}

// columns maps normalised header names to event fields.
var columns = map[string]func(*types.IngestionEvent, string){
	"type":           func(e *types.IngestionEvent, v string) { e.Type = v },
	"source_channel": func(e *types.IngestionEvent, v string) { e.SourceChannel = v },
	"source_number":  func(e *types.IngestionEvent, v string) { e.SourceNumber = v },
	"queue":          func(e *types.IngestionEvent, v string) { e.Queue = v },
	"dest_channel":   func(e *types.IngestionEvent, v string) { e.DestChannel = v },
	"dest_number":    func(e *types.IngestionEvent, v string) { e.DestNumber = v },
	"date":           func(e *types.IngestionEvent, v string) { e.Date = v },
	"duration":       func(e *types.IngestionEvent, v string) { e.Duration = v },
	"filename":       func(e *types.IngestionEvent, v string) { e.Filename = v },
	"uniqueid":       func(e *types.IngestionEvent, v string) { e.UniqueID = v },
}

// normalizeHeader folds "Source Channel", "source-channel" and
// "sourceChannel" to "source_channel".
func normalizeHeader(h string) string {
	h = strings.TrimSpace(h)
	var b strings.Builder
	for i, r := range h {
		switch {
		case r == ' ' || r == '-':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 && !strings.HasSuffix(b.String(), "_") && h[i-1] >= 'a' && h[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	n := b.String()
	if n == "unique_id" {
		n = "uniqueid"
	}
	return n
}

// Load reads the first sheet of path. The first row is the header; columns
// are matched by name. Blank rows are skipped. Rows are returned as found;
// validation belongs to the ingestion path.
func Load(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("dataset: %s: no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("dataset: read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("dataset: %s: no data rows", path)
	}

	setters := make([]func(*types.IngestionEvent, string), len(rows[0]))
	found := 0
	for i, h := range rows[0] {
		if set, ok := columns[normalizeHeader(h)]; ok {
			setters[i] = set
			found++
		}
	}
	if found == 0 {
		return nil, fmt.Errorf("dataset: %s: no known columns in header", path)
	}

	var out []Row
	for i, r := range rows[1:] {
		var ev types.IngestionEvent
		blank := true
		for j, cell := range r {
			cell = strings.TrimSpace(cell)
			if j >= len(setters) || setters[j] == nil || cell == "" {
				continue
			}
			setters[j](&ev, cell)
			blank = false
		}
		if blank {
			continue
		}
		out = append(out, Row{Line: i + 2, Event: ev})
	}
	return out, nil
}
