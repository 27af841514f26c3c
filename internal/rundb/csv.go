package rundb

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cfme-tools/go-polarion/internal/polarion"
)

// ReadCSV parses a Polarion test run CSV export into importable rows.
// Header names are matched case-insensitively, ignoring spaces, dashes
// and underscores; unknown columns are skipped. Every row needs a work
// item id and a test case id.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty csv export")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[normalizeHeader(name)] = i
	}

	if _, ok := cols["id"]; !ok {
		if _, ok := cols["workitemid"]; !ok {
			return nil, errors.New("csv export has no id column")
		}
	}

	field := func(rec []string, names ...string) string {
		for _, name := range names {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
		}

		return ""
	}

	var rows []Row

	for num := 2; ; num++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", num, err)
		}

		id := field(rec, "workitemid", "id")
		row := Row{
			Item: polarion.WorkItem{
				WorkItemID: id,
				TestCaseID: field(rec, "testcaseid"),
				Title:      field(rec, "title"),
				Assignee:   field(rec, "assignee", "assigneeid"),
			},
			Record: polarion.Record{
				WorkItemID: id,
				Verdict:    strings.ToLower(field(rec, "verdict", "result")),
				Comment:    field(rec, "comment"),
				Executed:   parseCSVTime(field(rec, "executed")),
				ExecutedBy: field(rec, "executedby"),
				Duration:   parseSeconds(field(rec, "duration", "exectime", "time")),
			},
		}

		if row.Item.WorkItemID == "" || row.Item.TestCaseID == "" {
			return nil, fmt.Errorf("csv row %d: missing work item id or test case id", num)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// normalizeHeader folds a CSV header name to its lookup key:
// "Test Case ID" and "test_case_id" both become "testcaseid".
func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(name)

	return name
}

// csvTimeLayouts are the executed-column formats seen in exports.
var csvTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCSVTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}

// parseSeconds reads a duration column: plain seconds, or the
// "H:MM:SS" clock format some exports use.
func parseSeconds(s string) float64 {
	if s == "" {
		return 0
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}

	var total float64
	for _, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0
		}
		total = total*60 + f
	}

	return total
}
