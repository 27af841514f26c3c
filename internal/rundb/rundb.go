// Package rundb serves a Test Run from a local SQLite export instead of
// the live Polarion web service. The export carries one run and the
// per-case result state; queries and record writes translate to plain
// SQL over the same model the live session exposes.
package rundb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cfme-tools/go-polarion/internal/polarion"
)

//go:embed schema.sql
var schema string

// DB is a Test Run bound to a SQLite export file. It satisfies the same
// operations as the live session.
type DB struct {
	db      *sql.DB
	project string
	run     string
}

// Open opens an existing export. The file must already carry the run
// metadata written by Create.
func Open(ctx context.Context, path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat database: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	var project, run string
	row := db.QueryRowContext(ctx, `SELECT project, id FROM testrun LIMIT 1`)
	if err := row.Scan(&project, &run); err != nil {
		_ = db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: not a test run export", path)
		}
		return nil, fmt.Errorf("read run metadata: %w", err)
	}

	return &DB{db: db, project: project, run: run}, nil
}

// Create makes a fresh export file with the run metadata and an empty
// case table.
func Create(ctx context.Context, path, project, run string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM testrun`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reset run metadata: %w", err)
	}

	if _, err := db.ExecContext(
		ctx, `INSERT INTO testrun (project, id, imported) VALUES (?, ?, ?)`,
		project, run, formatTime(time.Now()),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("write run metadata: %w", err)
	}

	return &DB{db: db, project: project, run: run}, nil
}

// Project returns the project id of the export.
func (d *DB) Project() string { return d.project }

// Run returns the Test Run id of the export.
func (d *DB) Run() string { return d.run }

// Imported returns when the export was created.
func (d *DB) Imported(ctx context.Context) (time.Time, error) {
	var imported string
	row := d.db.QueryRowContext(ctx, `SELECT imported FROM testrun LIMIT 1`)
	if err := row.Scan(&imported); err != nil {
		return time.Time{}, fmt.Errorf("read import time: %w", err)
	}

	return parseTime(imported), nil
}

// TestRun loads the whole run. Every exported case is a member, cases
// without an outcome carry an empty verdict.
func (d *DB) TestRun(ctx context.Context) (*polarion.TestRun, error) {
	rows, err := d.db.QueryContext(
		ctx, `SELECT work_item_id, verdict, comment, executed, executed_by, duration FROM testcases`,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	run := &polarion.TestRun{Project: d.project, ID: d.run}

	for rows.Next() {
		var (
			rec      polarion.Record
			executed string
		)
		if err := rows.Scan(
			&rec.WorkItemID, &rec.Verdict, &rec.Comment, &executed, &rec.ExecutedBy, &rec.Duration,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Executed = parseTime(executed)

		run.Records = append(run.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return run, nil
}

// QueryWorkItems translates the criteria into SQL. The verdict rules
// differ from the live query on purpose: an export is a snapshot, so by
// default every case that has not passed yet is eligible, and
// crit.SkipExecuted narrows that to cases with no outcome at all. The
// IncludeBlocked and IncludeFailed switches are subsumed by the default
// and change nothing here.
func (d *DB) QueryWorkItems(ctx context.Context, crit polarion.Criteria) ([]polarion.WorkItem, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT work_item_id, test_case_id, title, assignee FROM testcases`)

	var (
		where []string
		args  []any
	)

	if crit.Assignee != "" {
		where = append(where, `assignee = ?`)
		args = append(args, crit.Assignee)
	}

	switch {
	case crit.AnyRecord:
	case crit.SkipExecuted:
		where = append(where, `verdict IN ('', ?)`)
		args = append(args, polarion.VerdictWaiting)
	default:
		where = append(where, `verdict <> ?`)
		args = append(args, polarion.VerdictPassed)
	}

	if crit.CaseQuery != "" {
		if prefix, ok := strings.CutSuffix(crit.CaseQuery, ".*"); ok {
			where = append(where, `test_case_id LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(prefix)+".%")
		} else {
			where = append(where, `test_case_id = ?`)
			args = append(args, crit.CaseQuery)
		}
	}

	if len(where) > 0 {
		query.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY work_item_id")

	rows, err := d.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	defer rows.Close()

	var items []polarion.WorkItem
	for rows.Next() {
		var item polarion.WorkItem
		if err := rows.Scan(&item.WorkItemID, &item.TestCaseID, &item.Title, &item.Assignee); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}

	return items, nil
}

// AddRecord writes an outcome to a case that has none yet.
// polarion.ErrRecordExists is returned when the case already carries an
// outcome, polarion.ErrNotFound when the case is not in the export.
func (d *DB) AddRecord(ctx context.Context, rec polarion.Record) error {
	res, err := d.db.ExecContext(
		ctx,
		`UPDATE testcases
		    SET verdict = ?, comment = ?, executed = ?, executed_by = ?, duration = ?
		  WHERE work_item_id = ? AND verdict IN ('', ?)`,
		rec.Verdict, rec.Comment, formatTime(rec.Executed), rec.ExecutedBy, rec.Duration,
		rec.WorkItemID, polarion.VerdictWaiting,
	)
	if err != nil {
		return fmt.Errorf("add record %s: %w", rec.WorkItemID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add record %s: %w", rec.WorkItemID, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	row := d.db.QueryRowContext(
		ctx, `SELECT 1 FROM testcases WHERE work_item_id = ?`, rec.WorkItemID,
	)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("add record %s: %w", rec.WorkItemID, polarion.ErrNotFound)
		}
		return fmt.Errorf("add record %s: %w", rec.WorkItemID, err)
	}

	return fmt.Errorf("add record %s: %w", rec.WorkItemID, polarion.ErrRecordExists)
}

// UpdateRecord overwrites the outcome of a case unconditionally.
func (d *DB) UpdateRecord(ctx context.Context, rec polarion.Record) error {
	res, err := d.db.ExecContext(
		ctx,
		`UPDATE testcases
		    SET verdict = ?, comment = ?, executed = ?, executed_by = ?, duration = ?
		  WHERE work_item_id = ?`,
		rec.Verdict, rec.Comment, formatTime(rec.Executed), rec.ExecutedBy, rec.Duration,
		rec.WorkItemID,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.WorkItemID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.WorkItemID, err)
	}
	if n == 0 {
		return fmt.Errorf("update record %s: %w", rec.WorkItemID, polarion.ErrNotFound)
	}

	return nil
}

// SetRecord writes an outcome, overwriting a previous one if present.
func (d *DB) SetRecord(ctx context.Context, rec polarion.Record) error {
	err := d.AddRecord(ctx, rec)
	if err == nil {
		return nil
	}

	if !errors.Is(err, polarion.ErrRecordExists) {
		return err
	}

	return d.UpdateRecord(ctx, rec)
}

// ImportRows upserts exported cases, replacing existing rows by work
// item id.
func (d *DB) ImportRows(ctx context.Context, rows []Row) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	for _, row := range rows {
		if row.Item.WorkItemID == "" {
			return fmt.Errorf("import row %q: empty work item id", row.Item.TestCaseID)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO testcases
			    (work_item_id, test_case_id, title, assignee, verdict, comment, executed, executed_by, duration)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (work_item_id) DO UPDATE SET
			    test_case_id = excluded.test_case_id,
			    title = excluded.title,
			    assignee = excluded.assignee,
			    verdict = excluded.verdict,
			    comment = excluded.comment,
			    executed = excluded.executed,
			    executed_by = excluded.executed_by,
			    duration = excluded.duration`,
			row.Item.WorkItemID, row.Item.TestCaseID, row.Item.Title, row.Item.Assignee,
			row.Record.Verdict, row.Record.Comment, formatTime(row.Record.Executed),
			row.Record.ExecutedBy, row.Record.Duration,
		); err != nil {
			return fmt.Errorf("import row %s: %w", row.Item.WorkItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}

	return nil
}

// Row is one exported case together with its outcome state.
type Row struct {
	Item   polarion.WorkItem
	Record polarion.Record
}

// Refresh is a no-op, reads always hit the file.
func (d *DB) Refresh(context.Context) error { return nil }

func (d *DB) Close() error { return d.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

// likePattern escapes the SQL LIKE wildcards of a literal prefix.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)

	return s
}
