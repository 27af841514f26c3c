package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cfme-tools/go-polarion/internal/gotest"
	"github.com/cfme-tools/go-polarion/internal/polarion"
)

const streamPkg = "github.com/cfme-tools/cfme/tests/storage"

type fakeSink struct {
	run       *polarion.TestRun
	runErr    error
	setErr    error
	failTimes map[string]int
	runCalls  int
	refreshes int
	setCalls  int
	records   []polarion.Record
}

func (f *fakeSink) TestRun(context.Context) (*polarion.TestRun, error) {
	f.runCalls++
	if f.runErr != nil {
		return nil, f.runErr
	}

	return f.run, nil
}

func (f *fakeSink) Refresh(context.Context) error {
	f.refreshes++
	return nil
}

func (f *fakeSink) SetRecord(_ context.Context, rec polarion.Record) error {
	f.setCalls++

	if n := f.failTimes[rec.WorkItemID]; n != 0 {
		if n > 0 {
			f.failTimes[rec.WorkItemID] = n - 1
		}

		return f.setErr
	}

	f.records = append(f.records, rec)

	return nil
}

type fakeResolver struct {
	items map[string]polarion.WorkItem
}

func (f *fakeResolver) Resolve(_ context.Context, importPath, test string) (polarion.WorkItem, bool, error) {
	item, ok := f.items[importPath+"/"+test]
	return item, ok, nil
}

func testRun() *polarion.TestRun {
	return &polarion.TestRun{
		Project: "CMP",
		ID:      "smoke-42",
		Records: []polarion.Record{
			{WorkItemID: "CMP-1"},
			{WorkItemID: "CMP-2"},
			{WorkItemID: "CMP-3"},
		},
	}
}

func newResolver() *fakeResolver {
	return &fakeResolver{
		items: map[string]polarion.WorkItem{
			streamPkg + "/TestRestore":  {WorkItemID: "CMP-1", TestCaseID: "tests.storage.TestRestore", Title: "TestRestore"},
			streamPkg + "/TestSnapshot": {WorkItemID: "CMP-2", TestCaseID: "tests.storage.TestSnapshot", Title: "TestSnapshot"},
			streamPkg + "/TestPing":     {WorkItemID: "CMP-3", TestCaseID: "tests.storage.TestPing", Title: "TestPing"},
			streamPkg + "/TestOther":    {WorkItemID: "CMP-99", TestCaseID: "tests.storage.TestOther", Title: "TestOther"},
		},
	}
}

func TestRecorder_Record(t *testing.T) {
	t.Parallel()

	stop := time.Date(2024, 5, 17, 12, 30, 0, 0, time.UTC)

	results := []gotest.Result{
		{Name: "TestRestore", Package: streamPkg, Status: gotest.ActionPass, Stop: stop, Elapsed: 0.31},
		{
			Name: "TestSnapshot", Package: streamPkg, Status: gotest.ActionFail, Stop: stop, Elapsed: 0.59,
			Output: []string{
				"=== RUN   TestSnapshot\n",
				"    snapshot_test.go:21: quota exceeded\n",
				"--- FAIL: TestSnapshot (0.59s)\n",
			},
		},
		{
			Name: "TestPing", Package: streamPkg, Status: gotest.ActionSkip, Stop: stop,
			Output: []string{
				"=== RUN   TestPing\n",
				"    ping_test.go:9: requires lab network\n",
				"--- SKIP: TestPing (0.00s)\n",
			},
		},
		{Name: "TestGhost", Package: streamPkg, Status: gotest.ActionPass, Stop: stop, Elapsed: 0.05},
		{Name: "TestOther", Package: streamPkg, Status: gotest.ActionPass, Stop: stop, Elapsed: 0.07},
		{Name: "TestHung", Package: streamPkg, Status: ""},
	}

	failComment := streamPkg + "/TestSnapshot: fail\n" +
		"    snapshot_test.go:21: quota exceeded\n--- FAIL: TestSnapshot (0.59s)"
	skipComment := "requires lab network"

	tt := []struct {
		name         string
		policy       Policy
		wantSum      Summary
		wantRecords  []polarion.Record
		wantRunCalls int
	}{
		{
			name:         "test_record_passes_only",
			policy:       Policy{ExecutedBy: "jdoe"},
			wantSum:      Summary{Written: 1, Skipped: 3, Unmatched: 2},
			wantRunCalls: 1,
			wantRecords: []polarion.Record{
				{WorkItemID: "CMP-1", Verdict: polarion.VerdictPassed, Executed: stop, ExecutedBy: "jdoe", Duration: 0.31},
			},
		},
		{
			name:         "test_record_always",
			policy:       Policy{Always: true, ExecutedBy: "jdoe"},
			wantSum:      Summary{Written: 3, Skipped: 1, Unmatched: 2},
			wantRunCalls: 1,
			wantRecords: []polarion.Record{
				{WorkItemID: "CMP-1", Verdict: polarion.VerdictPassed, Executed: stop, ExecutedBy: "jdoe", Duration: 0.31},
				{
					WorkItemID: "CMP-2", Verdict: polarion.VerdictFailed, Comment: failComment,
					Executed: stop, ExecutedBy: "jdoe", Duration: 0.59,
				},
				{WorkItemID: "CMP-3", Verdict: polarion.VerdictBlocked, Comment: skipComment, ExecutedBy: "jdoe"},
			},
		},
		{
			name:         "test_record_skipped_as_blocked",
			policy:       Policy{Skipped: true, ExecutedBy: "jdoe"},
			wantSum:      Summary{Written: 2, Skipped: 2, Unmatched: 2},
			wantRunCalls: 1,
			wantRecords: []polarion.Record{
				{WorkItemID: "CMP-1", Verdict: polarion.VerdictPassed, Executed: stop, ExecutedBy: "jdoe", Duration: 0.31},
				{WorkItemID: "CMP-3", Verdict: polarion.VerdictBlocked, Comment: skipComment, ExecutedBy: "jdoe"},
			},
		},
		{
			name:         "test_record_none",
			policy:       Policy{None: true, ExecutedBy: "jdoe"},
			wantSum:      Summary{},
			wantRunCalls: 0,
		},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()

				sink := &fakeSink{run: testRun()}
				rec := New(sink, newResolver(), WithPolicy(tc.policy), WithRetry(3, time.Millisecond))

				sum, err := rec.Record(context.Background(), results)
				if err != nil {
					t.Fatalf("Record: unexpected error: %v", err)
				}

				if diff := cmp.Diff(tc.wantSum, sum); diff != "" {
					t.Errorf("summary mismatch (-want, +got):\n%s", diff)
				}

				if diff := cmp.Diff(tc.wantRecords, sink.records); diff != "" {
					t.Errorf("records mismatch (-want, +got):\n%s", diff)
				}

				if sink.runCalls != tc.wantRunCalls {
					t.Errorf("got: %d run fetches, want: %d", sink.runCalls, tc.wantRunCalls)
				}
			},
		)
	}
}

func TestRecorder_Record_RetriesAndRefreshes(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{
		run:       testRun(),
		setErr:    errors.New("polarion: internal server error"),
		failTimes: map[string]int{"CMP-1": 2},
	}

	var buf bytes.Buffer
	rec := New(
		sink, newResolver(),
		WithPolicy(Policy{ExecutedBy: "jdoe"}),
		WithOutput(&buf),
		WithRetry(3, time.Millisecond),
	)

	results := []gotest.Result{
		{Name: "TestRestore", Package: streamPkg, Status: gotest.ActionPass, Stop: time.Now(), Elapsed: 0.1},
	}

	sum, err := rec.Record(context.Background(), results)
	if err != nil {
		t.Fatalf("Record: unexpected error: %v", err)
	}

	if sum.Written != 1 || sum.Failed != 0 {
		t.Errorf("got: %+v, want: 1 written, 0 failed", sum)
	}

	if sink.setCalls != 3 {
		t.Errorf("got: %d write attempts, want: 3", sink.setCalls)
	}

	if sink.refreshes != 1 {
		t.Errorf("got: %d refreshes, want: 1", sink.refreshes)
	}

	if buf.Len() != 0 {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestRecorder_Record_GivesUpWithWarning(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{
		run:       testRun(),
		setErr:    errors.New("polarion: internal server error"),
		failTimes: map[string]int{"CMP-1": -1},
	}

	var buf bytes.Buffer
	rec := New(
		sink, newResolver(),
		WithPolicy(Policy{ExecutedBy: "jdoe"}),
		WithOutput(&buf),
		WithRetry(3, time.Millisecond),
	)

	results := []gotest.Result{
		{Name: "TestRestore", Package: streamPkg, Status: gotest.ActionPass, Stop: time.Now(), Elapsed: 0.1},
		{Name: "TestPing", Package: streamPkg, Status: gotest.ActionPass, Stop: time.Now(), Elapsed: 0.2},
	}

	sum, err := rec.Record(context.Background(), results)
	if err != nil {
		t.Fatalf("Record: unexpected error: %v", err)
	}

	want := Summary{Written: 1, Failed: 1}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary mismatch (-want, +got):\n%s", diff)
	}

	if sink.setCalls != 4 {
		t.Errorf("got: %d write attempts, want: 4", sink.setCalls)
	}

	wantLine := "  CMP-1: failed to write result to Polarion!\n"
	if buf.String() != wantLine {
		t.Errorf("got: %q, want: %q", buf.String(), wantLine)
	}
}

func TestRecorder_Record_Audit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	audit, err := NewAuditWriter(filepath.Join(dir, "audit"))
	if err != nil {
		t.Fatalf("NewAuditWriter: unexpected error: %v", err)
	}

	sink := &fakeSink{
		run:       testRun(),
		setErr:    errors.New("polarion: internal server error"),
		failTimes: map[string]int{"CMP-2": -1},
	}

	rec := New(
		sink, newResolver(),
		WithPolicy(Policy{Always: true, ExecutedBy: "jdoe"}),
		WithAudit(audit),
		WithRetry(2, time.Millisecond),
	)

	stop := time.Now()
	results := []gotest.Result{
		{Name: "TestRestore", Package: streamPkg, Status: gotest.ActionPass, Stop: stop, Elapsed: 0.1},
		{
			Name: "TestSnapshot", Package: streamPkg, Status: gotest.ActionFail, Stop: stop, Elapsed: 0.2,
			Output: []string{"--- FAIL: TestSnapshot (0.20s)\n"},
		},
	}

	if _, err := rec.Record(context.Background(), results); err != nil {
		t.Fatalf("Record: unexpected error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "audit", "*-record.json"))
	if err != nil {
		t.Fatalf("filepath.Glob: unexpected error: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("got: %d audit files, want: 2", len(matches))
	}

	byItem := make(map[string]AuditEntry)
	for _, pth := range matches {
		data, err := os.ReadFile(pth)
		if err != nil {
			t.Fatalf("os.ReadFile: unexpected error: %v", err)
		}

		var entry AuditEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("json.Unmarshal: unexpected error: %v", err)
		}

		byItem[entry.WorkItemID] = entry
	}

	wrote, ok := byItem["CMP-1"]
	if !ok || !wrote.Written || wrote.Error != "" {
		t.Errorf("got: %+v, want: written entry for CMP-1", wrote)
	}

	failed, ok := byItem["CMP-2"]
	if !ok || failed.Written || failed.Error == "" {
		t.Errorf("got: %+v, want: failed entry for CMP-2", failed)
	}

	if failed.Project != "CMP" || failed.Run != "smoke-42" {
		t.Errorf("got: %s/%s, want: CMP/smoke-42", failed.Project, failed.Run)
	}
}

func TestRecorder_Record_TestRunError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("polarion: connect refused")
	sink := &fakeSink{runErr: wantErr}

	rec := New(sink, newResolver())

	if _, err := rec.Record(context.Background(), nil); !errors.Is(err, wantErr) {
		t.Errorf("got: %v, want: %v", err, wantErr)
	}
}

func TestRecorder_Record_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &fakeSink{run: testRun()}
	rec := New(sink, newResolver())

	results := []gotest.Result{
		{Name: "TestRestore", Package: streamPkg, Status: gotest.ActionPass, Stop: time.Now()},
	}

	if _, err := rec.Record(ctx, results); !errors.Is(err, context.Canceled) {
		t.Errorf("got: %v, want: %v", err, context.Canceled)
	}
}
