package gotest

import (
	"testing"
)

func TestResult_FailureOutput(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name   string
		output []string
		want   string
	}{
		{
			name: "test_drops_progress_rows",
			output: []string{
				"=== RUN   TestSnapshot\n",
				"    snapshot_test.go:21: quota exceeded\n",
				"--- FAIL: TestSnapshot (0.59s)\n",
			},
			want: "    snapshot_test.go:21: quota exceeded\n--- FAIL: TestSnapshot (0.59s)",
		},
		{
			name: "test_keeps_indented_subtest_rows",
			output: []string{
				"=== RUN   TestRestore/nfs\n",
				"=== PAUSE TestRestore/nfs\n",
				"=== CONT  TestRestore/nfs\n",
				"    restore_test.go:44: mount failed\n",
				"    --- FAIL: TestRestore/nfs (1.02s)\n",
			},
			want: "    restore_test.go:44: mount failed\n    --- FAIL: TestRestore/nfs (1.02s)",
		},
		{
			name:   "test_empty_output",
			output: nil,
			want:   "",
		},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()

				res := Result{Output: tc.output}
				if got := res.FailureOutput(); got != tc.want {
					t.Errorf("got: %q, want: %q", got, tc.want)
				}
			},
		)
	}
}

func TestResult_SkipReason(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name   string
		output []string
		want   string
	}{
		{
			name: "test_single_line_reason",
			output: []string{
				"=== RUN   TestPing\n",
				"    ping_test.go:9: requires lab network\n",
				"--- SKIP: TestPing (0.00s)\n",
			},
			want: "requires lab network",
		},
		{
			name: "test_subtest_skip",
			output: []string{
				"=== RUN   TestRestore/iscsi\n",
				"    restore_test.go:51: no iscsi target configured\n",
				"    --- SKIP: TestRestore/iscsi (0.00s)\n",
			},
			want: "no iscsi target configured",
		},
		{
			name: "test_no_message",
			output: []string{
				"=== RUN   TestPing\n",
				"--- SKIP: TestPing (0.00s)\n",
			},
			want: "",
		},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()

				res := Result{Output: tc.output}
				if got := res.SkipReason(); got != tc.want {
					t.Errorf("got: %q, want: %q", got, tc.want)
				}
			},
		)
	}
}

func TestResult_Finished(t *testing.T) {
	t.Parallel()

	tt := []struct {
		name   string
		status string
		want   bool
	}{
		{name: "test_pass", status: ActionPass, want: true},
		{name: "test_fail", status: ActionFail, want: true},
		{name: "test_skip", status: ActionSkip, want: true},
		{name: "test_interrupted", status: "", want: false},
		{name: "test_still_running", status: ActionRun, want: false},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()

				res := Result{Status: tc.status}
				if got := res.Finished(); got != tc.want {
					t.Errorf("got: %v, want: %v", got, tc.want)
				}
			},
		)
	}
}
