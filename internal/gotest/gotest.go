package gotest

import (
	"regexp"
	"strings"
	"time"
)

const (
	ActionOutput = "output"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionRun    = "run"
	ActionCont   = "cont"
	ActionPause  = "pause"
	ActionSkip   = "skip"
)

// Entry is a single event row of the `go test -json` stream.
type Entry struct {
	Time     time.Time
	TestName string `json:"Test"`
	Action   string
	Package  string
	Elapsed  float64
	Output   string
}

// Result is the accumulated outcome of one test or subtest.
type Result struct {
	Name    string
	Package string
	Status  string
	Start   time.Time
	Stop    time.Time
	Elapsed float64
	Output  []string
}

// FullName returns the stream-wide key of the test.
func (r *Result) FullName() string {
	return r.Package + "/" + r.Name
}

// Finished reports whether the test reached a terminal status. Tests
// interrupted by a panic or a build failure never do.
func (r *Result) Finished() bool {
	switch r.Status {
	case ActionPass, ActionFail, ActionSkip:
		return true
	default:
		return false
	}
}

// CombinedOutput returns the captured output rows as one string.
func (r *Result) CombinedOutput() string {
	return strings.Join(r.Output, "")
}

// testLogPrefixRe matches the "file_test.go:12: " prefix the testing
// package puts in front of logged lines.
var testLogPrefixRe = regexp.MustCompile(`^\s*[^\s:]+:\d+: `)

// FailureOutput returns the output without the "=== RUN"-style progress
// rows, which is the part worth keeping in a record comment.
func (r *Result) FailureOutput() string {
	rows := make([]string, 0, len(r.Output))
	for _, row := range r.Output {
		if strings.HasPrefix(strings.TrimLeft(row, " "), "=== ") {
			continue
		}
		rows = append(rows, row)
	}

	return strings.TrimRight(strings.Join(rows, ""), "\n")
}

// SkipReason returns the message logged by the skip call, without the
// file:line prefix. Empty when the test logged nothing.
func (r *Result) SkipReason() string {
	rows := make([]string, 0, len(r.Output))
	for _, row := range r.Output {
		trimmed := strings.TrimLeft(row, " ")
		if strings.HasPrefix(trimmed, "=== ") || strings.HasPrefix(trimmed, "--- ") {
			continue
		}
		rows = append(rows, row)
	}

	joined := strings.TrimRight(strings.Join(rows, ""), "\n")

	return testLogPrefixRe.ReplaceAllString(joined, "")
}

func (r *Result) update(row Entry) {
	switch row.Action {
	case ActionRun:
		r.Start = row.Time
	case ActionCont, ActionPause:
	case ActionOutput:
		r.Output = append(r.Output, row.Output)
	case ActionPass, ActionFail, ActionSkip:
		r.Status = row.Action
		r.Stop = row.Time
		r.Elapsed = row.Elapsed
	}
}
