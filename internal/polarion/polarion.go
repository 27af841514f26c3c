package polarion

import (
	"errors"
	"strings"
	"time"
)

// Verdict values a test record can carry inside a Test Run. An empty
// verdict means the case is planned but has no result yet.
const (
	VerdictNone    = ""
	VerdictPassed  = "passed"
	VerdictFailed  = "failed"
	VerdictBlocked = "blocked"
	VerdictSkipped = "skipped"
	VerdictWaiting = "waiting"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrRecordExists = errors.New("test record already exists")
	ErrUnauthorized = errors.New("not authorized")
)

// Resolved reports whether a verdict represents a recorded outcome.
// Freshly planned records carry either no verdict or "waiting".
func Resolved(verdict string) bool {
	return verdict != VerdictNone && verdict != VerdictWaiting
}

// Passing reports whether a verdict counts as a passing outcome.
func Passing(verdict string) bool {
	return verdict == VerdictPassed
}

// WorkItem is a test case work item as returned by a case query.
type WorkItem struct {
	WorkItemID string `json:"work_item_id"`
	TestCaseID string `json:"test_case_id"`
	Title      string `json:"title"`
	Assignee   string `json:"assignee,omitempty"`
	Status     string `json:"status,omitempty"`
}

// UniqueID returns the id a concrete test instance is matched by. For
// parametrized cases the title carries the "[param]" suffix while the
// test case id does not, so the suffix is carried over.
func (w WorkItem) UniqueID() string {
	id := w.TestCaseID
	if idx := strings.LastIndex(w.Title, "["); idx > 0 {
		id += w.Title[idx:]
	}

	return id
}

// Record is the per-case result state inside a Test Run.
type Record struct {
	WorkItemID string    `json:"work_item_id"`
	Verdict    string    `json:"result,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Executed   time.Time `json:"executed,omitzero"`
	ExecutedBy string    `json:"executed_by,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
}

// TestRun is a named collection of test records.
type TestRun struct {
	Project string   `json:"project"`
	ID      string   `json:"id"`
	Records []Record `json:"records"`
}

// RecordIndex returns the run records keyed by work item id.
func (r *TestRun) RecordIndex() map[string]Record {
	idx := make(map[string]Record, len(r.Records))
	for _, rec := range r.Records {
		idx[rec.WorkItemID] = rec
	}

	return idx
}

// Criteria narrows a case query. Project and run are bound to the
// session, not the criteria.
type Criteria struct {
	// Assignee selects only cases assigned to the given user id.
	Assignee string

	// IncludeBlocked extends the eligible record states with "blocked".
	IncludeBlocked bool

	// IncludeFailed extends the eligible record states with "failed".
	IncludeFailed bool

	// AnyRecord drops the record state constraint entirely. Used when
	// resolving ids for recording, where membership in the run is checked
	// separately.
	AnyRecord bool

	// SkipExecuted keeps only cases with no prior verdict at all. Only
	// meaningful for the local database backend.
	SkipExecuted bool

	// CaseQuery is the test case id to match, either exact or a prefix
	// pattern ending in ".*" compiled by CaseQuery.
	CaseQuery string
}
