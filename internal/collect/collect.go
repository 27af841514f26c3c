// Package collect matches discovered go tests against a Polarion Test
// Run and decides which of them should execute. A test is selected when
// the run holds a record for a work item with the matching case id;
// everything else is deselected.
package collect

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cfme-tools/go-polarion/internal/caseid"
	"github.com/cfme-tools/go-polarion/internal/discover"
	"github.com/cfme-tools/go-polarion/internal/polarion"
	"github.com/cfme-tools/go-polarion/internal/slice"
)

const triedQueriesSize = 4096

// Source is the Test Run backend a collector reads from. Both the live
// session and the SQLite export satisfy it.
type Source interface {
	Project() string
	Run() string
	TestRun(ctx context.Context) (*polarion.TestRun, error)
	QueryWorkItems(ctx context.Context, crit polarion.Criteria) ([]polarion.WorkItem, error)
}

// Match pairs one work item with its record in the run.
type Match struct {
	Item   polarion.WorkItem
	Record polarion.Record
}

// Case is a selected test together with every matching run member. A
// parametrized case matches several work items through the bracketed
// title suffix.
type Case struct {
	Test     discover.Test
	UniqueID string
	CaseID   string
	Matches  []Match
}

// Selection is the outcome of one collection pass.
type Selection struct {
	Selected   []Case
	Deselected []discover.Test

	// Fetched counts the distinct case instances pulled from the
	// backend, including ones no local test asked for.
	Fetched int

	Elapsed time.Duration
}

// RunPattern is a per-package `go test -run` expression covering the
// selected tests of the package.
type RunPattern struct {
	ImportPath string
	Expr       string
}

// RunPatterns compiles the -run expression of every package with
// selected tests, in selection order.
func (s *Selection) RunPatterns() []RunPattern {
	keys, groups := slice.GroupBy(s.Selected, func(c Case) string { return c.Test.ImportPath })

	patterns := make([]RunPattern, 0, len(keys))
	for _, key := range keys {
		names := slice.Uniq(
			slice.Map(groups[key], func(c Case) string { return regexp.QuoteMeta(c.Test.Name) }),
		)
		patterns = append(
			patterns, RunPattern{
				ImportPath: key,
				Expr:       "^(" + strings.Join(names, "|") + ")$",
			},
		)
	}

	return patterns
}

type Option func(*Collector)

// WithOutput directs the progress line. Default is no output.
func WithOutput(w io.Writer) Option {
	return func(c *Collector) { c.out = w }
}

// WithPrefetchLevel fixes the query widening level. The default -1
// picks a level from the workload size.
func WithPrefetchLevel(level int) Option {
	return func(c *Collector) { c.level = level }
}

// WithCriteria sets the base query criteria. The CaseQuery field is
// owned by the collector and overwritten per query.
func WithCriteria(crit polarion.Criteria) Option {
	return func(c *Collector) { c.crit = crit }
}

// Collector resolves case ids against a Source, caching both the
// fetched items and the query strings already tried so one wide query
// serves many tests.
type Collector struct {
	src   Source
	out   io.Writer
	level int
	crit  polarion.Criteria

	tried  *lru.Cache
	byCase map[string][]polarion.WorkItem
	seen   map[string]struct{}
}

func New(src Source, opts ...Option) (*Collector, error) {
	tried, err := lru.New(triedQueriesSize)
	if err != nil {
		return nil, fmt.Errorf("lru.New: %w", err)
	}

	c := &Collector{
		src:    src,
		out:    io.Discard,
		level:  -1,
		tried:  tried,
		byCase: make(map[string][]polarion.WorkItem),
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Select intersects the discovered tests with the Test Run. Tests
// without a matching run member come back in Deselected, in discovery
// order.
func (c *Collector) Select(ctx context.Context, tests []discover.Test) (*Selection, error) {
	start := time.Now()

	run, err := c.src.TestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect test run: %w", err)
	}
	records := run.RecordIndex()

	level := autoLevel(c.level, c.crit.Assignee != "", len(tests))

	sel := &Selection{}

	for _, test := range tests {
		_, testCaseID := caseid.FromTest(test.RelPackage, test.Name)

		if err := c.ensure(ctx, testCaseID, level); err != nil {
			return nil, err
		}

		var matches []Match
		for _, item := range c.byCase[testCaseID] {
			if rec, ok := records[item.WorkItemID]; ok {
				matches = append(matches, Match{Item: item, Record: rec})
			}
		}

		if len(matches) == 0 {
			sel.Deselected = append(sel.Deselected, test)
			continue
		}

		sel.Selected = append(
			sel.Selected, Case{
				Test:     test,
				UniqueID: testCaseID,
				CaseID:   testCaseID,
				Matches:  matches,
			},
		)
	}

	sel.Fetched = len(c.seen)
	sel.Elapsed = time.Since(start)

	fmt.Fprintf(c.out, "Fetched %d Polarion item(s) in %.2fs\n", sel.Fetched, sel.Elapsed.Seconds())

	return sel, nil
}

// Lookup resolves one executed test instance to its work item. A
// subtest resolves only to the work item carrying its exact bracketed
// id; a root test only to the plain one.
func (c *Collector) Lookup(ctx context.Context, relPkg, test string) (polarion.WorkItem, bool, error) {
	uniqueID, testCaseID := caseid.FromTest(relPkg, test)

	if err := c.ensure(ctx, testCaseID, c.level); err != nil {
		return polarion.WorkItem{}, false, err
	}

	item, ok := slice.Find(
		c.byCase[testCaseID], func(item polarion.WorkItem) bool { return item.UniqueID() == uniqueID },
	)

	return item, ok, nil
}

// ensure fetches the case bucket unless it is already cached or the
// compiled query was tried before.
func (c *Collector) ensure(ctx context.Context, testCaseID string, level int) error {
	if _, ok := c.byCase[testCaseID]; ok {
		return nil
	}

	query := polarion.CaseQuery(testCaseID, level)
	if c.tried.Contains(query) {
		return nil
	}
	c.tried.Add(query, struct{}{})

	crit := c.crit
	crit.CaseQuery = query

	items, err := c.src.QueryWorkItems(ctx, crit)
	if err != nil {
		return fmt.Errorf("query work items: %w", err)
	}

	for _, item := range items {
		uniqueID := item.UniqueID()
		if _, ok := c.seen[uniqueID]; ok {
			continue
		}
		c.seen[uniqueID] = struct{}{}
		c.byCase[item.TestCaseID] = append(c.byCase[item.TestCaseID], item)
	}

	return nil
}

// autoLevel picks the widening level for an unset one. With an assignee
// the item universe is small, so wider queries pay off sooner.
func autoLevel(level int, assignee bool, numItems int) int {
	if level != -1 {
		return level
	}

	if assignee {
		switch {
		case numItems > 10:
			return 2
		case numItems > 5:
			return 1
		}

		return level
	}

	if numItems > 10 {
		return 1
	}

	return level
}
