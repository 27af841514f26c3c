// Package recorder writes test outcomes back to a Polarion test run.
//
// Each finished result from the `go test -json` stream is mapped to a
// test record: passes become "passed", failures "failed" and skips
// "blocked" with the captured output as the record comment. Which
// outcomes are written is controlled by Policy. Writes are retried with
// the run reloaded before the second attempt; a record that still
// cannot be written produces a warning on the output and never fails
// the recording as a whole.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cfme-tools/go-polarion/internal/gotest"
	"github.com/cfme-tools/go-polarion/internal/polarion"
)

const (
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
)

// Sink is the destination of test records: a live Polarion session or a
// local test run export.
type Sink interface {
	TestRun(ctx context.Context) (*polarion.TestRun, error)
	SetRecord(ctx context.Context, rec polarion.Record) error
	Refresh(ctx context.Context) error
}

// Resolver maps a test from the stream to its Polarion work item.
type Resolver interface {
	Resolve(ctx context.Context, importPath, test string) (polarion.WorkItem, bool, error)
}

// Policy controls which outcomes are written back.
type Policy struct {
	// Always writes failed and skipped outcomes, not only passes.
	Always bool
	// Skipped writes skipped outcomes as blocked records.
	Skipped bool
	// None disables recording entirely.
	None bool
	// ExecutedBy is the user id stamped on every record.
	ExecutedBy string
}

// Summary counts what happened to the incoming results.
type Summary struct {
	// Written records stored in the sink.
	Written int
	// Failed records given up on after all write attempts.
	Failed int
	// Skipped results excluded by the policy or without a terminal status.
	Skipped int
	// Unmatched results with no work item in the test run.
	Unmatched int
}

type Option func(*Recorder)

// WithOutput routes warnings to w.
func WithOutput(w io.Writer) Option {
	return func(r *Recorder) {
		r.out = w
	}
}

// WithPolicy replaces the default record-passes-only policy.
func WithPolicy(p Policy) Option {
	return func(r *Recorder) {
		r.policy = p
	}
}

// WithAudit writes an audit entry for every processed record to aw.
func WithAudit(aw *AuditWriter) Option {
	return func(r *Recorder) {
		r.audit = aw
	}
}

// WithRetry overrides the write retry schedule.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(r *Recorder) {
		if attempts > 0 {
			r.attempts = attempts
		}
		r.delay = delay
	}
}

type Recorder struct {
	sink     Sink
	resolver Resolver
	out      io.Writer
	audit    *AuditWriter
	policy   Policy
	attempts int
	delay    time.Duration
}

func New(sink Sink, resolver Resolver, opts ...Option) *Recorder {
	r := Recorder{
		sink:     sink,
		resolver: resolver,
		out:      io.Discard,
		attempts: defaultAttempts,
		delay:    defaultDelay,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Record writes the outcome of every eligible result to the sink in
// stream order. Results without a work item in the run are counted and
// passed over; write failures are reported on the output and counted,
// they do not abort the remaining results.
func (r *Recorder) Record(ctx context.Context, results []gotest.Result) (Summary, error) {
	var sum Summary

	if r.policy.None {
		return sum, nil
	}

	run, err := r.sink.TestRun(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetch test run: %w", err)
	}

	members := run.RecordIndex()

	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		rec, ok := r.buildRecord(res)
		if !ok {
			sum.Skipped++
			continue
		}

		item, found, err := r.resolver.Resolve(ctx, res.Package, res.Name)
		if err != nil {
			return sum, fmt.Errorf("resolve %s: %w", res.FullName(), err)
		}

		if !found {
			sum.Unmatched++
			continue
		}

		if _, member := members[item.WorkItemID]; !member {
			sum.Unmatched++
			continue
		}

		rec.WorkItemID = item.WorkItemID

		writeErr := r.setRecord(ctx, rec)
		if r.audit != nil {
			entry := AuditEntry{
				Project:    run.Project,
				Run:        run.ID,
				Test:       res.FullName(),
				WorkItemID: item.WorkItemID,
				Record:     rec,
				Written:    writeErr == nil,
			}
			if writeErr != nil {
				entry.Error = writeErr.Error()
			}

			if auditErr := r.audit.Write(entry); auditErr != nil {
				return sum, fmt.Errorf("write audit entry: %w", auditErr)
			}
		}

		if writeErr != nil {
			if ctx.Err() != nil {
				return sum, writeErr
			}

			fmt.Fprintf(r.out, "  %s: failed to write result to Polarion!\n", item.WorkItemID)
			sum.Failed++

			continue
		}

		sum.Written++
	}

	return sum, nil
}

// buildRecord maps one stream result to a test record. The boolean is
// false when the policy excludes the outcome or the test never reached
// a terminal status.
func (r *Recorder) buildRecord(res gotest.Result) (polarion.Record, bool) {
	var rec polarion.Record

	switch res.Status {
	case gotest.ActionPass:
		rec.Verdict = polarion.VerdictPassed
	case gotest.ActionFail:
		if !r.policy.Always {
			return rec, false
		}

		rec.Verdict = polarion.VerdictFailed
		rec.Comment = fmt.Sprintf("%s: %s\n%s", res.FullName(), res.Status, res.FailureOutput())
	case gotest.ActionSkip:
		if !r.policy.Always && !r.policy.Skipped {
			return rec, false
		}

		// A skipped test stays unexecuted in the run: the record is
		// blocked with the skip reason, without an execution time.
		rec.Verdict = polarion.VerdictBlocked
		rec.Comment = res.SkipReason()
		rec.ExecutedBy = r.policy.ExecutedBy

		return rec, true
	default:
		return rec, false
	}

	if res.Stop.IsZero() {
		rec.Executed = time.Now().UTC()
	} else {
		rec.Executed = res.Stop.UTC()
	}

	rec.ExecutedBy = r.policy.ExecutedBy
	rec.Duration = res.Elapsed

	return rec, true
}

// setRecord writes one record, retrying failed attempts. The run is
// reloaded before the second attempt so a conflicting record added by
// another session is picked up.
func (r *Recorder) setRecord(ctx context.Context, rec polarion.Record) error {
	var err error

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}

		if attempt == 1 {
			if err = r.sink.Refresh(ctx); err != nil {
				continue
			}
		}

		if err = r.sink.SetRecord(ctx, rec); err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return err
}
