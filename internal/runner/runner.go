// Package runner executes `go test -json` for the selected tests and
// parses the event stream back into results.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/cfme-tools/go-polarion/internal/collect"
	"github.com/cfme-tools/go-polarion/internal/gotest"
)

// Report is the outcome of the executed test selection.
type Report struct {
	// Results in stream order across all invocations.
	Results []gotest.Result
	// Failed is true when at least one invocation reported failing
	// tests.
	Failed bool
	// ParseErr collects stream rows that could not be decoded.
	ParseErr error
}

type Option func(*Runner)

// WithDir runs the go tool in dir instead of the current directory.
func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithGoArgs appends extra arguments to every `go test` invocation,
// e.g. -count=1 or -tags.
func WithGoArgs(args ...string) Option {
	return func(r *Runner) {
		r.args = append(r.args, args...)
	}
}

// WithTee mirrors the raw event stream to w while it is parsed.
func WithTee(w io.Writer) Option {
	return func(r *Runner) {
		r.tee = w
	}
}

// WithStderr mirrors the go tool's stderr to w.
func WithStderr(w io.Writer) Option {
	return func(r *Runner) {
		r.stderr = w
	}
}

type Runner struct {
	dir    string
	args   []string
	tee    io.Writer
	stderr io.Writer
}

func New(opts ...Option) *Runner {
	r := Runner{stderr: io.Discard}
	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Run executes one `go test -json` invocation per pattern and returns
// the concatenated results in stream order. An exit status of 1 is a
// test failure, not an execution error: the report carries the failing
// results and the Failed flag.
func (r *Runner) Run(ctx context.Context, patterns []collect.RunPattern) (*Report, error) {
	var report Report

	var parseErrs []error

	for _, pattern := range patterns {
		set, failed, err := r.run(ctx, pattern)
		if err != nil {
			return nil, err
		}

		report.Results = append(report.Results, set.Results...)
		report.Failed = report.Failed || failed

		if set.Err != nil {
			parseErrs = append(parseErrs, set.Err)
		}
	}

	report.ParseErr = errors.Join(parseErrs...)

	return &report, nil
}

func (r *Runner) run(ctx context.Context, pattern collect.RunPattern) (gotest.Set, bool, error) {
	args := []string{"test", "-json", "-run", pattern.Expr}
	args = append(args, r.args...)
	args = append(args, pattern.ImportPath)

	errBuf := bytes.NewBuffer(make([]byte, 0, 4096))

	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = r.dir
	cmd.Stdin = strings.NewReader("")
	cmd.Stderr = io.MultiWriter(errBuf, r.stderr)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return gotest.Set{}, false, fmt.Errorf("cmd StdoutPipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return gotest.Set{}, false, fmt.Errorf("command Start go test %s: %w", pattern.ImportPath, err)
	}

	var src io.Reader = stdout
	if r.tee != nil {
		src = io.TeeReader(stdout, r.tee)
	}

	set, readErr := gotest.NewReader(src).ReadAll(ctx)

	waitErr := cmd.Wait()

	if readErr != nil {
		return gotest.Set{}, false, fmt.Errorf("read go test stream: %w", readErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == 1 {
			return set, true, nil
		}

		return gotest.Set{}, false, fmt.Errorf(
			"command Run go test %s: %w: %s", pattern.ImportPath, waitErr, strings.TrimSpace(errBuf.String()),
		)
	}

	return set, anyFailed(set.Results), nil
}

func anyFailed(results []gotest.Result) bool {
	for _, res := range results {
		if res.Status == gotest.ActionFail {
			return true
		}
	}

	return false
}
