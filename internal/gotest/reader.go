package gotest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Set is the outcome of reading a whole test stream. Err collects the
// rows that could not be decoded; the stream is read past them.
type Set struct {
	Err     error
	Results []Result
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &Reader{r: sc}
}

// Reader consumes a `go test -json` stream and folds the event rows
// into one Result per test. Subtests come out as their own results,
// in the order the stream first mentions them.
type Reader struct {
	r *bufio.Scanner
}

func (r *Reader) ReadAll(ctx context.Context) (Set, error) {
	var errs []error

	index := make(map[string]*Result)
	order := make([]*Result, 0, 64)

	for r.r.Scan() {
		select {
		case <-ctx.Done():
			return Set{}, ctx.Err()
		default:
		}

		line := r.r.Bytes()

		var row Entry
		if err := json.Unmarshal(line, &row); err != nil {
			errs = append(errs, fmt.Errorf("json.Unmarshal: %w", err))
			continue
		}

		if len(row.TestName) == 0 {
			continue
		}

		key := row.Package + "/" + row.TestName

		tc, ok := index[key]
		if !ok {
			tc = &Result{
				Name:    row.TestName,
				Package: row.Package,
			}
			index[key] = tc
			order = append(order, tc)
		}

		tc.update(row)
	}

	if err := r.r.Err(); err != nil {
		return Set{}, fmt.Errorf("scan stream: %w", err)
	}

	result := Set{
		Err:     errors.Join(errs...), // nolint
		Results: make([]Result, 0, len(order)),
	}

	for _, tc := range order {
		result.Results = append(result.Results, *tc)
	}

	return result, nil
}
