package polarion

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultQueryTries = 5
	defaultQueryDelay = 300 * time.Millisecond
	queryCacheSize    = 512
)

// SessionConfig carries everything a live session needs. Project and Run
// bind the session to a single Test Run, mirroring how the tool is used:
// one invocation, one run.
type SessionConfig struct {
	URL      string
	Project  string
	Run      string
	User     string
	Token    string
	Insecure bool
	Timeout  time.Duration

	// QueryTries and QueryDelay bound the retry loop around read
	// queries. The web service occasionally rejects a valid session with
	// "Not authorized"; the same query usually succeeds when re-tried.
	QueryTries int
	QueryDelay time.Duration
}

// Session talks to the Polarion web service for a single Test Run.
type Session struct {
	cfg   SessionConfig
	base  string
	hc    *http.Client
	cache *lru.Cache

	run *TestRun
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("polarion url is not set")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("polarion project name is not set")
	}
	if cfg.Run == "" {
		return nil, fmt.Errorf("polarion test run is not set")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueryTries <= 0 {
		cfg.QueryTries = defaultQueryTries
	}
	if cfg.QueryDelay <= 0 {
		cfg.QueryDelay = defaultQueryDelay
	}

	hc := &http.Client{Timeout: cfg.Timeout}
	if cfg.Insecure {
		hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // nolint:gosec
		}
	}

	cache, err := lru.New(queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("lru.New: %w", err)
	}

	return &Session{
		cfg:   cfg,
		base:  strings.TrimRight(cfg.URL, "/"),
		hc:    hc,
		cache: cache,
	}, nil
}

// Project returns the project id the session is bound to.
func (s *Session) Project() string { return s.cfg.Project }

// Run returns the Test Run id the session is bound to.
func (s *Session) Run() string { return s.cfg.Run }

// TestRun fetches the bound Test Run with all its records.
func (s *Session) TestRun(ctx context.Context) (*TestRun, error) {
	if s.run != nil {
		return s.run, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	return s.run, nil
}

// Refresh re-fetches the Test Run state, dropping anything cached.
func (s *Session) Refresh(ctx context.Context) error {
	pth := fmt.Sprintf(
		"/api/projects/%s/testruns/%s", url.PathEscape(s.cfg.Project), url.PathEscape(s.cfg.Run),
	)

	var run TestRun
	err := s.retry(ctx, func() error {
		return s.do(ctx, http.MethodGet, pth, nil, nil, &run)
	})
	if err != nil {
		return fmt.Errorf("fetch test run %q: %w", s.cfg.Run, err)
	}

	s.run = &run

	return nil
}

// QueryWorkItems runs a case query against the project. Results are
// cached by the compiled query string so a prefix query repeated during
// one collection pass hits the wire only once.
func (s *Session) QueryWorkItems(ctx context.Context, crit Criteria) ([]WorkItem, error) {
	query := Query(s.cfg.Project, s.cfg.Run, crit)

	if cached, ok := s.cache.Get(query); ok {
		return cached.([]WorkItem), nil
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("fields", strings.Join(QueryFields, ","))
	pth := fmt.Sprintf("/api/projects/%s/workitems", url.PathEscape(s.cfg.Project))

	var payload struct {
		Items []WorkItem `json:"items"`
	}

	err := s.retry(ctx, func() error {
		return s.do(ctx, http.MethodGet, pth, params, nil, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}

	s.cache.Add(query, payload.Items)

	return payload.Items, nil
}

// AddRecord appends a new test record to the run. ErrRecordExists is
// returned when the run already holds a record for the work item.
func (s *Session) AddRecord(ctx context.Context, rec Record) error {
	pth := fmt.Sprintf(
		"/api/projects/%s/testruns/%s/records", url.PathEscape(s.cfg.Project), url.PathEscape(s.cfg.Run),
	)

	if err := s.do(ctx, http.MethodPost, pth, nil, rec, nil); err != nil {
		return fmt.Errorf("add record %s: %w", rec.WorkItemID, err)
	}

	return nil
}

// UpdateRecord overwrites the existing test record of the work item.
func (s *Session) UpdateRecord(ctx context.Context, rec Record) error {
	pth := fmt.Sprintf(
		"/api/projects/%s/testruns/%s/records/%s",
		url.PathEscape(s.cfg.Project), url.PathEscape(s.cfg.Run), url.PathEscape(rec.WorkItemID),
	)

	if err := s.do(ctx, http.MethodPut, pth, nil, rec, nil); err != nil {
		return fmt.Errorf("update record %s: %w", rec.WorkItemID, err)
	}

	return nil
}

// SetRecord writes a record, first as a new one and on conflict as an
// update of the existing one.
func (s *Session) SetRecord(ctx context.Context, rec Record) error {
	err := s.AddRecord(ctx, rec)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrRecordExists) {
		return err
	}

	if err := s.Refresh(ctx); err != nil {
		return err
	}

	return s.UpdateRecord(ctx, rec)
}

// Close releases idle connections. The web service has no session state
// worth tearing down.
func (s *Session) Close() error {
	s.hc.CloseIdleConnections()
	return nil
}

// retry re-runs fn until it succeeds, the error stops being retryable
// or the attempts are spent.
func (s *Session) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.QueryTries; attempt++ {
		if attempt != 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.QueryDelay):
			}
		}

		if err = fn(); err == nil {
			return nil
		}

		if !retryable(err) {
			return err
		}
	}

	return err
}

// retryable reports whether an error is worth another attempt:
// authorization hiccups and server-side failures are, client-side
// errors are not.
func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRecordExists) {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= http.StatusInternalServerError
	}

	// transport-level failure
	return true
}

// StatusError is an unexpected HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}

	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (s *Session) do(ctx context.Context, method, pth string, params url.Values, in, out any) error {
	u := s.base + pth
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("json.Marshal: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("http.NewRequestWithContext: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.cfg.User != "" {
		req.SetBasicAuth(s.cfg.User, s.cfg.Token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("http Do: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusConflict:
		return ErrRecordExists
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("json decode response: %w", err)
		}
	}

	return nil
}
