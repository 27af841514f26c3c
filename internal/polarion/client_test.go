package polarion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, h http.Handler) (*Session, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	sess, err := NewSession(SessionConfig{
		URL:        srv.URL,
		Project:    "CMP",
		Run:        "smoke-42",
		User:       "jdoe",
		Token:      "sekrit",
		QueryTries: 3,
		QueryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	return sess, srv
}

func TestSession_QueryWorkItems(t *testing.T) {
	t.Parallel()

	var hits int64
	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)

		user, token, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "jdoe", user)
		assert.Equal(t, "sekrit", token)

		assert.Equal(t, "/api/projects/CMP/workitems", r.URL.Path)
		assert.Equal(t, "work_item_id,test_case_id,title,assignee", r.URL.Query().Get("fields"))
		assert.Contains(t, r.URL.Query().Get("query"), `TEST_RECORDS:("CMP/smoke-42",@null)`)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []WorkItem{
				{WorkItemID: "CMP-1234", TestCaseID: "storage.test_backup.TestRestore", Title: "TestRestore"},
			},
		})
	}))

	ctx := context.Background()

	items, err := sess.QueryWorkItems(ctx, Criteria{CaseQuery: "storage.test_backup.*"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "CMP-1234", items[0].WorkItemID)

	// same query again comes from the cache
	_, err = sess.QueryWorkItems(ctx, Criteria{CaseQuery: "storage.test_backup.*"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// a different query goes back to the wire
	_, err = sess.QueryWorkItems(ctx, Criteria{CaseQuery: "storage.*"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestSession_QueryWorkItems_RetriesUnauthorized(t *testing.T) {
	t.Parallel()

	var hits int64
	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []WorkItem{}})
	}))

	_, err := sess.QueryWorkItems(context.Background(), Criteria{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestSession_QueryWorkItems_GivesUp(t *testing.T) {
	t.Parallel()

	var hits int64
	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := sess.QueryWorkItems(context.Background(), Criteria{})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(3), atomic.LoadInt64(&hits))
}

func TestSession_TestRun(t *testing.T) {
	t.Parallel()

	var hits int64
	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		assert.Equal(t, "/api/projects/CMP/testruns/smoke-42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(TestRun{
			Project: "CMP",
			ID:      "smoke-42",
			Records: []Record{{WorkItemID: "CMP-1", Verdict: VerdictPassed}},
		})
	}))

	ctx := context.Background()

	run, err := sess.TestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "smoke-42", run.ID)
	require.Len(t, run.Records, 1)

	// cached until Refresh
	_, err = sess.TestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	require.NoError(t, sess.Refresh(ctx))
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestSession_SetRecord_ConflictUpdates(t *testing.T) {
	t.Parallel()

	var sequence []string
	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sequence = append(sequence, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(TestRun{Project: "CMP", ID: "smoke-42"})
		case r.Method == http.MethodPut:
			var rec Record
			require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
			assert.Equal(t, VerdictFailed, rec.Verdict)
			w.WriteHeader(http.StatusOK)
		}
	}))

	err := sess.SetRecord(context.Background(), Record{WorkItemID: "CMP-1234", Verdict: VerdictFailed})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/projects/CMP/testruns/smoke-42/records",
		"GET /api/projects/CMP/testruns/smoke-42",
		"PUT /api/projects/CMP/testruns/smoke-42/records/CMP-1234",
	}, sequence)
}

func TestSession_AddRecord_Exists(t *testing.T) {
	t.Parallel()

	sess, _ := newTestSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	err := sess.AddRecord(context.Background(), Record{WorkItemID: "CMP-1234", Verdict: VerdictPassed})
	require.ErrorIs(t, err, ErrRecordExists)
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSession(SessionConfig{Project: "CMP", Run: "smoke-42"})
	require.Error(t, err)

	_, err = NewSession(SessionConfig{URL: "https://polarion.example.com", Run: "smoke-42"})
	require.Error(t, err)

	_, err = NewSession(SessionConfig{URL: "https://polarion.example.com", Project: "CMP"})
	require.Error(t, err)
}
