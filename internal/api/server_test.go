package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"stemflow/internal/callback"
	"stemflow/internal/domain"
	"stemflow/internal/lifecycle"
	"stemflow/internal/scheduler"
	"stemflow/internal/store"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, task domain.Task) error { return nil }

func newTestServer(t *testing.T) (http.Handler, *lifecycle.Manager) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/test.db?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.NewSQLiteStore(db)

	log := zerolog.Nop()
	manager := lifecycle.NewManager(st, noopDispatcher{}, 2, log)
	correlator := callback.New(st, log)
	gate := scheduler.NewGate(manager, "https://open.spotify.com/playlist/abc", log)
	return NewServer(manager, correlator, gate), manager
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const resultCallback = `{
  "task_status": {"status": "completed", "message": "Process complete"},
  "song_metadata": {
    "title": "Song",
    "artists": ["A"],
    "album": {"name": "Album", "images": ["https://img/1.jpg"]},
    "duration": 180,
    "popularity": 50,
    "year": 2020
  },
  "file_keys": {
    "drums": "https://bucket/d.mp3",
    "bass": "https://bucket/b.mp3",
    "guitar": "https://bucket/g.mp3",
    "other": "https://bucket/o.mp3",
    "original": "https://bucket/orig.mp3"
  }
}`

func TestCreateThenCallbackScenario(t *testing.T) {
	h, m := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/tasks",
		`{"source_url":"https://x/y","start_offset":10,"duration_limit":30}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	m.Wait()

	rec = doJSON(t, h, "GET", "/api/tasks/"+created.ID, "")
	require.Equal(t, 200, rec.Code)
	var view domain.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusPending, view.Status)
	assert.Equal(t, "Task created", view.Message)
	assert.Nil(t, view.ResultID)
	assert.Nil(t, view.Result)

	rec = doJSON(t, h, "POST", "/update-task?taskId="+created.ID, resultCallback)
	require.Equal(t, 200, rec.Code)

	rec = doJSON(t, h, "GET", "/api/tasks/"+created.ID, "")
	require.Equal(t, 200, rec.Code)
	view = domain.TaskView{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, "Song", view.Result.Metadata.Title)
	assert.Equal(t, []string{"A"}, view.Result.Metadata.Artists)
	assert.Equal(t, 180, view.Result.Metadata.Duration)
	assert.Equal(t, 2020, view.Result.Metadata.Year)
	require.NotNil(t, view.Result.Stems.Original)
	assert.Equal(t, "https://bucket/orig.mp3", *view.Result.Stems.Original)
}

func TestCreateRejectsBadBody(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, "POST", "/api/tasks", `{`)
	assert.Equal(t, 400, rec.Code)

	rec = doJSON(t, h, "POST", "/api/tasks", `{"source_url":"not a url"}`)
	assert.Equal(t, 400, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, "GET", "/api/tasks/tsk_missing", "")
	assert.Equal(t, 404, rec.Code)
}

func TestUpdateTaskValidation(t *testing.T) {
	h, m := newTestServer(t)

	// Missing taskId.
	rec := doJSON(t, h, "POST", "/update-task", `{"status":"failed","message":"x"}`)
	assert.Equal(t, 400, rec.Code)

	// Unknown task id.
	rec = doJSON(t, h, "POST", "/update-task?taskId=tsk_missing", `{"status":"failed","message":"x"}`)
	assert.Equal(t, 404, rec.Code)

	// Malformed body against an existing task: rejected, no mutation.
	created := doJSON(t, h, "POST", "/api/tasks", `{"source_url":"https://x/y"}`)
	require.Equal(t, http.StatusAccepted, created.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))
	m.Wait()

	rec = doJSON(t, h, "POST", "/update-task?taskId="+resp.ID, `{"status":"exploded"}`)
	assert.Equal(t, 400, rec.Code)

	rec = doJSON(t, h, "GET", "/api/tasks/"+resp.ID, "")
	var view domain.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusPending, view.Status)
}

func TestStatusOnlyCallback(t *testing.T) {
	h, m := newTestServer(t)

	created := doJSON(t, h, "POST", "/api/tasks", `{"source_url":"https://x/y"}`)
	require.Equal(t, http.StatusAccepted, created.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))
	m.Wait()

	rec := doJSON(t, h, "POST", "/update-task?taskId="+resp.ID, `{"status":"in_progress","message":"Separating audio"}`)
	require.Equal(t, 200, rec.Code)

	rec = doJSON(t, h, "GET", "/api/tasks/"+resp.ID, "")
	var view domain.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusInProgress, view.Status)
	assert.Equal(t, "Separating audio", view.Message)
}

func TestDailyTriggerAndLatest(t *testing.T) {
	h, m := newTestServer(t)

	rec := doJSON(t, h, "GET", "/api/daily/latest", "")
	assert.Equal(t, 404, rec.Code)

	rec = doJSON(t, h, "POST", "/api/daily/trigger", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	m.Wait()

	// Still no completed daily task.
	rec = doJSON(t, h, "GET", "/api/daily/latest", "")
	assert.Equal(t, 404, rec.Code)

	rec = doJSON(t, h, "POST", "/update-task?taskId="+resp.ID, resultCallback)
	require.Equal(t, 200, rec.Code)

	rec = doJSON(t, h, "GET", "/api/daily/latest", "")
	require.Equal(t, 200, rec.Code)
	var view domain.TaskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, resp.ID, view.ID)
	assert.Equal(t, domain.KindDaily, view.Kind)
	require.NotNil(t, view.Result)
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, "GET", "/health", "")
	assert.Equal(t, 200, rec.Code)
}
