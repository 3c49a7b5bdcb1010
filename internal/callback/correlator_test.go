package callback

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"stemflow/internal/domain"
	"stemflow/internal/store"
)

func newTestCorrelator(t *testing.T) (*Correlator, store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/test.db?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.NewSQLiteStore(db)
	return New(st, zerolog.Nop()), st
}

func resultUpdate() Update {
	u, err := DecodeUpdate([]byte(resultBody))
	if err != nil {
		panic(err)
	}
	return u
}

func TestApplyStatusUpdate(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	id, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://x/y"}, domain.KindAdHoc)
	require.NoError(t, err)

	upd := Update{Kind: StatusOnly, Status: domain.StatusInProgress, Message: "Downloading audio"}
	require.NoError(t, c.Apply(ctx, id, upd))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, "Downloading audio", task.Message)
	assert.Nil(t, task.ResultID)
}

func TestApplyUnknownTaskID(t *testing.T) {
	c, _ := newTestCorrelator(t)
	upd := Update{Kind: StatusOnly, Status: domain.StatusFailed, Message: "x"}
	err := c.Apply(context.Background(), "tsk_missing", upd)
	assert.Equal(t, store.ErrNotFound, err)
}

func TestApplyResultUpdate(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	id, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://x/y"}, domain.KindAdHoc)
	require.NoError(t, err)

	require.NoError(t, c.Apply(ctx, id, resultUpdate()))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.ResultID)

	res, err := st.GetResult(ctx, *task.ResultID)
	require.NoError(t, err)
	assert.Equal(t, "Song", res.Metadata.Title)
	require.NotNil(t, res.Stems.Original)

	// An ad-hoc completion must not touch the daily index.
	_, err = st.FindDailyEntry(ctx, store.UTCDate(time.Now()))
	assert.Equal(t, store.ErrNotFound, err)
}

func TestApplyResultAfterFailedWins(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	id, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://x/y"}, domain.KindAdHoc)
	require.NoError(t, err)
	require.NoError(t, st.PatchTaskStatus(ctx, id, domain.StatusFailed, "worker unreachable"))

	// The worker's final word wins over a prior terminal state.
	require.NoError(t, c.Apply(ctx, id, resultUpdate()))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.NotNil(t, task.ResultID)
}

func TestDailyCompletionRecordsEntryOnce(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()
	date := store.UTCDate(time.Now())

	first, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://playlist/p"}, domain.KindDaily)
	require.NoError(t, err)
	second, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://playlist/p"}, domain.KindDaily)
	require.NoError(t, err)

	require.NoError(t, c.Apply(ctx, first, resultUpdate()))

	entry, err := st.FindDailyEntry(ctx, date)
	require.NoError(t, err)
	firstTask, err := st.GetTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, *firstTask.ResultID, entry.ResultID)

	// A second daily completion on the same date still completes its task but
	// leaves the daily entry alone.
	require.NoError(t, c.Apply(ctx, second, resultUpdate()))

	secondTask, err := st.GetTask(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, secondTask.Status)

	entryAgain, err := st.FindDailyEntry(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, entry.ResultID, entryAgain.ResultID)
}

func TestCompletedStatusWithoutResultIsPersisted(t *testing.T) {
	c, st := newTestCorrelator(t)
	ctx := context.Background()

	id, err := st.InsertTask(ctx, domain.TaskRequest{SourceURL: "https://x/y"}, domain.KindAdHoc)
	require.NoError(t, err)

	// Anomalous, but rejecting it would lose information.
	upd := Update{Kind: StatusOnly, Status: domain.StatusCompleted, Message: "done?"}
	require.NoError(t, c.Apply(ctx, id, upd))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Nil(t, task.ResultID)
}
