package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"stemflow/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  source_url TEXT NOT NULL,
  start_offset INTEGER,
  duration_limit INTEGER,
  kind TEXT NOT NULL CHECK(kind IN ('ad-hoc','daily')) DEFAULT 'ad-hoc',
  status TEXT NOT NULL CHECK(status IN ('pending','in_progress','completed','failed')) DEFAULT 'pending',
  message TEXT NOT NULL DEFAULT '',
  result_id TEXT REFERENCES results(id),
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_kind_status ON tasks(kind, status, created_at DESC);
CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  drums_url TEXT,
  bass_url TEXT,
  guitar_url TEXT,
  other_url TEXT,
  original_url TEXT,
  title TEXT NOT NULL,
  artists TEXT NOT NULL,
  album_name TEXT NOT NULL DEFAULT '',
  album_images TEXT NOT NULL DEFAULT '[]',
  duration INTEGER NOT NULL DEFAULT 0,
  popularity INTEGER NOT NULL DEFAULT 0,
  year INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS daily_index (
  date TEXT PRIMARY KEY,
  result_id TEXT NOT NULL REFERENCES results(id),
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	InsertTask(ctx context.Context, req domain.TaskRequest, kind domain.TaskKind) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	PatchTaskStatus(ctx context.Context, id string, status domain.TaskStatus, message string) error
	// AttachResult inserts the result and marks the task completed in one
	// transaction. Returns the generated result id.
	AttachResult(ctx context.Context, taskID string, res domain.Result, message string) (string, error)
	GetResult(ctx context.Context, id string) (domain.Result, error)
	FindDailyEntry(ctx context.Context, date string) (domain.DailyEntry, error)
	InsertDailyEntry(ctx context.Context, date, resultID string) error
	FindLatestCompletedDailyTask(ctx context.Context) (domain.Task, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) InsertTask(ctx context.Context, req domain.TaskRequest, kind domain.TaskKind) (string, error) {
	id := "tsk_" + uuid.NewString()
	if kind == "" {
		kind = domain.KindAdHoc
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (id,source_url,start_offset,duration_limit,kind,status,message,created_at,updated_at)
VALUES (?,?,?,?,?,'pending','Task created',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, req.SourceURL, nullInt(req.StartOffset), nullInt(req.DurationLimit), string(kind))
	if err != nil {
		return "", err
	}
	return id, nil
}

const taskCols = `id,source_url,start_offset,duration_limit,kind,status,message,result_id,created_at,updated_at`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) PatchTaskStatus(ctx context.Context, id string, status domain.TaskStatus, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status=?, message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, string(status), message, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AttachResult(ctx context.Context, taskID string, r domain.Result, message string) (string, error) {
	artists, err := json.Marshal(r.Metadata.Artists)
	if err != nil {
		return "", fmt.Errorf("encode artists: %w", err)
	}
	images, err := json.Marshal(r.Metadata.Album.Images)
	if err != nil {
		return "", fmt.Errorf("encode album images: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	resultID := "res_" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO results (id,drums_url,bass_url,guitar_url,other_url,original_url,title,artists,album_name,album_images,duration,popularity,year,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
`, resultID,
		r.Stems.Drums, r.Stems.Bass, r.Stems.Guitar, r.Stems.Other, r.Stems.Original,
		r.Metadata.Title, string(artists), r.Metadata.Album.Name, string(images),
		r.Metadata.Duration, r.Metadata.Popularity, r.Metadata.Year)
	if err != nil {
		return "", err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status='completed', message=?, result_id=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, message, resultID, taskID)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return resultID, nil
}

func (s *sqliteStore) GetResult(ctx context.Context, id string) (domain.Result, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,drums_url,bass_url,guitar_url,other_url,original_url,title,artists,album_name,album_images,duration,popularity,year,created_at
FROM results WHERE id=?`, id)

	var r domain.Result
	var drums, bass, guitar, other, original sql.NullString
	var artists, images string
	err := row.Scan(&r.ID, &drums, &bass, &guitar, &other, &original,
		&r.Metadata.Title, &artists, &r.Metadata.Album.Name, &images,
		&r.Metadata.Duration, &r.Metadata.Popularity, &r.Metadata.Year, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Result{}, ErrNotFound
	}
	if err != nil {
		return domain.Result{}, err
	}
	r.Stems.Drums = fromNullString(drums)
	r.Stems.Bass = fromNullString(bass)
	r.Stems.Guitar = fromNullString(guitar)
	r.Stems.Other = fromNullString(other)
	r.Stems.Original = fromNullString(original)
	if err := json.Unmarshal([]byte(artists), &r.Metadata.Artists); err != nil {
		return domain.Result{}, fmt.Errorf("decode artists: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &r.Metadata.Album.Images); err != nil {
		return domain.Result{}, fmt.Errorf("decode album images: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) FindDailyEntry(ctx context.Context, date string) (domain.DailyEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT date,result_id,created_at FROM daily_index WHERE date=?`, date)
	var e domain.DailyEntry
	err := row.Scan(&e.Date, &e.ResultID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.DailyEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.DailyEntry{}, err
	}
	return e, nil
}

// InsertDailyEntry relies on the primary key on date: a concurrent insert for
// the same date loses silently, keeping the first completion's result.
func (s *sqliteStore) InsertDailyEntry(ctx context.Context, date, resultID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_index (date,result_id,created_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(date) DO NOTHING`, date, resultID)
	return err
}

func (s *sqliteStore) FindLatestCompletedDailyTask(ctx context.Context) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE kind='daily' AND status='completed'
ORDER BY created_at DESC, rowid DESC
LIMIT 1`)
	return scanTask(row)
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var startOffset, durationLimit sql.NullInt64
	var kind, status string
	var resultID sql.NullString
	err := row.Scan(&t.ID, &t.Request.SourceURL, &startOffset, &durationLimit,
		&kind, &status, &t.Message, &resultID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	if startOffset.Valid {
		v := int(startOffset.Int64)
		t.Request.StartOffset = &v
	}
	if durationLimit.Valid {
		v := int(durationLimit.Int64)
		t.Request.DurationLimit = &v
	}
	if resultID.Valid {
		s := resultID.String
		t.ResultID = &s
	}
	return t, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// UTCDate formats t's UTC calendar date as the daily_index key.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
