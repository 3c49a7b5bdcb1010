package domain

import "time"

// TaskKind distinguishes scheduler-created daily tasks from ad-hoc client requests.
type TaskKind string

const (
	KindAdHoc TaskKind = "ad-hoc"
	KindDaily TaskKind = "daily"
)

// TaskStatus is the lifecycle state of a task. A task starts pending, may pass
// through in_progress, and ends in exactly one of completed or failed.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskRequest is the immutable input a task was created from.
type TaskRequest struct {
	SourceURL     string `json:"source_url"`
	StartOffset   *int   `json:"start_offset,omitempty"`   // seconds into the source
	DurationLimit *int   `json:"duration_limit,omitempty"` // seconds of audio to process
}

type Task struct {
	ID        string      `json:"id"`
	Request   TaskRequest `json:"request"`
	Kind      TaskKind    `json:"kind"`
	Status    TaskStatus  `json:"status"`
	Message   string      `json:"message"`
	ResultID  *string     `json:"result_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// StemLocations holds the object-storage locations of the separated stems.
// Original is always present on a completed result; the rest depend on what
// the worker produced.
type StemLocations struct {
	Drums    *string `json:"drums"`
	Bass     *string `json:"bass"`
	Guitar   *string `json:"guitar"`
	Other    *string `json:"other"`
	Original *string `json:"original"`
}

type Album struct {
	Name   string   `json:"name"`
	Images []string `json:"images"`
}

type SongMetadata struct {
	Title      string   `json:"title"`
	Artists    []string `json:"artists"`
	Album      Album    `json:"album"`
	Duration   int      `json:"duration"` // seconds
	Popularity int      `json:"popularity"`
	Year       int      `json:"year"`
}

// Result is the output of a completed task. Immutable once written.
type Result struct {
	ID        string        `json:"id"`
	Stems     StemLocations `json:"stems"`
	Metadata  SongMetadata  `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
}

// DailyEntry records which result is "the" result for a UTC calendar date.
// At most one entry exists per date.
type DailyEntry struct {
	Date      string    `json:"date"` // YYYY-MM-DD, UTC
	ResultID  string    `json:"result_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskView is a task joined with its result, as served to clients.
type TaskView struct {
	Task
	Result *Result `json:"result"`
}
