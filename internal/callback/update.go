package callback

import (
	"encoding/json"
	"errors"
	"fmt"

	"stemflow/internal/domain"
)

// ErrMalformed marks a callback body that failed validation. No mutation is
// attempted for such a body.
var ErrMalformed = errors.New("malformed callback body")

// UpdateKind is the explicit discriminant for the two callback shapes.
type UpdateKind int

const (
	// StatusOnly carries a bare status transition.
	StatusOnly UpdateKind = iota
	// WithResult carries a completed result bundle; it always forces the
	// task to completed, whatever status the payload claims.
	WithResult
)

// Update is the decoded, validated callback payload.
type Update struct {
	Kind     UpdateKind
	Status   domain.TaskStatus
	Message  string
	Stems    domain.StemLocations
	Metadata domain.SongMetadata
}

// Wire shapes, fixed by the worker contract. A status-only update is
// {status, message}; a result update nests the status under task_status and
// adds song_metadata and file_keys. The presence of file_keys is the wire
// discriminant.
type wireStatus struct {
	Status  *string `json:"status"`
	Message *string `json:"message"`
}

type wireBody struct {
	wireStatus
	TaskStatus   *wireStatus          `json:"task_status"`
	SongMetadata *domain.SongMetadata `json:"song_metadata"`
	FileKeys     map[string]*string   `json:"file_keys"`
}

// DecodeUpdate parses and validates a callback body as a whole. It returns
// ErrMalformed-wrapped errors for anything that must not reach the store.
func DecodeUpdate(body []byte) (Update, error) {
	var w wireBody
	if err := json.Unmarshal(body, &w); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.FileKeys == nil && w.SongMetadata == nil && w.TaskStatus == nil {
		return decodeStatusOnly(w.wireStatus)
	}
	return decodeResult(w)
}

func decodeStatusOnly(w wireStatus) (Update, error) {
	if w.Status == nil {
		return Update{}, fmt.Errorf("%w: missing status", ErrMalformed)
	}
	status := domain.TaskStatus(*w.Status)
	if !status.Valid() {
		return Update{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, *w.Status)
	}
	u := Update{Kind: StatusOnly, Status: status}
	if w.Message != nil {
		u.Message = *w.Message
	}
	return u, nil
}

func decodeResult(w wireBody) (Update, error) {
	if w.FileKeys == nil {
		return Update{}, fmt.Errorf("%w: result update missing file_keys", ErrMalformed)
	}
	if w.SongMetadata == nil {
		return Update{}, fmt.Errorf("%w: result update missing song_metadata", ErrMalformed)
	}
	if w.SongMetadata.Title == "" {
		return Update{}, fmt.Errorf("%w: song_metadata missing title", ErrMalformed)
	}
	if w.FileKeys["original"] == nil {
		return Update{}, fmt.Errorf("%w: result update missing original stem", ErrMalformed)
	}

	u := Update{
		Kind:    WithResult,
		Status:  domain.StatusCompleted,
		Message: "Process complete",
		Stems: domain.StemLocations{
			Drums:    w.FileKeys["drums"],
			Bass:     w.FileKeys["bass"],
			Guitar:   w.FileKeys["guitar"],
			Other:    w.FileKeys["other"],
			Original: w.FileKeys["original"],
		},
		Metadata: *w.SongMetadata,
	}
	if w.TaskStatus != nil && w.TaskStatus.Message != nil {
		u.Message = *w.TaskStatus.Message
	}
	return u, nil
}
