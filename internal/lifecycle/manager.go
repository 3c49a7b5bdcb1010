// Package lifecycle owns task creation, dispatch hand-off, and reads.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"stemflow/internal/domain"
	"stemflow/internal/store"
)

// Dispatcher hands a task to the external separation worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) error
}

// defaultDuration is applied when the client doesn't ask for a clip length.
// The worker caps clips at maxDuration seconds.
const (
	defaultDuration = 30
	maxDuration     = 300
)

// CreateRequest is the validated input for a new task.
type CreateRequest struct {
	SourceURL     string          `json:"source_url" validate:"required,url"`
	StartOffset   *int            `json:"start_offset" validate:"omitempty,gte=0"`
	DurationLimit *int            `json:"duration_limit" validate:"omitempty,gt=0,lte=300"`
	Kind          domain.TaskKind `json:"kind" validate:"omitempty,oneof=ad-hoc daily"`
}

// Manager creates tasks and serves task reads. Creation returns as soon as the
// task row exists; the dispatch call runs in its own goroutine and never
// blocks the caller. A dispatch failure is folded back into the task as a
// terminal failed status, the same path a worker callback takes.
type Manager struct {
	store      store.Store
	dispatcher Dispatcher
	validate   *validator.Validate
	sem        chan struct{}
	wg         sync.WaitGroup
	log        zerolog.Logger
}

func NewManager(st store.Store, d Dispatcher, maxConcurrentDispatch int, log zerolog.Logger) *Manager {
	if maxConcurrentDispatch <= 0 {
		maxConcurrentDispatch = 8
	}
	return &Manager{
		store:      st,
		dispatcher: d,
		validate:   validator.New(),
		sem:        make(chan struct{}, maxConcurrentDispatch),
		log:        log,
	}
}

// Create inserts a pending task and schedules its dispatch. The returned id is
// usable immediately; a poll right after Create observes status pending.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if req.Kind == "" {
		req.Kind = domain.KindAdHoc
	}
	if req.DurationLimit == nil {
		d := defaultDuration
		req.DurationLimit = &d
	}
	if err := m.validate.Struct(&req); err != nil {
		return "", fmt.Errorf("invalid create request: %w", err)
	}

	taskReq := domain.TaskRequest{
		SourceURL:     req.SourceURL,
		StartOffset:   req.StartOffset,
		DurationLimit: req.DurationLimit,
	}
	id, err := m.store.InsertTask(ctx, taskReq, req.Kind)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	m.log.Info().Str("task_id", id).Str("kind", string(req.Kind)).Str("url", req.SourceURL).Msg("task created")

	m.wg.Add(1)
	go m.runDispatch(domain.Task{ID: id, Request: taskReq, Kind: req.Kind})

	return id, nil
}

func (m *Manager) runDispatch(task domain.Task) {
	defer m.wg.Done()
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	// The creating request has already returned; the dispatch call gets its
	// own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := m.dispatcher.Dispatch(ctx, task); err != nil {
		m.log.Error().Err(err).Str("task_id", task.ID).Msg("dispatch failed")
		msg := "Dispatch failed: " + err.Error()
		if perr := m.store.PatchTaskStatus(ctx, task.ID, domain.StatusFailed, msg); perr != nil {
			m.log.Error().Err(perr).Str("task_id", task.ID).Msg("failed to record dispatch failure")
		}
	}
}

// Get reads a task and joins its result when one is attached. Pure read.
func (m *Manager) Get(ctx context.Context, id string) (domain.TaskView, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return domain.TaskView{}, err
	}
	return m.joinResult(ctx, task)
}

// LatestCompletedDaily returns the newest completed daily-kind task with its
// result, for direct display when the exact-date daily entry is absent.
func (m *Manager) LatestCompletedDaily(ctx context.Context) (domain.TaskView, error) {
	task, err := m.store.FindLatestCompletedDailyTask(ctx)
	if err != nil {
		return domain.TaskView{}, err
	}
	return m.joinResult(ctx, task)
}

func (m *Manager) joinResult(ctx context.Context, task domain.Task) (domain.TaskView, error) {
	view := domain.TaskView{Task: task}
	if task.ResultID != nil {
		res, err := m.store.GetResult(ctx, *task.ResultID)
		if err != nil {
			return domain.TaskView{}, fmt.Errorf("load result %s: %w", *task.ResultID, err)
		}
		view.Result = &res
	}
	return view, nil
}

// Wait blocks until all in-flight dispatches have finished. Used on shutdown
// and in tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}
