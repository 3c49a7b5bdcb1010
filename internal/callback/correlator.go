// Package callback applies out-of-band worker updates to their tasks.
package callback

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"stemflow/internal/domain"
	"stemflow/internal/store"
)

// Correlator matches a worker callback to its originating task and applies it.
// It is deliberately tolerant of late and duplicate deliveries: the worker's
// final word always wins, even over a prior terminal state.
type Correlator struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(st store.Store, log zerolog.Logger) *Correlator {
	return &Correlator{store: st, log: log, now: time.Now}
}

// Apply validates that taskID exists and writes the update. Unknown ids
// return store.ErrNotFound without any mutation.
func (c *Correlator) Apply(ctx context.Context, taskID string, u Update) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status.Terminal() {
		c.log.Warn().
			Str("task_id", taskID).
			Str("prior_status", string(task.Status)).
			Str("new_status", string(u.Status)).
			Msg("callback overwrites terminal task state")
	}

	switch u.Kind {
	case WithResult:
		return c.applyResult(ctx, task, u)
	default:
		return c.applyStatus(ctx, task, u)
	}
}

func (c *Correlator) applyStatus(ctx context.Context, task domain.Task, u Update) error {
	if u.Status == domain.StatusCompleted {
		// The worker shouldn't report completed without a result; keep the
		// status anyway, dropping it would lose information.
		c.log.Warn().Str("task_id", task.ID).Msg("completed status arrived without a result")
	}
	if err := c.store.PatchTaskStatus(ctx, task.ID, u.Status, u.Message); err != nil {
		return err
	}
	c.log.Info().Str("task_id", task.ID).Str("status", string(u.Status)).Msg("task status updated")
	return nil
}

func (c *Correlator) applyResult(ctx context.Context, task domain.Task, u Update) error {
	res := domain.Result{Stems: u.Stems, Metadata: u.Metadata}
	resultID, err := c.store.AttachResult(ctx, task.ID, res, u.Message)
	if err != nil {
		return err
	}
	c.log.Info().Str("task_id", task.ID).Str("result_id", resultID).Msg("task completed")

	if task.Kind == domain.KindDaily {
		c.recordDaily(ctx, task.ID, resultID)
	}
	return nil
}

// recordDaily publishes the result as today's daily entry unless one already
// exists. Best effort: the task update above has already committed, and a
// failure here only delays the daily lookup, so errors are logged, not
// returned.
func (c *Correlator) recordDaily(ctx context.Context, taskID, resultID string) {
	date := store.UTCDate(c.now())

	if _, err := c.store.FindDailyEntry(ctx, date); err == nil {
		c.log.Info().Str("task_id", taskID).Str("date", date).Msg("daily entry already present, skipping")
		return
	} else if err != store.ErrNotFound {
		c.log.Error().Err(err).Str("date", date).Msg("daily entry lookup failed")
		return
	}

	if err := c.store.InsertDailyEntry(ctx, date, resultID); err != nil {
		c.log.Error().Err(err).Str("date", date).Msg("daily entry insert failed")
		return
	}
	c.log.Info().Str("task_id", taskID).Str("date", date).Str("result_id", resultID).Msg("daily entry recorded")
}
