// Package scheduler fires the daily separation task.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"stemflow/internal/domain"
	"stemflow/internal/lifecycle"
)

// Gate creates one daily-kind task per firing. It does no de-duplication of
// its own: a redundant trigger simply creates a second daily task, and the
// daily index dedups at result-attach time, where it matters.
type Gate struct {
	manager     *lifecycle.Manager
	cron        *cron.Cron
	playlistURL string
	log         zerolog.Logger
}

func NewGate(manager *lifecycle.Manager, playlistURL string, log zerolog.Logger) *Gate {
	return &Gate{
		manager:     manager,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		playlistURL: playlistURL,
		log:         log,
	}
}

// Start schedules the daily firing at hour:minute UTC and runs the cron loop
// until Stop.
func (g *Gate) Start(hour, minute int) error {
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := g.cron.AddFunc(spec, func() {
		if _, err := g.Trigger(context.Background()); err != nil {
			g.log.Error().Err(err).Msg("daily trigger failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule daily trigger: %w", err)
	}
	g.cron.Start()
	g.log.Info().Int("hour", hour).Int("minute", minute).Msg("daily schedule started")
	return nil
}

func (g *Gate) Stop() {
	<-g.cron.Stop().Done()
}

// Trigger creates today's daily task from the configured source playlist.
// Exported so an external scheduler or a manual API call can fire it too.
func (g *Gate) Trigger(ctx context.Context) (string, error) {
	if g.playlistURL == "" {
		return "", fmt.Errorf("daily playlist URL is not configured")
	}
	id, err := g.manager.Create(ctx, lifecycle.CreateRequest{
		SourceURL: g.playlistURL,
		Kind:      domain.KindDaily,
	})
	if err != nil {
		return "", fmt.Errorf("create daily task: %w", err)
	}
	g.log.Info().Str("task_id", id).Msg("daily task created")
	return id, nil
}
