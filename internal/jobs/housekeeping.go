package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Housekeeper periodically removes terminal jobs older than Retention.
type Housekeeper struct {
	Store     Store
	Retention time.Duration
	Clock     clock.Clock
	Log       zerolog.Logger
	Metrics   *Metrics
}

// Purge removes terminal jobs last updated more than Retention ago.
// A zero Retention keeps everything.
func (h *Housekeeper) Purge(ctx context.Context) (int, error) {
	if h.Retention <= 0 {
		return 0, nil
	}
	now := time.Now()
	if h.Clock != nil {
		now = h.Clock.Now()
	}

	n, err := h.Store.PurgeTerminal(ctx, now.Add(-h.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	h.Metrics.observePurged(n)
	return n, nil
}

// Start schedules Purge on a cron spec (for example "@daily") and returns the
// running scheduler. Stop it with Stop().
func (h *Housekeeper) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := h.Purge(ctx)
		if err != nil {
			h.Log.Error().Err(err).Msg("housekeeping failed")
			return
		}
		h.Log.Info().Int("purged", n).Dur("retention", h.Retention).Msg("housekeeping done")
	})
	if err != nil {
		return nil, fmt.Errorf("housekeeping schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
