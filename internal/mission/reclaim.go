package mission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cordguard/cordguard/internal/repository"
)

// reclaimBatch caps how many stalled analyses one Reclaim pass handles.
const reclaimBatch = 100

// Reclaim force-fails analyses that have been analyzing for longer than
// olderThan, releases the bound worker and closes its mission. It returns
// how many analyses were failed.
func (c *Coordinator) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := c.analyses.Stalled(ctx, olderThan, reclaimBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, rec := range stalled {
		logger := c.logger.With(slog.String("analysis_id", rec.ID))

		ok, err := c.analyses.ForceFail(ctx, rec.ID)
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			// A result arrived in the meantime.
			continue
		}
		reclaimed++
		c.metrics.MissionsReclaimed.Inc()

		m, err := c.missions.GetMissionByAnalysis(ctx, rec.ID)
		if errors.Is(err, repository.ErrNotFound) {
			logger.Warn("reclaimed analysis had no mission")
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if err := c.release(ctx, m); err != nil {
			return reclaimed, err
		}
		logger.Warn("stalled mission reclaimed",
			slog.String("mission_id", m.ID),
			slog.Duration("stalled_for", c.now().Sub(rec.UpdatedAt)),
		)
	}
	return reclaimed, nil
}

// release frees the mission's worker if that mission is still the
// worker's current one, then closes the mission.
func (c *Coordinator) release(ctx context.Context, m *repository.Mission) error {
	if !m.Open() {
		return nil
	}
	current, err := c.missions.GetMissionByWorker(ctx, m.WorkerSignedHWID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if err == nil && current.ID == m.ID {
		if _, err := c.workers.SetAcquired(ctx, m.WorkerSignedHWID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
	}
	return c.missions.CloseMission(ctx, m.ID, c.now())
}

// Reaper runs Reclaim on a fixed interval.
type Reaper struct {
	coord    *Coordinator
	after    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper reclaims missions stalled for longer than after, checking
// every interval.
func NewReaper(coord *Coordinator, after, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{coord: coord, after: after, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("mission reaper started",
		slog.Duration("reclaim_after", r.after),
		slog.Duration("interval", r.interval),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("mission reaper stopped")
			return
		case <-ticker.C:
			n, err := r.coord.Reclaim(ctx, r.after)
			if err != nil {
				r.logger.Error("reclaim pass failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.Info("reclaim pass", slog.Int("reclaimed", n))
			}
		}
	}
}
