package reservation

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentrelay/gateway/internal/cache"
	"github.com/agentrelay/gateway/internal/logger"
)

// SweepJob runs the reservation expiry sweep on a cron schedule,
// serialized across a gateway fleet by a Redis SetNX lease so only one
// instance runs a given tick, mirroring the event log's cleanup job.
type SweepJob struct {
	engine *Engine
	cache  *cache.Cache
	cron   *cron.Cron
}

// NewSweepJob wires a sweep job for engine.
func NewSweepJob(engine *Engine, c *cache.Cache) *SweepJob {
	return &SweepJob{engine: engine, cache: c, cron: cron.New()}
}

// Start schedules the sweep to run every minute.
func (j *SweepJob) Start() error {
	_, err := j.cron.AddFunc("@every 1m", j.runOnce)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (j *SweepJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *SweepJob) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if j.cache != nil && j.cache.IsEnabled() {
		acquired, err := j.cache.SetNX(ctx, cache.ReservationSweepLeaseKey(), time.Now().Unix(), 50*time.Second)
		if err != nil {
			logger.Reservation().Warn().Err(err).Msg("sweep lease check failed, running locally")
		} else if !acquired {
			return
		}
	}

	n := j.engine.SweepExpired(ctx, time.Now())
	if n > 0 {
		logger.Reservation().Info().Int("expired", n).Msg("reservation sweep")
	}
}
