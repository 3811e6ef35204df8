package eventlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentrelay/gateway/internal/cache"
	"github.com/agentrelay/gateway/internal/logger"
)

// CleanupConfig tunes the periodic retention job (spec §4.7, §6:
// WS_EVENT_LOG_RETENTION_HOURS, WS_EVENT_LOG_MAX_ROWS,
// WS_EVENT_LOG_MAX_DELETE_PER_RUN, WS_EVENT_LOG_DELETE_BATCH_SIZE).
type CleanupConfig struct {
	RetentionHours  int
	MaxRows         int
	MaxDeletePerRun int
	BatchSize       int
}

// DefaultCleanupConfig matches spec's stated defaults.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		RetentionHours:  24,
		MaxRows:         200000,
		MaxDeletePerRun: 5000,
		BatchSize:       500,
	}
}

// CleanupJob runs the two-pass retention sweep on a cron schedule,
// serialized across a gateway fleet by a Redis SetNX lease so only one
// instance runs a given tick (spec §5, "cleanup job runs under a
// single lease").
type CleanupJob struct {
	store  *Store
	db     *sql.DB
	cache  *cache.Cache
	cfg    CleanupConfig
	cron   *cron.Cron
}

// NewCleanupJob wires a cleanup job. db is the same *sql.DB the Store
// is built on (cleanup needs direct DELETE access the Store's replay
// API doesn't expose).
func NewCleanupJob(store *Store, db *sql.DB, c *cache.Cache, cfg CleanupConfig) *CleanupJob {
	return &CleanupJob{store: store, db: db, cache: c, cfg: cfg, cron: cron.New()}
}

// Start schedules the job to run every minute, matching spec's default
// 60s period, and returns once scheduling succeeds (the job itself
// runs in the cron scheduler's own goroutine).
func (j *CleanupJob) Start() error {
	_, err := j.cron.AddFunc("@every 1m", j.runOnce)
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (j *CleanupJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *CleanupJob) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if j.cache != nil && j.cache.IsEnabled() {
		acquired, err := j.cache.SetNX(ctx, cache.EventLogCleanupLeaseKey(), time.Now().Unix(), 50*time.Second)
		if err != nil {
			logger.EventLog().Warn().Err(err).Msg("cleanup lease check failed, running locally")
		} else if !acquired {
			return
		}
	}

	if err := j.deleteExpiredByAge(ctx); err != nil {
		logger.EventLog().Error().Err(err).Msg("cleanup: retention-age pass failed")
	}
	if err := j.deleteExpiredBySize(ctx); err != nil {
		logger.EventLog().Error().Err(err).Msg("cleanup: max-rows pass failed")
	}
}

// deleteExpiredByAge is pass 1: delete rows older than RetentionHours.
func (j *CleanupJob) deleteExpiredByAge(ctx context.Context) error {
	cutoff := time.Now().Add(-time.Duration(j.cfg.RetentionHours) * time.Hour)
	const q = `DELETE FROM event_log WHERE created_at < $1`
	res, err := j.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.EventLog().Info().Int64("deleted", n).Msg("cleanup: retention-age pass")
	}
	return nil
}

// deleteExpiredBySize is pass 2: if the table exceeds MaxRows, delete
// the oldest rows in batches up to MaxDeletePerRun, ordered by the
// channel-agnostic (cursorTimestamp, cursorSequence).
func (j *CleanupJob) deleteExpiredBySize(ctx context.Context) error {
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&count); err != nil {
		return err
	}
	if count <= int64(j.cfg.MaxRows) {
		return nil
	}

	toDelete := count - int64(j.cfg.MaxRows)
	if toDelete > int64(j.cfg.MaxDeletePerRun) {
		toDelete = int64(j.cfg.MaxDeletePerRun)
	}

	const q = `
		DELETE FROM event_log
		WHERE id IN (
			SELECT id FROM event_log
			ORDER BY cursor_timestamp ASC, cursor_sequence ASC
			LIMIT $1
		)
	`
	var deleted int64
	for deleted < toDelete {
		batch := int64(j.cfg.BatchSize)
		if remaining := toDelete - deleted; batch > remaining {
			batch = remaining
		}
		res, err := j.db.ExecContext(ctx, q, batch)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted += n
		if n == 0 {
			break
		}
	}
	if deleted > 0 {
		logger.EventLog().Info().Int64("deleted", deleted).Msg("cleanup: max-rows pass")
	}
	return nil
}
