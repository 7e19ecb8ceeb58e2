package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Epoch is the watermark returned before any run has ever succeeded. The
// first load extracts the full source history.
var Epoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// RunStatus is the terminal outcome recorded for one load run.
type RunStatus string

const (
	RunSuccess RunStatus = "Success"
	RunFailure RunStatus = "Failure"
)

// BatchLog records load runs and derives the incremental watermark. Only
// successful runs advance the watermark; failed runs are logged for
// operators but leave the next extraction window unchanged, so missed data
// is re-read on the next attempt.
type BatchLog struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewBatchLog(log *slog.Logger, pool *pgxpool.Pool) *BatchLog {
	return &BatchLog{log: log, pool: pool}
}

// LastSuccessful returns the latest loaded_until among successful runs, or
// Epoch when none exists.
func (b *BatchLog) LastSuccessful(ctx context.Context) (time.Time, error) {
	var watermark time.Time
	err := b.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(loaded_until), $1) FROM work_batchdate WHERE status = $2",
		Epoch, RunSuccess,
	).Scan(&watermark)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return watermark.UTC(), nil
}

// Record appends one run outcome. loadedUntil is the run's start time: data
// arriving while the run executed falls after it and is picked up next run.
func (b *BatchLog) Record(ctx context.Context, loadedUntil time.Time, status RunStatus) error {
	_, err := b.pool.Exec(ctx,
		"INSERT INTO work_batchdate (loaded_until, status) VALUES ($1, $2)",
		loadedUntil, status,
	)
	if err != nil {
		return fmt.Errorf("failed to record run outcome: %w", err)
	}
	b.log.Info("recorded run outcome", "loaded_until", loadedUntil, "status", status)
	return nil
}
