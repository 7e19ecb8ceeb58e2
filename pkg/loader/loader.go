// Package loader coordinates incremental warehouse loads: one run reads
// the watermark, extracts the delta from the operational sources, assembles
// and upserts facts, reconciles the dimensions, refreshes the marts, and
// records the run outcome.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/kazantaxi/dwh/pkg/metrics"
	"github.com/kazantaxi/dwh/pkg/retry"
	"github.com/kazantaxi/dwh/pkg/scd"
	"github.com/kazantaxi/dwh/pkg/source"
	"github.com/kazantaxi/dwh/pkg/warehouse"
)

// State is the loader's run phase, exposed for readiness probes and logs.
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
)

// SourceStore reads the operational database.
type SourceStore interface {
	RidesSince(ctx context.Context, since time.Time) ([]source.RideRecord, error)
	MovementSince(ctx context.Context, since time.Time) ([]source.MovementRecord, error)
	AllDrivers(ctx context.Context) ([]source.DriverRecord, error)
	DriverUpdatesSince(ctx context.Context, since time.Time) ([]source.DriverRecord, error)
	CarUpdatesSince(ctx context.Context, since time.Time) ([]source.CarRecord, error)
}

// Drop reads and retires partner file uploads.
type Drop interface {
	Waybills(since time.Time) ([]source.WaybillFile, error)
	Payments(since time.Time) ([]source.PaymentRecord, error)
	Cleanup() error
}

// FactSink appends fact rows.
type FactSink interface {
	InsertRides(ctx context.Context, rides []warehouse.Ride) (int64, error)
	InsertWaybills(ctx context.Context, waybills []warehouse.Waybill) (int64, error)
	InsertPayments(ctx context.Context, payments []warehouse.Payment) (int64, error)
}

// DimensionSink reads and mutates one dimension's history.
type DimensionSink interface {
	Schema() warehouse.DimensionSchema
	ActiveRows(ctx context.Context, keys []string) ([]scd.ActiveRow, error)
	Apply(ctx context.Context, plan scd.Plan) (warehouse.ApplyStats, error)
}

// RunLog reads and appends the run watermark.
type RunLog interface {
	LastSuccessful(ctx context.Context) (time.Time, error)
	Record(ctx context.Context, loadedUntil time.Time, status warehouse.RunStatus) error
}

// MartRefresher rebuilds the reporting tables for one report date.
type MartRefresher interface {
	RefreshAll(ctx context.Context, reportDate time.Time) error
}

// Config holds the loader's collaborators and tuning.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Source  SourceStore
	Drop    Drop
	Facts   FactSink
	Cars    DimensionSink
	Drivers DimensionSink
	Clients DimensionSink
	RunLog  RunLog
	Marts   MartRefresher

	// RunInterval is the pause between periodic runs.
	RunInterval time.Duration
	// WaybillLookback widens the waybill window behind the watermark;
	// uploads arrive late relative to the shifts they describe.
	WaybillLookback time.Duration
	// RideLookback widens the ride and movement window behind the
	// watermark.
	RideLookback time.Duration
	// Retry bounds source extraction retries.
	Retry retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Source == nil {
		return fmt.Errorf("source store is required")
	}
	if c.Drop == nil {
		return fmt.Errorf("file drop is required")
	}
	if c.Facts == nil {
		return fmt.Errorf("fact sink is required")
	}
	if c.Cars == nil || c.Drivers == nil || c.Clients == nil {
		return fmt.Errorf("all three dimension sinks are required")
	}
	if c.RunLog == nil {
		return fmt.Errorf("run log is required")
	}
	if c.Marts == nil {
		return fmt.Errorf("mart refresher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RunInterval == 0 {
		c.RunInterval = 15 * time.Minute
	}
	if c.WaybillLookback == 0 {
		c.WaybillLookback = 12 * time.Hour
	}
	if c.RideLookback == 0 {
		c.RideLookback = 2 * time.Hour
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return nil
}

// Loader runs incremental loads. Runs are serialized: a periodic trigger
// that fires while a run is in flight is skipped.
type Loader struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	state State
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate loader config: %w", err)
	}
	return &Loader{
		log:   cfg.Logger,
		cfg:   cfg,
		state: StateIdle,
	}, nil
}

// State returns the current run phase.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Start runs one load immediately, then one per RunInterval until ctx is
// cancelled. A failed run is logged and the loop continues; the watermark
// ensures the next run re-reads what the failed one missed.
func (l *Loader) Start(ctx context.Context) error {
	ticker := l.cfg.Clock.NewTicker(l.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := l.safeRun(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("load run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (l *Loader) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load run panicked: %v", r)
		}
	}()
	return l.RunOnce(ctx)
}

// extraction is the raw material gathered from all sources for one run.
type extraction struct {
	rides        []source.RideRecord
	movement     []source.MovementRecord
	roster       []source.DriverRecord
	driverDeltas []source.DriverRecord
	carDeltas    []source.CarRecord
	waybillFiles []source.WaybillFile
	payments     []source.PaymentRecord
}

// RunOnce executes a single load. On success the watermark advances to the
// run's start time; on failure a Failure row is recorded and the watermark
// stays put, so the next run re-extracts the same window.
func (l *Loader) RunOnce(ctx context.Context) error {
	start := l.cfg.Clock.Now().UTC()
	runID := uuid.New().String()
	log := l.log.With("run_id", runID)

	watermark, err := l.cfg.RunLog.LastSuccessful(ctx)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}
	win := newWindows(watermark, l.cfg.WaybillLookback, l.cfg.RideLookback)
	log.Info("starting load run",
		"watermark", watermark.Format(scd.TimeFormat),
		"rides_since", win.rides.Format(scd.TimeFormat),
		"waybills_since", win.waybills.Format(scd.TimeFormat),
	)

	if err := l.run(ctx, start, win); err != nil {
		l.setState(StateFailed)
		metrics.RunsTotal.WithLabelValues("failure").Inc()
		// Best effort: the Failure row is for operators, the watermark
		// logic does not depend on it.
		if recordErr := l.cfg.RunLog.Record(ctx, start, warehouse.RunFailure); recordErr != nil {
			log.Error("failed to record run failure", "error", recordErr)
		}
		return err
	}

	if err := l.cfg.RunLog.Record(ctx, start, warehouse.RunSuccess); err != nil {
		l.setState(StateFailed)
		metrics.RunsTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to record run success: %w", err)
	}

	// Processed files are only removed once the run outcome is durable.
	if err := l.cfg.Drop.Cleanup(); err != nil {
		log.Error("failed to clean up drop files", "error", err)
	}

	l.setState(StateSucceeded)
	metrics.RunsTotal.WithLabelValues("success").Inc()
	duration := l.cfg.Clock.Now().UTC().Sub(start)
	metrics.RunDuration.Observe(duration.Seconds())
	log.Info("load run succeeded", "duration", duration, "loaded_until", start.Format(scd.TimeFormat))
	return nil
}

func (l *Loader) run(ctx context.Context, start time.Time, win windows) error {
	l.setState(StateExtracting)
	ext, err := l.extract(ctx, win)
	if err != nil {
		return err
	}

	l.setState(StateTransforming)
	batch, err := l.transform(ext, win)
	if err != nil {
		return err
	}

	l.setState(StateLoading)
	if err := l.load(ctx, batch); err != nil {
		return err
	}
	return l.refreshMarts(ctx, batch)
}

func (l *Loader) extract(ctx context.Context, win windows) (*extraction, error) {
	stageStart := l.cfg.Clock.Now()
	ext := &extraction{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ext.rides, err = extractWithRetry(gctx, l.cfg.Retry, func() ([]source.RideRecord, error) {
			return l.cfg.Source.RidesSince(gctx, win.rides)
		})
		return err
	})
	g.Go(func() (err error) {
		ext.movement, err = extractWithRetry(gctx, l.cfg.Retry, func() ([]source.MovementRecord, error) {
			return l.cfg.Source.MovementSince(gctx, win.rides)
		})
		return err
	})
	g.Go(func() (err error) {
		ext.roster, err = extractWithRetry(gctx, l.cfg.Retry, func() ([]source.DriverRecord, error) {
			return l.cfg.Source.AllDrivers(gctx)
		})
		return err
	})
	g.Go(func() (err error) {
		ext.driverDeltas, err = extractWithRetry(gctx, l.cfg.Retry, func() ([]source.DriverRecord, error) {
			return l.cfg.Source.DriverUpdatesSince(gctx, win.dimensions)
		})
		return err
	})
	g.Go(func() (err error) {
		ext.carDeltas, err = extractWithRetry(gctx, l.cfg.Retry, func() ([]source.CarRecord, error) {
			return l.cfg.Source.CarUpdatesSince(gctx, win.dimensions)
		})
		return err
	})
	g.Go(func() (err error) {
		ext.waybillFiles, err = l.cfg.Drop.Waybills(win.waybills)
		return err
	})
	g.Go(func() (err error) {
		ext.payments, err = l.cfg.Drop.Payments(win.payments)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}

	metrics.StageDuration.WithLabelValues("extract").Observe(l.cfg.Clock.Since(stageStart).Seconds())
	l.log.Info("extracted source delta",
		"rides", len(ext.rides),
		"movement", len(ext.movement),
		"drivers", len(ext.driverDeltas),
		"cars", len(ext.carDeltas),
		"waybill_files", len(ext.waybillFiles),
		"payments", len(ext.payments),
	)
	return ext, nil
}

func extractWithRetry[T any](ctx context.Context, cfg retry.Config, fn func() ([]T, error)) ([]T, error) {
	var result []T
	err := retry.Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		if err != nil {
			metrics.SourceQueriesTotal.WithLabelValues("error").Inc()
			return err
		}
		metrics.SourceQueriesTotal.WithLabelValues("ok").Inc()
		return nil
	})
	return result, err
}
