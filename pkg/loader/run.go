package loader

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kazantaxi/dwh/pkg/facts"
	"github.com/kazantaxi/dwh/pkg/metrics"
	"github.com/kazantaxi/dwh/pkg/scd"
	"github.com/kazantaxi/dwh/pkg/warehouse"
)

// batch is one run's transformed output, ready to load.
type batch struct {
	waybills []warehouse.Waybill
	rides    []warehouse.Ride
	payments []warehouse.Payment

	carEvents    []scd.Event
	driverEvents []scd.Event
	clientEvents []scd.Event

	reportDates []time.Time
}

func (l *Loader) transform(ext *extraction, win windows) (*batch, error) {
	stageStart := l.cfg.Clock.Now()
	b := &batch{}

	waybills, unknownLicenses, err := facts.AssembleWaybills(ext.waybillFiles, ext.roster)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble waybills: %w", err)
	}
	if unknownLicenses > 0 {
		l.log.Warn("skipped waybills naming unknown driver licenses", "count", unknownLicenses)
	}
	b.waybills = waybills

	idx := facts.NewWaybillIndex(waybills)
	rides, stats, err := facts.AssembleRides(ext.rides, ext.movement, idx)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble rides: %w", err)
	}
	if stats.Unmatched > 0 {
		metrics.UnmatchedRidesTotal.Add(float64(stats.Unmatched))
		l.log.Warn("skipped rides with no covering waybill", "count", stats.Unmatched)
	}
	if stats.MissingInfo > 0 {
		l.log.Info("deferred rides whose orders are outside the window", "count", stats.MissingInfo)
	}
	b.rides = rides

	b.payments = make([]warehouse.Payment, 0, len(ext.payments))
	for _, p := range ext.payments {
		b.payments = append(b.payments, warehouse.Payment{
			TransactionID: p.TransactionID,
			TransactionDT: p.TransactionDT,
			CardNum:       p.CardNum,
			Amount:        p.Amount,
		})
	}

	if b.carEvents, err = carEvents(ext.carDeltas); err != nil {
		return nil, err
	}
	if b.driverEvents, err = driverEvents(ext.driverDeltas); err != nil {
		return nil, err
	}
	if b.clientEvents, err = clientEvents(ext.rides, win.dimensions); err != nil {
		return nil, err
	}

	b.reportDates = reportDates(b.rides, b.waybills)
	metrics.StageDuration.WithLabelValues("transform").Observe(l.cfg.Clock.Since(stageStart).Seconds())
	return b, nil
}

func (l *Loader) load(ctx context.Context, b *batch) error {
	stageStart := l.cfg.Clock.Now()

	type insert struct {
		table   string
		offered int
		fn      func() (int64, error)
	}
	inserts := []insert{
		{"fact_waybills", len(b.waybills), func() (int64, error) { return l.cfg.Facts.InsertWaybills(ctx, b.waybills) }},
		{"fact_payments", len(b.payments), func() (int64, error) { return l.cfg.Facts.InsertPayments(ctx, b.payments) }},
		{"fact_rides", len(b.rides), func() (int64, error) { return l.cfg.Facts.InsertRides(ctx, b.rides) }},
	}
	for _, ins := range inserts {
		inserted, err := ins.fn()
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", ins.table, err)
		}
		metrics.FactRowsTotal.WithLabelValues(ins.table, "inserted").Add(float64(inserted))
		metrics.FactRowsTotal.WithLabelValues(ins.table, "skipped").Add(float64(int64(ins.offered) - inserted))
	}

	// Dimensions reconcile serially; each Apply is its own transaction.
	dims := []struct {
		sink   DimensionSink
		events []scd.Event
	}{
		{l.cfg.Cars, b.carEvents},
		{l.cfg.Drivers, b.driverEvents},
		{l.cfg.Clients, b.clientEvents},
	}
	for _, d := range dims {
		if err := l.reconcileDimension(ctx, d.sink, d.events); err != nil {
			return err
		}
	}

	metrics.StageDuration.WithLabelValues("load").Observe(l.cfg.Clock.Since(stageStart).Seconds())
	return nil
}

func (l *Loader) reconcileDimension(ctx context.Context, sink DimensionSink, events []scd.Event) error {
	name := sink.Schema().Name
	if len(events) == 0 {
		return nil
	}

	active, err := sink.ActiveRows(ctx, eventKeys(events))
	if err != nil {
		return fmt.Errorf("failed to read active rows for %s: %w", name, err)
	}
	plan, err := scd.Reconcile(name, active, events)
	if err != nil {
		return fmt.Errorf("failed to reconcile %s: %w", name, err)
	}
	stats, err := sink.Apply(ctx, plan)
	if err != nil {
		return fmt.Errorf("failed to apply %s plan: %w", name, err)
	}

	metrics.DimensionVersionsTotal.WithLabelValues(name, "closed").Add(float64(stats.Closed))
	metrics.DimensionVersionsTotal.WithLabelValues(name, "inserted").Add(float64(stats.Inserted))
	metrics.DimensionVersionsTotal.WithLabelValues(name, "discarded").Add(float64(plan.Discarded))
	return nil
}

func (l *Loader) refreshMarts(ctx context.Context, b *batch) error {
	if len(b.reportDates) == 0 {
		return nil
	}
	stageStart := l.cfg.Clock.Now()

	for _, date := range b.reportDates {
		if err := l.cfg.Marts.RefreshAll(ctx, date); err != nil {
			return fmt.Errorf("failed to refresh marts for %s: %w", date.Format(time.DateOnly), err)
		}
	}

	metrics.StageDuration.WithLabelValues("marts").Observe(l.cfg.Clock.Since(stageStart).Seconds())
	return nil
}

// reportDates lists the distinct UTC dates touched by this batch's rides
// and waybill shifts, ascending.
func reportDates(rides []warehouse.Ride, waybills []warehouse.Waybill) []time.Time {
	seen := make(map[time.Time]struct{})
	add := func(t time.Time) {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		seen[day] = struct{}{}
	}
	for _, r := range rides {
		add(r.EndDT)
	}
	for _, w := range waybills {
		add(w.WorkStart)
	}

	dates := make([]time.Time, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
