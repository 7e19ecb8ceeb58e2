package warehouse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kazantaxi/dwh/pkg/scd"
	"github.com/kazantaxi/dwh/pkg/warehouse"
)

func dt(day, hour int) time.Time {
	return time.Date(2025, 7, day, hour, 0, 0, 0, time.UTC)
}

func TestDimensionStore_ApplyOpensAndClosesVersions(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Clients)
	ctx := t.Context()

	first := scd.Plan{
		Insert: []scd.Row{
			{Key: "+70001", Start: dt(1, 9), End: scd.Infinity, Discriminator: "1111", Payload: nil},
		},
	}
	stats, err := store.Apply(ctx, first)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Inserted)
	require.EqualValues(t, 0, stats.Closed)

	active, err := store.ActiveRows(ctx, []string{"+70001"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "1111", active[0].Discriminator)

	// New card closes the open row one second before the new start.
	second := scd.Plan{
		Close: []scd.Closure{
			{Key: "+70001", End: dt(2, 12).Add(-scd.CloseGap)},
		},
		Insert: []scd.Row{
			{Key: "+70001", Start: dt(2, 12), End: scd.Infinity, Discriminator: "2222", Payload: nil},
		},
	}
	stats, err = store.Apply(ctx, second)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Closed)
	require.EqualValues(t, 1, stats.Inserted)

	active, err = store.ActiveRows(ctx, []string{"+70001"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "2222", active[0].Discriminator)
	require.True(t, active[0].Start.Equal(dt(2, 12)))

	counts, err := store.OpenRowCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"+70001": 1}, counts)

	var end time.Time
	err = pool.QueryRow(ctx,
		"SELECT end_dt FROM dim_clients WHERE phone_num = $1 AND start_dt = $2",
		"+70001", dt(1, 9),
	).Scan(&end)
	require.NoError(t, err)
	require.True(t, end.Equal(dt(2, 12).Add(-time.Second)))
}

func TestDimensionStore_ApplyDeduplicatesByKeyAndStart(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Clients)
	ctx := t.Context()

	plan := scd.Plan{
		Insert: []scd.Row{
			{Key: "+70002", Start: dt(3, 8), End: scd.Infinity, Discriminator: "3333"},
			{Key: "+70002", Start: dt(3, 8), End: scd.Infinity, Discriminator: "3333"},
		},
	}
	stats, err := store.Apply(ctx, plan)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Inserted)
	require.EqualValues(t, 1, stats.Deduped)

	var n int
	err = pool.QueryRow(ctx, "SELECT count(*) FROM dim_clients WHERE phone_num = $1", "+70002").Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDimensionStore_DedupKeepsNewestRow(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Clients)
	ctx := t.Context()

	seed := scd.Plan{
		Insert: []scd.Row{
			{Key: "+70005", Start: dt(2, 12), End: scd.Infinity, Discriminator: "2222"},
		},
	}
	_, err := store.Apply(ctx, seed)
	require.NoError(t, err)

	// A plan that closes the open row and re-inserts an open copy with the
	// same start leaves the two duplicates disagreeing on end_dt. Dedup
	// must keep the later insert, so the key still has one open row.
	replay := scd.Plan{
		Close: []scd.Closure{
			{Key: "+70005", End: dt(2, 12).Add(-scd.CloseGap)},
		},
		Insert: []scd.Row{
			{Key: "+70005", Start: dt(2, 12), End: scd.Infinity, Discriminator: "2222"},
		},
	}
	stats, err := store.Apply(ctx, replay)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Deduped)

	active, err := store.ActiveRows(ctx, []string{"+70005"})
	require.NoError(t, err)
	require.Len(t, active, 1, "the open row must survive deduplication")
	require.Equal(t, "2222", active[0].Discriminator)

	var n int
	err = pool.QueryRow(ctx, "SELECT count(*) FROM dim_clients WHERE phone_num = $1", "+70005").Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDimensionStore_ApplyRollsBackAsOneUnit(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Clients)
	ctx := t.Context()

	seed := scd.Plan{
		Insert: []scd.Row{
			{Key: "+70003", Start: dt(1, 0), End: scd.Infinity, Discriminator: "4444"},
		},
	}
	_, err := store.Apply(ctx, seed)
	require.NoError(t, err)

	// Payload arity mismatch fails inside the transaction; the close that
	// preceded it must not persist.
	bad := scd.Plan{
		Close: []scd.Closure{
			{Key: "+70003", End: dt(2, 0).Add(-scd.CloseGap)},
		},
		Insert: []scd.Row{
			{Key: "+70003", Start: dt(2, 0), End: scd.Infinity, Discriminator: "5555", Payload: []any{"extra"}},
		},
	}
	_, err = store.Apply(ctx, bad)
	require.Error(t, err)

	active, err := store.ActiveRows(ctx, []string{"+70003"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "4444", active[0].Discriminator)
}

func TestDimensionStore_TimestampDiscriminatorRoundTrips(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Cars)
	ctx := t.Context()

	rev := dt(5, 14)
	plan := scd.Plan{
		Insert: []scd.Row{
			{
				Key:           "A123BC",
				Start:         rev,
				End:           scd.Infinity,
				Discriminator: rev.Format(scd.TimeFormat),
				Payload:       []any{"Lada Vesta"},
			},
		},
	}
	_, err := store.Apply(ctx, plan)
	require.NoError(t, err)

	active, err := store.ActiveRows(ctx, []string{"A123BC"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "2025-07-05 14:00:00", active[0].Discriminator)

	// Same revision read back and compared yields no changes.
	reconciled, err := scd.Reconcile("cars", active, []scd.Event{
		{Key: "A123BC", Start: rev, Discriminator: rev.Format(scd.TimeFormat), Payload: []any{"Lada Vesta"}},
	})
	require.NoError(t, err)
	require.True(t, reconciled.Empty())
	require.Equal(t, 1, reconciled.Discarded)
}

func TestDimensionStore_DriverPayloadColumns(t *testing.T) {
	pool := testPool(t)
	store := warehouse.NewDimensionStore(testLogger(), pool, warehouse.Drivers)
	ctx := t.Context()

	birth := time.Date(1985, 3, 12, 0, 0, 0, 0, time.UTC)
	license := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	plan := scd.Plan{
		Insert: []scd.Row{
			{
				Key:           "D-100",
				Start:         dt(1, 10),
				End:           scd.Infinity,
				Discriminator: "6666",
				Payload:       []any{"Ivanov", "Ivan", "Ivanovich", birth, "77XX112233", license},
			},
		},
	}
	_, err := store.Apply(ctx, plan)
	require.NoError(t, err)

	var lastName, licenseNum string
	err = pool.QueryRow(ctx,
		"SELECT last_name, driver_license_num FROM dim_drivers WHERE personnel_num = $1",
		"D-100",
	).Scan(&lastName, &licenseNum)
	require.NoError(t, err)
	require.Equal(t, "Ivanov", lastName)
	require.Equal(t, "77XX112233", licenseNum)
}
