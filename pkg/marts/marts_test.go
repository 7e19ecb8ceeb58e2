package marts_test

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/kazantaxi/dwh/pkg/marts"
	"github.com/kazantaxi/dwh/pkg/scd"
)

func dt(day, hour int) time.Time {
	return time.Date(2025, 7, day, hour, 0, 0, 0, time.UTC)
}

func seedDriver(t *testing.T, pool *pgxpool.Pool, persNum, cardNum string) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO dim_drivers
		    (personnel_num, start_dt, end_dt, card_num, last_name, first_name,
		     middle_name, birth_dt, driver_license_num, driver_license_dt)
		VALUES ($1, $2, $3, $4, 'Ivanov', 'Ivan', 'Ivanovich', '1985-03-12', '77 01 123456', '2030-01-01')`,
		persNum, dt(1, 0), scd.Infinity, cardNum,
	)
	require.NoError(t, err)
}

func seedRide(t *testing.T, pool *pgxpool.Pool, rideID int64, persNum string, distance, price float64, start *time.Time, end time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), `
		INSERT INTO fact_rides
		    (ride_id, point_from_txt, point_to_txt, distance_val, price_amt,
		     client_phone_num, driver_pers_num, car_plate_num,
		     ride_arrival_dt, ride_start_dt, ride_end_dt)
		VALUES ($1, 'A', 'B', $2, $3, '+70001', $4, 'A111', NULL, $5, $6)`,
		rideID, distance, price, persNum, start, end,
	)
	require.NoError(t, err)
}

func TestRefreshDriverPayments(t *testing.T) {
	pool := testPool(t)
	refresher := marts.NewRefresher(testLogger(), pool)
	ctx := t.Context()

	seedDriver(t, pool, "D-1", "1111")
	start := dt(10, 9)
	seedRide(t, pool, 1, "D-1", 10, 500, &start, dt(10, 10))
	seedRide(t, pool, 2, "D-1", 5, 250, &start, dt(10, 12))
	// Cancelled ride carries no payout.
	seedRide(t, pool, 3, "D-1", 0, 0, nil, dt(10, 13))
	// Finished on another date, out of scope.
	seedRide(t, pool, 4, "D-1", 20, 900, &start, dt(11, 10))

	rows, err := refresher.RefreshDriverPayments(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	// 750 * 0.8 - 47.26 * 7 * 15 / 100 - 5 * 15 = 475.38
	var amount float64
	err = pool.QueryRow(ctx,
		"SELECT amount FROM rep_drivers_payments WHERE personnel_num = 'D-1' AND report_dt = $1::date",
		dt(10, 0),
	).Scan(&amount)
	require.NoError(t, err)
	require.InDelta(t, 475.38, amount, 0.001)

	// Re-run replaces the date's rows instead of stacking them.
	rows, err = refresher.RefreshDriverPayments(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM rep_drivers_payments").Scan(&n))
	require.Equal(t, 1, n)
}

func TestRefreshDriverViolations(t *testing.T) {
	pool := testPool(t)
	refresher := marts.NewRefresher(testLogger(), pool)
	ctx := t.Context()

	seedDriver(t, pool, "D-1", "1111")
	fast := dt(10, 9)
	// 30 km in 15 minutes: 120 km/h.
	seedRide(t, pool, 1, "D-1", 30, 900, &fast, fast.Add(15*time.Minute))
	// 10 km in 30 minutes: 20 km/h, no violation.
	seedRide(t, pool, 2, "D-1", 10, 300, &fast, fast.Add(30*time.Minute))

	rows, err := refresher.RefreshDriverViolations(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	var speed float64
	var cnt int64
	err = pool.QueryRow(ctx,
		"SELECT speed, violations_cnt FROM rep_drivers_violations WHERE ride = 1",
	).Scan(&speed, &cnt)
	require.NoError(t, err)
	require.InDelta(t, 120.0, speed, 0.001)
	require.EqualValues(t, 1, cnt)

	// Re-run inserts nothing new.
	rows, err = refresher.RefreshDriverViolations(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 0, rows)

	// A later violation continues the driver's running count.
	seedRide(t, pool, 5, "D-1", 45, 1200, &fast, fast.Add(20*time.Minute))
	rows, err = refresher.RefreshDriverViolations(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	err = pool.QueryRow(ctx,
		"SELECT violations_cnt FROM rep_drivers_violations WHERE ride = 5",
	).Scan(&cnt)
	require.NoError(t, err)
	require.EqualValues(t, 2, cnt)
}

func TestRefreshDriverOvertime(t *testing.T) {
	pool := testPool(t)
	refresher := marts.NewRefresher(testLogger(), pool)
	ctx := t.Context()

	seedWaybill := func(num string, start, end time.Time) {
		_, err := pool.Exec(ctx, `
			INSERT INTO fact_waybills
			    (waybill_num, driver_pers_num, car_plate_num, work_start_dt, work_end_dt, issue_dt)
			VALUES ($1, 'D-1', 'A111', $2, $3, $4)`,
			num, start, end, start.Add(-12*time.Hour),
		)
		require.NoError(t, err)
	}

	// 6h + 4h within one 24h window: 10h worked, over the 8h limit.
	seedWaybill("WB-1", dt(10, 6), dt(10, 12))
	seedWaybill("WB-2", dt(10, 13), dt(10, 17))

	rows, err := refresher.RefreshDriverOvertime(ctx, dt(10, 0))
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	var totalSeconds int64
	var periodStart time.Time
	err = pool.QueryRow(ctx,
		"SELECT EXTRACT(EPOCH FROM total_work_time)::bigint, period_start FROM rep_drivers_overtime WHERE personnel_num = 'D-1'",
	).Scan(&totalSeconds, &periodStart)
	require.NoError(t, err)
	require.EqualValues(t, 10*3600, totalSeconds)
	require.True(t, periodStart.Equal(dt(10, 6)))

	// Upsert: re-run keeps a single row.
	_, err = refresher.RefreshDriverOvertime(ctx, dt(10, 0))
	require.NoError(t, err)
	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM rep_drivers_overtime").Scan(&n))
	require.Equal(t, 1, n)
}

func TestRefreshClientsHist(t *testing.T) {
	pool := testPool(t)
	refresher := marts.NewRefresher(testLogger(), pool)
	ctx := t.Context()

	_, err := pool.Exec(ctx, `
		INSERT INTO dim_clients (phone_num, start_dt, end_dt, card_num)
		VALUES ('+70001', $1, $2, '1111 2222 3333 4444')`,
		dt(1, 0), scd.Infinity,
	)
	require.NoError(t, err)

	start := dt(10, 9)
	seedRide(t, pool, 1, "D-1", 10, 500, &start, dt(10, 10))
	seedRide(t, pool, 2, "D-1", 0, 0, nil, dt(10, 11))

	_, err = pool.Exec(ctx, `
		INSERT INTO fact_payments (transaction_id, transaction_dt, card_num, transaction_amt)
		VALUES ('tx-1', $1, '1111222233334444', 300)`,
		dt(10, 12),
	)
	require.NoError(t, err)

	rows, err := refresher.RefreshClientsHist(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)

	var clientID string
	var ridesCnt, cancelledCnt int64
	var spent, debt float64
	err = pool.QueryRow(ctx, `
		SELECT client_id, rides_cnt, cancelled_cnt, spent_amt, debt_amt
		FROM rep_clients_hist WHERE phone_num = '+70001'`,
	).Scan(&clientID, &ridesCnt, &cancelledCnt, &spent, &debt)
	require.NoError(t, err)

	// client_id hashes the phone and the version start in the canonical
	// text form, independent of the session's DateStyle.
	sum := md5.Sum([]byte("+70001" + dt(1, 0).Format(scd.TimeFormat)))
	require.Equal(t, hex.EncodeToString(sum[:]), clientID)
	require.EqualValues(t, 2, ridesCnt)
	require.EqualValues(t, 1, cancelledCnt)
	require.Equal(t, 500.0, spent)
	require.Equal(t, 200.0, debt, "spend minus payments received")

	// New activity updates the same client row in place.
	start2 := dt(11, 9)
	seedRide(t, pool, 3, "D-1", 8, 400, &start2, dt(11, 10))
	_, err = refresher.RefreshClientsHist(ctx)
	require.NoError(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM rep_clients_hist").Scan(&n))
	require.Equal(t, 1, n)
	err = pool.QueryRow(ctx,
		"SELECT rides_cnt, spent_amt FROM rep_clients_hist WHERE phone_num = '+70001'",
	).Scan(&ridesCnt, &spent)
	require.NoError(t, err)
	require.EqualValues(t, 3, ridesCnt)
	require.Equal(t, 900.0, spent)
}
