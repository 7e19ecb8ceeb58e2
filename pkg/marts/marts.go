// Package marts refreshes the reporting tables. Every refresher is a pure
// function of the settled fact and dimension tables for a given report
// date: running it twice for the same date leaves the mart unchanged.
package marts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Refresher struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRefresher(log *slog.Logger, pool *pgxpool.Pool) *Refresher {
	return &Refresher{log: log, pool: pool}
}

// RefreshAll rebuilds every mart for the given report date.
func (r *Refresher) RefreshAll(ctx context.Context, reportDate time.Time) error {
	if _, err := r.RefreshDriverPayments(ctx, reportDate); err != nil {
		return err
	}
	if _, err := r.RefreshDriverViolations(ctx, reportDate); err != nil {
		return err
	}
	if _, err := r.RefreshDriverOvertime(ctx, reportDate); err != nil {
		return err
	}
	if _, err := r.RefreshClientsHist(ctx); err != nil {
		return err
	}
	return nil
}

// RefreshDriverPayments rebuilds the payout mart for one report date.
// The payout formula per driver-day: 80% of collected fares, minus fuel
// (47.26 per liter at 7l/100km) and vehicle wear (5 per km). Cancelled
// rides carry no payout. Rebuild is delete-then-insert for the date, so a
// re-run after late rides lands the corrected amounts.
func (r *Refresher) RefreshDriverPayments(ctx context.Context, reportDate time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin payments mart refresh: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM rep_drivers_payments WHERE report_dt = $1::date", reportDate,
	); err != nil {
		return 0, fmt.Errorf("failed to clear payments mart for %s: %w", reportDate.Format(time.DateOnly), err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO rep_drivers_payments
		    (personnel_num, last_name, first_name, middle_name, card_num, amount, report_dt)
		SELECT dd.personnel_num, dd.last_name, dd.first_name, dd.middle_name, dd.card_num, fr.amount, fr.report_dt
		FROM
		(
		    SELECT
		        driver_pers_num,
		        ROUND((SUM(price_amt) * 0.8 - 47.26 * 7 * SUM(distance_val) / 100 - 5 * SUM(distance_val))::numeric, 2) AS amount,
		        ride_end_dt::date AS report_dt
		    FROM fact_rides
		    WHERE ride_end_dt::date = $1::date AND ride_start_dt IS NOT NULL
		    GROUP BY driver_pers_num, ride_end_dt::date
		) fr
		JOIN
		(
		    SELECT personnel_num, last_name, first_name, middle_name, card_num
		    FROM dim_drivers
		    WHERE $1::timestamp BETWEEN start_dt AND end_dt
		) dd
		ON fr.driver_pers_num = dd.personnel_num`,
		reportDate,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild payments mart for %s: %w", reportDate.Format(time.DateOnly), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit payments mart refresh: %w", err)
	}
	r.log.Info("refreshed driver payments mart", "report_date", reportDate.Format(time.DateOnly), "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// RefreshDriverViolations appends speeding rides finished on the report
// date. A ride counts when its average speed exceeds 85 km/h. The running
// violation count per driver continues from the mart's prior maximum, and
// the ride-keyed conflict clause makes re-runs no-ops.
func (r *Refresher) RefreshDriverViolations(ctx context.Context, reportDate time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO rep_drivers_violations (personnel_num, ride, speed, violations_cnt)
		SELECT
		    q1.personnel_num, q1.ride, q1.speed,
		    COALESCE(q2.prior_cnt, 0) + q1.batch_rank AS violations_cnt
		FROM
		(
		    SELECT
		        driver_pers_num AS personnel_num,
		        ride_id AS ride,
		        ROUND((distance_val / (EXTRACT(EPOCH FROM ride_end_dt - ride_start_dt) / 3600))::numeric, 2) AS speed,
		        ROW_NUMBER() OVER (PARTITION BY driver_pers_num ORDER BY ride_id) AS batch_rank
		    FROM fact_rides
		    WHERE
		        ride_end_dt::date = $1::date
		        AND ride_start_dt IS NOT NULL
		        AND ride_end_dt > ride_start_dt
		        AND ride_id NOT IN (SELECT ride FROM rep_drivers_violations)
		        AND ROUND((distance_val / (EXTRACT(EPOCH FROM ride_end_dt - ride_start_dt) / 3600))::numeric, 2) > 85
		) AS q1
		LEFT JOIN
		(
		    SELECT personnel_num, MAX(violations_cnt) AS prior_cnt
		    FROM rep_drivers_violations
		    GROUP BY personnel_num
		) AS q2
		ON q1.personnel_num = q2.personnel_num
		ON CONFLICT ON CONSTRAINT rep_drivers_violations_pk DO NOTHING`,
		reportDate,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh violations mart for %s: %w", reportDate.Format(time.DateOnly), err)
	}
	r.log.Info("refreshed driver violations mart", "report_date", reportDate.Format(time.DateOnly), "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// RefreshDriverOvertime records drivers whose worked time within any
// trailing 24-hour window starting on the report date exceeds 8 hours.
// The cumulative sum is clipped to the part of the current shift that
// falls inside 24 hours of the window-opening shift. Upsert on
// (personnel_num, period_start) keeps re-runs idempotent.
func (r *Refresher) RefreshDriverOvertime(ctx context.Context, reportDate time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO rep_drivers_overtime (personnel_num, total_work_time, period_start)
		WITH wt AS
		(
		    SELECT
		        driver_pers_num,
		        work_end_dt - work_start_dt AS work_time,
		        SUM(work_end_dt - work_start_dt) OVER w AS cum_work_time,
		        LAG(work_start_dt) OVER w AS violation_period_start,
		        LAG(work_start_dt) OVER w + INTERVAL '24 hours' - work_start_dt AS violation_delta
		    FROM fact_waybills
		    WHERE work_start_dt::date >= $1::date - INTERVAL '1 day'
		    WINDOW w AS (PARTITION BY driver_pers_num ORDER BY work_start_dt RANGE INTERVAL '24 hours' PRECEDING)
		)
		SELECT
		    driver_pers_num AS personnel_num,
		    CASE WHEN work_time > violation_delta THEN cum_work_time - work_time + violation_delta
		         ELSE cum_work_time END AS total_work_time,
		    violation_period_start AS period_start
		FROM wt
		WHERE CASE WHEN work_time > violation_delta THEN cum_work_time - work_time + violation_delta
		           ELSE cum_work_time END > INTERVAL '8 hours'
		AND violation_period_start::date = $1::date
		ON CONFLICT ON CONSTRAINT rep_drivers_overtime_pk DO UPDATE
		SET total_work_time = EXCLUDED.total_work_time`,
		reportDate,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh overtime mart for %s: %w", reportDate.Format(time.DateOnly), err)
	}
	r.log.Info("refreshed driver overtime mart", "report_date", reportDate.Format(time.DateOnly), "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// RefreshClientsHist rebuilds the per-client profile: ride and
// cancellation counts, money spent, and outstanding debt (spend minus card
// payments received). One row per client version; card numbers are
// space-normalized before joining payments to ride history.
func (r *Refresher) RefreshClientsHist(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO rep_clients_hist
		    (client_id, phone_num, rides_cnt, cancelled_cnt, spent_amt, debt_amt, start_dt, end_dt, deleted_flag)
		SELECT
		    md5(dc.phone_num || to_char(dc.start_dt, 'YYYY-MM-DD HH24:MI:SS')) AS client_id,
		    dc.phone_num,
		    frg.rides_cnt,
		    frg.cancelled_cnt,
		    frg.spent_amt,
		    frg.spent_amt - fp.total_paid AS debt_amt,
		    dc.start_dt,
		    dc.end_dt,
		    dc.deleted_flag
		FROM dim_clients dc
		JOIN
		(
		    SELECT replace(card_num, ' ', '') AS card_num, SUM(transaction_amt) AS total_paid
		    FROM fact_payments
		    GROUP BY replace(card_num, ' ', '')
		) fp
		ON replace(dc.card_num, ' ', '') = fp.card_num
		JOIN
		(
		    SELECT
		        fr.client_phone_num,
		        dc.card_num,
		        COUNT(fr.ride_id) AS rides_cnt,
		        COUNT(CASE WHEN fr.ride_start_dt IS NULL THEN 1 ELSE NULL END) AS cancelled_cnt,
		        SUM(CASE WHEN fr.ride_start_dt IS NULL THEN NULL ELSE fr.price_amt END) AS spent_amt
		    FROM fact_rides fr
		    JOIN dim_clients dc
		    ON fr.client_phone_num = dc.phone_num
		        AND fr.ride_end_dt BETWEEN dc.start_dt AND dc.end_dt
		    GROUP BY fr.client_phone_num, dc.card_num
		) frg
		ON dc.phone_num = frg.client_phone_num AND dc.card_num = frg.card_num
		ON CONFLICT ON CONSTRAINT rep_clients_hist_pk DO UPDATE
		SET
		    rides_cnt = EXCLUDED.rides_cnt,
		    cancelled_cnt = EXCLUDED.cancelled_cnt,
		    spent_amt = EXCLUDED.spent_amt,
		    debt_amt = EXCLUDED.debt_amt,
		    end_dt = EXCLUDED.end_dt,
		    deleted_flag = EXCLUDED.deleted_flag`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh clients history mart: %w", err)
	}
	r.log.Info("refreshed clients history mart", "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}
