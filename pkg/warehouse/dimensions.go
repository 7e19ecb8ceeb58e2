package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kazantaxi/dwh/pkg/scd"
)

// DimensionSchema describes one SCD Type 2 dimension table: the natural-key
// column, the discriminator column whose change opens a new version, and the
// remaining versioned payload columns.
type DimensionSchema struct {
	// Name is the dimension name; the table is "dim_" + Name.
	Name string
	// KeyColumn holds the natural key.
	KeyColumn string
	// DiscriminatorColumn holds the change-detection token.
	DiscriminatorColumn string
	// DiscriminatorIsTime marks timestamp-typed discriminators, which are
	// read back through to_char so the text form is locale-independent.
	DiscriminatorIsTime bool
	// PayloadColumns are the versioned attribute columns, in insert order.
	PayloadColumns []string
}

func (s DimensionSchema) TableName() string {
	return "dim_" + s.Name
}

func (s DimensionSchema) discriminatorSelect() string {
	if s.DiscriminatorIsTime {
		return fmt.Sprintf("to_char(%s, 'YYYY-MM-DD HH24:MI:SS')", s.DiscriminatorColumn)
	}
	return s.DiscriminatorColumn
}

func (s DimensionSchema) insertColumns() []string {
	cols := []string{s.KeyColumn, "start_dt", "end_dt", s.DiscriminatorColumn}
	return append(cols, s.PayloadColumns...)
}

// The three dimensions of the warehouse. Closing discriminators follow the
// upstream change-detection tokens: cars re-version on a new revision
// timestamp, drivers and clients on a new payment card.
var (
	Cars = DimensionSchema{
		Name:                "cars",
		KeyColumn:           "plate_num",
		DiscriminatorColumn: "revision_dt",
		DiscriminatorIsTime: true,
		PayloadColumns:      []string{"model_name"},
	}

	Drivers = DimensionSchema{
		Name:                "drivers",
		KeyColumn:           "personnel_num",
		DiscriminatorColumn: "card_num",
		PayloadColumns: []string{
			"last_name", "first_name", "middle_name", "birth_dt",
			"driver_license_num", "driver_license_dt",
		},
	}

	Clients = DimensionSchema{
		Name:                "clients",
		KeyColumn:           "phone_num",
		DiscriminatorColumn: "card_num",
	}
)

// DimensionStore reads and mutates one dimension's history table.
type DimensionStore struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	schema DimensionSchema
}

func NewDimensionStore(log *slog.Logger, pool *pgxpool.Pool, schema DimensionSchema) *DimensionStore {
	return &DimensionStore{log: log, pool: pool, schema: schema}
}

func (s *DimensionStore) Schema() DimensionSchema {
	return s.schema
}

// ActiveRows returns every open row (end_dt at the infinity sentinel) for
// the given natural keys. Duplicate open rows are returned as-is; the
// reconciler turns them into an invariant violation.
func (s *DimensionStore) ActiveRows(ctx context.Context, keys []string) ([]scd.ActiveRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT %s, start_dt, %s FROM %s WHERE end_dt = $1 AND %s = ANY($2)",
		s.schema.KeyColumn, s.schema.discriminatorSelect(), s.schema.TableName(), s.schema.KeyColumn,
	)
	rows, err := s.pool.Query(ctx, query, scd.Infinity, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query open rows for %s: %w", s.schema.TableName(), err)
	}
	defer rows.Close()

	var active []scd.ActiveRow
	for rows.Next() {
		var a scd.ActiveRow
		if err := rows.Scan(&a.Key, &a.Start, &a.Discriminator); err != nil {
			return nil, fmt.Errorf("failed to scan open row for %s: %w", s.schema.TableName(), err)
		}
		active = append(active, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read open rows for %s: %w", s.schema.TableName(), err)
	}
	return active, nil
}

// ApplyStats summarizes one reconciliation apply.
type ApplyStats struct {
	Closed   int64
	Inserted int64
	Deduped  int64
}

// Apply executes a reconciliation plan as one transaction: close the
// affected open rows, append the new versions, then drop
// (natural key, start_dt) duplicates left behind by overlapping extraction
// windows, keeping the newest physical row. A crash between close and
// append can never surface: the dimension moves from one consistent
// history to the next atomically.
func (s *DimensionStore) Apply(ctx context.Context, plan scd.Plan) (ApplyStats, error) {
	var stats ApplyStats
	if plan.Empty() {
		return stats, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction for %s: %w", s.schema.TableName(), err)
	}
	defer tx.Rollback(ctx) // No-op after commit

	closeQuery := fmt.Sprintf(
		"UPDATE %s SET end_dt = $1 WHERE %s = $2 AND end_dt = $3",
		s.schema.TableName(), s.schema.KeyColumn,
	)
	for _, c := range plan.Close {
		tag, err := tx.Exec(ctx, closeQuery, c.End, c.Key, scd.Infinity)
		if err != nil {
			return stats, fmt.Errorf("failed to close open row for %s key %q: %w", s.schema.TableName(), c.Key, err)
		}
		stats.Closed += tag.RowsAffected()
	}

	cols := s.schema.insertColumns()
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		s.schema.TableName(), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	for _, r := range plan.Insert {
		args := make([]any, 0, len(cols))
		args = append(args, r.Key, r.Start, r.End, r.Discriminator)
		args = append(args, r.Payload...)
		if len(args) != len(cols) {
			return stats, fmt.Errorf("row for %s key %q has %d values, want %d", s.schema.TableName(), r.Key, len(args), len(cols))
		}
		if _, err := tx.Exec(ctx, insertQuery, args...); err != nil {
			return stats, fmt.Errorf("failed to insert row for %s key %q: %w", s.schema.TableName(), r.Key, err)
		}
		stats.Inserted++
	}

	deduped, err := s.dedupe(ctx, tx)
	if err != nil {
		return stats, err
	}
	stats.Deduped = deduped

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("failed to commit reconciliation for %s: %w", s.schema.TableName(), err)
	}

	s.log.Info("applied dimension reconciliation",
		"dimension", s.schema.Name,
		"closed", stats.Closed,
		"inserted", stats.Inserted,
		"deduped", stats.Deduped,
	)
	return stats, nil
}

// dedupe removes (natural key, start_dt) duplicates, keeping the newest
// physical row. When a replayed close-and-insert duplicates a start, the
// later row is the one whose end_dt the reconciler just decided; deleting
// the older copy leaves the key with exactly one row per start.
func (s *DimensionStore) dedupe(ctx context.Context, tx pgx.Tx) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %[1]s a USING %[1]s b
		 WHERE a.ctid < b.ctid
		   AND a.%[2]s = b.%[2]s
		   AND a.start_dt = b.start_dt`,
		s.schema.TableName(), s.schema.KeyColumn,
	)
	tag, err := tx.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to deduplicate %s: %w", s.schema.TableName(), err)
	}
	return tag.RowsAffected(), nil
}

// OpenRowCounts returns, per natural key, how many open rows the dimension
// holds. Used by consistency checks and tests.
func (s *DimensionStore) OpenRowCounts(ctx context.Context) (map[string]int, error) {
	query := fmt.Sprintf(
		"SELECT %s, count(*) FROM %s WHERE end_dt = $1 GROUP BY %s",
		s.schema.KeyColumn, s.schema.TableName(), s.schema.KeyColumn,
	)
	rows, err := s.pool.Query(ctx, query, scd.Infinity)
	if err != nil {
		return nil, fmt.Errorf("failed to count open rows for %s: %w", s.schema.TableName(), err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan open row count for %s: %w", s.schema.TableName(), err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}
