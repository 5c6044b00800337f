package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStorage is the durable ledger backed by a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to cfg.DSN and verifies the connection.
func NewPostgresStorage(ctx context.Context, cfg Config) (*PostgresStorage, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres: dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies embedded SQL files in lexicographic order and records each
// one in schema_migrations. Every file runs in its own transaction and is
// written to be safe against a table that already has the target shape.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := s.applyMigration(ctx, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStorage) applyMigration(ctx context.Context, name string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check migration %s: %w", name, err)
	}
	if exists {
		return nil
	}

	data, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("postgres: read migration %s: %w", name, err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("postgres: exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			return fmt.Errorf("postgres: record migration %s: %w", name, err)
		}
		return nil
	})
}

const deltaTargetSelectCols = `id, account_id, instrument_name, order_id,
	target_delta, move_position_delta, min_expire_days, tv_id,
	record_type, created_at, updated_at`

func scanDeltaTargetRow(row pgx.Row) (*models.DeltaTarget, error) {
	var d models.DeltaTarget
	var recordType string
	var minExpire *int32

	err := row.Scan(
		&d.ID, &d.AccountID, &d.InstrumentName, &d.OrderID,
		&d.TargetDelta, &d.MovePositionDelta, &minExpire, &d.TvID,
		&recordType, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.RecordType = models.RecordType(recordType)
	if minExpire != nil {
		v := int(*minExpire)
		d.MinExpireDays = &v
	}
	return &d, nil
}

func scanDeltaTargetRows(rows pgx.Rows) ([]models.DeltaTarget, error) {
	defer rows.Close()
	out := []models.DeltaTarget{}
	for rows.Next() {
		d, err := scanDeltaTargetRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// getOne returns (nil, nil) when the row does not exist.
func getOne(row pgx.Row, op string) (*models.DeltaTarget, error) {
	d, err := scanDeltaTargetRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(op, err)
	}
	return d, nil
}

func minExpireArg(v *int) any {
	if v == nil {
		return nil
	}
	return int32(*v)
}

const upsertPositionSQL = `
	INSERT INTO delta_targets (
		id, account_id, instrument_name, order_id,
		target_delta, move_position_delta, min_expire_days, tv_id,
		record_type, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'position', NOW(), NOW())
	ON CONFLICT (account_id, instrument_name) WHERE record_type = 'position'
	DO UPDATE SET
		target_delta        = EXCLUDED.target_delta,
		move_position_delta = EXCLUDED.move_position_delta,
		min_expire_days     = EXCLUDED.min_expire_days,
		tv_id               = COALESCE(EXCLUDED.tv_id, delta_targets.tv_id),
		updated_at          = NOW()
	RETURNING ` + deltaTargetSelectCols

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsertPosition(ctx context.Context, q querier, id string, r *models.DeltaTarget) (*models.DeltaTarget, error) {
	return getOne(q.QueryRow(ctx, upsertPositionSQL,
		id, r.AccountID, r.InstrumentName, r.OrderID,
		r.TargetDelta, r.MovePositionDelta, minExpireArg(r.MinExpireDays), r.TvID,
	), "upsert position")
}

// UpsertPosition implements Interface. The partial unique index on
// (account_id, instrument_name) makes the insert-or-update atomic.
func (s *PostgresStorage) UpsertPosition(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error) {
	in, err := prepareInput(in, models.RecordTypePosition)
	if err != nil {
		return nil, err
	}
	return upsertPosition(ctx, s.pool, uuid.New().String(), in.Record())
}

// CreateOrderRecord implements Interface.
func (s *PostgresStorage) CreateOrderRecord(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error) {
	in, err := prepareInput(in, models.RecordTypeOrder)
	if err != nil {
		return nil, err
	}
	const query = `
		INSERT INTO delta_targets (
			id, account_id, instrument_name, order_id,
			target_delta, move_position_delta, min_expire_days, tv_id,
			record_type, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'order', NOW(), NOW())
		RETURNING ` + deltaTargetSelectCols

	r := in.Record()
	return getOne(s.pool.QueryRow(ctx, query,
		uuid.New().String(), r.AccountID, r.InstrumentName, r.OrderID,
		r.TargetDelta, r.MovePositionDelta, minExpireArg(r.MinExpireDays), r.TvID,
	), "create order record")
}

// GetRecord implements Interface.
func (s *PostgresStorage) GetRecord(ctx context.Context, id string) (*models.DeltaTarget, error) {
	query := `SELECT ` + deltaTargetSelectCols + ` FROM delta_targets WHERE id = $1`
	return getOne(s.pool.QueryRow(ctx, query, id), "get record "+id)
}

// GetRecordsFor implements Interface.
func (s *PostgresStorage) GetRecordsFor(ctx context.Context, accountID, instrumentName string) ([]models.DeltaTarget, error) {
	return s.ListRecords(ctx, models.Query{AccountID: accountID, InstrumentName: instrumentName})
}

// ListRecords implements Interface.
func (s *PostgresStorage) ListRecords(ctx context.Context, q models.Query) ([]models.DeltaTarget, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.AccountID != "" {
		add("account_id", q.AccountID)
	}
	if q.InstrumentName != "" {
		add("instrument_name", q.InstrumentName)
	}
	if q.RecordType != "" {
		add("record_type", string(q.RecordType))
	}

	query := `SELECT ` + deltaTargetSelectCols + ` FROM delta_targets`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("list records", err)
	}
	recs, err := scanDeltaTargetRows(rows)
	if err != nil {
		return nil, mapPgError("list records", err)
	}
	return recs, nil
}

// GetLatestRecord implements Interface.
func (s *PostgresStorage) GetLatestRecord(ctx context.Context, accountID, instrumentName string, recordType models.RecordType) (*models.DeltaTarget, error) {
	recs, err := s.ListRecords(ctx, models.Query{
		AccountID:      accountID,
		InstrumentName: instrumentName,
		RecordType:     recordType,
		Limit:          1,
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func lockRecord(ctx context.Context, tx pgx.Tx, id string) (*models.DeltaTarget, error) {
	query := `SELECT ` + deltaTargetSelectCols + ` FROM delta_targets WHERE id = $1 FOR UPDATE`
	return getOne(tx.QueryRow(ctx, query, id), "lock record "+id)
}

func writeRecord(ctx context.Context, tx pgx.Tx, r *models.DeltaTarget) (*models.DeltaTarget, error) {
	query := `
		UPDATE delta_targets SET
			instrument_name     = $2,
			target_delta        = $3,
			move_position_delta = $4,
			min_expire_days     = $5,
			tv_id               = $6,
			updated_at          = NOW()
		WHERE id = $1
		RETURNING ` + deltaTargetSelectCols
	return getOne(tx.QueryRow(ctx, query,
		r.ID, r.InstrumentName, r.TargetDelta, r.MovePositionDelta,
		minExpireArg(r.MinExpireDays), r.TvID,
	), "update record "+r.ID)
}

// inTx runs fn in a transaction and returns its record.
func (s *PostgresStorage) inTx(ctx context.Context, fn func(pgx.Tx) (*models.DeltaTarget, error)) (*models.DeltaTarget, error) {
	var out *models.DeltaTarget
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRecord implements Interface.
func (s *PostgresStorage) UpdateRecord(ctx context.Context, id string, patch models.DeltaTargetPatch) (*models.DeltaTarget, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return s.inTx(ctx, func(tx pgx.Tx) (*models.DeltaTarget, error) {
		rec, err := lockRecord(ctx, tx, id)
		if err != nil || rec == nil {
			return nil, err
		}
		patch.Apply(rec)
		return writeRecord(ctx, tx, rec)
	})
}

// DeleteRecord implements Interface.
func (s *PostgresStorage) DeleteRecord(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM delta_targets WHERE id = $1", id)
	if err != nil {
		return false, mapPgError("delete record "+id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteExpiredOrders implements Interface.
func (s *PostgresStorage) DeleteExpiredOrders(ctx context.Context, graceDays int) (int64, error) {
	if graceDays <= 0 {
		graceDays = DefaultOrderGraceDays
	}
	const query = `
		DELETE FROM delta_targets
		WHERE record_type = 'order'
		  AND created_at < NOW() - make_interval(days => $1)`
	tag, err := s.pool.Exec(ctx, query, graceDays)
	if err != nil {
		return 0, mapPgError("delete expired orders", err)
	}
	return tag.RowsAffected(), nil
}

// RollRecord implements Interface. When another position record already
// tracks newInstrument, that record takes over the targets and the rolled
// record is removed, keeping the one-position-per-instrument constraint.
func (s *PostgresStorage) RollRecord(ctx context.Context, id, newInstrument string) (*models.DeltaTarget, error) {
	if newInstrument == "" {
		return nil, &models.ValidationError{Field: "instrument_name", Reason: "is required"}
	}
	return s.inTx(ctx, func(tx pgx.Tx) (*models.DeltaTarget, error) {
		rec, err := lockRecord(ctx, tx, id)
		if err != nil || rec == nil {
			return nil, err
		}
		if rec.RecordType != models.RecordTypePosition {
			return nil, &models.ValidationError{Field: "record_type", Reason: "only position records can be rolled"}
		}
		if rec.InstrumentName != newInstrument {
			if _, err := tx.Exec(ctx, "DELETE FROM delta_targets WHERE id = $1", id); err != nil {
				return nil, mapPgError("roll record "+id, err)
			}
			rec.InstrumentName = newInstrument
			return upsertPosition(ctx, tx, id, rec)
		}
		return writeRecord(ctx, tx, rec)
	})
}

// PromoteOrder implements Interface.
func (s *PostgresStorage) PromoteOrder(ctx context.Context, id string) (*models.DeltaTarget, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*models.DeltaTarget, error) {
		rec, err := lockRecord(ctx, tx, id)
		if err != nil || rec == nil {
			return nil, err
		}
		if rec.RecordType != models.RecordTypeOrder {
			return nil, &models.ValidationError{Field: "record_type", Reason: "only order records can be promoted"}
		}
		if _, err := tx.Exec(ctx, "DELETE FROM delta_targets WHERE id = $1", id); err != nil {
			return nil, mapPgError("promote order "+id, err)
		}
		rec.OrderID = nil
		return upsertPosition(ctx, tx, uuid.New().String(), rec)
	})
}
