// Package storage implements the durable delta-target ledger.
package storage

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/delta_hedger/internal/models"
)

// DefaultOrderGraceDays is how long order records survive before the purge sweep removes them.
const DefaultOrderGraceDays = 7

// Interface defines the contract for delta-target persistence.
//
// Implementations must be safe for concurrent use and must serialize conflicting
// writes internally: concurrent upserts for the same (account, instrument) key
// never produce two position records.
//
// Lookups that find nothing return (nil, nil) or false rather than an error.
// Errors are reserved for validation failures, constraint violations
// (models.ErrDuplicateRecord) and storage I/O failures.
type Interface interface {
	// UpsertPosition inserts a position record or overwrites the target fields
	// of the existing record for the same (account, instrument).
	UpsertPosition(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error)
	// CreateOrderRecord inserts an order record. A repeated order id fails with
	// models.ErrDuplicateRecord.
	CreateOrderRecord(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error)

	GetRecord(ctx context.Context, id string) (*models.DeltaTarget, error)
	// GetRecordsFor lists an account's records, optionally narrowed to one
	// instrument when instrumentName is non-empty.
	GetRecordsFor(ctx context.Context, accountID, instrumentName string) ([]models.DeltaTarget, error)
	ListRecords(ctx context.Context, q models.Query) ([]models.DeltaTarget, error)
	// GetLatestRecord returns the most recently created record of the given type,
	// ties broken by id.
	GetLatestRecord(ctx context.Context, accountID, instrumentName string, recordType models.RecordType) (*models.DeltaTarget, error)

	UpdateRecord(ctx context.Context, id string, patch models.DeltaTargetPatch) (*models.DeltaTarget, error)
	DeleteRecord(ctx context.Context, id string) (bool, error)
	// DeleteExpiredOrders purges order records created more than graceDays ago
	// and returns how many were removed.
	DeleteExpiredOrders(ctx context.Context, graceDays int) (int64, error)

	// RollRecord re-points a position record at newInstrument after a roll.
	RollRecord(ctx context.Context, id, newInstrument string) (*models.DeltaTarget, error)
	// PromoteOrder turns a filled order record into a position record.
	PromoteOrder(ctx context.Context, id string) (*models.DeltaTarget, error)

	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	Driver        string // memory | postgres
	DSN           string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// NewStorage creates the configured ledger implementation.
func NewStorage(ctx context.Context, cfg Config) (Interface, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "postgres":
		s, err := NewPostgresStorage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

func prepareInput(in models.DeltaTargetInput, want models.RecordType) (models.DeltaTargetInput, error) {
	in.Normalize()
	if in.RecordType != want {
		return in, &models.ValidationError{Field: "record_type", Reason: fmt.Sprintf("must be %q", want)}
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*MemoryStorage)(nil)
	_ Interface = (*PostgresStorage)(nil)
)
