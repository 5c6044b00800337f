package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/google/uuid"
)

// MemoryStorage is an in-process ledger used in paper mode and tests.
// A single RWMutex serializes all writes, which gives the same atomicity the
// postgres unique indexes provide.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*models.DeltaTarget
	now     func() time.Time
}

// NewMemoryStorage creates an empty in-memory ledger.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]*models.DeltaTarget),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source (tests).
func (m *MemoryStorage) WithClock(now func() time.Time) *MemoryStorage {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *MemoryStorage) findPosition(accountID, instrument string) *models.DeltaTarget {
	for _, r := range m.records {
		if r.RecordType == models.RecordTypePosition && r.AccountID == accountID && r.InstrumentName == instrument {
			return r
		}
	}
	return nil
}

func (m *MemoryStorage) findOrder(orderID string) *models.DeltaTarget {
	for _, r := range m.records {
		if r.OrderID != nil && *r.OrderID == orderID {
			return r
		}
	}
	return nil
}

// UpsertPosition implements Interface.
func (m *MemoryStorage) UpsertPosition(_ context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error) {
	in, err := prepareInput(in, models.RecordTypePosition)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if in.OrderID != nil {
		if other := m.findOrder(*in.OrderID); other != nil &&
			(other.AccountID != in.AccountID || other.InstrumentName != in.InstrumentName || other.RecordType != models.RecordTypePosition) {
			return nil, fmt.Errorf("order id %s: %w", *in.OrderID, models.ErrDuplicateRecord)
		}
	}

	now := m.now()
	if existing := m.findPosition(in.AccountID, in.InstrumentName); existing != nil {
		overwriteTargets(existing, in.Record())
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}

	rec := in.Record()
	rec.ID = uuid.New().String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	return rec.Clone(), nil
}

// CreateOrderRecord implements Interface.
func (m *MemoryStorage) CreateOrderRecord(_ context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error) {
	in, err := prepareInput(in, models.RecordTypeOrder)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findOrder(*in.OrderID) != nil {
		return nil, fmt.Errorf("order id %s: %w", *in.OrderID, models.ErrDuplicateRecord)
	}

	now := m.now()
	rec := in.Record()
	rec.ID = uuid.New().String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.ID] = rec
	return rec.Clone(), nil
}

// GetRecord implements Interface.
func (m *MemoryStorage) GetRecord(_ context.Context, id string) (*models.DeltaTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[id].Clone(), nil
}

// GetRecordsFor implements Interface.
func (m *MemoryStorage) GetRecordsFor(ctx context.Context, accountID, instrumentName string) ([]models.DeltaTarget, error) {
	return m.ListRecords(ctx, models.Query{AccountID: accountID, InstrumentName: instrumentName})
}

// ListRecords implements Interface.
func (m *MemoryStorage) ListRecords(_ context.Context, q models.Query) ([]models.DeltaTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DeltaTarget, 0, len(m.records))
	for _, r := range m.records {
		if q.Matches(r) {
			out = append(out, *r.Clone())
		}
	}
	sortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetLatestRecord implements Interface.
func (m *MemoryStorage) GetLatestRecord(ctx context.Context, accountID, instrumentName string, recordType models.RecordType) (*models.DeltaTarget, error) {
	recs, err := m.ListRecords(ctx, models.Query{
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

// UpdateRecord implements Interface.
func (m *MemoryStorage) UpdateRecord(_ context.Context, id string, patch models.DeltaTargetPatch) (*models.DeltaTarget, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	updated := rec.Clone()
	patch.Apply(updated)
	if updated.RecordType == models.RecordTypePosition && updated.InstrumentName != rec.InstrumentName {
		if other := m.findPosition(updated.AccountID, updated.InstrumentName); other != nil {
			return nil, fmt.Errorf("position %s/%s: %w", updated.AccountID, updated.InstrumentName, models.ErrDuplicateRecord)
		}
	}
	updated.UpdatedAt = m.now()
	m.records[id] = updated
	return updated.Clone(), nil
}

// DeleteRecord implements Interface.
func (m *MemoryStorage) DeleteRecord(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

// DeleteExpiredOrders implements Interface.
func (m *MemoryStorage) DeleteExpiredOrders(_ context.Context, graceDays int) (int64, error) {
	if graceDays <= 0 {
		graceDays = DefaultOrderGraceDays
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-time.Duration(graceDays) * 24 * time.Hour)
	var n int64
	for id, r := range m.records {
		if r.RecordType == models.RecordTypeOrder && r.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// RollRecord implements Interface.
func (m *MemoryStorage) RollRecord(_ context.Context, id, newInstrument string) (*models.DeltaTarget, error) {
	if newInstrument == "" {
		return nil, &models.ValidationError{Field: "instrument_name", Reason: "is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	if rec.RecordType != models.RecordTypePosition {
		return nil, &models.ValidationError{Field: "record_type", Reason: "only position records can be rolled"}
	}

	now := m.now()
	if existing := m.findPosition(rec.AccountID, newInstrument); existing != nil && existing.ID != rec.ID {
		overwriteTargets(existing, rec)
		existing.UpdatedAt = now
		delete(m.records, rec.ID)
		return existing.Clone(), nil
	}
	rec.InstrumentName = newInstrument
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

// PromoteOrder implements Interface.
func (m *MemoryStorage) PromoteOrder(_ context.Context, id string) (*models.DeltaTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	if rec.RecordType != models.RecordTypeOrder {
		return nil, &models.ValidationError{Field: "record_type", Reason: "only order records can be promoted"}
	}

	now := m.now()
	delete(m.records, id)
	if existing := m.findPosition(rec.AccountID, rec.InstrumentName); existing != nil {
		overwriteTargets(existing, rec)
		existing.UpdatedAt = now
		return existing.Clone(), nil
	}
	promoted := rec.Clone()
	promoted.ID = uuid.New().String()
	promoted.RecordType = models.RecordTypePosition
	promoted.OrderID = nil
	promoted.CreatedAt = now
	promoted.UpdatedAt = now
	m.records[promoted.ID] = promoted
	return promoted.Clone(), nil
}

// Close implements Interface.
func (m *MemoryStorage) Close() error { return nil }

// overwriteTargets copies the mutable hedging fields of src onto dst.
func overwriteTargets(dst, src *models.DeltaTarget) {
	c := src.Clone()
	dst.TargetDelta = c.TargetDelta
	dst.MovePositionDelta = c.MovePositionDelta
	dst.MinExpireDays = c.MinExpireDays
	if c.TvID != nil {
		dst.TvID = c.TvID
	}
}

func sortNewestFirst(recs []models.DeltaTarget) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID > recs[j].ID
	})
}
