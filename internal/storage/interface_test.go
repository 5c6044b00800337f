package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
)

// TestInterface runs the ledger contract against every implementation.
// The postgres run needs DELTA_HEDGER_TEST_DSN pointing at a scratch database.
func TestInterface(t *testing.T) {
	t.Run("MemoryStorage", func(t *testing.T) {
		testInterface(t, NewMemoryStorage())
	})

	t.Run("PostgresStorage", func(t *testing.T) {
		dsn := os.Getenv("DELTA_HEDGER_TEST_DSN")
		if dsn == "" {
			t.Skip("DELTA_HEDGER_TEST_DSN not set")
		}
		ctx := context.Background()
		s, err := NewStorage(ctx, Config{Driver: "postgres", DSN: dsn, RunMigrations: true})
		if err != nil {
			t.Fatalf("Failed to open postgres storage: %v", err)
		}
		defer s.Close()

		pg := s.(*PostgresStorage)
		if _, err := pg.pool.Exec(ctx, "TRUNCATE delta_targets"); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}
		// A second migration pass must be a no-op.
		if err := pg.Migrate(ctx); err != nil {
			t.Fatalf("Re-running migrations failed: %v", err)
		}
		testInterface(t, s)
	})
}

func positionInput(account, instrument string, target float64) models.DeltaTargetInput {
	return models.DeltaTargetInput{
		AccountID:         account,
		InstrumentName:    instrument,
		TargetDelta:       target,
		MovePositionDelta: 0.1,
		MinExpireDays:     models.IntPtr(5),
	}
}

func orderInput(account, instrument, orderID string) models.DeltaTargetInput {
	in := positionInput(account, instrument, 0.25)
	in.OrderID = models.StringPtr(orderID)
	return in
}

// testInterface runs common tests on any storage implementation
func testInterface(t *testing.T, s Interface) {
	ctx := context.Background()

	// Upsert twice: one row, second target wins.
	first, err := s.UpsertPosition(ctx, positionInput("acct-a", "BTC-27DEC24-60000-C", 0.3))
	if err != nil {
		t.Fatalf("UpsertPosition failed: %v", err)
	}
	second, err := s.UpsertPosition(ctx, positionInput("acct-a", "BTC-27DEC24-60000-C", 0.45))
	if err != nil {
		t.Fatalf("second UpsertPosition failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected upsert to keep id %s, got %s", first.ID, second.ID)
	}
	recs, err := s.GetRecordsFor(ctx, "acct-a", "BTC-27DEC24-60000-C")
	if err != nil {
		t.Fatalf("GetRecordsFor failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected exactly 1 record after two upserts, got %d", len(recs))
	}
	if recs[0].TargetDelta != 0.45 {
		t.Errorf("Expected targetDelta 0.45, got %v", recs[0].TargetDelta)
	}

	// Validation happens before anything is written.
	if _, err := s.UpsertPosition(ctx, positionInput("acct-a", "BTC-X", 1.0001)); !models.IsValidation(err) {
		t.Errorf("Expected validation error for targetDelta 1.0001, got %v", err)
	}
	bad := positionInput("acct-a", "BTC-X", 0.2)
	bad.MinExpireDays = models.IntPtr(0)
	if _, err := s.UpsertPosition(ctx, bad); !models.IsValidation(err) {
		t.Errorf("Expected validation error for minExpireDays 0, got %v", err)
	}
	if recs, _ := s.GetRecordsFor(ctx, "acct-a", "BTC-X"); len(recs) != 0 {
		t.Errorf("Rejected writes must not persist, found %d records", len(recs))
	}

	// Null minExpireDays is accepted and disables adjustment.
	optOut := positionInput("acct-a", "BTC-NOADJ", -1)
	optOut.MinExpireDays = nil
	rec, err := s.UpsertPosition(ctx, optOut)
	if err != nil {
		t.Fatalf("UpsertPosition with null minExpireDays failed: %v", err)
	}
	if rec.AdjustmentEnabled() {
		t.Error("Expected record with null minExpireDays to be excluded from adjustment")
	}

	// Returned records are copies.
	rec.TargetDelta = 0.99
	stored, err := s.GetRecord(ctx, rec.ID)
	if err != nil || stored == nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if stored.TargetDelta != -1 {
		t.Errorf("Mutating a returned record changed storage: %v", stored.TargetDelta)
	}

	// Order records and the order id constraint.
	ord, err := s.CreateOrderRecord(ctx, orderInput("acct-a", "BTC-28MAR25-70000-C", "ord-1"))
	if err != nil {
		t.Fatalf("CreateOrderRecord failed: %v", err)
	}
	if ord.RecordType != models.RecordTypeOrder {
		t.Errorf("Expected order record type, got %s", ord.RecordType)
	}
	if _, err := s.CreateOrderRecord(ctx, orderInput("acct-b", "BTC-28MAR25-70000-C", "ord-1")); !errors.Is(err, models.ErrDuplicateRecord) {
		t.Errorf("Expected ErrDuplicateRecord for repeated order id, got %v", err)
	}

	// Latest record by type.
	latest, err := s.GetLatestRecord(ctx, "acct-a", "BTC-27DEC24-60000-C", models.RecordTypePosition)
	if err != nil || latest == nil {
		t.Fatalf("GetLatestRecord failed: %v", err)
	}
	if latest.ID != first.ID {
		t.Errorf("Expected latest position %s, got %s", first.ID, latest.ID)
	}
	none, err := s.GetLatestRecord(ctx, "acct-a", "BTC-NOPE", models.RecordTypePosition)
	if err != nil || none != nil {
		t.Errorf("Expected (nil, nil) for unknown instrument, got %v, %v", none, err)
	}

	// Not found is not an error.
	missing, err := s.UpdateRecord(ctx, "does-not-exist", models.DeltaTargetPatch{TargetDelta: models.Float64Ptr(0.1)})
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) updating a missing id, got %v, %v", missing, err)
	}
	deleted, err := s.DeleteRecord(ctx, "does-not-exist")
	if err != nil || deleted {
		t.Errorf("Expected (false, nil) deleting a missing id, got %v, %v", deleted, err)
	}

	// Partial update bumps updatedAt and leaves other fields alone.
	before := latest.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	updated, err := s.UpdateRecord(ctx, first.ID, models.DeltaTargetPatch{TargetDelta: models.Float64Ptr(-0.2)})
	if err != nil || updated == nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}
	if updated.TargetDelta != -0.2 || updated.MovePositionDelta != 0.1 {
		t.Errorf("Unexpected record after patch: %+v", updated)
	}
	if !updated.UpdatedAt.After(before) {
		t.Errorf("Expected updatedAt to advance past %v, got %v", before, updated.UpdatedAt)
	}
	if _, err := s.UpdateRecord(ctx, first.ID, models.DeltaTargetPatch{TargetDelta: models.Float64Ptr(-1.0001)}); !models.IsValidation(err) {
		t.Errorf("Expected validation error on out-of-range patch, got %v", err)
	}

	// Roll to a fresh instrument.
	rolled, err := s.RollRecord(ctx, first.ID, "BTC-3JAN25-62000-C")
	if err != nil || rolled == nil {
		t.Fatalf("RollRecord failed: %v", err)
	}
	if rolled.InstrumentName != "BTC-3JAN25-62000-C" || rolled.TargetDelta != -0.2 {
		t.Errorf("Unexpected rolled record: %+v", rolled)
	}
	if old, _ := s.GetRecordsFor(ctx, "acct-a", "BTC-27DEC24-60000-C"); len(old) != 0 {
		t.Errorf("Expected no records left on the old instrument, got %d", len(old))
	}
	if _, err := s.RollRecord(ctx, ord.ID, "BTC-X"); !models.IsValidation(err) {
		t.Errorf("Expected validation error rolling an order record, got %v", err)
	}

	// Promote the filled order.
	promoted, err := s.PromoteOrder(ctx, ord.ID)
	if err != nil || promoted == nil {
		t.Fatalf("PromoteOrder failed: %v", err)
	}
	if promoted.RecordType != models.RecordTypePosition || promoted.OrderID != nil {
		t.Errorf("Expected position record without order id, got %+v", promoted)
	}
	if gone, _ := s.GetRecord(ctx, ord.ID); gone != nil {
		t.Error("Expected order record removed after promotion")
	}

	// Listing filters.
	positions, err := s.ListRecords(ctx, models.Query{AccountID: "acct-a", RecordType: models.RecordTypePosition})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(positions) != 3 {
		t.Errorf("Expected 3 position records, got %d", len(positions))
	}
	limited, _ := s.ListRecords(ctx, models.Query{AccountID: "acct-a", Limit: 1})
	if len(limited) != 1 {
		t.Errorf("Expected limit 1 to return 1 record, got %d", len(limited))
	}

	// Fresh orders survive the purge, and re-running it is a no-op.
	if _, err := s.CreateOrderRecord(ctx, orderInput("acct-a", "BTC-X", "ord-2")); err != nil {
		t.Fatalf("CreateOrderRecord failed: %v", err)
	}
	n, err := s.DeleteExpiredOrders(ctx, 7)
	if err != nil {
		t.Fatalf("DeleteExpiredOrders failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected fresh orders to survive purge, %d deleted", n)
	}
	n, err = s.DeleteExpiredOrders(ctx, 7)
	if err != nil || n != 0 {
		t.Errorf("Expected idempotent purge, got %d, %v", n, err)
	}

	ok, err := s.DeleteRecord(ctx, rolled.ID)
	if err != nil || !ok {
		t.Errorf("Expected DeleteRecord to report true, got %v, %v", ok, err)
	}
}

func TestMemoryStorage_DeleteExpiredOrders(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	s := NewMemoryStorage().WithClock(func() time.Time { return clock })

	clock = now.AddDate(0, 0, -10)
	if _, err := s.CreateOrderRecord(ctx, orderInput("a", "BTC-X", "old")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPosition(ctx, positionInput("a", "BTC-Y", 0.3)); err != nil {
		t.Fatal(err)
	}
	clock = now.AddDate(0, 0, -2)
	if _, err := s.CreateOrderRecord(ctx, orderInput("a", "BTC-X", "recent")); err != nil {
		t.Fatal(err)
	}
	clock = now

	n, err := s.DeleteExpiredOrders(ctx, 7)
	if err != nil {
		t.Fatalf("DeleteExpiredOrders failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 expired order purged, got %d", n)
	}
	n, _ = s.DeleteExpiredOrders(ctx, 7)
	if n != 0 {
		t.Fatalf("Expected second purge to be a no-op, got %d", n)
	}

	all, _ := s.ListRecords(ctx, models.Query{})
	if len(all) != 2 {
		t.Fatalf("Expected position and recent order to remain, got %d records", len(all))
	}
	for _, r := range all {
		if r.OrderID != nil && *r.OrderID == "old" {
			t.Error("Old order record survived the purge")
		}
	}
}

func TestMemoryStorage_ConcurrentUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.UpsertPosition(ctx, positionInput("a", "BTC-X", float64(i)/100)); err != nil {
				t.Errorf("UpsertPosition failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	recs, _ := s.GetRecordsFor(ctx, "a", "BTC-X")
	if len(recs) != 1 {
		t.Fatalf("Concurrent upserts produced %d records", len(recs))
	}
}

func TestMemoryStorage_LatestTieBreak(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStorage().WithClock(func() time.Time { return fixed })

	var ids []string
	for _, oid := range []string{"o1", "o2", "o3"} {
		r, err := s.CreateOrderRecord(ctx, orderInput("a", "BTC-X", oid))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.ID)
	}
	want := ids[0]
	for _, id := range ids[1:] {
		if id > want {
			want = id
		}
	}
	for i := 0; i < 5; i++ {
		got, err := s.GetLatestRecord(ctx, "a", "BTC-X", models.RecordTypeOrder)
		if err != nil || got == nil {
			t.Fatalf("GetLatestRecord failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("Expected deterministic tie-break on id %s, got %s", want, got.ID)
		}
	}
}

func TestMemoryStorage_PromoteMergesIntoExistingPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	pos, err := s.UpsertPosition(ctx, positionInput("a", "BTC-X", 0.1))
	if err != nil {
		t.Fatal(err)
	}
	ord, err := s.CreateOrderRecord(ctx, orderInput("a", "BTC-X", "o1"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.PromoteOrder(ctx, ord.ID)
	if err != nil {
		t.Fatalf("PromoteOrder failed: %v", err)
	}
	if got.ID != pos.ID || got.TargetDelta != 0.25 {
		t.Fatalf("Expected existing position %s updated to 0.25, got %+v", pos.ID, got)
	}
	recs, _ := s.GetRecordsFor(ctx, "a", "BTC-X")
	if len(recs) != 1 {
		t.Fatalf("Expected single record after promotion, got %d", len(recs))
	}
}

func TestNewStorage_UnknownDriver(t *testing.T) {
	if _, err := NewStorage(context.Background(), Config{Driver: "sqlite"}); err == nil {
		t.Fatal("Expected error for unknown driver")
	}
}
