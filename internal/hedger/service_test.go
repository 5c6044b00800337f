package hedger

import (
	"context"
	"errors"
	"testing"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/scheduler"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRunner implements Runner for testing.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Trigger(ctx context.Context, kind models.CycleKind, accountID string) ([]models.CycleResult, error) {
	args := m.Called(ctx, kind, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CycleResult), args.Error(1)
}

func (m *MockRunner) Status() scheduler.Status {
	return m.Called().Get(0).(scheduler.Status)
}

func TestUpsertDeltaTarget_RoutesByRecordType(t *testing.T) {
	ctx := context.Background()
	ledger := storage.NewMemoryStorage()
	svc := NewService(ledger, &MockRunner{}, []string{"a"}, nil)

	pos, err := svc.UpsertDeltaTarget(ctx, models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-X", TargetDelta: 0.2})
	require.NoError(t, err)
	assert.Equal(t, models.RecordTypePosition, pos.RecordType)

	again, err := svc.UpsertDeltaTarget(ctx, models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-X", TargetDelta: -0.4})
	require.NoError(t, err)
	assert.Equal(t, pos.ID, again.ID)
	assert.Equal(t, -0.4, again.TargetDelta)

	ord, err := svc.UpsertDeltaTarget(ctx, models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-X", OrderID: models.StringPtr("o-1"), TargetDelta: 0.2})
	require.NoError(t, err)
	assert.Equal(t, models.RecordTypeOrder, ord.RecordType)

	_, err = svc.UpsertDeltaTarget(ctx, models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-Y", OrderID: models.StringPtr("o-1"), TargetDelta: 0.2})
	assert.ErrorIs(t, err, models.ErrDuplicateRecord)

	all, err := svc.ListDeltaTargets(ctx, models.Query{AccountID: "a"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertDeltaTarget_Validation(t *testing.T) {
	svc := NewService(storage.NewMemoryStorage(), &MockRunner{}, []string{"a"}, nil)
	tests := []struct {
		name  string
		in    models.DeltaTargetInput
		field string
	}{
		{"unknown account", models.DeltaTargetInput{AccountID: "zz", InstrumentName: "BTC-X"}, "account_id"},
		{"target above 1", models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-X", TargetDelta: 1.0001}, "target_delta"},
		{"zero min expire", models.DeltaTargetInput{AccountID: "a", InstrumentName: "BTC-X", MinExpireDays: models.IntPtr(0)}, "min_expire_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpsertDeltaTarget(context.Background(), tt.in)
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpdateAndDelete_NotFound(t *testing.T) {
	svc := NewService(storage.NewMemoryStorage(), &MockRunner{}, nil, nil)
	rec, err := svc.UpdateDeltaTarget(context.Background(), "missing", models.DeltaTargetPatch{TargetDelta: models.Float64Ptr(0.1)})
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := svc.DeleteDeltaTarget(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTriggerReconciliation(t *testing.T) {
	ctx := context.Background()
	runner := &MockRunner{}
	svc := NewService(storage.NewMemoryStorage(), runner, []string{"a", "b"}, nil)

	ok := []models.CycleResult{{AccountID: "a", Success: true}}
	runner.On("Trigger", ctx, models.CyclePositions, "a").Return(ok, nil).Once()
	results, err := svc.TriggerReconciliation(ctx, models.CyclePositions, "a")
	require.NoError(t, err)
	assert.Equal(t, ok, results)

	bad := []models.CycleResult{{AccountID: "b", Success: true, Adjustments: []models.AdjustmentResult{{Inconsistent: true}}}}
	runner.On("Trigger", ctx, models.CyclePositions, "").Return(bad, nil).Once()
	results, err = svc.TriggerReconciliation(ctx, models.CyclePositions, "")
	assert.ErrorIs(t, err, models.ErrInconsistentAdjustment)
	assert.Equal(t, bad, results)

	runner.On("Trigger", ctx, models.CycleOrders, "").Return(nil, scheduler.ErrCycleInProgress).Once()
	_, err = svc.TriggerReconciliation(ctx, models.CycleOrders, "")
	assert.ErrorIs(t, err, scheduler.ErrCycleInProgress)

	_, err = svc.TriggerReconciliation(ctx, models.CyclePositions, "ghost")
	assert.True(t, models.IsValidation(err))
	runner.AssertExpectations(t)
}

func TestSchedulerStatus(t *testing.T) {
	runner := &MockRunner{}
	runner.On("Status").Return(scheduler.Status{Active: true})
	svc := NewService(storage.NewMemoryStorage(), runner, nil, nil)
	assert.True(t, svc.SchedulerStatus().Active)
}
