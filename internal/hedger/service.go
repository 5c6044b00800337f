// Package hedger is the entry point for webhook handlers and operator tooling:
// delta-target CRUD, manual reconciliation and scheduler status.
package hedger

import (
	"context"
	"fmt"
	"io"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/scheduler"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/sirupsen/logrus"
)

// Runner triggers cycles and reports timer status. *scheduler.Scheduler satisfies it.
type Runner interface {
	Trigger(ctx context.Context, kind models.CycleKind, accountID string) ([]models.CycleResult, error)
	Status() scheduler.Status
}

// Service wires the ledger and scheduler behind one API.
type Service struct {
	ledger   storage.Interface
	runner   Runner
	accounts map[string]bool
	log      logrus.FieldLogger
}

// NewService creates a Service. When accounts is non-empty, writes and
// triggers for any other account are rejected.
func NewService(ledger storage.Interface, runner Runner, accounts []string, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	known := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		known[a] = true
	}
	return &Service{
		ledger:   ledger,
		runner:   runner,
		accounts: known,
		log:      log.WithField("component", "hedger"),
	}
}

func (s *Service) checkAccount(id string) error {
	if len(s.accounts) == 0 || s.accounts[id] {
		return nil
	}
	return &models.ValidationError{Field: "account_id", Reason: fmt.Sprintf("account %q is not configured", id)}
}

// UpsertDeltaTarget stores a directive. Inputs carrying an order id become
// order records; everything else upserts the position record for
// (account, instrument).
func (s *Service) UpsertDeltaTarget(ctx context.Context, in models.DeltaTargetInput) (*models.DeltaTarget, error) {
	in.Normalize()
	if err := s.checkAccount(in.AccountID); err != nil {
		return nil, err
	}

	var (
		rec *models.DeltaTarget
		err error
	)
	if in.RecordType == models.RecordTypeOrder {
		rec, err = s.ledger.CreateOrderRecord(ctx, in)
	} else {
		rec, err = s.ledger.UpsertPosition(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"account":      rec.AccountID,
		"instrument":   rec.InstrumentName,
		"record":       rec.ID,
		"record_type":  rec.RecordType,
		"target_delta": rec.TargetDelta,
	}).Info("Delta target stored")
	return rec, nil
}

// ListDeltaTargets returns records matching q, newest first.
func (s *Service) ListDeltaTargets(ctx context.Context, q models.Query) ([]models.DeltaTarget, error) {
	return s.ledger.ListRecords(ctx, q)
}

// GetDeltaTarget returns one record, or nil when it does not exist.
func (s *Service) GetDeltaTarget(ctx context.Context, id string) (*models.DeltaTarget, error) {
	return s.ledger.GetRecord(ctx, id)
}

// UpdateDeltaTarget applies patch to record id. A missing record is (nil, nil).
func (s *Service) UpdateDeltaTarget(ctx context.Context, id string, patch models.DeltaTargetPatch) (*models.DeltaTarget, error) {
	rec, err := s.ledger.UpdateRecord(ctx, id, patch)
	if err != nil || rec == nil {
		return rec, err
	}
	s.log.WithField("record", id).Info("Delta target updated")
	return rec, nil
}

// DeleteDeltaTarget removes record id and reports whether it existed.
func (s *Service) DeleteDeltaTarget(ctx context.Context, id string) (bool, error) {
	ok, err := s.ledger.DeleteRecord(ctx, id)
	if err == nil && ok {
		s.log.WithField("record", id).Info("Delta target deleted")
	}
	return ok, err
}

// TriggerReconciliation runs a cycle now. When any adjustment left the venue
// out of step with the ledger, the results are returned together with an
// error wrapping models.ErrInconsistentAdjustment.
func (s *Service) TriggerReconciliation(ctx context.Context, kind models.CycleKind, accountID string) ([]models.CycleResult, error) {
	if accountID != "" {
		if err := s.checkAccount(accountID); err != nil {
			return nil, err
		}
	}
	results, err := s.runner.Trigger(ctx, kind, accountID)
	if err != nil {
		return results, err
	}
	for _, r := range results {
		if r.HasInconsistency() {
			return results, fmt.Errorf("account %s: %w", r.AccountID, models.ErrInconsistentAdjustment)
		}
	}
	return results, nil
}

// SchedulerStatus reports whether timers are active and when they fire next.
func (s *Service) SchedulerStatus() scheduler.Status {
	return s.runner.Status()
}
