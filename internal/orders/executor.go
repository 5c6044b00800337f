// Package orders executes delta rolls: close the current option, open the
// replacement, then re-point the ledger.
package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/eddiefleurent/delta_hedger/internal/strategy"
	"github.com/eddiefleurent/delta_hedger/internal/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Failure reasons reported on AdjustmentResult.Reason.
const (
	ReasonDisabled        = "adjustment disabled for record"
	ReasonSelectionFailed = "replacement selection failed"
	ReasonNoReplacement   = "no suitable replacement"
	ReasonAlreadyBest     = "current instrument is already the best replacement"
	ReasonSizeTooSmall    = "replacement size rounds to zero"
	ReasonCloseFailed     = "close leg failed"
	ReasonOpenFailed      = "open leg failed after close"
	ReasonLedgerFailed    = "ledger update failed after both legs"
	ReasonRolled          = "rolled"
)

// Finder selects a replacement instrument. *strategy.Selector satisfies it.
type Finder interface {
	Select(ctx context.Context, currency string, targetDelta float64, minExpiryDays int) (*strategy.Candidate, error)
}

// Config contains configuration for the executor.
type Config struct {
	// CallTimeout bounds each gateway call.
	CallTimeout time.Duration
	// LabelPrefix tags both legs of a roll on the venue.
	LabelPrefix string
}

// DefaultConfig is the default configuration for the executor.
var DefaultConfig = Config{
	CallTimeout: 10 * time.Second,
	LabelPrefix: "dh-roll",
}

// Executor closes a drifted position and opens its replacement.
type Executor struct {
	gateway broker.Gateway
	ledger  storage.Interface
	finder  Finder
	log     logrus.FieldLogger
	config  Config
}

// NewExecutor creates an executor. gateway, ledger and finder are required.
func NewExecutor(
	gateway broker.Gateway,
	ledger storage.Interface,
	finder Finder,
	log logrus.FieldLogger,
	config ...Config,
) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = DefaultConfig.LabelPrefix
	}

	if gateway == nil {
		panic("orders.NewExecutor: gateway must not be nil")
	}
	if ledger == nil {
		panic("orders.NewExecutor: ledger must not be nil")
	}
	if finder == nil {
		panic("orders.NewExecutor: finder must not be nil")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Executor{
		gateway: gateway,
		ledger:  ledger,
		finder:  finder,
		log:     log.WithField("component", "executor"),
		config:  cfg,
	}
}

// Adjust rolls pos into the best replacement for record. The ledger is
// touched only after both legs have been placed. A close failure leaves the
// venue and ledger unchanged; an open failure after a successful close is
// reported as Inconsistent and is never retried here.
func (e *Executor) Adjust(
	ctx context.Context,
	accountID string,
	creds *broker.Credentials,
	pos broker.Position,
	record *models.DeltaTarget,
) models.AdjustmentResult {
	res := models.AdjustmentResult{OldInstrument: pos.InstrumentName, Record: record.Clone()}
	log := e.log.WithFields(logrus.Fields{
		"account":    accountID,
		"instrument": pos.InstrumentName,
	})

	if !record.AdjustmentEnabled() {
		return fail(res, ReasonDisabled, nil)
	}
	if pos.Size == 0 {
		return fail(res, ReasonSizeTooSmall, nil)
	}

	currency := broker.CurrencyOf(pos.InstrumentName)
	selectCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	cand, err := e.finder.Select(selectCtx, currency, record.TargetDelta, *record.MinExpireDays)
	cancel()
	if err != nil {
		if !errors.Is(err, models.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
		}
		return fail(res, ReasonSelectionFailed, err)
	}
	if cand == nil {
		return fail(res, ReasonNoReplacement, models.ErrNoReplacement)
	}
	res.NewInstrument = cand.Instrument.InstrumentName
	if res.NewInstrument == pos.InstrumentName {
		return fail(res, ReasonAlreadyBest, nil)
	}

	closeSize := math.Abs(pos.Size)
	openSize := util.RoundDownToStep(closeSize, cand.Instrument.MinTradeAmount)
	if openSize <= 0 {
		return fail(res, ReasonSizeTooSmall, nil)
	}

	openDir := broker.DirectionBuy
	if pos.Size < 0 {
		openDir = broker.DirectionSell
	}
	label := e.config.LabelPrefix + "-" + uuid.NewString()[:8]
	log = log.WithFields(logrus.Fields{
		"replacement": res.NewInstrument,
		"label":       label,
	})
	log.WithField("delta_distance", cand.DeltaDistance).Info("Rolling position")

	closed, err := e.place(ctx, creds, broker.OrderRequest{
		InstrumentName: pos.InstrumentName,
		Direction:      openDir.Opposite(),
		Type:           broker.OrderTypeMarket,
		Amount:         closeSize,
		Label:          label,
		ReduceOnly:     true,
	})
	if err != nil {
		log.WithError(err).Warn("Close leg failed, ledger unchanged")
		return fail(res, ReasonCloseFailed, err)
	}
	res.CloseOrderID = closed.Order.OrderID
	res.ClosedSize = closeSize

	opened, err := e.place(ctx, creds, broker.OrderRequest{
		InstrumentName: res.NewInstrument,
		Direction:      openDir,
		Type:           broker.OrderTypeMarket,
		Amount:         openSize,
		Label:          label,
	})
	if err != nil {
		log.WithError(err).Error("Open leg failed after close, venue exposure no longer matches ledger")
		res.Inconsistent = true
		return fail(res, ReasonOpenFailed, fmt.Errorf("%w: %w", models.ErrInconsistentAdjustment, err))
	}
	res.OpenOrderID = opened.Order.OrderID
	res.OpenedSize = openSize

	updated, err := e.recordRoll(ctx, accountID, record, res.NewInstrument)
	if err != nil {
		log.WithError(err).Error("Both legs placed but ledger was not updated")
		res.Inconsistent = true
		return fail(res, ReasonLedgerFailed, fmt.Errorf("%w: %w", models.ErrInconsistentAdjustment, err))
	}

	res.Record = updated
	res.Success = true
	res.Reason = ReasonRolled
	log.WithFields(logrus.Fields{
		"close_order": res.CloseOrderID,
		"open_order":  res.OpenOrderID,
		"size":        openSize,
	}).Info("Position rolled")
	return res
}

// place sends one order. Orders are not cancelled by the caller's context
// once sent; only the per-call deadline applies.
func (e *Executor) place(ctx context.Context, creds *broker.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CallTimeout)
	defer cancel()
	out, err := e.gateway.PlaceOrder(callCtx, creds, req)
	if err != nil {
		return nil, fmt.Errorf("%s %s %v: %w: %w", req.Direction, req.InstrumentName, req.Amount, models.ErrUpstreamUnavailable, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%s %s: %w: empty order result", req.Direction, req.InstrumentName, models.ErrUpstreamUnavailable)
	}
	switch out.Order.OrderState {
	case broker.OrderStateRejected, broker.OrderStateCancelled:
		return nil, fmt.Errorf("%s %s: order %s %s", req.Direction, req.InstrumentName, out.Order.OrderID, out.Order.OrderState)
	}
	return out, nil
}

// recordRoll re-points the record at the replacement. If the record vanished
// while the legs were in flight, a fresh position record is upserted with the
// same targets.
func (e *Executor) recordRoll(ctx context.Context, accountID string, record *models.DeltaTarget, instrument string) (*models.DeltaTarget, error) {
	ctx = context.WithoutCancel(ctx)
	updated, err := e.ledger.RollRecord(ctx, record.ID, instrument)
	if err != nil {
		return nil, fmt.Errorf("roll record %s: %w", record.ID, err)
	}
	if updated != nil {
		return updated, nil
	}
	updated, err = e.ledger.UpsertPosition(ctx, models.DeltaTargetInput{
		AccountID:         accountID,
		InstrumentName:    instrument,
		RecordType:        models.RecordTypePosition,
		TargetDelta:       record.TargetDelta,
		MovePositionDelta: record.MovePositionDelta,
		MinExpireDays:     record.MinExpireDays,
		TvID:              record.TvID,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert rolled position: %w", err)
	}
	return updated, nil
}

func fail(res models.AdjustmentResult, reason string, err error) models.AdjustmentResult {
	res.Success = false
	res.Reason = reason
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
