// Package reconciler compares venue positions and orders with the delta-target
// ledger once per account per cycle and triggers rolls on drift.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/eddiefleurent/delta_hedger/internal/notify"
	"github.com/eddiefleurent/delta_hedger/internal/storage"
	"github.com/sirupsen/logrus"
)

// Cycle failure reasons.
const (
	ReasonUnknownAccount = "unknown account"
	ReasonAuthFailed     = "authentication failed"
	ReasonFetchFailed    = "venue fetch failed"
	ReasonLedgerFailed   = "ledger unavailable"
)

// Account is one venue account and the currencies hedged on it.
type Account struct {
	ID         string
	Currencies []string
}

// Adjuster performs one roll. *orders.Executor satisfies it.
type Adjuster interface {
	Adjust(ctx context.Context, accountID string, creds *broker.Credentials, pos broker.Position, record *models.DeltaTarget) models.AdjustmentResult
}

// Observer receives every finished account cycle. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveCycle(res models.CycleResult)
}

// Config tunes the poller.
type Config struct {
	// CallTimeout bounds each gateway call.
	CallTimeout time.Duration
}

// DefaultConfig is the default poller configuration.
var DefaultConfig = Config{CallTimeout: 15 * time.Second}

// Poller runs reconciliation cycles. Accounts are processed one at a time.
type Poller struct {
	gateway  broker.Gateway
	ledger   storage.Interface
	adjuster Adjuster
	notifier notify.Notifier
	observer Observer
	log      logrus.FieldLogger
	accounts []Account
	config   Config
	now      func() time.Time
}

// New creates a Poller. notifier and observer may be nil.
func New(
	gateway broker.Gateway,
	ledger storage.Interface,
	adjuster Adjuster,
	accounts []Account,
	notifier notify.Notifier,
	observer Observer,
	log logrus.FieldLogger,
	config ...Config,
) *Poller {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if gateway == nil || ledger == nil || adjuster == nil {
		panic("reconciler.New: gateway, ledger and adjuster are required")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	accts := make([]Account, len(accounts))
	copy(accts, accounts)
	return &Poller{
		gateway:  gateway,
		ledger:   ledger,
		adjuster: adjuster,
		notifier: notifier,
		observer: observer,
		log:      log.WithField("component", "reconciler"),
		accounts: accts,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source (tests).
func (p *Poller) WithClock(now func() time.Time) *Poller {
	if now != nil {
		p.now = now
	}
	return p
}

// Accounts returns the configured account ids.
func (p *Poller) Accounts() []string {
	ids := make([]string, len(p.accounts))
	for i, a := range p.accounts {
		ids[i] = a.ID
	}
	return ids
}

// HasAccount reports whether id is configured.
func (p *Poller) HasAccount(id string) bool {
	_, ok := p.account(id)
	return ok
}

func (p *Poller) account(id string) (Account, bool) {
	for _, a := range p.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// PollAllAccounts runs the position cycle for every account in order. Account
// failures are recorded in their CycleResult and never stop the loop; only a
// ledger error is returned, together with the results gathered so far.
func (p *Poller) PollAllAccounts(ctx context.Context) ([]models.CycleResult, error) {
	return p.pollAll(ctx, models.CyclePositions, p.PollAccount)
}

// PollAllOrders runs the order cycle for every account in order.
func (p *Poller) PollAllOrders(ctx context.Context) ([]models.CycleResult, error) {
	return p.pollAll(ctx, models.CycleOrders, p.PollAccountOrders)
}

func (p *Poller) pollAll(
	ctx context.Context,
	kind models.CycleKind,
	poll func(context.Context, string) (models.CycleResult, error),
) ([]models.CycleResult, error) {
	results := make([]models.CycleResult, 0, len(p.accounts))
	for _, a := range p.accounts {
		// A stop request is honoured between accounts, never mid-account.
		if ctx.Err() != nil {
			p.log.WithFields(logrus.Fields{"timer": kind, "account": a.ID}).Info("Stop requested, skipping remaining accounts")
			break
		}
		res, err := poll(ctx, a.ID)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// PollAccount runs one position cycle for accountID.
func (p *Poller) PollAccount(ctx context.Context, accountID string) (models.CycleResult, error) {
	res := p.begin(accountID, models.CyclePositions)
	defer p.finish(&res)
	log := p.log.WithFields(logrus.Fields{"account": accountID, "timer": models.CyclePositions})
	// Cancellation is honoured between accounts only; the account in progress
	// runs to the end with per-call deadlines.
	ctx = context.WithoutCancel(ctx)

	acct, creds, ok := p.authenticate(ctx, &res, log)
	if !ok {
		return res, nil
	}

	positions, err := p.fetchPositions(ctx, acct, creds)
	if err != nil {
		p.failCycle(ctx, &res, log, ReasonFetchFailed, err)
		return res, nil
	}
	for _, pos := range positions {
		res.Positions = append(res.Positions, models.NewPositionSnapshot(pos.InstrumentName, pos.Size, pos.Delta, pos.MarkPrice))
	}

	for _, pos := range positions {
		rec, err := p.ledger.GetLatestRecord(ctx, accountID, pos.InstrumentName, models.RecordTypePosition)
		if err != nil {
			err = fmt.Errorf("latest record %s/%s: %w", accountID, pos.InstrumentName, err)
			p.failCycle(ctx, &res, log, ReasonLedgerFailed, err)
			return res, err
		}
		if !rec.AdjustmentEnabled() {
			continue
		}
		perUnit := models.PerUnitDelta(pos.Delta, pos.Size)
		if !models.DriftExceeded(rec.TargetDelta, perUnit) {
			continue
		}

		plog := log.WithFields(logrus.Fields{
			"instrument":     pos.InstrumentName,
			"record":         rec.ID,
			"target_delta":   rec.TargetDelta,
			"per_unit_delta": perUnit,
		})
		plog.Info("Delta drift detected")
		p.notify(ctx, notify.Event{
			Type:       notify.EventAdjustmentStarted,
			AccountID:  accountID,
			Instrument: pos.InstrumentName,
			Message:    fmt.Sprintf("per-unit delta %.4f exceeds target %.4f", perUnit, rec.TargetDelta),
		})

		adj := p.adjuster.Adjust(ctx, accountID, creds, pos, rec)
		res.Adjustments = append(res.Adjustments, adj)
		p.notify(ctx, adjustmentEvent(accountID, adj))
	}

	res.Success = true
	return res, nil
}

// PollAccountOrders runs one order cycle for accountID: it snapshots open
// orders and promotes order records whose orders have filled into position
// records.
func (p *Poller) PollAccountOrders(ctx context.Context, accountID string) (models.CycleResult, error) {
	res := p.begin(accountID, models.CycleOrders)
	defer p.finish(&res)
	log := p.log.WithFields(logrus.Fields{"account": accountID, "timer": models.CycleOrders})
	// Cancellation is honoured between accounts only; the account in progress
	// runs to the end with per-call deadlines.
	ctx = context.WithoutCancel(ctx)

	acct, creds, ok := p.authenticate(ctx, &res, log)
	if !ok {
		return res, nil
	}

	open := make(map[string]bool)
	for _, currency := range acct.Currencies {
		orders, err := call(ctx, p.config.CallTimeout, func(ctx context.Context) ([]broker.Order, error) {
			return p.gateway.GetOpenOrders(ctx, creds, broker.OrderFilter{Currency: currency, Kind: broker.KindOption})
		})
		if err != nil {
			p.failCycle(ctx, &res, log, ReasonFetchFailed, fmt.Errorf("open %s orders: %w", currency, err))
			return res, nil
		}
		for _, o := range orders {
			if o.Amount == 0 {
				continue
			}
			open[o.OrderID] = true
			res.Orders = append(res.Orders, models.OrderSnapshot{
				OrderID:        o.OrderID,
				InstrumentName: o.InstrumentName,
				Direction:      string(o.Direction),
				Amount:         o.Amount,
				FilledAmount:   o.FilledAmount,
				Price:          o.Price,
				State:          o.OrderState,
			})
		}
	}

	records, err := p.ledger.ListRecords(ctx, models.Query{AccountID: accountID, RecordType: models.RecordTypeOrder})
	if err != nil {
		err = fmt.Errorf("order records %s: %w", accountID, err)
		p.failCycle(ctx, &res, log, ReasonLedgerFailed, err)
		return res, err
	}
	var pending []models.DeltaTarget
	for _, r := range records {
		if r.OrderID != nil && !open[*r.OrderID] {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		res.Success = true
		return res, nil
	}

	positions, err := p.fetchPositions(ctx, acct, creds)
	if err != nil {
		p.failCycle(ctx, &res, log, ReasonFetchFailed, err)
		return res, nil
	}
	held := make(map[string]bool, len(positions))
	for _, pos := range positions {
		held[pos.InstrumentName] = true
	}

	for _, r := range pending {
		if !held[r.InstrumentName] {
			continue
		}
		promoted, err := p.ledger.PromoteOrder(ctx, r.ID)
		if err != nil {
			err = fmt.Errorf("promote %s: %w", r.ID, err)
			p.failCycle(ctx, &res, log, ReasonLedgerFailed, err)
			return res, err
		}
		if promoted == nil {
			continue
		}
		res.Promoted = append(res.Promoted, *promoted)
		log.WithFields(logrus.Fields{"order_id": *r.OrderID, "instrument": r.InstrumentName}).Info("Order filled, record promoted")
		p.notify(ctx, notify.Event{
			Type:       notify.EventOrderFilled,
			AccountID:  accountID,
			Instrument: r.InstrumentName,
			Message:    "order " + *r.OrderID + " filled; now tracked as a position",
		})
	}

	res.Success = true
	return res, nil
}

func (p *Poller) begin(accountID string, kind models.CycleKind) models.CycleResult {
	return models.CycleResult{StartedAt: p.now(), AccountID: accountID, Kind: kind}
}

func (p *Poller) finish(res *models.CycleResult) {
	res.FinishedAt = p.now()
	if p.observer != nil {
		p.observer.ObserveCycle(*res)
	}
}

func (p *Poller) authenticate(ctx context.Context, res *models.CycleResult, log logrus.FieldLogger) (Account, *broker.Credentials, bool) {
	acct, ok := p.account(res.AccountID)
	if !ok {
		p.failCycle(ctx, res, log, ReasonUnknownAccount, nil)
		return Account{}, nil, false
	}
	creds, err := call(ctx, p.config.CallTimeout, func(ctx context.Context) (*broker.Credentials, error) {
		return p.gateway.Authenticate(ctx, acct.ID)
	})
	if err != nil {
		p.failCycle(ctx, res, log, ReasonAuthFailed, err)
		return Account{}, nil, false
	}
	return acct, creds, true
}

// fetchPositions returns the account's non-zero option positions across its
// currencies.
func (p *Poller) fetchPositions(ctx context.Context, acct Account, creds *broker.Credentials) ([]broker.Position, error) {
	var out []broker.Position
	for _, currency := range acct.Currencies {
		positions, err := call(ctx, p.config.CallTimeout, func(ctx context.Context) ([]broker.Position, error) {
			return p.gateway.GetPositions(ctx, creds, broker.PositionFilter{Currency: currency, Kind: broker.KindOption})
		})
		if err != nil {
			return nil, fmt.Errorf("%s positions: %w", currency, err)
		}
		for _, pos := range positions {
			if pos.Size != 0 {
				out = append(out, pos)
			}
		}
	}
	return out, nil
}

func (p *Poller) failCycle(ctx context.Context, res *models.CycleResult, log logrus.FieldLogger, reason string, err error) {
	res.Fail(reason, err)
	entry := log.WithField("reason", reason)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Cycle failed")
	p.notify(ctx, notify.Event{Type: notify.EventCycleFailed, AccountID: res.AccountID, Message: reason, Error: res.Error})
}

// notify never changes a result; delivery problems are only logged.
func (p *Poller) notify(ctx context.Context, ev notify.Event) {
	if p.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CallTimeout)
	defer cancel()
	if err := p.notifier.Notify(nctx, ev); err != nil {
		p.log.WithError(err).WithField("event", ev.Type).Warn("Notification failed")
	}
}

func adjustmentEvent(accountID string, adj models.AdjustmentResult) notify.Event {
	ev := notify.Event{
		AccountID:   accountID,
		Instrument:  adj.OldInstrument,
		Replacement: adj.NewInstrument,
		Message:     adj.Reason,
		Error:       adj.Error,
	}
	switch {
	case adj.Success:
		ev.Type = notify.EventAdjustmentSucceeded
	case adj.Inconsistent:
		ev.Type = notify.EventAdjustmentInconsistent
	default:
		ev.Type = notify.EventAdjustmentFailed
	}
	return ev
}

// call runs one gateway request under its own deadline. The parent's
// cancellation is ignored so an in-flight account finishes cleanly.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	v, err := fn(cctx)
	if err != nil && !errors.Is(err, models.ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	return v, err
}
