// Package strategy selects replacement option instruments for delta rolls.
package strategy

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// expiryGroups is how many of the nearest eligible expiries are searched.
	expiryGroups = 2
	// perGroup is how many candidates each expiry contributes.
	perGroup = 2
	// defaultQuoteConcurrency bounds parallel ticker requests.
	defaultQuoteConcurrency = 8
)

// QuoteFunc fetches a live quote for one instrument.
type QuoteFunc func(ctx context.Context, instrumentName string) (*broker.Quote, error)

// Request describes what the replacement must satisfy.
type Request struct {
	Now           time.Time
	Currency      string
	Side          broker.OptionType
	TargetDelta   float64
	MinExpiryDays int
}

// SideForTarget picks calls for a non-negative target delta and puts otherwise.
func SideForTarget(targetDelta float64) broker.OptionType {
	if targetDelta >= 0 {
		return broker.OptionTypeCall
	}
	return broker.OptionTypePut
}

// Candidate is a scored replacement instrument.
type Candidate struct {
	Instrument    broker.Instrument `json:"instrument"`
	Quote         broker.Quote      `json:"quote"`
	Delta         float64           `json:"delta"`
	DeltaDistance float64           `json:"delta_distance"`
	SpreadRatio   float64           `json:"spread_ratio"`
}

// less orders candidates by delta distance, then spread ratio. Expiry and
// name only make the order total.
func (c *Candidate) less(o *Candidate) bool {
	if c.DeltaDistance != o.DeltaDistance {
		return c.DeltaDistance < o.DeltaDistance
	}
	if c.SpreadRatio != o.SpreadRatio {
		return c.SpreadRatio < o.SpreadRatio
	}
	if c.Instrument.ExpirationTimestamp != o.Instrument.ExpirationTimestamp {
		return c.Instrument.ExpirationTimestamp < o.Instrument.ExpirationTimestamp
	}
	return c.Instrument.InstrumentName < o.Instrument.InstrumentName
}

// Options tunes SelectReplacement.
type Options struct {
	Log              logrus.FieldLogger
	QuoteConcurrency int
}

// SelectReplacement returns the best instrument for req from instruments,
// or nil when nothing survives filtering. Quote failures exclude the
// instrument and are logged; only context cancellation is returned as an error.
func SelectReplacement(ctx context.Context, req Request, instruments []broker.Instrument, quotes QuoteFunc, opts Options) (*Candidate, error) {
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	limit := opts.QuoteConcurrency
	if limit <= 0 {
		limit = defaultQuoteConcurrency
	}

	groups := nearestExpiryGroups(eligible(req, instruments), expiryGroups)
	if len(groups) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		scored = make(map[int64][]*Candidate, len(groups))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, group := range groups {
		for _, inst := range group {
			inst := inst
			g.Go(func() error {
				c, ok := score(gctx, inst, req.TargetDelta, quotes, log)
				if !ok {
					return gctx.Err()
				}
				mu.Lock()
				scored[inst.ExpirationTimestamp] = append(scored[inst.ExpirationTimestamp], c)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var finalists []*Candidate
	for _, group := range groups {
		cands := scored[group[0].ExpirationTimestamp]
		sort.Slice(cands, func(i, j int) bool { return cands[i].less(cands[j]) })
		if len(cands) > perGroup {
			cands = cands[:perGroup]
		}
		finalists = append(finalists, cands...)
	}
	if len(finalists) == 0 {
		return nil, nil
	}

	best := finalists[0]
	for _, c := range finalists[1:] {
		if c.less(best) {
			best = c
		}
	}
	return best, nil
}

// eligible keeps instruments of the requested currency and side that do not
// expire before now + MinExpiryDays.
func eligible(req Request, instruments []broker.Instrument) []broker.Instrument {
	cutoff := req.Now.Add(time.Duration(req.MinExpiryDays) * 24 * time.Hour).UnixMilli()
	out := make([]broker.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		currency := inst.BaseCurrency
		if currency == "" {
			currency = broker.CurrencyOf(inst.InstrumentName)
		}
		if currency != req.Currency {
			continue
		}
		if inst.Kind != "" && inst.Kind != broker.KindOption {
			continue
		}
		if inst.OptionType != req.Side {
			continue
		}
		if inst.ExpirationTimestamp < cutoff {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// nearestExpiryGroups buckets instruments by expiry and returns the n
// earliest buckets.
func nearestExpiryGroups(instruments []broker.Instrument, n int) [][]broker.Instrument {
	byExpiry := make(map[int64][]broker.Instrument)
	for _, inst := range instruments {
		byExpiry[inst.ExpirationTimestamp] = append(byExpiry[inst.ExpirationTimestamp], inst)
	}
	expiries := make([]int64, 0, len(byExpiry))
	for ts := range byExpiry {
		expiries = append(expiries, ts)
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i] < expiries[j] })
	if len(expiries) > n {
		expiries = expiries[:n]
	}
	out := make([][]broker.Instrument, 0, len(expiries))
	for _, ts := range expiries {
		out = append(out, byExpiry[ts])
	}
	return out
}

func score(ctx context.Context, inst broker.Instrument, target float64, quotes QuoteFunc, log logrus.FieldLogger) (*Candidate, bool) {
	q, err := quotes(ctx, inst.InstrumentName)
	if err != nil {
		log.WithError(err).WithField("instrument", inst.InstrumentName).Warn("Quote unavailable, skipping candidate")
		return nil, false
	}
	if q == nil || q.Greeks == nil || math.IsNaN(q.Greeks.Delta) || math.IsInf(q.Greeks.Delta, 0) {
		log.WithField("instrument", inst.InstrumentName).Debug("No greeks, skipping candidate")
		return nil, false
	}
	return &Candidate{
		Instrument:    inst,
		Quote:         *q,
		Delta:         q.Greeks.Delta,
		DeltaDistance: math.Abs(q.Greeks.Delta - target),
		SpreadRatio:   q.SpreadRatio(),
	}, true
}

// Selector lists instruments through a gateway and runs SelectReplacement.
type Selector struct {
	gateway broker.Gateway
	opts    Options
	now     func() time.Time
}

// NewSelector creates a Selector.
func NewSelector(gateway broker.Gateway, opts Options) *Selector {
	return &Selector{gateway: gateway, opts: opts, now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *Selector) WithClock(now func() time.Time) *Selector {
	if now != nil {
		s.now = now
	}
	return s
}

// Select finds a replacement. A listing failure is returned wrapped in
// models.ErrUpstreamUnavailable; no candidate is (nil, nil).
func (s *Selector) Select(ctx context.Context, currency string, targetDelta float64, minExpiryDays int) (*Candidate, error) {
	instruments, err := s.gateway.ListInstruments(ctx, currency, broker.KindOption, false)
	if err != nil {
		return nil, fmt.Errorf("list %s instruments: %w: %w", currency, models.ErrUpstreamUnavailable, err)
	}
	req := Request{
		Now:           s.now(),
		Currency:      currency,
		Side:          SideForTarget(targetDelta),
		TargetDelta:   targetDelta,
		MinExpiryDays: minExpiryDays,
	}
	return SelectReplacement(ctx, req, instruments, s.gateway.GetQuote, s.opts)
}
