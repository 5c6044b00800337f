package mock

import (
	"math"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/util"
)

// ChainSpec describes a generated option chain.
type ChainSpec struct {
	Currency       string
	Spot           float64
	Vol            float64 // annualized implied volatility, e.g. 0.6
	StrikeStep     float64
	StrikesEachWay int
	Weeks          int
	MinTradeAmount float64
	TickSize       float64
}

func (s ChainSpec) withDefaults() ChainSpec {
	if s.Vol <= 0 {
		s.Vol = 0.6
	}
	if s.StrikeStep <= 0 {
		s.StrikeStep = math.Max(1, math.Round(s.Spot*0.02))
	}
	if s.StrikesEachWay <= 0 {
		s.StrikesEachWay = 10
	}
	if s.Weeks <= 0 {
		s.Weeks = 4
	}
	if s.MinTradeAmount <= 0 {
		s.MinTradeAmount = 0.1
	}
	if s.TickSize <= 0 {
		s.TickSize = 0.0001
	}
	return s
}

// WeeklyExpiries returns the next n Friday 08:00 UTC settlements after now.
func WeeklyExpiries(now time.Time, n int) []time.Time {
	now = now.UTC()
	d := time.Date(now.Year(), now.Month(), now.Day(), 8, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Friday || !d.After(now) {
		d = d.AddDate(0, 0, 1)
	}
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.AddDate(0, 0, 7*i))
	}
	return out
}

// SeedChain lists calls and puts around spec.Spot on weekly expiries,
// quoting Black-Scholes deltas and premiums in units of the underlying.
func (p *PaperGateway) SeedChain(spec ChainSpec, now time.Time) int {
	spec = spec.withDefaults()
	center := math.Round(spec.Spot/spec.StrikeStep) * spec.StrikeStep
	n := 0
	for _, exp := range WeeklyExpiries(now, spec.Weeks) {
		t := exp.Sub(now).Hours() / (24 * 365)
		for i := -spec.StrikesEachWay; i <= spec.StrikesEachWay; i++ {
			strike := center + float64(i)*spec.StrikeStep
			if strike <= 0 {
				continue
			}
			for _, ot := range []broker.OptionType{broker.OptionTypeCall, broker.OptionTypePut} {
				delta, premium := blackScholes(spec.Spot, strike, t, spec.Vol, ot)
				mark := math.Max(spec.TickSize, util.RoundToTick(premium/spec.Spot, spec.TickSize))
				half := math.Max(spec.TickSize, util.RoundToTick(mark*0.05, spec.TickSize))
				name := broker.FormatInstrumentName(spec.Currency, exp, strike, ot)
				p.AddInstrument(broker.Instrument{
					InstrumentName:      name,
					BaseCurrency:        spec.Currency,
					Kind:                broker.KindOption,
					OptionType:          ot,
					Strike:              strike,
					ExpirationTimestamp: exp.UnixMilli(),
					ContractSize:        1,
					MinTradeAmount:      spec.MinTradeAmount,
					TickSize:            spec.TickSize,
				}, broker.Quote{
					BestBid:   math.Max(0, mark-half),
					BestAsk:   mark + half,
					MarkPrice: mark,
					Greeks:    &broker.Greeks{Delta: delta},
				})
				n++
			}
		}
	}
	return n
}

// blackScholes returns the zero-rate delta and premium.
func blackScholes(spot, strike, years, vol float64, ot broker.OptionType) (delta, premium float64) {
	if years <= 0 {
		years = 1.0 / (24 * 365)
	}
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT
	call := spot*normCDF(d1) - strike*normCDF(d2)
	if ot == broker.OptionTypePut {
		return normCDF(d1) - 1, call - spot + strike
	}
	return normCDF(d1), call
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
