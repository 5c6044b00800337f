// Package mock provides an in-memory venue used for paper trading and tests.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
)

// ErrScripted is the default error returned by scripted failures.
var ErrScripted = errors.New("scripted gateway failure")

// Operation names accepted by Fail.
const (
	OpAuthenticate    = "authenticate"
	OpListInstruments = "list_instruments"
	OpGetQuote        = "get_quote"
	OpGetPositions    = "get_positions"
	OpGetOpenOrders   = "get_open_orders"
	OpPlaceOrder      = "place_order"
)

// PaperConfig configures a PaperGateway.
type PaperConfig struct {
	// Spot is the underlying price per currency used to generate chains.
	Spot map[string]float64
	// Jitter perturbs quoted deltas slightly on every GetQuote.
	Jitter bool
}

// PaperGateway is an in-memory broker.Gateway. Market orders fill
// immediately at the quoted price; limit orders rest until Fill is called.
type PaperGateway struct {
	mu          sync.Mutex
	cfg         PaperConfig
	instruments map[string]broker.Instrument
	quotes      map[string]broker.Quote
	positions   map[string]map[string]*broker.Position // account -> instrument
	openOrders  map[string]map[string]*broker.Order    // account -> order id
	placed      []PlacedOrder
	failures    map[string]error
	orderHook   func(accountID string, req broker.OrderRequest) error
	nextOrderID int
}

// PlacedOrder records one PlaceOrder call that reached the book.
type PlacedOrder struct {
	AccountID string
	Request   broker.OrderRequest
	OrderID   string
}

// Ensure PaperGateway implements Gateway at compile time.
var _ broker.Gateway = (*PaperGateway)(nil)

// NewPaperGateway creates an empty paper venue.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	return &PaperGateway{
		cfg:         cfg,
		instruments: make(map[string]broker.Instrument),
		quotes:      make(map[string]broker.Quote),
		positions:   make(map[string]map[string]*broker.Position),
		openOrders:  make(map[string]map[string]*broker.Order),
		failures:    make(map[string]error),
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// AddInstrument lists an instrument with its quote. A nil greeks pointer in q
// makes the instrument quote without greeks.
func (p *PaperGateway) AddInstrument(inst broker.Instrument, q broker.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.Kind == "" {
		inst.Kind = broker.KindOption
	}
	inst.IsActive = true
	q.InstrumentName = inst.InstrumentName
	p.instruments[inst.InstrumentName] = inst
	p.quotes[inst.InstrumentName] = q
}

// SetQuote replaces the quote for a listed instrument.
func (p *PaperGateway) SetQuote(q broker.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.InstrumentName] = q
}

// SetPosition stores a position for an account verbatim.
func (p *PaperGateway) SetPosition(accountID string, pos broker.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Kind == "" {
		pos.Kind = broker.KindOption
	}
	p.accountPositions(accountID)[pos.InstrumentName] = &pos
}

// AddOpenOrder rests an order on the paper book.
func (p *PaperGateway) AddOpenOrder(accountID string, o broker.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.OrderState == "" {
		o.OrderState = broker.OrderStateOpen
	}
	p.accountOrders(accountID)[o.OrderID] = &o
}

// Fail makes every call to op return err until cleared with a nil err.
// op may be suffixed with ":<instrument>" for get_quote and place_order.
func (p *PaperGateway) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// OnPlaceOrder installs a hook consulted before every order; a non-nil
// return rejects the order.
func (p *PaperGateway) OnPlaceOrder(hook func(accountID string, req broker.OrderRequest) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderHook = hook
}

// PlacedOrders returns the orders that reached the book, oldest first.
func (p *PaperGateway) PlacedOrders() []PlacedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlacedOrder, len(p.placed))
	copy(out, p.placed)
	return out
}

// Position returns an account's position in an instrument, if any.
func (p *PaperGateway) Position(accountID, instrument string) (broker.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[accountID][instrument]
	if !ok {
		return broker.Position{}, false
	}
	return *pos, true
}

// Fill executes a resting order in full at its limit price.
func (p *PaperGateway) Fill(accountID, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.openOrders[accountID][orderID]
	if !ok {
		return fmt.Errorf("order %s not open", orderID)
	}
	delete(p.openOrders[accountID], orderID)
	o.FilledAmount = o.Amount
	o.OrderState = broker.OrderStateFilled
	p.applyFill(accountID, o.InstrumentName, o.Direction, o.Amount, o.Price)
	return nil
}

func (p *PaperGateway) accountPositions(accountID string) map[string]*broker.Position {
	m, ok := p.positions[accountID]
	if !ok {
		m = make(map[string]*broker.Position)
		p.positions[accountID] = m
	}
	return m
}

func (p *PaperGateway) accountOrders(accountID string) map[string]*broker.Order {
	m, ok := p.openOrders[accountID]
	if !ok {
		m = make(map[string]*broker.Order)
		p.openOrders[accountID] = m
	}
	return m
}

func (p *PaperGateway) failure(op string) error {
	if err, ok := p.failures[op]; ok {
		return err
	}
	return nil
}

// Authenticate implements broker.Gateway.
func (p *PaperGateway) Authenticate(_ context.Context, accountID string) (*broker.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpAuthenticate); err != nil {
		return nil, err
	}
	if err := p.failure(OpAuthenticate + ":" + accountID); err != nil {
		return nil, err
	}
	return &broker.Credentials{
		AccountID:   accountID,
		AccessToken: "paper-" + accountID,
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	}, nil
}

// ListInstruments implements broker.Gateway.
func (p *PaperGateway) ListInstruments(_ context.Context, currency string, kind broker.InstrumentKind, includeExpired bool) ([]broker.Instrument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpListInstruments); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	out := make([]broker.Instrument, 0, len(p.instruments))
	for _, inst := range p.instruments {
		if inst.BaseCurrency != currency {
			continue
		}
		if kind != "" && inst.Kind != kind {
			continue
		}
		if !includeExpired && inst.ExpirationTimestamp <= now {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentName < out[j].InstrumentName })
	return out, nil
}

// GetQuote implements broker.Gateway.
func (p *PaperGateway) GetQuote(_ context.Context, instrumentName string) (*broker.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpGetQuote); err != nil {
		return nil, err
	}
	if err := p.failure(OpGetQuote + ":" + instrumentName); err != nil {
		return nil, err
	}
	q, ok := p.quotes[instrumentName]
	if !ok {
		return nil, &broker.APIError{Status: 400, Code: 10004, Message: "instrument_not_found: " + instrumentName}
	}
	out := q
	if q.Greeks != nil {
		g := *q.Greeks
		if p.cfg.Jitter {
			g.Delta += (secureFloat64() - 0.5) * 0.02
		}
		out.Greeks = &g
	}
	out.Timestamp = time.Now().UnixMilli()
	return &out, nil
}

// GetPositions implements broker.Gateway.
func (p *PaperGateway) GetPositions(_ context.Context, creds *broker.Credentials, filter broker.PositionFilter) ([]broker.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds == nil {
		return nil, errors.New("missing credentials")
	}
	if err := p.failure(OpGetPositions); err != nil {
		return nil, err
	}
	var out []broker.Position
	for _, pos := range p.positions[creds.AccountID] {
		if filter.Currency != "" && broker.CurrencyOf(pos.InstrumentName) != filter.Currency {
			continue
		}
		if filter.Kind != "" && pos.Kind != filter.Kind {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentName < out[j].InstrumentName })
	return out, nil
}

// GetOpenOrders implements broker.Gateway.
func (p *PaperGateway) GetOpenOrders(_ context.Context, creds *broker.Credentials, filter broker.OrderFilter) ([]broker.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds == nil {
		return nil, errors.New("missing credentials")
	}
	if err := p.failure(OpGetOpenOrders); err != nil {
		return nil, err
	}
	var out []broker.Order
	for _, o := range p.openOrders[creds.AccountID] {
		if filter.Currency != "" && broker.CurrencyOf(o.InstrumentName) != filter.Currency {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// PlaceOrder implements broker.Gateway.
func (p *PaperGateway) PlaceOrder(_ context.Context, creds *broker.Credentials, req broker.OrderRequest) (*broker.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds == nil {
		return nil, errors.New("missing credentials")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := p.failure(OpPlaceOrder); err != nil {
		return nil, err
	}
	if err := p.failure(OpPlaceOrder + ":" + req.InstrumentName); err != nil {
		return nil, err
	}
	if p.orderHook != nil {
		if err := p.orderHook(creds.AccountID, req); err != nil {
			return nil, err
		}
	}
	q, ok := p.quotes[req.InstrumentName]
	if !ok {
		return nil, &broker.APIError{Status: 400, Code: 10004, Message: "instrument_not_found: " + req.InstrumentName}
	}

	p.nextOrderID++
	order := broker.Order{
		OrderID:           "paper-" + strconv.Itoa(p.nextOrderID),
		InstrumentName:    req.InstrumentName,
		Direction:         req.Direction,
		OrderType:         req.Type,
		Label:             req.Label,
		Amount:            req.Amount,
		CreationTimestamp: time.Now().UnixMilli(),
	}
	p.placed = append(p.placed, PlacedOrder{AccountID: creds.AccountID, Request: req, OrderID: order.OrderID})

	if req.Type == broker.OrderTypeLimit {
		order.Price = *req.Price
		order.OrderState = broker.OrderStateOpen
		stored := order
		p.accountOrders(creds.AccountID)[order.OrderID] = &stored
		return &broker.OrderResult{Order: order}, nil
	}

	price := q.BestAsk
	if req.Direction == broker.DirectionSell {
		price = q.BestBid
	}
	if price <= 0 {
		price = q.MarkPrice
	}
	order.Price = price
	order.AveragePrice = price
	order.FilledAmount = req.Amount
	order.OrderState = broker.OrderStateFilled
	p.applyFill(creds.AccountID, req.InstrumentName, req.Direction, req.Amount, price)

	return &broker.OrderResult{
		Order:  order,
		Trades: []broker.Trade{{TradeID: order.OrderID + "-1", Amount: req.Amount, Price: price}},
	}, nil
}

// applyFill updates the signed position and recomputes its delta from the
// instrument's quoted greeks. Caller holds p.mu.
func (p *PaperGateway) applyFill(accountID, instrument string, dir broker.Direction, amount, price float64) {
	positions := p.accountPositions(accountID)
	pos, ok := positions[instrument]
	if !ok {
		pos = &broker.Position{InstrumentName: instrument, Kind: broker.KindOption}
		positions[instrument] = pos
	}
	signed := amount
	if dir == broker.DirectionSell {
		signed = -amount
	}
	pos.Size = roundSize(pos.Size + signed)
	if pos.Size == 0 {
		delete(positions, instrument)
		return
	}
	pos.Direction = string(broker.DirectionBuy)
	if pos.Size < 0 {
		pos.Direction = string(broker.DirectionSell)
	}
	pos.MarkPrice = price
	if q, ok := p.quotes[instrument]; ok && q.Greeks != nil {
		pos.Delta = pos.Size * q.Greeks.Delta
	}
}

func roundSize(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
