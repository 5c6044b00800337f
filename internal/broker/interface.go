// Package broker provides the market data gateway used by the hedging core:
// instrument listings, quotes with greeks, positions, open orders and order
// placement. DeribitClient is the live implementation; CircuitBreakerGateway
// and CachedGateway decorate any Gateway.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Gateway defines the venue operations the hedging core consumes.
type Gateway interface {
	// Authenticate returns short-lived credentials for an account. Callers
	// authenticate once per cycle.
	Authenticate(ctx context.Context, accountID string) (*Credentials, error)

	// Market data
	ListInstruments(ctx context.Context, currency string, kind InstrumentKind, includeExpired bool) ([]Instrument, error)
	GetQuote(ctx context.Context, instrumentName string) (*Quote, error)

	// Account state
	GetPositions(ctx context.Context, creds *Credentials, filter PositionFilter) ([]Position, error)
	GetOpenOrders(ctx context.Context, creds *Credentials, filter OrderFilter) ([]Order, error)

	// PlaceOrder submits one order. Implementations never retry it.
	PlaceOrder(ctx context.Context, creds *Credentials, req OrderRequest) (*OrderResult, error)
}

// InstrumentKind is the venue product family.
type InstrumentKind string

// KindOption is the only kind the hedger trades.
const KindOption InstrumentKind = "option"

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
)

// Direction is the side of an order.
type Direction string

const (
	// DirectionBuy buys contracts.
	DirectionBuy Direction = "buy"
	// DirectionSell sells contracts.
	DirectionSell Direction = "sell"
)

// Opposite returns the offsetting direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the best available price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at Price.
	OrderTypeLimit OrderType = "limit"
)

// Order states reported by the venue.
const (
	OrderStateOpen      = "open"
	OrderStateFilled    = "filled"
	OrderStateCancelled = "cancelled"
	OrderStateRejected  = "rejected"
	OrderStateUntrigger = "untriggered"
)

// Credentials identify an authenticated account session.
type Credentials struct {
	ExpiresAt    time.Time
	AccountID    string
	AccessToken  string
	RefreshToken string
}

// Expired reports whether the token is past its expiry at now.
func (c *Credentials) Expired(now time.Time) bool {
	return c == nil || (!c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt))
}

// Instrument describes one listed contract.
type Instrument struct {
	InstrumentName      string         `json:"instrument_name"`
	BaseCurrency        string         `json:"base_currency"`
	Kind                InstrumentKind `json:"kind"`
	OptionType          OptionType     `json:"option_type"`
	Strike              float64        `json:"strike"`
	ExpirationTimestamp int64          `json:"expiration_timestamp"`
	ContractSize        float64        `json:"contract_size"`
	MinTradeAmount      float64        `json:"min_trade_amount"`
	TickSize            float64        `json:"tick_size"`
	IsActive            bool           `json:"is_active"`
}

// Expiry returns the expiration as a UTC time.
func (i Instrument) Expiry() time.Time {
	return time.UnixMilli(i.ExpirationTimestamp).UTC()
}

// Greeks are the option sensitivities reported with a quote.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Quote is a ticker snapshot. Greeks is nil when the venue did not report them.
type Quote struct {
	Greeks         *Greeks `json:"greeks,omitempty"`
	InstrumentName string  `json:"instrument_name"`
	BestBid        float64 `json:"best_bid_price"`
	BestAsk        float64 `json:"best_ask_price"`
	MarkPrice      float64 `json:"mark_price"`
	Timestamp      int64   `json:"timestamp"`
}

// SpreadRatio returns (ask-bid)/(ask+bid), or 1 when either side of the book
// is missing.
func (q *Quote) SpreadRatio() float64 {
	if q == nil || q.BestBid <= 0 || q.BestAsk <= 0 {
		return 1
	}
	return (q.BestAsk - q.BestBid) / (q.BestAsk + q.BestBid)
}

// Position is an open venue position. Size is signed: negative means short.
type Position struct {
	InstrumentName string         `json:"instrument_name"`
	Kind           InstrumentKind `json:"kind"`
	Direction      string         `json:"direction"`
	Size           float64        `json:"size"`
	Delta          float64        `json:"delta"`
	MarkPrice      float64        `json:"mark_price"`
	AveragePrice   float64        `json:"average_price"`
}

// Order is a venue order.
type Order struct {
	OrderID           string    `json:"order_id"`
	InstrumentName    string    `json:"instrument_name"`
	Direction         Direction `json:"direction"`
	OrderType         OrderType `json:"order_type"`
	OrderState        string    `json:"order_state"`
	Label             string    `json:"label"`
	Amount            float64   `json:"amount"`
	FilledAmount      float64   `json:"filled_amount"`
	Price             float64   `json:"price"`
	AveragePrice      float64   `json:"average_price"`
	CreationTimestamp int64     `json:"creation_timestamp"`
}

// OrderRequest describes an order to place. Price is required for limit orders.
type OrderRequest struct {
	Price          *float64
	InstrumentName string
	Direction      Direction
	Type           OrderType
	Label          string
	Amount         float64
	ReduceOnly     bool
}

// Validate checks the request before it is sent.
func (r OrderRequest) Validate() error {
	if r.InstrumentName == "" {
		return errors.New("order: instrument name is required")
	}
	if r.Direction != DirectionBuy && r.Direction != DirectionSell {
		return fmt.Errorf("order: invalid direction %q", r.Direction)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("order: amount must be positive, got %v", r.Amount)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price == nil || *r.Price <= 0 {
			return errors.New("order: limit order requires a positive price")
		}
	default:
		return fmt.Errorf("order: invalid type %q", r.Type)
	}
	return nil
}

// OrderResult is the venue acknowledgement of a placed order.
type OrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

// Trade is one fill reported with an order result.
type Trade struct {
	TradeID string  `json:"trade_id"`
	Amount  float64 `json:"amount"`
	Price   float64 `json:"price"`
}

// PositionFilter narrows GetPositions.
type PositionFilter struct {
	Currency string
	Kind     InstrumentKind
}

// OrderFilter narrows GetOpenOrders.
type OrderFilter struct {
	Currency string
	Kind     InstrumentKind
}

// APIError represents a venue error with HTTP status and JSON-RPC error code.
type APIError struct {
	Message string
	Status  int
	Code    int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Venue error codes that indicate a retryable condition.
const (
	codeTooManyRequests        = 10028
	codeTemporarilyUnavailable = 13028
)

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	if e.Status == 429 || e.Status >= 500 {
		return true
	}
	return e.Code == codeTooManyRequests || e.Code == codeTemporarilyUnavailable
}

// InstrumentInfo is the parsed form of an option instrument name such as
// BTC-27DEC24-60000-C.
type InstrumentInfo struct {
	Expiry     time.Time
	Currency   string
	OptionType OptionType
	Strike     float64
}

const expiryLayout = "2Jan06"

// ParseInstrumentName parses CURRENCY-DMMMYY-STRIKE-C|P option names.
// Expiry is set to 08:00 UTC, the venue's settlement time.
func ParseInstrumentName(name string) (InstrumentInfo, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return InstrumentInfo{}, fmt.Errorf("instrument %q: expected 4 dash-separated parts", name)
	}

	exp, err := time.Parse(expiryLayout, titleMonth(parts[1]))
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("instrument %q: bad expiry: %w", name, err)
	}
	strike, err := strconv.ParseFloat(strings.ReplaceAll(parts[2], "d", "."), 64)
	if err != nil {
		return InstrumentInfo{}, fmt.Errorf("instrument %q: bad strike: %w", name, err)
	}

	var ot OptionType
	switch parts[3] {
	case "C":
		ot = OptionTypeCall
	case "P":
		ot = OptionTypePut
	default:
		return InstrumentInfo{}, fmt.Errorf("instrument %q: bad option type %q", name, parts[3])
	}

	return InstrumentInfo{
		Currency:   parts[0],
		Expiry:     exp.Add(8 * time.Hour),
		Strike:     strike,
		OptionType: ot,
	}, nil
}

// CurrencyOf returns the currency prefix of an instrument name.
func CurrencyOf(name string) string {
	if i := strings.IndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}

// titleMonth turns 27DEC24 into 27Dec24 for time.Parse.
func titleMonth(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' && i > 0 && s[i-1] >= 'A' && s[i-1] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// FormatInstrumentName builds the venue name for an option.
func FormatInstrumentName(currency string, expiry time.Time, strike float64, ot OptionType) string {
	suffix := "C"
	if ot == OptionTypePut {
		suffix = "P"
	}
	return fmt.Sprintf("%s-%s-%s-%s",
		currency,
		strings.ToUpper(expiry.UTC().Format(expiryLayout)),
		strings.ReplaceAll(strconv.FormatFloat(strike, 'f', -1, 64), ".", "d"),
		suffix,
	)
}
