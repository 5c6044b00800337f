package broker

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality.
// Venue rejections that are not transient (bad params, insufficient funds)
// do not count toward tripping the breaker.
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        `yaml:"max_requests"`  // Max requests when half-open
	Interval     time.Duration `yaml:"interval"`      // Reset counts interval
	Timeout      time.Duration `yaml:"timeout"`       // Open circuit duration
	MinRequests  uint32        `yaml:"min_requests"`  // Min requests before tripping
	FailureRatio float64       `yaml:"failure_ratio"` // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with default settings.
func NewCircuitBreakerGateway(gateway Gateway, log logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, DefaultCircuitBreakerSettings, log)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(gateway Gateway, settings CircuitBreakerSettings, log logrus.FieldLogger) *CircuitBreakerGateway {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *APIError
			return errors.As(err, &apiErr) && !apiErr.Temporary()
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// Authenticate wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) Authenticate(ctx context.Context, accountID string) (*Credentials, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Credentials, error) {
		return g.Authenticate(ctx, accountID)
	})
}

// ListInstruments wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ListInstruments(ctx context.Context, currency string, kind InstrumentKind, includeExpired bool) ([]Instrument, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Instrument, error) {
		return g.ListInstruments(ctx, currency, kind, includeExpired)
	})
}

// GetQuote wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetQuote(ctx context.Context, instrumentName string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*Quote, error) {
		return g.GetQuote(ctx, instrumentName)
	})
}

// GetPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetPositions(ctx context.Context, creds *Credentials, filter PositionFilter) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) {
		return g.GetPositions(ctx, creds, filter)
	})
}

// GetOpenOrders wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOpenOrders(ctx context.Context, creds *Credentials, filter OrderFilter) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Order, error) {
		return g.GetOpenOrders(ctx, creds, filter)
	})
}

// PlaceOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, creds *Credentials, req OrderRequest) (*OrderResult, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (*OrderResult, error) {
		return g.PlaceOrder(ctx, creds, req)
	})
}
