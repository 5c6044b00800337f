package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// stubGateway for testing CircuitBreakerGateway
type stubGateway struct {
	mu         sync.Mutex
	callCount  int
	shouldFail bool
	failAfter  int
	failWith   error
}

func (m *stubGateway) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++
	if m.shouldFail && m.callCount > m.failAfter {
		if m.failWith != nil {
			return m.failWith
		}
		return errors.New("stub gateway error")
	}
	return nil
}

func (m *stubGateway) setFail(v bool) {
	m.mu.Lock()
	m.shouldFail = v
	m.mu.Unlock()
}

func (m *stubGateway) Authenticate(_ context.Context, accountID string) (*Credentials, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &Credentials{AccountID: accountID, AccessToken: "tok"}, nil
}

func (m *stubGateway) ListInstruments(context.Context, string, InstrumentKind, bool) ([]Instrument, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return []Instrument{{InstrumentName: "BTC-27DEC24-60000-C"}}, nil
}

func (m *stubGateway) GetQuote(_ context.Context, name string) (*Quote, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &Quote{InstrumentName: name, BestBid: 1, BestAsk: 2, Greeks: &Greeks{Delta: 0.3}}, nil
}

func (m *stubGateway) GetPositions(context.Context, *Credentials, PositionFilter) ([]Position, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return []Position{}, nil
}

func (m *stubGateway) GetOpenOrders(context.Context, *Credentials, OrderFilter) ([]Order, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *stubGateway) PlaceOrder(_ context.Context, _ *Credentials, req OrderRequest) (*OrderResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &OrderResult{Order: Order{OrderID: "1", InstrumentName: req.InstrumentName}}, nil
}

func (m *stubGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func TestNewCircuitBreakerGateway(t *testing.T) {
	stub := &stubGateway{}
	cb := NewCircuitBreakerGateway(stub, nil)
	if cb == nil {
		t.Fatal("NewCircuitBreakerGateway returned nil")
	}
	if cb.gateway != stub {
		t.Error("CircuitBreakerGateway.gateway not set correctly")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("new breaker should be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerGateway_AllMethods(t *testing.T) {
	stub := &stubGateway{}
	cb := NewCircuitBreakerGateway(stub, nil)
	ctx := context.Background()

	if _, err := cb.Authenticate(ctx, "a"); err != nil {
		t.Errorf("Authenticate: %v", err)
	}
	if got, err := cb.ListInstruments(ctx, "BTC", KindOption, false); err != nil || len(got) != 1 {
		t.Errorf("ListInstruments: %v, %v", got, err)
	}
	if q, err := cb.GetQuote(ctx, "X"); err != nil || q.InstrumentName != "X" {
		t.Errorf("GetQuote: %v, %v", q, err)
	}
	if _, err := cb.GetPositions(ctx, nil, PositionFilter{}); err != nil {
		t.Errorf("GetPositions: %v", err)
	}
	// A nil slice result must come back as nil without a type assertion error.
	if got, err := cb.GetOpenOrders(ctx, nil, OrderFilter{}); err != nil || got != nil {
		t.Errorf("GetOpenOrders: %v, %v", got, err)
	}
	if res, err := cb.PlaceOrder(ctx, nil, OrderRequest{InstrumentName: "X"}); err != nil || res.Order.InstrumentName != "X" {
		t.Errorf("PlaceOrder: %v, %v", res, err)
	}
	if stub.calls() != 6 {
		t.Errorf("expected 6 calls, got %d", stub.calls())
	}
}

func TestCircuitBreakerGateway_TripsOnFailures(t *testing.T) {
	stub := &stubGateway{shouldFail: true, failAfter: 3}
	cb := NewCircuitBreakerGatewayWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.5,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := cb.GetQuote(ctx, "X")
		if i < 3 && err != nil {
			t.Errorf("Call %d should succeed but failed: %v", i+1, err)
		}
		if i >= 3 && err == nil {
			t.Errorf("Call %d should fail but succeeded", i+1)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("Circuit breaker should be open, but state is %s", cb.State())
	}

	callsBefore := stub.calls()
	_, err := cb.GetQuote(ctx, "X")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if stub.calls() != callsBefore {
		t.Error("open breaker must not call the gateway")
	}
}

func TestCircuitBreakerGateway_PermanentAPIErrorsDoNotTrip(t *testing.T) {
	stub := &stubGateway{shouldFail: true, failWith: &APIError{Status: 400, Code: 10009, Message: "not_enough_funds"}}
	cb := NewCircuitBreakerGatewayWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.1,
	}, nil)

	for i := 0; i < 5; i++ {
		_, err := cb.PlaceOrder(context.Background(), nil, OrderRequest{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError passthrough, got %v", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("venue rejections must not open the breaker, state %s", cb.State())
	}
}

func TestCircuitBreakerGateway_Recovery(t *testing.T) {
	stub := &stubGateway{shouldFail: true}
	cb := NewCircuitBreakerGatewayWithSettings(stub, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      15 * time.Millisecond,
		MinRequests:  2,
		FailureRatio: 0.5,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = cb.GetQuote(ctx, "X")
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("Circuit breaker should be open, got %s", cb.State())
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for cb.State() != gobreaker.StateHalfOpen {
		if time.Now().After(deadline) {
			t.Fatal("Circuit breaker did not transition to half-open")
		}
		time.Sleep(time.Millisecond)
	}

	stub.setFail(false)
	if _, err := cb.GetQuote(ctx, "X"); err != nil {
		t.Fatalf("Recovery call should succeed but failed: %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected closed after successful half-open call, got %s", cb.State())
	}
}
