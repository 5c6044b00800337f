package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/retry"
)

var fastRetry = retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func newTestClientWithServer(handler http.HandlerFunc) (*DeribitClient, *httptest.Server) {
	s := httptest.NewServer(handler)
	c := NewDeribitClient(DeribitConfig{
		BaseURL:  s.URL + "/api/v2/",
		Retry:    fastRetry,
		Accounts: map[string]AccountKey{"acct-1": {ClientID: "id", ClientSecret: "secret"}},
	}, nil)
	return c, s
}

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","result":%s}`, result)
}

func TestNewDeribitClient_BaseURL(t *testing.T) {
	if c := NewDeribitClient(DeribitConfig{Testnet: true}, nil); c.baseURL != deribitTestnetURL {
		t.Errorf("testnet baseURL = %q", c.baseURL)
	}
	if c := NewDeribitClient(DeribitConfig{}, nil); c.baseURL != deribitMainnetURL {
		t.Errorf("mainnet baseURL = %q", c.baseURL)
	}
	if c := NewDeribitClient(DeribitConfig{BaseURL: "https://example.test/api/"}, nil); c.baseURL != "https://example.test/api" {
		t.Errorf("custom baseURL not trimmed: %q", c.baseURL)
	}
}

func TestDeribitClient_AuthenticateRefreshesEveryCall(t *testing.T) {
	var (
		mu     sync.Mutex
		grants []string
	)
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/public/auth" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		mu.Lock()
		grants = append(grants, q.Get("grant_type"))
		n := len(grants)
		mu.Unlock()
		switch q.Get("grant_type") {
		case "client_credentials":
			if q.Get("client_id") != "id" || q.Get("client_secret") != "secret" {
				t.Errorf("unexpected auth params %v", q)
			}
		case "refresh_token":
			if q.Get("refresh_token") != fmt.Sprintf("ref-%d", n-1) {
				t.Errorf("refresh used %q, want the latest refresh token", q.Get("refresh_token"))
			}
		default:
			t.Errorf("unexpected grant_type %q", q.Get("grant_type"))
		}
		writeResult(w, fmt.Sprintf(`{"access_token":"tok-%d","refresh_token":"ref-%d","expires_in":900}`, n, n))
	})
	defer s.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		creds, err := c.Authenticate(ctx, "acct-1")
		if err != nil {
			t.Fatalf("Authenticate #%d failed: %v", i, err)
		}
		if want := fmt.Sprintf("tok-%d", i); creds.AccessToken != want || creds.AccountID != "acct-1" {
			t.Errorf("call %d: got %+v, want access token %s", i, creds, want)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"client_credentials", "refresh_token", "refresh_token"}
	if fmt.Sprint(grants) != fmt.Sprint(want) {
		t.Errorf("grants = %v, want %v", grants, want)
	}
}

func TestDeribitClient_AuthenticateFallsBackToAPIKey(t *testing.T) {
	var calls int32
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"jsonrpc":"2.0","error":{"code":13004,"message":"invalid_credentials"}}`)
			return
		}
		writeResult(w, `{"access_token":"fresh","refresh_token":"ref","expires_in":900}`)
	})
	defer s.Close()

	ctx := context.Background()
	if _, err := c.Authenticate(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}
	creds, err := c.Authenticate(ctx, "acct-1")
	if err != nil {
		t.Fatalf("expected fallback to client credentials, got %v", err)
	}
	if creds.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want fresh", creds.AccessToken)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected auth, rejected refresh, re-auth = 3 requests, got %d", n)
	}
}

func TestDeribitClient_AuthenticateExpiredSessionUsesAPIKey(t *testing.T) {
	var grants []string
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		grants = append(grants, r.URL.Query().Get("grant_type"))
		writeResult(w, `{"access_token":"tok","refresh_token":"ref","expires_in":900}`)
	})
	defer s.Close()

	ctx := context.Background()
	if _, err := c.Authenticate(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Now().Add(899 * time.Second) }
	if _, err := c.Authenticate(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}
	if len(grants) != 2 || grants[1] != "client_credentials" {
		t.Errorf("grants = %v, want a second client_credentials exchange", grants)
	}
}

func TestDeribitClient_AuthenticateUnknownAccount(t *testing.T) {
	c := NewDeribitClient(DeribitConfig{}, nil)
	if _, err := c.Authenticate(context.Background(), "nobody"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestDeribitClient_ListInstruments(t *testing.T) {
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v2/public/get_instruments" || q.Get("currency") != "BTC" || q.Get("kind") != "option" || q.Get("expired") != "false" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		writeResult(w, `[{"instrument_name":"BTC-27DEC24-60000-C","base_currency":"BTC","kind":"option","option_type":"call","strike":60000,"expiration_timestamp":1735286400000,"min_trade_amount":0.1,"tick_size":0.0005,"is_active":true}]`)
	})
	defer s.Close()

	got, err := c.ListInstruments(context.Background(), "BTC", KindOption, false)
	if err != nil {
		t.Fatalf("ListInstruments failed: %v", err)
	}
	if len(got) != 1 || got[0].OptionType != OptionTypeCall || got[0].MinTradeAmount != 0.1 {
		t.Fatalf("unexpected instruments %+v", got)
	}
	if !got[0].Expiry().Equal(time.Date(2024, 12, 27, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Expiry() = %v", got[0].Expiry())
	}
}

func TestDeribitClient_GetQuoteWithoutGreeks(t *testing.T) {
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"instrument_name":"BTC-27DEC24-60000-C","best_bid_price":0.01,"best_ask_price":0.012,"mark_price":0.011}`)
	})
	defer s.Close()

	q, err := c.GetQuote(context.Background(), "BTC-27DEC24-60000-C")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if q.Greeks != nil {
		t.Errorf("expected nil greeks, got %+v", q.Greeks)
	}
	if q.BestBid != 0.01 || q.BestAsk != 0.012 {
		t.Errorf("unexpected book %+v", q)
	}
}

func TestDeribitClient_ReadsRetryTransientErrors(t *testing.T) {
	var calls int32
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "upstream down")
			return
		}
		writeResult(w, `{"instrument_name":"X","best_bid_price":1,"best_ask_price":2,"greeks":{"delta":0.3}}`)
	})
	defer s.Close()

	q, err := c.GetQuote(context.Background(), "X")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if q.Greeks == nil || q.Greeks.Delta != 0.3 {
		t.Errorf("unexpected greeks %+v", q.Greeks)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDeribitClient_RPCError(t *testing.T) {
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"}}`)
	})
	defer s.Close()

	_, err := c.GetQuote(context.Background(), "BAD")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -32602 || apiErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected APIError %+v", apiErr)
	}
}

func TestDeribitClient_PlaceOrderIsNotRetried(t *testing.T) {
	var calls int32
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.URL.Path != "/api/v2/private/sell" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	defer s.Close()

	creds := &Credentials{AccountID: "acct-1", AccessToken: "tok"}
	_, err := c.PlaceOrder(context.Background(), creds, OrderRequest{
		InstrumentName: "BTC-27DEC24-60000-C",
		Direction:      DirectionSell,
		Type:           OrderTypeMarket,
		Amount:         10,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("order placement must be sent once, got %d", calls)
	}
}

func TestDeribitClient_PlaceOrder(t *testing.T) {
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("amount") != "1.5" || q.Get("type") != "limit" || q.Get("price") != "0.0125" || q.Get("label") != "roll" {
			t.Errorf("unexpected order params %v", q)
		}
		writeResult(w, `{"order":{"order_id":"ETH-123","instrument_name":"ETH-3JAN25-3200-P","direction":"buy","order_state":"filled","amount":1.5,"filled_amount":1.5},"trades":[{"trade_id":"t1","amount":1.5,"price":0.0125}]}`)
	})
	defer s.Close()

	price := 0.0125
	res, err := c.PlaceOrder(context.Background(), &Credentials{AccessToken: "tok"}, OrderRequest{
		InstrumentName: "ETH-3JAN25-3200-P",
		Direction:      DirectionBuy,
		Type:           OrderTypeLimit,
		Amount:         1.5,
		Price:          &price,
		Label:          "roll",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if res.Order.OrderID != "ETH-123" || res.Order.OrderState != OrderStateFilled || len(res.Trades) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDeribitClient_PrivateCallsRequireCredentials(t *testing.T) {
	c := NewDeribitClient(DeribitConfig{}, nil)
	if _, err := c.GetPositions(context.Background(), nil, PositionFilter{Currency: "BTC"}); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := c.GetOpenOrders(context.Background(), &Credentials{}, OrderFilter{Currency: "BTC"}); err == nil {
		t.Error("expected error with empty token")
	}
}

func TestDeribitClient_GetPositions(t *testing.T) {
	c, s := newTestClientWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/private/get_positions" || r.URL.Query().Get("currency") != "BTC" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		writeResult(w, `[{"instrument_name":"BTC-27DEC24-60000-C","kind":"option","direction":"sell","size":-10,"delta":-5,"mark_price":0.02}]`)
	})
	defer s.Close()

	got, err := c.GetPositions(context.Background(), &Credentials{AccessToken: "tok"}, PositionFilter{Currency: "BTC", Kind: KindOption})
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(got) != 1 || got[0].Size != -10 || got[0].Delta != -5 {
		t.Fatalf("unexpected positions %+v", got)
	}
}
