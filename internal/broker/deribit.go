package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	deribitMainnetURL = "https://www.deribit.com/api/v2"
	deribitTestnetURL = "https://test.deribit.com/api/v2"

	// tokenRefreshMargin is how close to expiry a session stops being refreshable.
	tokenRefreshMargin = 30 * time.Second
)

// ErrUnknownAccount is returned when no API key is configured for an account.
var ErrUnknownAccount = errors.New("unknown account")

// AccountKey is the API key pair for one venue account.
type AccountKey struct {
	ClientID     string
	ClientSecret string
}

// DeribitConfig configures DeribitClient.
type DeribitConfig struct {
	Accounts map[string]AccountKey
	BaseURL  string
	Retry    retry.Config
	Timeout  time.Duration
	Testnet  bool
}

// DeribitClient talks to the Deribit JSON-RPC over HTTP API.
type DeribitClient struct {
	client   *http.Client
	log      logrus.FieldLogger
	accounts map[string]AccountKey
	baseURL  string
	retry    retry.Config

	authGroup singleflight.Group
	mu        sync.Mutex
	tokens    map[string]*Credentials
	now       func() time.Time
}

// Ensure DeribitClient implements Gateway at compile time.
var _ Gateway = (*DeribitClient)(nil)

// NewDeribitClient creates a client. A nil logger discards output.
func NewDeribitClient(cfg DeribitConfig, log logrus.FieldLogger) *DeribitClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Testnet {
			baseURL = deribitTestnetURL
		} else {
			baseURL = deribitMainnetURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	accounts := make(map[string]AccountKey, len(cfg.Accounts))
	for id, k := range cfg.Accounts {
		accounts[id] = k
	}

	return &DeribitClient{
		client:   &http.Client{Timeout: timeout},
		log:      log.WithField("component", "deribit"),
		accounts: accounts,
		baseURL:  strings.TrimRight(baseURL, "/"),
		retry:    cfg.Retry,
		tokens:   make(map[string]*Credentials),
		now:      time.Now,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (d *DeribitClient) WithHTTPClient(c *http.Client) *DeribitClient {
	if c != nil {
		d.client = c
	}
	return d
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request. token may be empty for public methods.
func (d *DeribitClient) call(ctx context.Context, method string, params url.Values, token string, out any) error {
	endpoint := d.baseURL + "/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "delta-hedger/1.0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.log.WithError(err).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("%s -> failed to read body", method)}
	}

	var rpc rpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("%s -> %s", method, truncate(string(body), 512))}
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpc.Error != nil {
		return &APIError{Status: resp.StatusCode, Code: rpc.Error.Code, Message: fmt.Sprintf("%s -> %s", method, rpc.Error.Message)}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: method}
	}
	if out == nil || len(rpc.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// read runs an idempotent call through retry.Do.
func read[T any](ctx context.Context, d *DeribitClient, method string, params url.Values, token string) (T, error) {
	return retry.Do(ctx, d.retry, d.log, method, func(ctx context.Context) (T, error) {
		var out T
		err := d.call(ctx, method, params, token, &out)
		return out, err
	})
}

func (d *DeribitClient) cachedToken(accountID string) *Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	cached := d.tokens[accountID]
	if cached == nil || cached.RefreshToken == "" || cached.Expired(d.now().Add(tokenRefreshMargin)) {
		return nil
	}
	c := *cached
	return &c
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Authenticate implements Gateway. Every call fetches a fresh token: a live
// session is extended with its refresh token, otherwise (or when the refresh
// is rejected) the API key is exchanged again. Concurrent callers for the
// same account share one in-flight request.
func (d *DeribitClient) Authenticate(ctx context.Context, accountID string) (*Credentials, error) {
	key, ok := d.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("authenticate %s: %w", accountID, ErrUnknownAccount)
	}

	v, err, _ := d.authGroup.Do(accountID, func() (any, error) {
		log := d.log.WithField("account", accountID)
		var (
			res authResult
			err error
		)
		if cached := d.cachedToken(accountID); cached != nil {
			params := url.Values{}
			params.Set("grant_type", "refresh_token")
			params.Set("refresh_token", cached.RefreshToken)
			res, err = read[authResult](ctx, d, "public/auth", params, "")
			if err != nil {
				log.WithError(err).Debug("Token refresh rejected, re-authenticating with API key")
			}
		}
		if res.AccessToken == "" {
			params := url.Values{}
			params.Set("grant_type", "client_credentials")
			params.Set("client_id", key.ClientID)
			params.Set("client_secret", key.ClientSecret)
			res, err = read[authResult](ctx, d, "public/auth", params, "")
			if err != nil {
				return nil, err
			}
		}
		creds := &Credentials{
			AccountID:    accountID,
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			ExpiresAt:    d.now().Add(time.Duration(res.ExpiresIn) * time.Second),
		}
		d.mu.Lock()
		d.tokens[accountID] = creds
		d.mu.Unlock()
		log.Debug("Authenticated")
		return creds, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", accountID, err)
	}
	c := *v.(*Credentials)
	return &c, nil
}

// ListInstruments implements Gateway.
func (d *DeribitClient) ListInstruments(ctx context.Context, currency string, kind InstrumentKind, includeExpired bool) ([]Instrument, error) {
	params := url.Values{}
	params.Set("currency", currency)
	if kind != "" {
		params.Set("kind", string(kind))
	}
	params.Set("expired", strconv.FormatBool(includeExpired))
	return read[[]Instrument](ctx, d, "public/get_instruments", params, "")
}

// GetQuote implements Gateway.
func (d *DeribitClient) GetQuote(ctx context.Context, instrumentName string) (*Quote, error) {
	params := url.Values{}
	params.Set("instrument_name", instrumentName)
	q, err := read[Quote](ctx, d, "public/ticker", params, "")
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func requireToken(creds *Credentials) (string, error) {
	if creds == nil || creds.AccessToken == "" {
		return "", errors.New("missing credentials")
	}
	return creds.AccessToken, nil
}

// GetPositions implements Gateway.
func (d *DeribitClient) GetPositions(ctx context.Context, creds *Credentials, filter PositionFilter) ([]Position, error) {
	token, err := requireToken(creds)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("currency", filter.Currency)
	if filter.Kind != "" {
		params.Set("kind", string(filter.Kind))
	}
	return read[[]Position](ctx, d, "private/get_positions", params, token)
}

// GetOpenOrders implements Gateway.
func (d *DeribitClient) GetOpenOrders(ctx context.Context, creds *Credentials, filter OrderFilter) ([]Order, error) {
	token, err := requireToken(creds)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("currency", filter.Currency)
	if filter.Kind != "" {
		params.Set("kind", string(filter.Kind))
	}
	return read[[]Order](ctx, d, "private/get_open_orders_by_currency", params, token)
}

// PlaceOrder implements Gateway. It is sent exactly once.
func (d *DeribitClient) PlaceOrder(ctx context.Context, creds *Credentials, req OrderRequest) (*OrderResult, error) {
	token, err := requireToken(creds)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("instrument_name", req.InstrumentName)
	params.Set("amount", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	params.Set("type", string(req.Type))
	if req.Price != nil {
		params.Set("price", strconv.FormatFloat(*req.Price, 'f', -1, 64))
	}
	if req.Label != "" {
		params.Set("label", req.Label)
	}
	if req.ReduceOnly {
		params.Set("reduce_only", "true")
	}

	method := "private/" + string(req.Direction)
	var res OrderResult
	if err := d.call(ctx, method, params, token, &res); err != nil {
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"account":    creds.AccountID,
		"instrument": req.InstrumentName,
		"direction":  req.Direction,
		"amount":     req.Amount,
		"order_id":   res.Order.OrderID,
		"state":      res.Order.OrderState,
	}).Info("Order placed")
	return &res, nil
}
