package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eddiefleurent/delta_hedger/internal/broker"
	"github.com/eddiefleurent/delta_hedger/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("../../config.yaml.example")
	require.NoError(t, err)
	cfg.API.AuthToken = "test-token"
	cfg.Paper.Spot = map[string]float64{"BTC": 60000}
	cfg.Accounts[0].Currencies = []string{"BTC"}
	return cfg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Auth-Token", "test-token")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuild_PaperMode(t *testing.T) {
	cfg := testConfig(t)
	a, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.paper, "paper mode must wire the in-memory venue")
	_, isBreaker := a.gateway.(*broker.CircuitBreakerGateway)
	assert.True(t, isBreaker, "venue must sit behind the circuit breaker")

	insts, err := a.paper.ListInstruments(context.Background(), "BTC", broker.KindOption, false)
	require.NoError(t, err)
	assert.NotEmpty(t, insts)

	rec := doJSON(t, a.server.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_RollsDriftedPositionThroughAPI(t *testing.T) {
	cfg := testConfig(t)
	a, err := build(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.close()

	ctx := context.Background()
	insts, err := a.paper.ListInstruments(ctx, "BTC", broker.KindOption, false)
	require.NoError(t, err)

	// Deepest in-the-money call: delta near 1, far from a 0.3 target.
	var deep broker.Instrument
	for _, in := range insts {
		if in.OptionType != broker.OptionTypeCall {
			continue
		}
		if deep.InstrumentName == "" || in.Strike < deep.Strike {
			deep = in
		}
	}
	require.NotEmpty(t, deep.InstrumentName)
	a.paper.SetPosition("main", broker.Position{
		InstrumentName: deep.InstrumentName,
		Size:           1,
		Delta:          0.95,
	})

	h := a.server.Handler()
	minDays := 0
	rec := doJSON(t, h, http.MethodPost, "/api/delta-targets", map[string]any{
		"account_id":          "main",
		"instrument_name":     deep.InstrumentName,
		"target_delta":        0.3,
		"move_position_delta": 0.1,
		"min_expire_days":     minDays,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/reconcile", map[string]string{"account": "main"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results []struct {
			Success     bool `json:"success"`
			Adjustments []struct {
				Success       bool   `json:"success"`
				NewInstrument string `json:"new_instrument"`
			} `json:"adjustments"`
		} `json:"results"`
		Success bool `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	require.Len(t, resp.Results[0].Adjustments, 1)
	adj := resp.Results[0].Adjustments[0]
	assert.True(t, adj.Success)
	assert.NotEqual(t, deep.InstrumentName, adj.NewInstrument)

	_, stillOpen := a.paper.Position("main", deep.InstrumentName)
	assert.False(t, stillOpen, "old leg should be closed")
	_, opened := a.paper.Position("main", adj.NewInstrument)
	assert.True(t, opened, "replacement leg should be open")

	rec = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `delta_hedger_adjustments_total{account="main",outcome="success"} 1`)
}

func TestBuild_RejectsUnreachableCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.Addr = "127.0.0.1:1"

	_, err := build(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect cache")
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Environment.LogFormat = "json"
	cfg.Environment.LogLevel = "debug"

	l := newLogger(cfg)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	_, isJSON := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}
