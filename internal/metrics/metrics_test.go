package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/delta_hedger/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycle(t *testing.T) {
	m := New()
	start := time.Now()
	m.ObserveCycle(models.CycleResult{
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		AccountID:  "a",
		Kind:       models.CyclePositions,
		Success:    true,
		Adjustments: []models.AdjustmentResult{
			{Success: true},
			{Inconsistent: true},
			{},
		},
	})
	m.ObserveCycle(models.CycleResult{AccountID: "a", Kind: models.CycleOrders, Promoted: make([]models.DeltaTarget, 2)})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("positions", "a", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("orders", "a", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("a", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("a", "inconsistent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adjustments.WithLabelValues("a", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.promotions.WithLabelValues("a")))
}

func TestSkipAndPurge(t *testing.T) {
	m := New()
	m.ObserveSkip(models.CyclePositions)
	m.ObserveSkip(models.CyclePositions)
	m.ObservePurge(3, time.Millisecond)
	m.ObservePurge(0, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.skipped.WithLabelValues("positions")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.purged))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveSkip(models.CycleOrders)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `delta_hedger_cycles_skipped_total{kind="orders"} 1`))
}
