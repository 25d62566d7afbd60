package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djeday123/nsloss/metrics"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)

	c.ObserveForward("sum", 4, 5, 1.7)
	c.ObserveForward("no", 2, 5, 0.3)
	c.ObserveBackward()
	c.ObserveStep()

	assert.Equal(t, 30.0, testutil.ToFloat64(c.SamplesDrawn))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ForwardCalls.WithLabelValues("sum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ForwardCalls.WithLabelValues("no")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BackwardCalls))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Steps))
	assert.Equal(t, 1, testutil.CollectAndCount(c.ExampleLoss))
}

func TestNilCollector(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.ObserveForward("sum", 1, 1, 1)
		c.ObserveBackward()
		c.ObserveStep()
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(reg)
	c.ObserveStep()

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "nsloss_train_steps_total 1"))
}
