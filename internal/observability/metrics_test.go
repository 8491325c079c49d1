package observability

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram()
	for i := 1; i <= 100; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}
	s := h.Snapshot()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.InDelta(t, float64(50*time.Millisecond), float64(s.P50), float64(time.Millisecond))
}

func TestHistogramWindowIsBounded(t *testing.T) {
	h := NewHistogram()
	for i := 0; i < histogramWindow+10; i++ {
		h.Observe(time.Millisecond)
	}
	assert.Equal(t, histogramWindow+10, h.Snapshot().Count)
	assert.Len(t, h.values, histogramWindow)
}

func TestVecsAndGauges(t *testing.T) {
	m := NewMetrics()
	m.SubtaskOutcomes().WithLabels("completed").Inc()
	m.SubtaskOutcomes().WithLabels("completed").Inc()
	m.SubtaskOutcomes().WithLabels("failed").Add(3)
	m.InFlight().Set("x1", 2)
	m.InFlight().Set("x2", 1)
	m.InFlight().Delete("x2")
	m.DBActiveTransactions().Inc()
	m.DBActiveTransactions().Dec()

	s := m.Snapshot()
	assert.Equal(t, map[string]int64{"completed": 2, "failed": 3}, s.SubtaskOutcomes)
	assert.Equal(t, map[string]float64{"x1": 2}, s.InFlight)
	assert.Equal(t, int64(0), s.DBActiveTransactions)
}

func TestServeHTTP(t *testing.T) {
	m := NewMetrics()
	m.DispatchPassDuration().WithLabels("callback").Observe(time.Millisecond)
	m.RetriesScheduled().Inc()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics?format=json", nil))
	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.RetriesScheduled)
	assert.Equal(t, 1, snap.DispatchPassDuration["callback"].Count)

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "Retries Scheduled: 1"))
	assert.True(t, strings.Contains(body, "callback: count=1"))
}
