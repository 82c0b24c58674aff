package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestObserveOpOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOp("acquire", core.KindFilePattern, nil, time.Millisecond)
	m.ObserveOp("acquire", core.KindFilePattern, &core.ConflictError{}, time.Millisecond)
	m.ObserveOp("acquire", core.KindSlotPool, &core.PoolExhaustedError{}, time.Millisecond)
	m.ObserveOp("acquire", core.KindSlotPool, errors.New("disk"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("acquire", "file_pattern", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("acquire", "file_pattern", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("acquire", "slot_pool", "pool_exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("acquire", "slot_pool", "internal")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOp("renew", "", nil, 0)
	m.Reclaimed("sweep", []core.Lease{{}})
	m.Retry()
	m.Published(core.EventLeaseAcquired)
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Retry()
	m.Reclaimed("sweep", []core.Lease{{Resource: core.SlotPool("build")}})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "interlock_storage_retries_total 1"))
	assert.True(t, strings.Contains(string(body), `interlock_leases_reclaimed_total{kind="slot_pool",trigger="sweep"} 1`))
}
