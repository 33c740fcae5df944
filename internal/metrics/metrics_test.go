package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ProviderCall("a", "success", time.Millisecond)
	m.CircuitOpen("a", true)
	m.CacheLookup("l1", "hit")
	m.L2WriteDropped()
	m.Arbitration("ok")
}

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ProviderCall("alpha", "timeout", 20*time.Millisecond)
	m.ProviderCall("alpha", "timeout", 30*time.Millisecond)
	m.CacheLookup("l2", "hit")
	m.CircuitOpen("alpha", true)
	m.L2WriteDropped()

	require.InDelta(t, 2, testutil.ToFloat64(m.providerRequests.WithLabelValues("alpha", "timeout")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues("l2", "hit")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(m.circuitOpen.WithLabelValues("alpha")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(m.l2Drops), 1e-9)

	m.CircuitOpen("alpha", false)
	require.InDelta(t, 0, testutil.ToFloat64(m.circuitOpen.WithLabelValues("alpha")), 1e-9)
}
