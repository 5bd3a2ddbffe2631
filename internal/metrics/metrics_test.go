package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWritesTotalCountsByOp(t *testing.T) {
	m := New()

	m.WritesTotal.WithLabelValues("put").Add(3)
	m.WritesTotal.WithLabelValues("delete").Add(1)

	require.Equal(t, float64(3), testutil.ToFloat64(m.WritesTotal.WithLabelValues("put")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.WritesTotal.WithLabelValues("delete")))
}

func TestSetLeaseStateZeroesOthers(t *testing.T) {
	m := New()

	m.SetLeaseState("leader")
	require.Equal(t, float64(1), testutil.ToFloat64(m.LeaseState.WithLabelValues("leader")))
	require.Equal(t, float64(0), testutil.ToFloat64(m.LeaseState.WithLabelValues("candidate")))
	require.Equal(t, float64(0), testutil.ToFloat64(m.LeaseState.WithLabelValues("follower")))

	m.SetLeaseState("follower")
	require.Equal(t, float64(0), testutil.ToFloat64(m.LeaseState.WithLabelValues("leader")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.LeaseState.WithLabelValues("follower")))
}

func TestLevelTableCountTracksPerLevel(t *testing.T) {
	m := New()

	m.L0TableCount.Set(4)
	m.LevelTableCount.WithLabelValues("1").Set(2)
	m.LevelTableCount.WithLabelValues("2").Set(1)

	require.Equal(t, float64(4), testutil.ToFloat64(m.L0TableCount))
	require.Equal(t, float64(2), testutil.ToFloat64(m.LevelTableCount.WithLabelValues("1")))
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.WritesTotal.WithLabelValues("put").Add(7)
	m.CheckpointLagSeq.Set(42)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, "echodb_writes_total")
	require.Contains(t, body, `op="put"`)
	require.True(t, strings.Contains(body, "echodb_checkpoint_lag_seq 42"))
}
