package realtime

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObservesHubTraffic(t *testing.T) {
	req := require.New(t)

	reg := prometheus.NewRegistry()
	registry := NewRegistry(nil)
	m := NewMetrics(reg, nil, registry)
	h := NewHub(nil, registry, NewMemoryStore(), WithDeliveryObserver(m), WithAppendHook(m.ObserveAppend))
	ctx := context.Background()

	ch, err := h.Create(ctx, "general", "alice")
	req.NoError(err)

	_, err = registry.Register("alice", &recordingSink{})
	req.NoError(err)
	full := NewClient("alice", 1)
	full.Send <- newEnvelope("filler", struct{}{}, h.now())
	_, err = registry.Register("alice", full)
	req.NoError(err)

	_, _, err = h.Post(ctx, ch.ID, "alice", "hi")
	req.NoError(err)

	req.Equal(1.0, testutil.ToFloat64(m.Appended))
	req.Equal(1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("ok")))
	req.Equal(1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("backpressure")))

	n, err := testutil.GatherAndCount(reg, "murmur_sessions", "murmur_online_users")
	req.NoError(err)
	req.Equal(2, n)

	req.NoError(testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP murmur_sessions Live websocket sessions.
# TYPE murmur_sessions gauge
murmur_sessions 2
`), "murmur_sessions"))
}
