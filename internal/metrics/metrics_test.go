package metrics

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *MarketMetrics
	m.ObserveOrder("buy", "dai")
	m.ObserveRejection("open_buy_order", "")
	m.SetTokensToBeMinted(big.NewInt(1))
	require.NoError(t, m.Register(prometheus.NewRegistry()))
}

func TestObserveOrderCounts(t *testing.T) {
	m := NewUnregistered()
	require.NoError(t, m.Register(prometheus.NewRegistry()))

	m.ObserveOrder("buy", "dai")
	m.ObserveOrder("buy", "dai")
	m.ObserveOrder("sell", "dai")
	m.SetTokensToBeMinted(big.NewInt(1500))

	require.Equal(t, float64(2), testutil.ToFloat64(m.orders.WithLabelValues("buy", "dai")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.orders.WithLabelValues("sell", "dai")))
	require.Equal(t, float64(1500), testutil.ToFloat64(m.tokensToBeMinted))
}
