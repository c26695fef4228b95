package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics exposes exchange activity. A nil receiver is a no-op.
type MarketMetrics struct {
	orders           *prometheus.CounterVec
	claims           *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	tapWithdrawals   *prometheus.CounterVec
	tokensToBeMinted prometheus.Gauge
	toBeClaimed      *prometheus.GaugeVec
	batchID          prometheus.Gauge
	replayed         *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide metrics registered on the default registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = newMarketMetrics()
		prometheus.MustRegister(marketRegistry.collectors()...)
	})
	return marketRegistry
}

// NewUnregistered builds metrics that are not attached to any registry.
func NewUnregistered() *MarketMetrics {
	return newMarketMetrics()
}

func newMarketMetrics() *MarketMetrics {
	return &MarketMetrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_orders_total",
			Help: "Orders opened by side and collateral.",
		}, []string{"side", "collateral"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_claims_total",
			Help: "Orders claimed by side and collateral.",
		}, []string{"side", "collateral"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_rejections_total",
			Help: "Rejected operations by operation and error kind.",
		}, []string{"op", "kind"}),
		tapWithdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_tap_withdrawals_total",
			Help: "Successful tap withdrawals by collateral.",
		}, []string{"collateral"}),
		tokensToBeMinted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "treasury_tokens_to_be_minted",
			Help: "Issued tokens owed to buyers with unclaimed orders.",
		}),
		toBeClaimed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treasury_collaterals_to_be_claimed",
			Help: "Collateral owed to sellers with unclaimed orders.",
		}, []string{"collateral"}),
		batchID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "treasury_current_batch_id",
			Help: "Batch id of the last applied operation.",
		}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treasury_replayed_operations_total",
			Help: "Journal operations replayed by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *MarketMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.orders,
		m.claims,
		m.rejections,
		m.tapWithdrawals,
		m.tokensToBeMinted,
		m.toBeClaimed,
		m.batchID,
		m.replayed,
	}
}

// Register attaches the collectors to reg.
func (m *MarketMetrics) Register(reg prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MarketMetrics) ObserveOrder(side, collateral string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, collateral).Inc()
}

func (m *MarketMetrics) ObserveClaim(side, collateral string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(side, collateral).Inc()
}

func (m *MarketMetrics) ObserveRejection(op, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.rejections.WithLabelValues(op, kind).Inc()
}

func (m *MarketMetrics) ObserveTapWithdrawal(collateral string) {
	if m == nil {
		return
	}
	m.tapWithdrawals.WithLabelValues(collateral).Inc()
}

func (m *MarketMetrics) SetTokensToBeMinted(amount *big.Int) {
	if m == nil {
		return
	}
	m.tokensToBeMinted.Set(toFloat(amount))
}

func (m *MarketMetrics) SetCollateralsToBeClaimed(collateral string, amount *big.Int) {
	if m == nil {
		return
	}
	m.toBeClaimed.WithLabelValues(collateral).Set(toFloat(amount))
}

func (m *MarketMetrics) SetBatchID(id uint64) {
	if m == nil {
		return
	}
	m.batchID.Set(float64(id))
}

func (m *MarketMetrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(outcome).Inc()
}

func toFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	return f
}
