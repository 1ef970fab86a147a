package snapshot

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"priceScope/internal/scale"
)

// Metrics exposes the daemon's resolution health.
type Metrics struct {
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	Price           *prometheus.GaugeVec
	SourcesOK       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ResolveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_resolve_total",
			Help: "Resolution attempts by asset and outcome.",
		}, []string{"symbol", "outcome"}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_resolve_duration_seconds",
			Help:    "Wall time of one asset resolution, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		Price: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_price",
			Help: "Last resolved price, scaled to a float.",
		}, []string{"symbol"}),
		SourcesOK: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oracle_sources_ok",
			Help: "Live sources in the last resolution.",
		}, []string{"symbol"}),
	}
}

// observePrice records a resolved fixed-point price as a display float. The
// gauge is for dashboards only; storage keeps the exact integer.
func (m *Metrics) observePrice(symbol string, price *big.Int, decimals uint8) {
	value := new(big.Float).SetInt(price)
	value.Quo(value, new(big.Float).SetInt(scale.Pow10(decimals)))
	display, _ := value.Float64()
	m.Price.WithLabelValues(symbol).Set(display)
}
