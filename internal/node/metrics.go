package node

import (
	"meshledger/internal/ledger"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the node
type Metrics struct {
	reg prometheus.Registerer

	RegisteredNodes prometheus.Gauge
	ActiveNodes     prometheus.Gauge
	TotalStaked     prometheus.Gauge
	RewardPool      prometheus.Gauge
	Operations      *prometheus.CounterVec
	RequestLatency  *prometheus.HistogramVec
	StreamClients   prometheus.Gauge
}

// NewMetrics creates the node metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		RegisteredNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshledger_registered_nodes",
			Help: "Number of registered nodes",
		}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshledger_active_nodes",
			Help: "Number of active nodes",
		}),
		TotalStaked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshledger_total_staked",
			Help: "Sum of all registered stakes in base units",
		}),
		RewardPool: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshledger_reward_pool",
			Help: "Reward pool balance in base units",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_operations_total",
			Help: "Ledger operations by outcome",
		}, []string{"op", "result"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshledger_request_latency_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshledger_stream_clients",
			Help: "Connected websocket event stream clients",
		}),
	}

	reg.MustRegister(
		m.RegisteredNodes,
		m.ActiveNodes,
		m.TotalStaked,
		m.RewardPool,
		m.Operations,
		m.RequestLatency,
		m.StreamClients,
	)

	return m
}

// ObserveOperation records the outcome of a ledger operation and refreshes
// the aggregate gauges.
func (m *Metrics) ObserveOperation(op ledger.Operation, err error, stats ledger.Stats) {
	result := "ok"
	if err != nil {
		result = ledger.Reason(err)
		if result == "" {
			result = "error"
		}
	}
	m.Operations.WithLabelValues(string(op), result).Inc()
	m.SetStats(stats)
}

// SetStats updates the aggregate gauges
func (m *Metrics) SetStats(stats ledger.Stats) {
	m.RegisteredNodes.Set(float64(stats.TotalNodes))
	m.ActiveNodes.Set(float64(stats.ActiveNodes))
	m.TotalStaked.Set(amountFloat(stats.TotalStaked))
	m.RewardPool.Set(amountFloat(stats.RewardPool))
}

func amountFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := v.ToBig().Float64()
	return f
}

// Close unregisters all metrics
func (m *Metrics) Close() {
	m.reg.Unregister(m.RegisteredNodes)
	m.reg.Unregister(m.ActiveNodes)
	m.reg.Unregister(m.TotalStaked)
	m.reg.Unregister(m.RewardPool)
	m.reg.Unregister(m.Operations)
	m.reg.Unregister(m.RequestLatency)
	m.reg.Unregister(m.StreamClients)
}

var _ ledger.Observer = (*Metrics)(nil)
