// Package telemetry carries the logging, tracing and metrics plumbing handed
// to every component at construction.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics is the process metrics bundle. It is registered on its own
// registry so tests and parallel sessions never collide.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec

	// Matching metrics
	OrdersTotal      *prometheus.CounterVec
	TradesTotal      *prometheus.CounterVec
	NotFoundTotal    prometheus.Counter
	OrderBookDepth   *prometheus.GaugeVec
	DroppedRowsTotal prometheus.Counter

	// Agent metrics
	ActionsTotal         *prometheus.CounterVec
	RejectedActionsTotal *prometheus.CounterVec
	Reward               prometheus.Histogram
	Position             prometheus.Gauge
	PnL                  prometheus.Gauge
	ValueTableStates     prometheus.Gauge
	EpisodesTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers the bundle.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "path", "status"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtrader_orders_total",
				Help: "Total number of order events by kind and participant",
			},
			[]string{"kind", "participant"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtrader_trades_total",
				Help: "Total number of fills by aggressor side",
			},
			[]string{"aggressor_side"},
		),
		NotFoundTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtrader_cancel_not_found_total",
				Help: "Cancels for orders that were no longer resting",
			},
		),
		OrderBookDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qtrader_orderbook_depth",
				Help: "Current number of price levels",
			},
			[]string{"side"},
		),
		DroppedRowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "qtrader_replay_dropped_rows_total",
				Help: "Trade rows that could not be attributed to an aggressor",
			},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtrader_agent_actions_total",
				Help: "Agent decisions by action",
			},
			[]string{"action"},
		),
		RejectedActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtrader_agent_rejected_actions_total",
				Help: "Actions refused for breaching the position limit",
			},
			[]string{"action"},
		),
		Reward: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qtrader_agent_reward",
				Help:    "Reward per agent update",
				Buckets: []float64{-10, -4, -2, -1, -0.5, 0, 0.5, 1, 2, 4, 10},
			},
		),
		Position: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qtrader_agent_position",
				Help: "Current net position in shares",
			},
		),
		PnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qtrader_agent_pnl",
				Help: "Current total P&L marked to mid",
			},
		),
		ValueTableStates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "qtrader_value_table_states",
				Help: "Number of states with a recorded value",
			},
		),
		EpisodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qtrader_episodes_total",
				Help: "Completed episodes by run mode",
			},
			[]string{"mode"},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestDuration,
		m.OrdersTotal,
		m.TradesTotal,
		m.NotFoundTotal,
		m.OrderBookDepth,
		m.DroppedRowsTotal,
		m.ActionsTotal,
		m.RejectedActionsTotal,
		m.Reward,
		m.Position,
		m.PnL,
		m.ValueTableStates,
		m.EpisodesTotal,
	)
	return m
}
