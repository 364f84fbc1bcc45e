// Package metrics provides Prometheus metrics for the billing engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "ai_billing"

// Collector holds all Prometheus metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	// Charge metrics
	ChargesTotal     *prometheus.CounterVec
	ChargedAmount    *prometheus.CounterVec
	OverageAmount    prometheus.Counter
	PricingFallbacks *prometheus.CounterVec

	// Ledger metrics
	LedgerTransitions *prometheus.CounterVec
	LedgerConflicts   prometheus.Counter

	// Gate metrics
	GateDecisions *prometheus.CounterVec

	// Reporting metrics
	ReportsTotal     *prometheus.CounterVec
	ReportDuration   prometheus.Histogram
	ReportQueueDepth prometheus.Gauge
	DeadLetterDepth  prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a collector registered with reg
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charges_total",
				Help:      "Total number of usage charges applied",
			},
			[]string{"feature", "pricing"},
		),
		ChargedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "charged_amount_total",
				Help:      "Total customer price charged to ledgers",
			},
			[]string{"feature"},
		),
		OverageAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_amount_total",
				Help:      "Total overage amount queued for external reporting",
			},
		),
		PricingFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pricing_fallbacks_total",
				Help:      "Charges priced with the default margin because the model had no config",
			},
			[]string{"model_key"},
		),
		LedgerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_transitions_total",
				Help:      "Threshold latches set on spending ledgers",
			},
			[]string{"transition"},
		),
		LedgerConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_write_conflicts_total",
				Help:      "Ledger increments retried after a serialization conflict",
			},
		),
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Limit gate pre-check outcomes",
			},
			[]string{"decision"},
		),
		ReportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_reports_total",
				Help:      "Overage report attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReportDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "overage_report_duration_seconds",
				Help:      "Latency of metered usage submissions",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ReportQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "report_queue_depth",
				Help:      "Overage reports waiting in the queue",
			},
		),
		DeadLetterDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "report_dead_letter_depth",
				Help:      "Overage reports parked in the dead letter queue",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "route"},
		),
	}
}

// RecordCharge counts one applied charge
func (c *Collector) RecordCharge(feature string, price decimal.Decimal, defaultMargin bool) {
	if c == nil {
		return
	}
	pricing := "configured"
	if defaultMargin {
		pricing = "default_margin"
	}
	c.ChargesTotal.WithLabelValues(feature, pricing).Inc()
	c.ChargedAmount.WithLabelValues(feature).Add(price.InexactFloat64())
}

// RecordOverage counts an overage amount handed to the reporter
func (c *Collector) RecordOverage(amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.OverageAmount.Add(amount.InexactFloat64())
}

// RecordPricingFallback counts a default-margin pricing
func (c *Collector) RecordPricingFallback(modelKey string) {
	if c == nil {
		return
	}
	c.PricingFallbacks.WithLabelValues(modelKey).Inc()
}

// RecordTransition counts a latch set on a ledger
func (c *Collector) RecordTransition(transition string) {
	if c == nil {
		return
	}
	c.LedgerTransitions.WithLabelValues(transition).Inc()
}

// RecordLedgerConflict counts a retried ledger increment
func (c *Collector) RecordLedgerConflict() {
	if c == nil {
		return
	}
	c.LedgerConflicts.Inc()
}

// RecordGateDecision counts a gate outcome (allowed, warned, denied, error)
func (c *Collector) RecordGateDecision(decision string) {
	if c == nil {
		return
	}
	c.GateDecisions.WithLabelValues(decision).Inc()
}

// RecordReport counts a report outcome and, when took > 0, its latency
func (c *Collector) RecordReport(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.ReportsTotal.WithLabelValues(outcome).Inc()
	if took > 0 {
		c.ReportDuration.Observe(took.Seconds())
	}
}

// SetQueueDepths publishes the report queue and dead letter sizes
func (c *Collector) SetQueueDepths(queued, deadLettered int) {
	if c == nil {
		return
	}
	c.ReportQueueDepth.Set(float64(queued))
	c.DeadLetterDepth.Set(float64(deadLettered))
}

// RecordRequest counts an HTTP request
func (c *Collector) RecordRequest(method, route, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, status).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
