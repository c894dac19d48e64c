// Package metrics holds the control plane's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_orders_submitted_total",
		Help: "Orders accepted by admission and handed to the broker",
	})
	OrdersRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_orders_rejected_total",
		Help: "Orders rejected at admission, by reason",
	}, []string{"reason"})
	OrdersFilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_orders_filled_total",
		Help: "Orders that reached the filled state",
	})
	CancelsUnconfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_cancels_unconfirmed_total",
		Help: "Cancellations that exhausted retries without confirmation",
	})
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_breaker_state",
		Help: "0=active, 1=tripped, 2=emergency_stop, 3=market_halt, 4=manual_disable",
	})
	BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_breaker_trips_total",
		Help: "Circuit breaker trips, by trigger kind",
	}, []string{"kind"})
	ThrottleBackoffs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_throttle_backoffs_total",
		Help: "Backoff windows opened after broker throttling",
	})
	FeedQuality = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "controlplane_feed_quality_score",
		Help: "Latest data-quality score per feed (0-1)",
	}, []string{"feed"})
	CapitalUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_capital_used_cents",
		Help: "Margin currently reserved across all positions, in cents",
	})
	ReconMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "controlplane_recon_mismatches",
		Help: "Mismatched plus missing trades in the latest reconciliation run",
	})
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted, OrdersRejected, OrdersFilled, CancelsUnconfirmed,
		BreakerState, BreakerTrips, ThrottleBackoffs, FeedQuality,
		CapitalUsed, ReconMismatches,
	)
	BreakerState.Set(0)
}

// BreakerStateValue maps a breaker state string to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "active":
		return 0
	case "tripped":
		return 1
	case "emergency_stop":
		return 2
	case "market_halt":
		return 3
	case "manual_disable":
		return 4
	}
	return -1
}
