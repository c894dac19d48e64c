package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantrail/controlplane/internal/domain"
	"github.com/quantrail/controlplane/internal/metrics"
)

// IssueSeverity grades a data-quality finding. Critical issues subtract
// more from the score than warnings.
type IssueSeverity string

const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

const (
	criticalDeduction = 0.4
	warningDeduction  = 0.15
	qualityRingSize   = 1000
)

// QualityIssue is one finding from a tick check.
type QualityIssue struct {
	Severity IssueSeverity
	Code     string
	Message  string
}

// QualityReport is the outcome of checking one tick.
type QualityReport struct {
	Score  float64
	Issues []QualityIssue
}

// FeedHealth is the per-feed health record: call counts, rolling latency,
// and a bounded ring of recent scores.
type FeedHealth struct {
	Feed           string
	TotalChecks    int64
	FailedChecks   int64
	AvgLatency     time.Duration
	MaxLatency     time.Duration
	LastSuccess    time.Time
	LastFailure    time.Time
	Healthy        bool
	FallbackActive bool

	consecutiveBad  int
	consecutiveGood int
	scores          []float64 // ring buffer, bounded at qualityRingSize
	latencies       []time.Duration
}

// FailureRate returns the fraction of checks that scored below minimum.
func (h *FeedHealth) FailureRate() float64 {
	if h.TotalChecks == 0 {
		return 0
	}
	return float64(h.FailedChecks) / float64(h.TotalChecks)
}

// DataQualityConfig holds the monitor's thresholds.
type DataQualityConfig struct {
	MinScore           float64
	UnhealthyThreshold int // consecutive bad scores before a feed is unhealthy
	RecoveryThreshold  int // consecutive good scores before it recovers
	FreshnessLimit     time.Duration
	// EscalateFactor multiplies UnhealthyThreshold to decide when persistent
	// unhealth trips the circuit breaker.
	EscalateFactor int
}

// DataQualityMonitor scores freshness, completeness, and plausibility of
// every inbound tick and tracks per-feed health. A feed that stays below
// the minimum score for UnhealthyThreshold consecutive checks is marked
// unhealthy and fallback is activated; persistent unhealth escalates to a
// circuit-breaker trip.
type DataQualityMonitor struct {
	cfg    DataQualityConfig
	gate   TripGate
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	feeds map[string]*FeedHealth
}

// NewDataQualityMonitor creates a monitor with no feeds registered; feeds
// appear on first tick.
func NewDataQualityMonitor(cfg DataQualityConfig, gate TripGate, logger *slog.Logger) *DataQualityMonitor {
	if cfg.UnhealthyThreshold < 1 {
		cfg.UnhealthyThreshold = 5
	}
	if cfg.RecoveryThreshold < 1 {
		cfg.RecoveryThreshold = 10
	}
	if cfg.EscalateFactor < 2 {
		cfg.EscalateFactor = 3
	}
	return &DataQualityMonitor{
		cfg:    cfg,
		gate:   gate,
		logger: logger,
		now:    time.Now,
		feeds:  make(map[string]*FeedHealth),
	}
}

// CheckTick scores one tick and updates the feed's health record.
func (m *DataQualityMonitor) CheckTick(tick domain.Tick) QualityReport {
	report := m.score(tick)
	m.record(tick, report)
	return report
}

// score runs the freshness, completeness, and plausibility checks. Pure.
func (m *DataQualityMonitor) score(tick domain.Tick) QualityReport {
	var issues []QualityIssue

	// Freshness: age relative to the tick's own timestamp.
	if tick.Timestamp.IsZero() {
		issues = append(issues, QualityIssue{SeverityCritical, "missing_timestamp", "tick has no timestamp"})
	} else if m.cfg.FreshnessLimit > 0 {
		age := m.now().Sub(tick.Timestamp)
		if age > 2*m.cfg.FreshnessLimit {
			issues = append(issues, QualityIssue{SeverityCritical, "stale",
				fmt.Sprintf("tick is %s old", age.Round(time.Millisecond))})
		} else if age > m.cfg.FreshnessLimit {
			issues = append(issues, QualityIssue{SeverityWarning, "aging",
				fmt.Sprintf("tick is %s old", age.Round(time.Millisecond))})
		}
	}

	// Completeness: required fields present.
	if tick.Symbol == "" {
		issues = append(issues, QualityIssue{SeverityCritical, "missing_symbol", "tick has no symbol"})
	}
	if tick.Bid == 0 || tick.Ask == 0 {
		issues = append(issues, QualityIssue{SeverityCritical, "missing_quote", "bid or ask absent"})
	}
	if tick.Last == 0 {
		issues = append(issues, QualityIssue{SeverityWarning, "missing_last", "last trade price absent"})
	}

	// Plausibility: price relationships and sane spread. Only meaningful
	// when the quote is present.
	if tick.Bid > 0 && tick.Ask > 0 {
		if tick.Bid < 0 || tick.Ask < 0 || tick.Last < 0 {
			issues = append(issues, QualityIssue{SeverityCritical, "negative_price", "negative price"})
		}
		if tick.Bid > tick.Ask {
			issues = append(issues, QualityIssue{SeverityCritical, "crossed_quote",
				fmt.Sprintf("bid %d > ask %d", tick.Bid, tick.Ask)})
		} else if tick.Last > 0 && (tick.Last < tick.Bid || tick.Last > tick.Ask) {
			issues = append(issues, QualityIssue{SeverityWarning, "last_outside_quote",
				fmt.Sprintf("last %d outside [%d, %d]", tick.Last, tick.Bid, tick.Ask)})
		}
		mid := (tick.Bid + tick.Ask) / 2
		if mid > 0 && tick.Ask-tick.Bid > mid/5 {
			issues = append(issues, QualityIssue{SeverityWarning, "wide_spread",
				fmt.Sprintf("spread %d exceeds 20%% of mid %d", tick.Ask-tick.Bid, mid)})
		}
	}

	score := 1.0
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			score -= criticalDeduction
		} else {
			score -= warningDeduction
		}
	}
	if score < 0 {
		score = 0
	}
	return QualityReport{Score: score, Issues: issues}
}

// record folds a report into the feed's health and handles the healthy /
// unhealthy transitions.
func (m *DataQualityMonitor) record(tick domain.Tick, report QualityReport) {
	now := m.now()

	m.mu.Lock()
	h, ok := m.feeds[tick.Feed]
	if !ok {
		h = &FeedHealth{Feed: tick.Feed, Healthy: true}
		m.feeds[tick.Feed] = h
	}

	h.TotalChecks++
	h.scores = append(h.scores, report.Score)
	if len(h.scores) > qualityRingSize {
		h.scores = h.scores[1:]
	}
	if !tick.Timestamp.IsZero() {
		latency := now.Sub(tick.Timestamp)
		if latency > 0 {
			h.latencies = append(h.latencies, latency)
			if len(h.latencies) > qualityRingSize {
				h.latencies = h.latencies[1:]
			}
			var sum time.Duration
			h.MaxLatency = 0
			for _, l := range h.latencies {
				sum += l
				if l > h.MaxLatency {
					h.MaxLatency = l
				}
			}
			h.AvgLatency = sum / time.Duration(len(h.latencies))
		}
	}

	bad := report.Score < m.cfg.MinScore
	if bad {
		h.FailedChecks++
		h.LastFailure = now
		h.consecutiveBad++
		h.consecutiveGood = 0
	} else {
		h.LastSuccess = now
		h.consecutiveGood++
		h.consecutiveBad = 0
	}

	var wentUnhealthy, recovered, escalate bool
	if h.Healthy && h.consecutiveBad >= m.cfg.UnhealthyThreshold {
		h.Healthy = false
		h.FallbackActive = true
		wentUnhealthy = true
	}
	if !h.Healthy && h.consecutiveGood >= m.cfg.RecoveryThreshold {
		h.Healthy = true
		h.FallbackActive = false
		recovered = true
	}
	if !h.Healthy && h.consecutiveBad == m.cfg.UnhealthyThreshold*m.cfg.EscalateFactor {
		escalate = true
	}
	m.mu.Unlock()

	metrics.FeedQuality.WithLabelValues(tick.Feed).Set(report.Score)

	if wentUnhealthy {
		m.logger.Error("feed unhealthy, fallback activated",
			slog.String("feed", tick.Feed),
			slog.Int("consecutive_bad", m.cfg.UnhealthyThreshold),
		)
	}
	if recovered {
		m.logger.Info("feed recovered", slog.String("feed", tick.Feed))
	}
	if escalate {
		_ = m.gate.Trip(domain.TriggerDataQuality,
			fmt.Sprintf("feed %s unhealthy for %d consecutive checks", tick.Feed, m.cfg.UnhealthyThreshold*m.cfg.EscalateFactor))
	}
}

// FeedHealthy reports whether the feed's data is currently trustworthy.
// Unknown feeds are treated as healthy until proven otherwise.
func (m *DataQualityMonitor) FeedHealthy(feed string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.feeds[feed]
	if !ok {
		return true
	}
	return h.Healthy
}

// Health returns a copy of the feed's health record.
func (m *DataQualityMonitor) Health(feed string) (FeedHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.feeds[feed]
	if !ok {
		return FeedHealth{}, false
	}
	out := *h
	out.scores = nil
	out.latencies = nil
	return out, true
}

// Feeds returns the names of all feeds seen so far.
func (m *DataQualityMonitor) Feeds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.feeds))
	for name := range m.feeds {
		out = append(out, name)
	}
	return out
}
