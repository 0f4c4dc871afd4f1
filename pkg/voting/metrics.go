package voting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks voting pipeline activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	SessionsStarted prometheus.Counter
	ActiveSessions  prometheus.Gauge
	PageLoads       *prometheus.CounterVec
	Commits         *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
}

// NewMetrics registers voting metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vibess",
			Subsystem: "voting",
			Name:      "sessions_started_total",
			Help:      "Voting sessions started or reset.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibess",
			Subsystem: "voting",
			Name:      "active_sessions",
			Help:      "Voting sessions currently held in memory.",
		}),
		PageLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibess",
			Subsystem: "voting",
			Name:      "page_loads_total",
			Help:      "Candidate page loads by result.",
		}, []string{"result"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibess",
			Subsystem: "voting",
			Name:      "commits_total",
			Help:      "Vote commits by outcome.",
		}, []string{"outcome"}),
		CommitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vibess",
			Subsystem: "voting",
			Name:      "commit_duration_seconds",
			Help:      "Time to run the vote commit transaction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
	}
}

// SetActiveSessions records the number of live sessions
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}

func (m *Metrics) pageLoad(result string) {
	if m != nil {
		m.PageLoads.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) commit(outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(string(outcome)).Inc()
	m.CommitDuration.Observe(d.Seconds())
}
