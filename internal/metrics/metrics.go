// Package metrics exposes the Prometheus collectors for the scanner
// pipeline: fetch fan-out, safety validation, signal dispatch and
// convergence tracking.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Label values shared across collectors.
const (
	ResultOK    = "ok"
	ResultError = "error"

	OpQuotes = "quotes"
	OpBooks  = "books"
)

// Metrics holds all Prometheus collectors for the scanner. Each instance
// carries its own registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	// Fetch fan-out
	FetchDuration *prometheus.HistogramVec
	FetchErrors   *prometheus.CounterVec
	QuotesFetched *prometheus.CounterVec
	BooksFetched  *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec

	// Pipeline
	PairsEvaluated prometheus.Counter
	CheckFailures  *prometheus.CounterVec

	// Dispatch
	SignalsEmitted    *prometheus.CounterVec
	SignalsSuppressed *prometheus.CounterVec

	// Convergence
	ConvergenceTracking prometheus.Gauge
	ConvergenceOutcomes *prometheus.CounterVec

	// Job loops
	JobDuration *prometheus.HistogramVec
	JobRuns     *prometheus.CounterVec
}

// New builds and registers every collector the pipeline records into.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crossarb_fetch_duration_seconds",
				Help:    "Duration of one venue fetch (quote batch or order book) in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"venue", "op", "result"},
		),

		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_fetch_errors_total",
				Help: "Total number of failed venue fetches by operation",
			},
			[]string{"venue", "op"},
		),

		QuotesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_quotes_fetched_total",
				Help: "Total number of quotes returned by venue",
			},
			[]string{"venue"},
		),

		BooksFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_books_fetched_total",
				Help: "Total number of order books returned by venue",
			},
			[]string{"venue"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crossarb_breaker_state",
				Help: "Venue circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"venue"},
		),

		PairsEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crossarb_pairs_evaluated_total",
				Help: "Total number of arbitrage pairs run through the calculators",
			},
		),

		CheckFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_safety_check_failures_total",
				Help: "Total number of safety check failures by check name",
			},
			[]string{"check"},
		),

		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_signals_emitted_total",
				Help: "Total number of signals sent by strategy and signal type",
			},
			[]string{"strategy", "type"},
		),

		SignalsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_signals_suppressed_total",
				Help: "Total number of signals withheld by reason",
			},
			[]string{"reason"},
		),

		ConvergenceTracking: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crossarb_convergence_tracking",
				Help: "Number of signals currently tracked for spread convergence",
			},
		),

		ConvergenceOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_convergence_outcomes_total",
				Help: "Total number of closed convergence records by outcome",
			},
			[]string{"outcome"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crossarb_job_duration_seconds",
				Help:    "Duration of one scheduler job run in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"job", "result"},
		),

		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crossarb_job_runs_total",
				Help: "Total number of scheduler job runs by result",
			},
			[]string{"job", "result"},
		),
	}

	m.registry.MustRegister(
		m.FetchDuration,
		m.FetchErrors,
		m.QuotesFetched,
		m.BooksFetched,
		m.BreakerState,
		m.PairsEvaluated,
		m.CheckFailures,
		m.SignalsEmitted,
		m.SignalsSuppressed,
		m.ConvergenceTracking,
		m.ConvergenceOutcomes,
		m.JobDuration,
		m.JobRuns,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFetch records one venue fetch, successful or not.
func (m *Metrics) RecordFetch(venue, op string, d time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
		m.FetchErrors.WithLabelValues(venue, op).Inc()
	}
	m.FetchDuration.WithLabelValues(venue, op, result).Observe(d.Seconds())
}

// AddQuotes counts quotes returned by a venue batch.
func (m *Metrics) AddQuotes(venue string, n int) {
	m.QuotesFetched.WithLabelValues(venue).Add(float64(n))
}

// AddBooks counts order books returned by a venue.
func (m *Metrics) AddBooks(venue string, n int) {
	m.BooksFetched.WithLabelValues(venue).Add(float64(n))
}

// SetBreakerState mirrors a venue breaker transition into the state gauge.
func (m *Metrics) SetBreakerState(venue string, to gobreaker.State) {
	m.BreakerState.WithLabelValues(venue).Set(breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// RecordCheckFailures counts each failed safety check by name.
func (m *Metrics) RecordCheckFailures(checks []string) {
	for _, c := range checks {
		m.CheckFailures.WithLabelValues(c).Inc()
	}
}

// RecordSignal counts one sent signal.
func (m *Metrics) RecordSignal(strategy, signalType string) {
	m.SignalsEmitted.WithLabelValues(strategy, signalType).Inc()
}

// RecordSuppressed counts one withheld signal.
func (m *Metrics) RecordSuppressed(reason string) {
	m.SignalsSuppressed.WithLabelValues(reason).Inc()
}

// ConvergenceOpened registers a new tracked signal.
func (m *Metrics) ConvergenceOpened() {
	m.ConvergenceTracking.Inc()
}

// ConvergenceClosed retires a tracked signal with its outcome.
func (m *Metrics) ConvergenceClosed(outcome string) {
	m.ConvergenceTracking.Dec()
	m.ConvergenceOutcomes.WithLabelValues(outcome).Inc()
}

// JobTimer tracks one scheduler job run.
type JobTimer struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// StartJobTimer begins timing a scheduler job.
func (m *Metrics) StartJobTimer(job string) *JobTimer {
	return &JobTimer{metrics: m, job: job, start: time.Now()}
}

// Stop completes the timing and records the run.
func (t *JobTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.metrics.JobDuration.WithLabelValues(t.job, result).Observe(duration.Seconds())
	t.metrics.JobRuns.WithLabelValues(t.job, result).Inc()

	log.Debug().
		Str("job", t.job).
		Str("result", result).
		Dur("duration", duration).
		Msg("Job run completed")
}
