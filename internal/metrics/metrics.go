// Package metrics exposes Prometheus collectors for the task queue.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksAcquiredTotal         prometheus.Counter
	tasksFinishedTotal         *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	tasksReclaimedTotal        prometheus.Counter
	tasksExpiredTotal          prometheus.Counter
	backlogOfferedTotal        prometheus.Counter
	backlogDrainedTotal        *prometheus.CounterVec
	rateLimitRejectionsTotal   prometheus.Counter
	creditsDeductedTotal       *prometheus.CounterVec
	engineSelectionsTotal      *prometheus.CounterVec
	linksDiscoveredTotal       prometheus.Counter
	politenessDelaySeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksAcquiredTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_tasks_acquired_total",
			Help: "Total number of tasks leased by workers.",
		})
		tasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_tasks_finished_total",
			Help: "Total number of task attempts that ended, labeled by outcome.",
		}, []string{"status"})
		taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlq_task_duration_seconds",
			Help:    "Histogram of task processing time, labeled by kind.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlq_active_workers",
			Help: "Number of workers currently processing a task.",
		})
		tasksReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_tasks_reclaimed_total",
			Help: "Total number of stale leases returned to the queue.",
		})
		tasksExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_tasks_expired_total",
			Help: "Total number of queued tasks failed past their expiry.",
		})
		backlogOfferedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_backlog_offered_total",
			Help: "Total number of tasks parked in the backlog.",
		})
		backlogDrainedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_backlog_drained_total",
			Help: "Total number of backlog entries resolved, labeled by outcome.",
		}, []string{"outcome"})
		rateLimitRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_rate_limit_rejections_total",
			Help: "Total number of API requests rejected by the rate limiter.",
		})
		creditsDeductedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_credits_deducted_total",
			Help: "Total credits debited, labeled by transaction kind.",
		}, []string{"kind"})
		engineSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlq_engine_selections_total",
			Help: "Total number of routing decisions, labeled by engine.",
		}, []string{"engine"})
		linksDiscoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlq_links_discovered_total",
			Help: "Total number of child tasks created by link discovery.",
		})
		politenessDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlq_politeness_delay_seconds",
			Help:    "Histogram of per-host politeness waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite extracts a lowercase hostname for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAcquired counts a leased task.
func ObserveAcquired() {
	Init()
	tasksAcquiredTotal.Inc()
}

// ObserveTaskFinished records the outcome and duration of a task attempt.
func ObserveTaskFinished(kind, status string, duration time.Duration) {
	Init()
	tasksFinishedTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveSweep records the counts of one sweeper pass.
func ObserveSweep(reclaimed, expired int64) {
	Init()
	tasksReclaimedTotal.Add(float64(reclaimed))
	tasksExpiredTotal.Add(float64(expired))
}

// ObserveBacklogOffered counts a task parked in the backlog.
func ObserveBacklogOffered() {
	Init()
	backlogOfferedTotal.Inc()
}

// ObserveBacklogDrained counts resolved backlog entries by outcome.
func ObserveBacklogDrained(outcome string, n int) {
	Init()
	if n > 0 {
		backlogDrainedTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveRateLimitRejection counts a request rejected by the API limiter.
func ObserveRateLimitRejection() {
	Init()
	rateLimitRejectionsTotal.Inc()
}

// ObserveCreditsDeducted counts credits debited from a team.
func ObserveCreditsDeducted(kind string, amount int64) {
	Init()
	creditsDeductedTotal.WithLabelValues(kind).Add(float64(amount))
}

// ObserveEngineSelection counts a routing decision.
func ObserveEngineSelection(engine string) {
	Init()
	engineSelectionsTotal.WithLabelValues(engine).Inc()
}

// ObserveLinksDiscovered counts child tasks created from a page.
func ObserveLinksDiscovered(n int) {
	Init()
	if n > 0 {
		linksDiscoveredTotal.Add(float64(n))
	}
}

// ObservePolitenessDelay records how long a worker waited on a host limiter.
func ObservePolitenessDelay(domain string, duration time.Duration) {
	Init()
	politenessDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
