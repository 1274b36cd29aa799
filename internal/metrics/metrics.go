package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal tracks request submissions by admission result
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_submissions_total",
			Help: "Total number of request submissions",
		},
		[]string{"result"},
	)

	// DeliveriesTotal tracks settled deliveries by outcome and error kind
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_deliveries_total",
			Help: "Total number of settled deliveries",
		},
		[]string{"outcome", "error_kind"},
	)

	// DeliveryDuration tracks time from submission to settlement
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Time from submission to settlement in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// DeliveryAttempts tracks dispatch attempts per delivery
	DeliveryAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_attempts",
			Help:    "Dispatch attempts per delivery",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	// QueueDepth tracks items waiting in the dispatch queue
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Items waiting in the dispatch queue",
		},
	)

	// InflightRequests tracks operations currently running upstream
	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_inflight_requests",
			Help: "Operations currently running upstream",
		},
	)

	// RetryWaiting tracks items parked on a backoff delay
	RetryWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_retry_waiting",
			Help: "Items waiting out a retry delay",
		},
	)

	// UpstreamRequestsTotal tracks partner API calls by status class
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_upstream_requests_total",
			Help: "Total number of partner API calls",
		},
		[]string{"status_class"},
	)

	// UpstreamLatency tracks partner API call latency
	UpstreamLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_upstream_latency_seconds",
			Help:    "Partner API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TokenRefreshesTotal tracks credential refreshes by result
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_token_refreshes_total",
			Help: "Total number of credential refreshes",
		},
		[]string{"result"},
	)

	// SignOutsTotal tracks forced session terminations
	SignOutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_signouts_total",
			Help: "Total number of forced session terminations",
		},
	)

	// JournalWritesTotal tracks delivery journal writes by result
	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_journal_writes_total",
			Help: "Total number of delivery journal writes",
		},
		[]string{"result"},
	)

	// DBConnectionPoolUsage tracks database connection pool utilization
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_pool_usage",
			Help: "Database connection pool utilization percentage",
		},
	)
)
