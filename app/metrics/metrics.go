package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seclens/seclens/app/pubtime"
)

// Metrics holds the Prometheus collectors of the service. All methods are
// safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Collection and ingest
	CollectionsTotal    *prometheus.CounterVec
	CollectionDuration  *prometheus.HistogramVec
	BulletinsEmitted    *prometheus.CounterVec
	BulletinsIngested   *prometheus.CounterVec
	TimeResolutionFlags *prometheus.CounterVec

	// Scheduler
	TaskQueueWait *prometheus.HistogramVec

	// Notifications
	NotificationsSent *prometheus.CounterVec
}

// New creates the collectors on a private registry so tests can build as
// many instances as they need.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seclens_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.CollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_collections_total",
			Help: "Collection passes per source and outcome",
		},
		[]string{"source", "status"},
	)

	m.CollectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seclens_collection_duration_seconds",
			Help:    "Duration of collection passes in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	m.BulletinsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_bulletins_emitted_total",
			Help: "Bulletins a collection pass found new according to its cursor",
		},
		[]string{"source"},
	)

	m.BulletinsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_bulletins_ingested_total",
			Help: "Bulletins stored at the ingest boundary",
		},
		[]string{"source", "result"},
	)

	m.TimeResolutionFlags = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_time_resolution_total",
			Help: "Publication time resolutions by flag, fallback included",
		},
		[]string{"source", "flag", "fallback"},
	)

	m.TaskQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seclens_task_queue_wait_seconds",
			Help:    "Time tasks spent queued before a worker picked them up",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	m.NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seclens_notifications_total",
			Help: "Push notifications by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CollectionsTotal,
		m.CollectionDuration,
		m.BulletinsEmitted,
		m.BulletinsIngested,
		m.TimeResolutionFlags,
		m.TaskQueueWait,
		m.NotificationsSent,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCollection(source string, err error, emitted int, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CollectionsTotal.WithLabelValues(source, status).Inc()
	m.CollectionDuration.WithLabelValues(source).Observe(duration.Seconds())
	if emitted > 0 {
		m.BulletinsEmitted.WithLabelValues(source).Add(float64(emitted))
	}
}

func (m *Metrics) ObserveIngest(source string, created bool) {
	if m == nil {
		return
	}
	result := "updated"
	if created {
		result = "created"
	}
	m.BulletinsIngested.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObserveResolution(source string, meta pubtime.Metadata) {
	if m == nil {
		return
	}
	flag := string(meta.Flag)
	if flag == "" {
		flag = "none"
	}
	m.TimeResolutionFlags.WithLabelValues(source, flag, strconv.FormatBool(meta.Fallback)).Inc()
}

func (m *Metrics) ObserveQueueWait(taskType string, wait time.Duration) {
	if m == nil {
		return
	}
	m.TaskQueueWait.WithLabelValues(taskType).Observe(wait.Seconds())
}

func (m *Metrics) ObserveNotification(channel string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.NotificationsSent.WithLabelValues(channel, status).Inc()
}
