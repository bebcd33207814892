package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netspeed"

// EndpointStats tracks stats for a specific endpoint
type EndpointStats struct {
	Endpoint   string    `json:"endpoint"`
	TotalCalls int       `json:"total_calls"`
	LastCalled time.Time `json:"last_called"`
}

// SpeedTestStats summarises individual download requests
type SpeedTestStats struct {
	TotalTests       int       `json:"total_tests"`
	SuccessfulTests  int       `json:"successful_tests"`
	FailedTests      int       `json:"failed_tests"`
	SuccessRate      float64   `json:"success_rate"`
	AverageSpeedMbps float64   `json:"average_speed_mbps"`
	FastestSpeedMbps float64   `json:"fastest_speed_mbps"`
	SlowestSpeedMbps float64   `json:"slowest_speed_mbps"`
	LastTest         time.Time `json:"last_test"`

	totalSpeed float64
}

// RunSummary is the outcome of the most recent completed run
type RunSummary struct {
	LatencyMs    *int64        `json:"latency_ms"`
	DownloadMbps float64       `json:"download_mbps"`
	UploadMbps   float64       `json:"upload_mbps_estimate"`
	Duration     time.Duration `json:"duration_ns"`
	CompletedAt  time.Time     `json:"completed_at"`
}

// StatsResponse represents the response structure for the /stats.json endpoint.
// Response data is copied out under the mutex.
type StatsResponse struct {
	IncomingAPICalls map[string]*EndpointStats            `json:"incoming_api_calls"`
	OutgoingAPICalls map[string]map[string]*EndpointStats `json:"outgoing_api_calls"`
	SpeedTestResults SpeedTestStats                       `json:"speed_test_results"`
	RunsCompleted    int                                  `json:"runs_completed"`
	LastRun          *RunSummary                          `json:"last_run,omitempty"`
	LiveRateMbps     float64                              `json:"live_rate_mbps"`
	ApplicationStart time.Time                            `json:"application_start"`
	LastUpdated      time.Time                            `json:"last_updated"`
}

// Collector tracks API calls and measurement outcomes. Everything recorded is
// kept for /stats.json and mirrored into Prometheus collectors.
type Collector struct {
	mu               sync.RWMutex
	incomingCalls    map[string]*EndpointStats
	outgoingCalls    map[string]map[string]*EndpointStats
	speedTests       SpeedTestStats
	runsCompleted    int
	lastRun          *RunSummary
	liveRate         float64
	applicationStart time.Time
	lastUpdated      time.Time

	liveRateGauge     prometheus.Gauge
	latencyGauge      prometheus.Gauge
	downloadGauge     prometheus.Gauge
	uploadGauge       prometheus.Gauge
	runsTotal         prometheus.Counter
	runDuration       prometheus.Histogram
	downloadRequests  *prometheus.CounterVec
	requestRate       prometheus.Histogram
	outgoingRequests  *prometheus.CounterVec
	incomingRequests  *prometheus.CounterVec
	probeUnavailables prometheus.Counter
}

// NewCollector creates a new metrics collector registering its Prometheus
// collectors on reg. A nil reg keeps the collectors unregistered.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	now := time.Now()

	return &Collector{
		incomingCalls:    make(map[string]*EndpointStats),
		outgoingCalls:    make(map[string]map[string]*EndpointStats),
		applicationStart: now,
		lastUpdated:      now,

		liveRateGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_rate_mbps",
			Help:      "Most recent provisional or per-request download rate.",
		}),
		latencyGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_ms",
			Help:      "Latency measured by the last run; NaN when unavailable.",
		}),
		downloadGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_mbps",
			Help:      "Average download rate of the last run.",
		}),
		uploadGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upload_estimate_mbps",
			Help:      "Upload rate estimated from the last run's download rate.",
		}),
		runsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed speed test runs.",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete run.",
			Buckets:   prometheus.DefBuckets,
		}),
		downloadRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_requests_total",
			Help:      "Download requests by outcome.",
		}, []string{"outcome"}),
		requestRate: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_request_rate_mbps",
			Help:      "Rate of each successful download request.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		outgoingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outgoing_requests_total",
			Help:      "Requests sent to measurement endpoints.",
		}, []string{"call_type", "host"}),
		incomingRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the HTTP API.",
		}, []string{"path"}),
		probeUnavailables: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latency_unavailable_total",
			Help:      "Runs whose latency probe failed.",
		}),
	}
}

// RecordIncomingCall records an API call made to this service
func (c *Collector) RecordIncomingCall(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.incomingCalls[endpoint]
	if !exists {
		stats = &EndpointStats{Endpoint: endpoint}
		c.incomingCalls[endpoint] = stats
	}

	stats.TotalCalls++
	stats.LastCalled = time.Now()
	c.lastUpdated = stats.LastCalled
	c.incomingRequests.WithLabelValues(endpoint).Inc()
}

// RecordOutgoingCall records a request sent to a measurement endpoint
func (c *Collector) RecordOutgoingCall(callType string, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outgoingCalls[callType]; !exists {
		c.outgoingCalls[callType] = make(map[string]*EndpointStats)
	}

	stats, exists := c.outgoingCalls[callType][endpoint]
	if !exists {
		stats = &EndpointStats{Endpoint: endpoint}
		c.outgoingCalls[callType][endpoint] = stats
	}

	stats.TotalCalls++
	stats.LastCalled = time.Now()
	c.lastUpdated = stats.LastCalled
	c.outgoingRequests.WithLabelValues(callType, endpoint).Inc()
}

// RecordSpeedTestResult records the outcome of one download request
func (c *Collector) RecordSpeedTestResult(speedMbps float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.speedTests
	s.TotalTests++
	s.LastTest = time.Now()
	c.lastUpdated = s.LastTest

	if !success {
		s.FailedTests++
		c.downloadRequests.WithLabelValues("failure").Inc()
	} else {
		s.SuccessfulTests++
		s.totalSpeed += speedMbps
		s.AverageSpeedMbps = s.totalSpeed / float64(s.SuccessfulTests)
		if speedMbps > s.FastestSpeedMbps {
			s.FastestSpeedMbps = speedMbps
		}
		if s.SlowestSpeedMbps == 0 || speedMbps < s.SlowestSpeedMbps {
			s.SlowestSpeedMbps = speedMbps
		}
		c.downloadRequests.WithLabelValues("success").Inc()
		c.requestRate.Observe(speedMbps)
	}
	s.SuccessRate = float64(s.SuccessfulTests) / float64(s.TotalTests) * 100
}

// RecordLiveRate records an interim rate reported during sampling
func (c *Collector) RecordLiveRate(rateMbps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.liveRate = rateMbps
	c.liveRateGauge.Set(rateMbps)
}

// RecordRunComplete records the final values of a run. A nil latency is
// exported as NaN so dashboards show a gap instead of a zero.
func (c *Collector) RecordRunComplete(latencyMs *int64, downloadMbps, uploadMbps float64, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latency *int64
	if latencyMs != nil {
		v := *latencyMs
		latency = &v
		c.latencyGauge.Set(float64(v))
	} else {
		c.latencyGauge.Set(math.NaN())
		c.probeUnavailables.Inc()
	}

	now := time.Now()
	c.lastRun = &RunSummary{
		LatencyMs:    latency,
		DownloadMbps: downloadMbps,
		UploadMbps:   uploadMbps,
		Duration:     duration,
		CompletedAt:  now,
	}
	c.runsCompleted++
	c.lastUpdated = now

	c.downloadGauge.Set(downloadMbps)
	c.uploadGauge.Set(uploadMbps)
	c.runsTotal.Inc()
	c.runDuration.Observe(duration.Seconds())
}

// GetStats returns a copy of everything collected so far
func (c *Collector) GetStats() StatsResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := StatsResponse{
		IncomingAPICalls: make(map[string]*EndpointStats, len(c.incomingCalls)),
		OutgoingAPICalls: make(map[string]map[string]*EndpointStats, len(c.outgoingCalls)),
		SpeedTestResults: c.speedTests,
		RunsCompleted:    c.runsCompleted,
		LiveRateMbps:     c.liveRate,
		ApplicationStart: c.applicationStart,
		LastUpdated:      c.lastUpdated,
	}

	for endpoint, stats := range c.incomingCalls {
		copied := *stats
		response.IncomingAPICalls[endpoint] = &copied
	}

	for callType, endpoints := range c.outgoingCalls {
		response.OutgoingAPICalls[callType] = make(map[string]*EndpointStats, len(endpoints))
		for endpoint, stats := range endpoints {
			copied := *stats
			response.OutgoingAPICalls[callType][endpoint] = &copied
		}
	}

	if c.lastRun != nil {
		run := *c.lastRun
		if run.LatencyMs != nil {
			v := *run.LatencyMs
			run.LatencyMs = &v
		}
		response.LastRun = &run
	}

	return response
}

// Reset clears the JSON stats. Prometheus collectors and the application
// start time are left untouched.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.incomingCalls = make(map[string]*EndpointStats)
	c.outgoingCalls = make(map[string]map[string]*EndpointStats)
	c.speedTests = SpeedTestStats{}
	c.runsCompleted = 0
	c.lastRun = nil
	c.liveRate = 0
	c.lastUpdated = time.Now()
}
