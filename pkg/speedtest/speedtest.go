// Package speedtest measures connection quality against remote HTTP endpoints.
// It provides a latency probe, a chunked download sampler that reports live
// throughput while a transfer is in flight, and a heuristic upload estimate
// derived from the measured download rate.
package speedtest

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"netspeed/pkg/config"
)

// Outgoing call types reported to the metrics collector
const (
	// ProbeCall is the single HEAD request used to time the round trip
	ProbeCall = "latency_probe"

	// DownloadCall is one sized download request made by the sampler
	DownloadCall = "download_sample"
)

// Result represents the outcome of one sized download request.
type Result struct {
	// TestSize is the configured size identifier (e.g., "1MB")
	TestSize string `json:"test_size"`
	// Bytes is the number of bytes requested from the endpoint
	Bytes int64 `json:"bytes"`
	// URL is the complete download URL that was requested
	URL string `json:"url"`
	// Duration is the time from request issue to end of body
	Duration time.Duration `json:"duration"`
	// BytesRead is the number of bytes actually received
	BytesRead int64 `json:"bytes_read"`
	// SpeedMbps is the unrounded per-request rate in megabits per second
	SpeedMbps float64 `json:"speed_mbps"`
	// Success indicates whether the body was read to completion
	Success bool `json:"success"`
	// Error contains the error message if the request failed (only present on failure)
	Error string `json:"error,omitempty"`
	// Timestamp records when the request was started
	Timestamp time.Time `json:"timestamp"`
}

// AggregateResult summarises one pass over all configured download sizes.
type AggregateResult struct {
	TotalTests       int       `json:"total_tests"`
	SuccessfulTests  int       `json:"successful_tests"`
	FailedTests      int       `json:"failed_tests"`
	SuccessRate      float64   `json:"success_rate"`
	AverageSpeedMbps float64   `json:"average_speed_mbps"`
	FastestSpeedMbps float64   `json:"fastest_speed_mbps"`
	SlowestSpeedMbps float64   `json:"slowest_speed_mbps"`
	Results          []*Result `json:"results"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProgressFunc receives a throughput reading in Mbps, rounded to one decimal.
// It is called with provisional rates while a transfer is in flight and with
// the final per-request rate once the body has been read.
type ProgressFunc func(rateMbps float64)

// MetricsRecorder receives outgoing call and per-request results.
type MetricsRecorder interface {
	RecordOutgoingCall(callType string, endpoint string)
	RecordSpeedTestResult(speedMbps float64, success bool)
}

// Tester defines the measurement operations used by a test run.
type Tester interface {
	// Probe times one HEAD round trip; ok is false when the probe failed
	Probe(ctx context.Context) (latencyMs int64, ok bool)
	// Sample downloads every configured size in order and returns the aggregate
	Sample(ctx context.Context, progress ProgressFunc) *AggregateResult
	// Estimate derives a synthetic upload rate from a download rate
	Estimate(downloadMbps float64) float64
}

var _ Tester = (*TesterImpl)(nil)

// TesterImpl is the HTTP implementation of Tester.
type TesterImpl struct {
	// config holds endpoints, sizes and timing parameters
	config *config.SpeedTestConfig
	// httpClient is shared by the probe and all download requests
	httpClient *http.Client
	logger     *slog.Logger
	estimator  *Estimator
	// now is replaceable so tests can drive elapsed time deterministically
	now func() time.Time

	metricsCollector MetricsRecorder
}

// NewTester creates a tester with an HTTP client bounded by the configured
// request timeout and an upload estimator seeded from the current time.
func NewTester(cfg *config.SpeedTestConfig, logger *slog.Logger) *TesterImpl {
	return &TesterImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger:    logger.With("component", "speedtest"),
		estimator: NewEstimator(cfg.UploadRatioMin, cfg.UploadRatioMax, rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// SetMetricsCollector sets the collector notified of every outgoing request
func (t *TesterImpl) SetMetricsCollector(collector MetricsRecorder) {
	t.metricsCollector = collector
}

// Estimate implements Tester by delegating to the configured Estimator.
func (t *TesterImpl) Estimate(downloadMbps float64) float64 {
	return t.estimator.Estimate(downloadMbps)
}

func (t *TesterImpl) recordOutgoing(callType string, req *http.Request) {
	if t.metricsCollector != nil {
		t.metricsCollector.RecordOutgoingCall(callType, req.URL.Host)
	}
}

// setNoCacheHeaders forces every request to traverse the network
func setNoCacheHeaders(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
}

// calculateSpeedMbps calculates throughput in Mbps
func calculateSpeedMbps(bytesRead int64, duration time.Duration) float64 {
	if duration.Seconds() <= 0 {
		return 0
	}

	// Convert bytes to megabits (1 byte = 8 bits, 1 megabit = 1,000,000 bits)
	megabits := float64(bytesRead) * 8 / 1_000_000
	return megabits / duration.Seconds()
}

// roundTenth rounds to one decimal place
func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
