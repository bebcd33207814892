// Package testutils provides shared mocks for the measurement stages so that
// orchestrator, web and main tests can drive a run without any network.
package testutils

import (
	"context"
	"sync"
	"time"

	"netspeed/pkg/speedtest"
)

// MockProber provides a mock latency prober
type MockProber struct {
	mu        sync.RWMutex
	latencyMs int64
	fail      bool
	calls     int
}

// NewMockProber creates a prober reporting the given latency
func NewMockProber(latencyMs int64) *MockProber {
	return &MockProber{latencyMs: latencyMs}
}

// WithFailure makes Probe report an absent latency
func (m *MockProber) WithFailure(fail bool) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
	return m
}

// WithLatency changes the latency reported by subsequent probes
func (m *MockProber) WithLatency(latencyMs int64) *MockProber {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencyMs = latencyMs
	return m
}

func (m *MockProber) Probe(ctx context.Context) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return 0, false
	}
	return m.latencyMs, true
}

// Calls returns how many times Probe was invoked
func (m *MockProber) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// MockSampler replays scripted progress rates and returns a fixed aggregate.
//
// When a gate is set, Sample signals Started and then waits for the gate to be
// closed (or the context to end) before returning.
type MockSampler struct {
	mu        sync.RWMutex
	rates     []float64
	speeds    []float64
	gate      chan struct{}
	started   chan struct{}
	calls     int
	timestamp time.Time
}

// NewMockSampler creates a sampler whose successful per-request rates are speeds
func NewMockSampler(speeds ...float64) *MockSampler {
	return &MockSampler{
		speeds:    speeds,
		started:   make(chan struct{}, 16),
		timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// WithProgress sets the rates passed to the progress callback, in order
func (m *MockSampler) WithProgress(rates ...float64) *MockSampler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = rates
	return m
}

// WithGate makes Sample block until gate is closed
func (m *MockSampler) WithGate(gate chan struct{}) *MockSampler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = gate
	return m
}

// Started receives a value each time Sample begins
func (m *MockSampler) Started() <-chan struct{} {
	return m.started
}

func (m *MockSampler) Sample(ctx context.Context, progress speedtest.ProgressFunc) *speedtest.AggregateResult {
	m.mu.Lock()
	m.calls++
	rates := append([]float64(nil), m.rates...)
	speeds := append([]float64(nil), m.speeds...)
	gate := m.gate
	timestamp := m.timestamp
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}

	for _, rate := range rates {
		if progress != nil {
			progress(rate)
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	return buildAggregate(speeds, timestamp)
}

// Calls returns how many times Sample was invoked
func (m *MockSampler) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// buildAggregate turns per-request speeds into an aggregate; a zero speed
// stands for a failed request.
func buildAggregate(speeds []float64, timestamp time.Time) *speedtest.AggregateResult {
	aggregate := &speedtest.AggregateResult{
		TotalTests: len(speeds),
		Results:    make([]*speedtest.Result, 0, len(speeds)),
		Timestamp:  timestamp,
	}

	var total float64
	for _, speed := range speeds {
		result := &speedtest.Result{
			TestSize:  "1MB",
			Bytes:     1024 * 1024,
			URL:       "http://down.test/__down?bytes=1048576",
			SpeedMbps: speed,
			Success:   speed > 0,
			Timestamp: timestamp,
		}
		if !result.Success {
			result.Error = "mock download failed"
			aggregate.FailedTests++
		} else {
			aggregate.SuccessfulTests++
			total += speed
			if aggregate.FastestSpeedMbps < speed {
				aggregate.FastestSpeedMbps = speed
			}
			if aggregate.SlowestSpeedMbps == 0 || aggregate.SlowestSpeedMbps > speed {
				aggregate.SlowestSpeedMbps = speed
			}
		}
		aggregate.Results = append(aggregate.Results, result)
	}

	if aggregate.SuccessfulTests > 0 {
		aggregate.AverageSpeedMbps = total / float64(aggregate.SuccessfulTests)
	}
	if aggregate.TotalTests > 0 {
		aggregate.SuccessRate = float64(aggregate.SuccessfulTests) / float64(aggregate.TotalTests) * 100
	}
	return aggregate
}

// MockEstimator applies a fixed upload ratio
type MockEstimator struct {
	mu     sync.RWMutex
	ratio  float64
	inputs []float64
}

// NewMockEstimator creates an estimator returning download*ratio
func NewMockEstimator(ratio float64) *MockEstimator {
	return &MockEstimator{ratio: ratio}
}

func (m *MockEstimator) Estimate(downloadMbps float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, downloadMbps)
	return downloadMbps * m.ratio
}

// Inputs returns the download rates Estimate was called with
func (m *MockEstimator) Inputs() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inputs := make([]float64, len(m.inputs))
	copy(inputs, m.inputs)
	return inputs
}

// RunCompletion is one RecordRunComplete call captured by MockRunRecorder
type RunCompletion struct {
	LatencyMs    *int64
	DownloadMbps float64
	UploadMbps   float64
	Duration     time.Duration
}

// MockRunRecorder captures live rates and completed runs
type MockRunRecorder struct {
	mu          sync.RWMutex
	liveRates   []float64
	completions []RunCompletion
}

func (m *MockRunRecorder) RecordLiveRate(rateMbps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveRates = append(m.liveRates, rateMbps)
}

func (m *MockRunRecorder) RecordRunComplete(latencyMs *int64, downloadMbps, uploadMbps float64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, RunCompletion{
		LatencyMs:    latencyMs,
		DownloadMbps: downloadMbps,
		UploadMbps:   uploadMbps,
		Duration:     duration,
	})
}

// LiveRates returns a copy of the recorded live rates
func (m *MockRunRecorder) LiveRates() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rates := make([]float64, len(m.liveRates))
	copy(rates, m.liveRates)
	return rates
}

// Completions returns a copy of the recorded run completions
func (m *MockRunRecorder) Completions() []RunCompletion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	completions := make([]RunCompletion, len(m.completions))
	copy(completions, m.completions)
	return completions
}
