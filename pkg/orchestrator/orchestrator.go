// Package orchestrator sequences one speed test run: latency probe, download
// sampling with live rate updates, then the upload estimate. It owns the run
// state and notifies subscribers after every change.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"netspeed/pkg/speedtest"
)

// Status is the lifecycle state of a test run
type Status string

const (
	// StatusIdle means no run has started yet
	StatusIdle Status = "idle"
	// StatusTesting means a run is probing or sampling
	StatusTesting Status = "testing"
	// StatusComplete means the last run finished and its results are final
	StatusComplete Status = "complete"
)

// ErrRunInProgress is returned by Start while another run is testing.
var ErrRunInProgress = errors.New("speed test already in progress")

// TestRun is the state of one measurement cycle.
//
// LatencyMs, DownloadRateMbps and UploadRateMbps are nil until the run
// produces them. LatencyMs stays nil when the probe failed.
type TestRun struct {
	Status Status `json:"status"`

	// LiveRateMbps is the most recent provisional or per-request rate
	LiveRateMbps float64 `json:"live_rate_mbps"`

	LatencyMs *int64 `json:"latency_ms"`

	// DownloadRateMbps is the mean of successful per-request rates, one decimal
	DownloadRateMbps *float64 `json:"download_rate_mbps"`

	// UploadRateMbps is estimated from the download rate, not measured
	UploadRateMbps *float64 `json:"upload_rate_mbps"`

	Download *speedtest.AggregateResult `json:"download,omitempty"`

	// RunCount is the number of runs started since construction
	RunCount    int       `json:"run_count"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Prober measures round-trip latency; ok is false when no value is available.
type Prober interface {
	Probe(ctx context.Context) (latencyMs int64, ok bool)
}

// Sampler measures download throughput, reporting interim rates to progress.
type Sampler interface {
	Sample(ctx context.Context, progress speedtest.ProgressFunc) *speedtest.AggregateResult
}

// Estimator derives an upload rate from a download rate.
type Estimator interface {
	Estimate(downloadMbps float64) float64
}

// RunRecorder receives run state for metrics.
type RunRecorder interface {
	RecordLiveRate(rateMbps float64)
	RecordRunComplete(latencyMs *int64, downloadMbps, uploadMbps float64, duration time.Duration)
}

// Subscriber receives a snapshot of the run after every change.
type Subscriber func(run TestRun)

type subscription struct {
	id int
	fn Subscriber
}

// Orchestrator defines the run lifecycle exposed to callers.
type Orchestrator interface {
	// Start performs one complete run and returns the final state.
	// It returns ErrRunInProgress if a run is already testing.
	Start(ctx context.Context) (TestRun, error)

	// StartAsync begins a run in the background.
	// It returns ErrRunInProgress if a run is already testing.
	StartAsync(ctx context.Context) error

	// AutoStart triggers the initial run in the background, at most once.
	AutoStart(ctx context.Context)

	// GetStatus returns a snapshot of the current run.
	GetStatus() TestRun

	// Subscribe registers fn for run updates and returns a function removing it.
	Subscribe(fn Subscriber) (unsubscribe func())
}

var _ Orchestrator = (*OrchestratorImpl)(nil)

// OrchestratorImpl is the concrete implementation of Orchestrator.
//
// Every write to run happens on the goroutine executing Start. The mutex
// only guards snapshots taken by readers on other goroutines.
type OrchestratorImpl struct {
	prober    Prober
	sampler   Sampler
	estimator Estimator
	logger    *slog.Logger

	// mu protects run and subscribers
	mu  sync.RWMutex
	run TestRun

	subscribers []subscription
	nextSubID   int

	running   atomic.Bool
	autoStart sync.Once
	// background counts runs started by StartAsync that have not finished
	background sync.WaitGroup

	metricsCollector RunRecorder
	now              func() time.Time
}

// NewOrchestrator creates an orchestrator in the Idle state. No run starts
// until Start or AutoStart is called.
func NewOrchestrator(prober Prober, sampler Sampler, estimator Estimator, logger *slog.Logger) *OrchestratorImpl {
	return &OrchestratorImpl{
		prober:    prober,
		sampler:   sampler,
		estimator: estimator,
		logger:    logger.With("component", "orchestrator"),
		run:       TestRun{Status: StatusIdle},
		now:       time.Now,
	}
}

// SetMetricsCollector sets the recorder for live rates and run outcomes
func (o *OrchestratorImpl) SetMetricsCollector(collector RunRecorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metricsCollector = collector
}

// Start runs probe, sampling and estimation in sequence. Network failures
// never abort the run: latency becomes nil and throughput 0 instead.
func (o *OrchestratorImpl) Start(ctx context.Context) (TestRun, error) {
	if !o.running.CompareAndSwap(false, true) {
		return o.GetStatus(), ErrRunInProgress
	}
	return o.execute(ctx), nil
}

// StartAsync claims the run synchronously and performs it on a new goroutine.
// It returns ErrRunInProgress without starting anything if a run is testing.
func (o *OrchestratorImpl) StartAsync(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.execute(ctx)
	}()
	return nil
}

// Wait blocks until every run started in the background has finished.
func (o *OrchestratorImpl) Wait() {
	o.background.Wait()
}

// execute performs one run; the caller must have claimed o.running
func (o *OrchestratorImpl) execute(ctx context.Context) TestRun {
	defer o.running.Store(false)

	startedAt := o.now()

	o.update(func(run *TestRun) {
		run.Status = StatusTesting
		run.LiveRateMbps = 0
		run.LatencyMs = nil
		run.DownloadRateMbps = nil
		run.UploadRateMbps = nil
		run.Download = nil
		run.RunCount++
		run.StartedAt = startedAt
		run.CompletedAt = time.Time{}
	})
	o.logger.Info("Starting speed test run", "run", o.GetStatus().RunCount)

	var latency *int64
	if ms, ok := o.prober.Probe(ctx); ok {
		latency = &ms
	}
	o.update(func(run *TestRun) {
		run.LatencyMs = latency
	})

	collector := o.recorder()
	aggregate := o.sampler.Sample(ctx, func(rateMbps float64) {
		o.update(func(run *TestRun) {
			run.LiveRateMbps = rateMbps
		})
		if collector != nil {
			collector.RecordLiveRate(rateMbps)
		}
	})

	var average float64
	if aggregate != nil {
		average = aggregate.AverageSpeedMbps
	}
	upload := o.estimator.Estimate(average)
	download := roundTenth(average)
	completedAt := o.now()

	final := o.update(func(run *TestRun) {
		run.Download = aggregate
		run.DownloadRateMbps = &download
		run.UploadRateMbps = &upload
		run.Status = StatusComplete
		run.CompletedAt = completedAt
	})

	if collector != nil {
		collector.RecordRunComplete(latency, average, upload, completedAt.Sub(startedAt))
	}

	o.logger.Info("Speed test run complete",
		"latency_ms", formatLatency(latency),
		"download_mbps", download,
		"upload_mbps_estimate", upload,
		"duration", completedAt.Sub(startedAt))

	return final
}

// AutoStart launches the initial run on a new goroutine. Repeated calls are
// no-ops, so a component initialised twice still measures only once.
func (o *OrchestratorImpl) AutoStart(ctx context.Context) {
	o.autoStart.Do(func() {
		if err := o.StartAsync(ctx); err != nil {
			o.logger.Warn("Automatic speed test not started", "error", err)
		}
	})
}

// GetStatus returns a copy of the current run state.
func (o *OrchestratorImpl) GetStatus() TestRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.run
}

// Subscribe registers fn to receive a snapshot after every change.
// Subscribers are called synchronously from the running goroutine, in order,
// and must not block.
func (o *OrchestratorImpl) Subscribe(fn Subscriber) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSubID
	o.nextSubID++
	o.subscribers = append(o.subscribers, subscription{id: id, fn: fn})

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, sub := range o.subscribers {
			if sub.id == id {
				o.subscribers = append(o.subscribers[:i:i], o.subscribers[i+1:]...)
				return
			}
		}
	}
}

// update applies mutate under the lock, then notifies subscribers outside it
func (o *OrchestratorImpl) update(mutate func(run *TestRun)) TestRun {
	o.mu.Lock()
	mutate(&o.run)
	snapshot := o.run
	subs := o.subscribers
	o.mu.Unlock()

	for _, sub := range subs {
		sub.fn(snapshot)
	}
	return snapshot
}

func (o *OrchestratorImpl) recorder() RunRecorder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metricsCollector
}

func formatLatency(latency *int64) string {
	if latency == nil {
		return "unavailable"
	}
	return fmt.Sprintf("%dms", *latency)
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
