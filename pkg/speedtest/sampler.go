package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"netspeed/pkg/config"
)

// readChunkSize bounds a single body read, which is how often live rates can update
const readChunkSize = 32 * 1024

// Sample downloads each configured size in order, one request at a time, and
// reports live and final per-request rates through progress. Failed requests
// are logged and left out of the average. The average is 0 when no request
// succeeded.
func (t *TesterImpl) Sample(ctx context.Context, progress ProgressFunc) *AggregateResult {
	if progress == nil {
		progress = func(float64) {}
	}

	results := make([]*Result, 0, len(t.config.TestSizes))
	var totalSpeed float64
	var successCount int

	for _, size := range t.config.TestSizes {
		result := t.sampleSize(ctx, size, progress)
		results = append(results, result)
		if result.Success {
			totalSpeed += result.SpeedMbps
			successCount++
		}
	}

	aggregate := &AggregateResult{
		TotalTests:      len(results),
		SuccessfulTests: successCount,
		FailedTests:     len(results) - successCount,
		Results:         results,
		Timestamp:       t.now(),
	}
	if len(results) > 0 {
		aggregate.SuccessRate = float64(successCount) / float64(len(results)) * 100
	}
	if successCount > 0 {
		aggregate.AverageSpeedMbps = totalSpeed / float64(successCount)
		aggregate.FastestSpeedMbps = findFastestSpeed(results)
		aggregate.SlowestSpeedMbps = findSlowestSpeed(results)
	}

	t.logger.Info("Download sampling finished",
		"successful", successCount,
		"total", len(results),
		"average_mbps", fmt.Sprintf("%.2f", aggregate.AverageSpeedMbps))

	return aggregate
}

// sampleSize runs one timed download request for the given size
func (t *TesterImpl) sampleSize(ctx context.Context, size string, progress ProgressFunc) *Result {
	result := &Result{
		TestSize:  size,
		Timestamp: t.now(),
	}

	n, err := config.ParseSize(size)
	if err != nil {
		result.Error = err.Error()
		t.logger.Warn("Skipping download sample", "test_size", size, "error", err)
		return result
	}
	result.Bytes = n

	downloadURL, err := t.downloadURL(n)
	if err != nil {
		result.Error = err.Error()
		t.logger.Warn("Skipping download sample", "test_size", size, "error", err)
		return result
	}
	result.URL = downloadURL

	start := t.now()
	bytesRead, err := t.streamDownload(ctx, downloadURL, start, progress)
	duration := t.now().Sub(start)

	result.Duration = duration
	result.BytesRead = bytesRead

	if err != nil {
		result.Error = err.Error()
		t.logger.Warn("Download sample failed", "test_size", size, "error", err)
		if t.metricsCollector != nil {
			t.metricsCollector.RecordSpeedTestResult(0, false)
		}
		return result
	}

	result.SpeedMbps = calculateSpeedMbps(bytesRead, duration)
	result.Success = true
	progress(roundTenth(result.SpeedMbps))

	if t.metricsCollector != nil {
		t.metricsCollector.RecordSpeedTestResult(result.SpeedMbps, true)
	}

	t.logger.Debug("Download sample completed",
		"test_size", size,
		"duration", duration,
		"bytes_read", bytesRead,
		"speed_mbps", fmt.Sprintf("%.2f", result.SpeedMbps))

	return result
}

// streamDownload reads the response body chunk by chunk, reporting the running
// rate once more than LiveUpdateAfter has elapsed since start.
func (t *TesterImpl) streamDownload(ctx context.Context, downloadURL string, start time.Time, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	setNoCacheHeaders(req)
	t.recordOutgoing(DownloadCall, req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download test file: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d from download endpoint", resp.StatusCode)
	}

	buf := make([]byte, readChunkSize)
	var received int64
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			elapsed := t.now().Sub(start)
			if elapsed > t.config.LiveUpdateAfter {
				progress(roundTenth(calculateSpeedMbps(received, elapsed)))
			}
		}
		if errors.Is(err, io.EOF) {
			return received, nil
		}
		if err != nil {
			return received, fmt.Errorf("failed to read response body: %w", err)
		}
	}
}

// downloadURL sets the byte-count parameter on the configured download URL
func (t *TesterImpl) downloadURL(n int64) (string, error) {
	u, err := url.Parse(t.config.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("invalid download URL: %w", err)
	}
	q := u.Query()
	q.Set(t.config.BytesParam, strconv.FormatInt(n, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// findFastestSpeed finds the fastest successful speed from results
func findFastestSpeed(results []*Result) float64 {
	var fastest float64
	for _, result := range results {
		if result.Success && result.SpeedMbps > fastest {
			fastest = result.SpeedMbps
		}
	}
	return fastest
}

// findSlowestSpeed finds the slowest successful speed from results
func findSlowestSpeed(results []*Result) float64 {
	var slowest float64 = -1
	for _, result := range results {
		if result.Success && (slowest == -1 || result.SpeedMbps < slowest) {
			slowest = result.SpeedMbps
		}
	}
	if slowest == -1 {
		return 0
	}
	return slowest
}
