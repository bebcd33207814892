package speedtest

import (
	"context"
	"math"
	"net/http"
	"time"
)

// Probe sends one HEAD request to the trace endpoint and returns the time to
// response headers in whole milliseconds. Latency is best effort: any failure
// is logged and reported as ok == false rather than returned as an error.
func (t *TesterImpl) Probe(ctx context.Context) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.config.TraceURL, nil)
	if err != nil {
		t.logger.Warn("Failed to create latency probe request", "error", err, "url", t.config.TraceURL)
		return 0, false
	}
	setNoCacheHeaders(req)
	t.recordOutgoing(ProbeCall, req)

	start := t.now()
	resp, err := t.httpClient.Do(req)
	elapsed := t.now().Sub(start)
	if err != nil {
		t.logger.Warn("Latency probe failed", "error", err, "url", t.config.TraceURL)
		return 0, false
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.logger.Warn("Latency probe returned non-success status",
			"status", resp.StatusCode,
			"url", t.config.TraceURL)
		return 0, false
	}

	latencyMs := int64(math.Round(float64(elapsed) / float64(time.Millisecond)))

	t.logger.Debug("Latency probe completed", "latency_ms", latencyMs)
	return latencyMs, true
}
