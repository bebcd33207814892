package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netspeed/internal/testutils"
	"netspeed/pkg/config"
	"netspeed/pkg/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestConfig(authEnabled bool) *config.Config {
	return &config.Config{
		API: config.APIConfig{
			Enabled: true,
			Listen:  ":0",
			Auth: config.AuthConfig{
				Enabled: authEnabled,
				Token:   "test-token-123",
			},
		},
	}
}

// createTestServer wires a server to a real orchestrator over mocked stages
func createTestServer() (*Server, *orchestrator.OrchestratorImpl, *testutils.MockSampler) {
	sampler := testutils.NewMockSampler(16.777216, 20.97152, 27.962026666).
		WithProgress(16.8, 21.0, 28.0)
	orch := orchestrator.NewOrchestrator(
		testutils.NewMockProber(40),
		sampler,
		testutils.NewMockEstimator(0.2),
		testLogger(),
	)
	return NewServer(createTestConfig(false), orch, testLogger()), orch, sampler
}

func waitForStatus(t *testing.T, orch orchestrator.Orchestrator, status orchestrator.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return orch.GetStatus().Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := createTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestStatusEndpoint_Idle(t *testing.T) {
	server, _, _ := createTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()

	server.handleStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "idle", body["status"])
	assert.Nil(t, body["latency_ms"])
	assert.Nil(t, body["download_rate_mbps"])
	assert.Nil(t, body["upload_rate_mbps"])
}

func TestStatusEndpoint_AfterRun(t *testing.T) {
	server, orch, _ := createTestServer()

	_, err := orch.Start(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	var run orchestrator.TestRun
	require.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	assert.Equal(t, orchestrator.StatusComplete, run.Status)
	require.NotNil(t, run.LatencyMs)
	assert.Equal(t, int64(40), *run.LatencyMs)
	require.NotNil(t, run.DownloadRateMbps)
	assert.Equal(t, 21.9, *run.DownloadRateMbps)
	require.NotNil(t, run.UploadRateMbps)
	assert.Equal(t, 28.0, run.LiveRateMbps)
}

func TestStartEndpoint(t *testing.T) {
	server, orch, _ := createTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", nil)
	w := httptest.NewRecorder()
	server.handleStart(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp StartResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, orchestrator.StatusTesting, resp.Status)

	waitForStatus(t, orch, orchestrator.StatusComplete)
	assert.Equal(t, 1, orch.GetStatus().RunCount)
}

func TestStartEndpoint_ConflictWhileTesting(t *testing.T) {
	server, orch, sampler := createTestServer()
	gate := make(chan struct{})
	sampler.WithGate(gate)

	w := httptest.NewRecorder()
	server.handleStart(w, httptest.NewRequest(http.MethodPost, "/api/v1/start", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	<-sampler.Started()

	w = httptest.NewRecorder()
	server.handleStart(w, httptest.NewRequest(http.MethodPost, "/api/v1/start", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp StartResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, orchestrator.StatusTesting, resp.Status)
	assert.Equal(t, orchestrator.ErrRunInProgress.Error(), resp.Message)

	close(gate)
	waitForStatus(t, orch, orchestrator.StatusComplete)
	assert.Equal(t, 1, sampler.Calls())
}

func TestMethodNotAllowedForAllEndpoints(t *testing.T) {
	server, _, _ := createTestServer()
	handler := server.Handler()

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodPost, "/api/v1/status"},
		{http.MethodGet, "/api/v1/start"},
		{http.MethodPost, "/api/v1/live"},
		{http.MethodDelete, "/stats.json"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestUnknownPath(t *testing.T) {
	server, _, _ := createTestServer()

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	server := &Server{config: createTestConfig(true)}

	tests := []struct {
		name           string
		path           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "valid token",
			path:           "/api/v1/start",
			authHeader:     "Bearer test-token-123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token",
			path:           "/api/v1/start",
			authHeader:     "Bearer wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token prefix only",
			path:           "/api/v1/start",
			authHeader:     "Bearer test-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing bearer prefix",
			path:           "/api/v1/start",
			authHeader:     "test-token-123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "no auth header",
			path:           "/metrics",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "health is exempt",
			path:           "/health",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "status is exempt",
			path:           "/api/v1/status",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "live feed requires token",
			path:           "/api/v1/live",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "live feed token in query",
			path:           "/api/v1/live?access_token=test-token-123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "live feed wrong token in query",
			path:           "/api/v1/live?access_token=wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "query token only accepted on live feed",
			path:           "/api/v1/start?access_token=test-token-123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid header is not overridden by query",
			path:           "/api/v1/live?access_token=test-token-123",
			authHeader:     "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()

			server.withAuth(nextHandler).ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	server := &Server{config: createTestConfig(false)}

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	server.withAuth(nextHandler).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/start", nil))

	assert.Equal(t, http.StatusOK, w.Code, "Expected status when auth disabled")
}

func liveURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/api/v1/live"
}

func readRun(t *testing.T, conn *websocket.Conn) orchestrator.TestRun {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var run orchestrator.TestRun
	require.NoError(t, conn.ReadJSON(&run))
	return run
}

func TestLiveFeed(t *testing.T) {
	server, orch, _ := createTestServer()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	first := readRun(t, conn)
	assert.Equal(t, orchestrator.StatusIdle, first.Status)

	_, err = orch.Start(context.Background())
	require.NoError(t, err)

	var last orchestrator.TestRun
	for last.Status != orchestrator.StatusComplete {
		last = readRun(t, conn)
		assert.NotEqual(t, orchestrator.StatusIdle, last.Status)
	}

	require.NotNil(t, last.DownloadRateMbps)
	assert.Equal(t, 21.9, *last.DownloadRateMbps)
	assert.Equal(t, orch.GetStatus().RunCount, last.RunCount)
}

func TestLiveFeedUnsubscribesOnClose(t *testing.T) {
	server, orch, _ := createTestServer()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	readRun(t, conn)
	require.NoError(t, conn.Close())

	// Runs after the client left must neither block nor fail
	for i := 0; i < 3; i++ {
		_, err := orch.Start(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, orch.GetStatus().RunCount)
}

func TestLiveFeedRequiresToken(t *testing.T) {
	server, _, _ := createTestServer()
	server.config = createTestConfig(true)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	header := http.Header{"Authorization": []string{"Bearer test-token-123"}}
	conn, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL), header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, orchestrator.StatusIdle, readRun(t, conn).Status)
}

func TestLiveFeedAcceptsQueryToken(t *testing.T) {
	server, _, _ := createTestServer()
	server.config = createTestConfig(true)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL)+"?access_token=test-token-123", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, orchestrator.StatusIdle, readRun(t, conn).Status)
}

func TestLiveFeedClosesOnShutdown(t *testing.T) {
	server, _, _ := createTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	server.runCtx = ctx
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(liveURL(ts.URL), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	readRun(t, conn)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "Expected going-away close, got %v", err)
}

func TestServerStart(t *testing.T) {
	server, _, _ := createTestServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	// Give server a moment to start
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		assert.NoError(t, err, "Server should shutdown without error")
	case <-time.After(2 * time.Second):
		t.Fatal("Server did not shutdown within timeout")
	}
}

func TestServerStartInvalidAddress(t *testing.T) {
	server, _, _ := createTestServer()
	server.config.API.Listen = "invalid-address:-1"

	err := server.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start web server")
}

func TestFullServerIntegration(t *testing.T) {
	server, orch, _ := createTestServer()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/v1/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForStatus(t, orch, orchestrator.StatusComplete)

	resp, err = http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var run orchestrator.TestRun
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, orchestrator.StatusComplete, run.Status)
	assert.Equal(t, 1, run.RunCount)
}
