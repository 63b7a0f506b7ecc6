package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func TestNewServer(t *testing.T) {
	server := NewServer(9999, "test", testLogger())

	assert.NotNil(t, server)
	assert.Equal(t, 9999, server.port)
	assert.Nil(t, server.server) // Server not started yet
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(0, "1.2.3", testLogger())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Contains(t, body, "timestamp")
}

func TestHealthEndpoint_FailingCheck(t *testing.T) {
	server := NewServer(0, "test", testLogger())
	server.AddHealthCheck("stream", func() error { return nil })
	server.AddHealthCheck("connector", func() error { return errors.New("untrusted") })

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
	assert.Contains(t, rec.Body.String(), `"connector":"untrusted"`)
	assert.NotContains(t, rec.Body.String(), `"stream"`)
}

func TestMetricsEndpoint(t *testing.T) {
	RecordOrderUpdate("test", ChannelPoll, UpdateApplied)
	RecordTradeUpdate("test", ChannelStream, TradeDuplicate)
	SetTrackedOrders("test", 3, 1)

	server := NewServer(0, "test", testLogger())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "# HELP")
	assert.Contains(t, body, "orderbridge_order_updates_total")
	assert.Contains(t, body, `orderbridge_tracked_orders{connector="test"} 3`)
	assert.Contains(t, body, `orderbridge_cached_orders{connector="test"} 1`)
}

func TestServerStartAndShutdown(t *testing.T) {
	port := 9998
	server := NewServer(port, "test", testLogger())

	require.NoError(t, server.Start())
	assert.NotNil(t, server.server)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
}

func TestShutdownWithoutStart(t *testing.T) {
	server := NewServer(9994, "test", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
