package observability

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	srv := NewServer("127.0.0.1:0", NewHealthChecker("t"), reg, nil)

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start(), "start is idempotent")

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		resp, err := http.Get("http://" + srv.Addr() + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))

	_, err := http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}
