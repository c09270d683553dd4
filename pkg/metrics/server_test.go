package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, server *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := NewWithLabels(reg, Labels{Index: "groups"})
	require.NoError(t, err)
	m.UpdateState(200, true)
	m.IncError(ErrTypeStore)

	rec := serve(t, NewServer(":0", reg), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `docindexer_processed_sequence{index="groups"} 200`)
	assert.Contains(t, body, `docindexer_rollback_pending{index="groups"} 1`)
	assert.Contains(t, body, "docindexer_errors_total")
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	var failing error
	server := NewServer(":0", prometheus.NewRegistry(),
		func(context.Context) error { return nil },
		func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				return errors.New("health check without deadline")
			}
			return failing
		},
	)

	rec := serve(t, server, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	failing = errors.New("index has a pending rollback")
	rec = serve(t, server, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "index has a pending rollback", rec.Body.String())
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	server := NewServer(addr, prometheus.NewRegistry())
	errCh := server.Start()

	require.Eventually(t, func() bool {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+addr+"/health", nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
	}
}
