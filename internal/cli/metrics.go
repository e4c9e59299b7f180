package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/mutesync/internal/engine"
)

var (
	promOnce    sync.Once
	promMetrics *engine.Metrics
)

// prometheusMetrics returns the process-wide engine metrics. Collectors
// register with the default registry, so they are built once.
func prometheusMetrics() *engine.Metrics {
	promOnce.Do(func() {
		promMetrics = engine.NewPrometheusMetrics("mutesync")
	})
	return promMetrics
}

// metricsServer serves /metrics until stopped.
type metricsServer struct {
	srv    *http.Server
	addr   string
	done   chan struct{}
	logger *slog.Logger
}

// startMetricsServer listens on addr and serves the default Prometheus
// registry. The returned server reports the bound address, which differs
// from addr when the port is 0.
func startMetricsServer(addr string, logger *slog.Logger) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m := &metricsServer{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   ln.Addr().String(),
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", m.addr)
	return m, nil
}

// Stop shuts the server down and waits for it to exit.
func (m *metricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics server shutdown", "error", err)
	}
	<-m.done
}
