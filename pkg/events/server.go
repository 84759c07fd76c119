package events

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter serves /metrics from gatherer and a trivial /healthz.
func NewRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return r
}

// MetricsServer is the HTTP endpoint for scraping provider metrics.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// StartMetricsServer listens on addr and serves in the background.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ms := &MetricsServer{
		server: &http.Server{
			Handler:           NewRouter(gatherer),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("address", ln.Addr().String()))
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return ms, nil
}

func (ms *MetricsServer) Addr() string {
	return ms.listener.Addr().String()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
