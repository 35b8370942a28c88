// shared/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BaseServer struct {
	Router *mux.Router
	Server *http.Server
	Logger log.Logger
}

// NewBaseServer builds a mux router with request logging and CORS applied.
func NewBaseServer(addr string, logger log.Logger) *BaseServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "http")

	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logger))
	router.Use(CORSMiddleware)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &BaseServer{
		Router: router,
		Server: server,
		Logger: logger,
	}
}

// HandleMetrics exposes the metrics of gatherer on GET /metrics.
func (bs *BaseServer) HandleMetrics(gatherer prometheus.Gatherer) {
	bs.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Start blocks serving requests. A graceful Shutdown returns nil.
func (bs *BaseServer) Start() error {
	level.Info(bs.Logger).Log("msg", "starting HTTP server", "addr", bs.Server.Addr)
	if err := bs.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (bs *BaseServer) Shutdown(ctx context.Context) error {
	level.Info(bs.Logger).Log("msg", "shutting down HTTP server")
	return bs.Server.Shutdown(ctx)
}
