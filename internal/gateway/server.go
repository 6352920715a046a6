package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
)

// Server runs the gateway behind an http.Server, plus an optional metrics
// listener.
type Server struct {
	gateway       *Gateway
	httpServer    *http.Server
	metricsServer *http.Server
	shutdownGrace time.Duration
}

// NewServer wraps a gateway with listener configuration.
func NewServer(gw *Gateway, cfg *config.Config) *Server {
	s := &Server{
		gateway:       gw,
		shutdownGrace: cfg.Server.ShutdownGrace,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           gw,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, gw.metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s
}

// Start runs the listeners. It blocks until the main listener stops.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		go func() {
			logging.Info("metrics listener starting", zap.String("addr", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the health monitor within the
// configured grace period.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()

	var err error
	if s.metricsServer != nil {
		if e := s.metricsServer.Shutdown(ctx); e != nil {
			err = e
		}
	}
	if e := s.httpServer.Shutdown(ctx); e != nil {
		err = e
	}

	s.gateway.Stop(s.shutdownGrace)
	return err
}
