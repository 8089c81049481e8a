package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
)

// Server exposes the metrics over HTTP. A prometheus backend is served
// in exposition format through promhttp; any other backend falls back
// to the JSON snapshot from GetMetrics.
type Server struct {
	ctx     context.Context
	logger  types.Logger
	config  *types.MetricsHTTPConfig
	manager *Manager
	server  *fasthttp.Server
	running int32
}

func NewServer(ctx context.Context, logger types.Logger, config *types.MetricsHTTPConfig, manager *Manager) *Server {
	return &Server{
		ctx:     ctx,
		logger:  logger,
		config:  config,
		manager: manager,
	}
}

func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	path := s.config.Path
	if path == "" {
		path = "/metrics"
	}

	handler := s.buildHandler(path)

	s.server = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	addr := fmt.Sprintf(":%d", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(addr); err != nil {
			s.logger.Error("Metrics server stopped with error", zap.Error(err))
		}
	}()

	s.logger.Info("Metrics server started",
		zap.String("addr", addr), zap.String("path", path))
	return nil
}

func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrNotRunning
	}

	if s.server != nil {
		if err := s.server.Shutdown(); err != nil {
			return types.WrapError(err, "failed to shutdown metrics server")
		}
	}

	s.logger.Info("Metrics server stopped gracefully")
	return nil
}

func (s *Server) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Server) buildHandler(path string) fasthttp.RequestHandler {
	var promHandler fasthttp.RequestHandler

	if registered, ok := s.manager.backend().(interface{ Registry() *prometheus.Registry }); ok {
		promHandler = fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(registered.Registry(), promhttp.HandlerOpts{}))
	}

	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case path:
			if promHandler != nil {
				promHandler(ctx)
				return
			}

			data, err := s.manager.GetMetrics()
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			}
			ctx.SetContentType("application/json; charset=utf-8")
			ctx.SetBody(data)

		case "/stats":
			data, err := s.manager.GetStats()
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			}
			ctx.SetContentType("application/json; charset=utf-8")
			ctx.SetBody(data)

		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}
