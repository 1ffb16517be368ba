package metrics

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Server exposes /metrics on its own listener so scrapes never compete
// with proxy traffic. Disabled when the configured address is empty.
type Server struct {
	server *fasthttp.Server
	addr   string
	logger *zap.Logger
}

func NewServer(addr string, collector *Collector, logger *zap.Logger) *Server {
	handler := func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/metrics" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		collector.ServeHTTP(ctx)
	}

	return &Server{
		server: &fasthttp.Server{
			Handler: handler,
			Name:    "seo-shield-metrics",
		},
		addr:   addr,
		logger: logger,
	}
}

// Start serves until Shutdown. It runs on the caller's goroutine.
func (s *Server) Start() error {
	s.logger.Info("metrics listener started", zap.String("addr", s.addr))
	return s.server.ListenAndServe(s.addr)
}

func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}
