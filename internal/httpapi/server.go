// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package httpapi exposes the gateway over HTTP. Session tokens travel in
// the __Secure-Token cookie or an Authorization bearer header.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/hkauso/starstraw/internal/gateway"
)

// Server serves the public API.
type Server struct {
	addr       string
	handler    *Handler
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates an API server. tokenTTL controls the session cookie
// lifetime and should match the session service TTL.
func NewServer(addr string, gw *gateway.Gateway, tokenTTL time.Duration) (*Server, error) {
	if gw == nil {
		return nil, oops.In("httpapi").Code("MISSING_GATEWAY").New("gateway is required")
	}
	return &Server{
		addr:    addr,
		handler: NewHandler(gw, tokenTTL),
	}, nil
}

// Router builds the gin engine with all routes registered. Exposed for
// httptest in addition to Start.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	api := router.Group("/api")
	{
		api.POST("/start", s.handler.Start)
		api.POST("/return", s.handler.Return)
		api.POST("/logout", s.handler.Logout)
		api.GET("/me", s.handler.Me)
		api.POST("/password", s.handler.ChangePassword)
		api.GET("/authorize/:action", s.handler.Authorize)

		spirit := api.Group("/spirit/:username")
		{
			spirit.POST("/award", s.handler.Award)
			spirit.POST("/level", s.handler.SetLevel)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	return router
}

// Start begins serving. The returned channel receives any serve error and
// is closed on graceful shutdown.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.In("httpapi").Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.In("httpapi").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.In("httpapi").With("operation", "shutdown_api_server").Wrap(err)
		}
	}

	slog.Info("api server stopped")
	return nil
}

// Addr returns the bound address, or empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// requestLogger emits one slog line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
