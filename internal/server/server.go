// Package server exposes pipelines, streams, history and calls over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/history"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
	"github.com/mohammad-safakhou/agencyscout/internal/queue"
	"github.com/mohammad-safakhou/agencyscout/internal/stream"
	"github.com/mohammad-safakhou/agencyscout/internal/webhook"
)

var tracer = otel.Tracer("agencyscout/server")

// Server holds the collaborators of every handler.
type Server struct {
	Pipelines *pipeline.Store
	Runner    *pipeline.Runner
	Calls     *calls.Store
	Index     *calls.Index
	Contexts  *calls.Contexts
	History   *history.Archive
	Streams   *stream.Engine
	Pages     *queue.Queue
	SMS       *queue.Queue
	Verifier  *webhook.Verifier
	// AutoSendSMS enqueues the follow-up text with every ingested call.
	AutoSendSMS bool
	Gatherer    prometheus.Gatherer
	DemosDir    string
	PagesDir    string
	Logger      *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("component", "http")
	}
	return s.Logger
}

// Echo builds the router.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	if s.DemosDir != "" {
		e.Static("/demos", s.DemosDir)
	}
	if s.PagesDir != "" {
		e.Static("/pages", s.PagesDir)
	}

	api := e.Group("/api")
	api.Use(s.nudgeOnRead)

	api.POST("/pipelines", s.startPipeline)
	api.GET("/pipelines/:sid", s.getPipeline)
	api.POST("/pipelines/:sid/cancel", s.cancelPipeline)
	api.GET("/pipelines/:sid/stream", s.streamPipeline)

	api.GET("/history", s.listHistory)
	api.GET("/history/search", s.searchHistory)
	api.GET("/history/:sid", s.historyDetail)

	api.POST("/contexts", s.registerContext)
	api.GET("/contexts/:id", s.getContext)
	api.POST("/webhooks/calls", s.callWebhook)
	api.GET("/calls", s.listCalls)
	api.GET("/calls/stream", s.streamCalls)
	api.GET("/calls/:cid", s.getCall)
	api.GET("/calls/:cid/stream", s.streamCall)
	api.POST("/calls/:cid/sms", s.sendSMS)
	return e
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	e := s.Echo()
	errCh := make(chan error, 1)
	go func() {
		s.logger().Info("listening", "addr", addr)
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// errorHandler renders {"error": msg} and logs the failure.
func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	case errors.Is(err, ids.ErrInvalidID), errors.Is(err, pipeline.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, calls.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, docstore.ErrLockTimeout):
		code = http.StatusServiceUnavailable
	}
	req := c.Request()
	s.logger().Warn("request failed", "code", code, "method", req.Method, "path", req.URL.Path, "ip", c.RealIP(), "err", err)
	if !c.Response().Committed {
		_ = c.JSON(code, HTTPError{Error: msg})
	}
}

// nudgeOnRead wakes both queues on every read so pending jobs make progress
// even when no worker loop runs in this process.
func (s *Server) nudgeOnRead(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodGet {
			s.nudge()
		}
		return next(c)
	}
}

func (s *Server) nudge() {
	if s.Pages != nil {
		s.Pages.Nudge()
	}
	if s.SMS != nil {
		s.SMS.Nudge()
	}
}

// sse prepares the response for server-sent events.
func sse(c echo.Context) (*stream.SSEWriter, error) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	w, err := stream.NewSSEWriter(resp)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	resp.WriteHeader(http.StatusOK)
	resp.Flush()
	return w, nil
}
