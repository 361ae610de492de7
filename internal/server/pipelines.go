package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

// Start a discovery run
//
//	@Summary	Start pipeline
//	@Tags		pipelines
//	@Accept		json
//	@Param		payload	body	StartPipelineRequest	true	"Suburb and agency count"
//	@Produce	json
//	@Success	202	{object}	pipeline.Record
//	@Failure	400	{object}	HTTPError
//	@Router		/api/pipelines [post]
func (s *Server) startPipeline(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Server.startPipeline")
	defer span.End()
	var req StartPipelineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	rec, err := s.Runner.Start(ctx, pipeline.StartRequest{Suburb: req.Suburb, Count: req.Count})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.String("session_id", rec.SessionID))
	return c.JSON(http.StatusAccepted, rec)
}

// Current state of a run
//
//	@Summary	Get pipeline
//	@Tags		pipelines
//	@Param		sid	path	string	true	"Session ID"
//	@Produce	json
//	@Success	200	{object}	PipelineResponse
//	@Router		/api/pipelines/{sid} [get]
func (s *Server) getPipeline(c echo.Context) error {
	sid := c.Param("sid")
	if err := ids.ValidateSessionID(sid); err != nil {
		return err
	}
	resp := PipelineResponse{Agencies: []pipeline.Agency{}}
	rec, ok := s.Pipelines.Pipeline(sid)
	if !ok {
		return c.JSON(http.StatusOK, resp)
	}
	resp.Pipeline = rec
	resp.Agencies = s.Pipelines.Healed(s.Pipelines.Agencies(rec))
	if log, ok := s.Pipelines.MainActivity(sid); ok {
		resp.Activity = log
	}
	return c.JSON(http.StatusOK, resp)
}

// Cancel a run
//
//	@Summary	Cancel pipeline
//	@Tags		pipelines
//	@Param		sid	path	string	true	"Session ID"
//	@Produce	json
//	@Success	200	{object}	pipeline.Record
//	@Failure	404	{object}	HTTPError
//	@Router		/api/pipelines/{sid}/cancel [post]
func (s *Server) cancelPipeline(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Server.cancelPipeline")
	defer span.End()
	sid := c.Param("sid")
	span.SetAttributes(attribute.String("session_id", sid))
	rec, err := s.Runner.Cancel(ctx, sid)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) streamPipeline(c echo.Context) error {
	req := c.Request()
	ctx, span := tracer.Start(req.Context(), "Server.streamPipeline")
	defer span.End()
	sid := c.Param("sid")
	span.SetAttributes(attribute.String("session_id", sid))
	if err := ids.ValidateSessionID(sid); err != nil {
		span.SetStatus(codes.Error, "invalid session id")
		return err
	}
	w, err := sse(c)
	if err != nil {
		return err
	}
	if err := s.Streams.ServeSession(ctx, sid, w); err != nil {
		span.RecordError(err)
		s.logger().Warn("session stream ended with error", "session_id", sid, "err", err)
	}
	return nil
}
