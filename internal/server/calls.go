package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

const maxWebhookBytes = 1 << 20

// callWebhook is the subset of the post-call webhook body the service reads.
type callWebhook struct {
	Type string `json:"type"`
	Data struct {
		ConversationID string `json:"conversation_id"`
		Metadata       struct {
			CallDurationSecs int `json:"call_duration_secs"`
			PhoneCall        struct {
				ExternalNumber string `json:"external_number"`
			} `json:"phone_call"`
		} `json:"metadata"`
		Analysis struct {
			TranscriptSummary string `json:"transcript_summary"`
		} `json:"analysis"`
		ClientData struct {
			DynamicVariables map[string]any `json:"dynamic_variables"`
		} `json:"conversation_initiation_client_data"`
	} `json:"data"`
}

func (w *callWebhook) variable(name string) string {
	v, ok := w.Data.ClientData.DynamicVariables[name]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func (s *Server) registerContext(c echo.Context) error {
	var req RegisterContextRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	cc, err := s.Contexts.Register(c.Request().Context(), calls.CallContext{
		SessionID:      req.SessionID,
		AgencyID:       req.AgencyID,
		AgencyName:     req.AgencyName,
		AgencyLocation: req.AgencyLocation,
		DemoURL:        req.DemoURL,
		Extra:          req.Extra,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cc)
}

func (s *Server) getContext(c echo.Context) error {
	id := c.Param("id")
	if err := ids.ValidateContextID(id); err != nil {
		return err
	}
	cc, ok := s.Contexts.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "context not found or expired")
	}
	return c.JSON(http.StatusOK, cc)
}

// Ingest a completed call
//
//	@Summary	Call webhook
//	@Tags		calls
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	WebhookResponse
//	@Failure	400	{object}	HTTPError
//	@Failure	401	{object}	HTTPError
//	@Router		/api/webhooks/calls [post]
func (s *Server) callWebhook(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Server.callWebhook")
	defer span.End()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if s.Verifier != nil && s.Verifier.Enabled() {
		if err := s.Verifier.VerifyRequest(c.Request().Header, body); err != nil {
			span.SetStatus(codes.Error, "signature rejected")
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
	}
	var hook callWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	conv := strings.TrimSpace(hook.Data.ConversationID)
	if conv == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id required")
	}
	span.SetAttributes(attribute.String("conversation_id", conv))

	callID, ok := s.Index.Lookup(conv)
	if !ok {
		callID, err = s.Index.Bind(ctx, conv, ids.NewCallID())
		if err != nil {
			span.RecordError(err)
			return err
		}
	}
	rec := calls.Record{
		CallID:         callID,
		ConversationID: conv,
		CallerName:     hook.variable("caller_name"),
		CallerPhone:    hook.variable("caller_phone"),
		Summary:        hook.Data.Analysis.TranscriptSummary,
		DurationSecs:   hook.Data.Metadata.CallDurationSecs,
	}
	if rec.CallerPhone == "" {
		rec.CallerPhone = hook.Data.Metadata.PhoneCall.ExternalNumber
	}
	if cc, ok := s.Contexts.Get(hook.variable("context_id")); ok {
		rec.SessionID = cc.SessionID
		rec.AgencyID = cc.AgencyID
		rec.AgencyName = cc.AgencyName
		rec.AgencyLocation = cc.AgencyLocation
	}
	created, err := s.Calls.Create(rec)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := s.Pages.Enqueue(ctx, callID, nil); err != nil {
		return fmt.Errorf("enqueue page: %w", err)
	}
	if s.AutoSendSMS {
		if _, err := s.SMS.Enqueue(ctx, callID, nil); err != nil {
			return fmt.Errorf("enqueue sms: %w", err)
		}
	}
	s.nudge()
	s.logger().Info("call ingested", "call_id", callID, "conversation_id", conv, "created", created)
	return c.JSON(http.StatusOK, WebhookResponse{CallID: callID, Created: created})
}

func (s *Server) listCalls(c echo.Context) error {
	sid := c.QueryParam("session_id")
	if sid != "" {
		if err := ids.ValidateSessionID(sid); err != nil {
			return err
		}
	}
	list := s.Calls.List(sid)
	if list == nil {
		list = []calls.Record{}
	}
	return c.JSON(http.StatusOK, CallsResponse{Calls: list})
}

func (s *Server) getCall(c echo.Context) error {
	cid := c.Param("cid")
	if err := ids.ValidateCallID(cid); err != nil {
		return err
	}
	rec, _ := s.Calls.Get(cid)
	return c.JSON(http.StatusOK, CallResponse{Call: rec})
}

// Queue the follow-up text message of a call
//
//	@Summary	Send SMS
//	@Tags		calls
//	@Param		cid	path	string	true	"Call ID"
//	@Accept		json
//	@Param		payload	body	SendSMSRequest	false	"Destination override"
//	@Produce	json
//	@Success	202	{object}	QueuedResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/calls/{cid}/sms [post]
func (s *Server) sendSMS(c echo.Context) error {
	ctx := c.Request().Context()
	cid := c.Param("cid")
	if err := ids.ValidateCallID(cid); err != nil {
		return err
	}
	var req SendSMSRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
	}
	if _, ok := s.Calls.Get(cid); !ok {
		return fmt.Errorf("%w: %s", calls.ErrNotFound, cid)
	}
	if to := strings.TrimSpace(req.To); to != "" {
		if _, err := s.Calls.Update(ctx, cid, func(r *calls.Record) error {
			r.CallerPhone = to
			return nil
		}); err != nil {
			return err
		}
	}
	queued, err := s.SMS.Enqueue(ctx, cid, nil)
	if err != nil {
		return err
	}
	s.nudge()
	return c.JSON(http.StatusAccepted, QueuedResponse{CallID: cid, Queued: queued})
}

func (s *Server) streamCall(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Server.streamCall")
	defer span.End()
	cid := c.Param("cid")
	if err := ids.ValidateCallID(cid); err != nil {
		return err
	}
	w, err := sse(c)
	if err != nil {
		return err
	}
	if err := s.Streams.ServeCall(ctx, cid, w); err != nil {
		span.RecordError(err)
		s.logger().Warn("call stream ended with error", "call_id", cid, "err", err)
	}
	return nil
}

func (s *Server) streamCalls(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Server.streamCalls")
	defer span.End()
	sid := c.QueryParam("session_id")
	if sid != "" {
		if err := ids.ValidateSessionID(sid); err != nil {
			return err
		}
	}
	w, err := sse(c)
	if err != nil {
		return err
	}
	if err := s.Streams.ServeCalls(ctx, sid, w); err != nil {
		span.RecordError(err)
		s.logger().Warn("calls stream ended with error", "err", err)
	}
	return nil
}
