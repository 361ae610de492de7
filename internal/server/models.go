package server

import (
	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/history"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// StartPipelineRequest starts a discovery run.
type StartPipelineRequest struct {
	Suburb string `json:"suburb"`
	Count  int    `json:"count"`
}

// PipelineResponse is the current state of a run. Every field is empty until
// the run has written its documents.
type PipelineResponse struct {
	Pipeline *pipeline.Record  `json:"pipeline"`
	Agencies []pipeline.Agency `json:"agencies"`
	Activity *activity.Log     `json:"activity"`
}

type HistoryListResponse struct {
	Sessions []history.Entry `json:"sessions"`
}

type CallsResponse struct {
	Calls []calls.Record `json:"calls"`
}

type CallResponse struct {
	Call *calls.Record `json:"call"`
}

// RegisterContextRequest is what the UI knows about an agency before a call.
type RegisterContextRequest struct {
	SessionID      string            `json:"sessionId"`
	AgencyID       string            `json:"agencyId"`
	AgencyName     string            `json:"agencyName"`
	AgencyLocation string            `json:"agencyLocation"`
	DemoURL        string            `json:"demoUrl"`
	Extra          map[string]string `json:"extra"`
}

// SendSMSRequest optionally overrides the destination number.
type SendSMSRequest struct {
	To string `json:"to"`
}

// WebhookResponse acknowledges an ingested call.
type WebhookResponse struct {
	CallID  string `json:"callId"`
	Created bool   `json:"created"`
}

// QueuedResponse acknowledges an enqueued job.
type QueuedResponse struct {
	CallID string `json:"callId"`
	Queued bool   `json:"queued"`
}
