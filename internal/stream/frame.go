// Package stream pushes document changes to subscribers. Each subscriber
// watches the data directories, re-reads the documents a notification may
// have touched and emits only what changed since its last emission.
package stream

import (
	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

// Frame types.
const (
	TypeTodoUpdate              = "todo_update"
	TypeCardUpdate              = "card_update"
	TypeCardRemove              = "card_remove"
	TypeMainActivityMessage     = "main_activity_message"
	TypeSubagentActivityMessage = "subagent_activity_message"
	TypePipelineComplete        = "pipeline_complete"

	TypeCallUpdate              = "call_update"
	TypePostCallActivityMessage = "postcall_activity_message"
	TypePostCallActivityStatus  = "postcall_activity_status"

	TypeCallsUpdate = "calls_update"
)

// Frame is one data frame. Its JSON form is a single object tagged by Type;
// only the fields relevant to the type are set.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	AgencyID  string `json:"agencyId,omitempty"`
	CallID    string `json:"callId,omitempty"`

	Status         string          `json:"status,omitempty"`
	Todos          []pipeline.Todo `json:"todos,omitempty"`
	AgencyIDs      []string        `json:"agencyIds,omitempty"`
	Suburb         string          `json:"suburb,omitempty"`
	RequestedCount int             `json:"requestedCount,omitempty"`
	Error          string          `json:"error,omitempty"`

	Agency  *pipeline.Agency  `json:"agency,omitempty"`
	Message *activity.Message `json:"message,omitempty"`

	AgenciesFound  *int `json:"agenciesFound,omitempty"`
	AgenciesTarget *int `json:"agenciesTarget,omitempty"`

	Succeeded *int `json:"succeeded,omitempty"`
	Failed    *int `json:"failed,omitempty"`
	Total     *int `json:"total,omitempty"`

	Call  *calls.Record  `json:"call,omitempty"`
	Calls []calls.Record `json:"calls,omitempty"`
}

func intPtr(v int) *int { return &v }

func todoFrame(rec *pipeline.Record) Frame {
	return Frame{
		Type:           TypeTodoUpdate,
		SessionID:      rec.SessionID,
		Status:         string(rec.Status),
		Todos:          rec.Todos,
		AgencyIDs:      rec.AgencyIDs,
		Suburb:         rec.Suburb,
		RequestedCount: rec.RequestedCount,
		Error:          rec.Error,
	}
}

func completeFrame(rec *pipeline.Record, sum pipeline.Summary) Frame {
	return Frame{
		Type:      TypePipelineComplete,
		SessionID: rec.SessionID,
		Status:    string(rec.Status),
		Succeeded: intPtr(sum.Succeeded),
		Failed:    intPtr(sum.Failed),
		Total:     intPtr(sum.Total),
	}
}
