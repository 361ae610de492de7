// Package sms sends the follow-up text message of a call once its page is
// ready. Jobs run on the "sms" queue keyed by call id and may be enqueued
// before the page exists; they wait until it does.
package sms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/queue"
)

// Sender delivers a text message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, to, body string) (messageSID string, err error)
}

// LogSender only logs messages. It is used when no provider is configured.
type LogSender struct {
	From   string
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, to, body string) (string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sid := fmt.Sprintf("dry-%d", time.Now().UnixNano())
	logger.Info("sms dry run", "from", s.From, "to", to, "body", body, "sid", sid)
	return sid, nil
}

var (
	errPageFailed = errors.New("page generation failed")
)

// Handler is the queue handler of the sms queue.
type Handler struct {
	Calls    *calls.Store
	Sender   Sender
	Template string
	Logger   *slog.Logger
	now      func() time.Time
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "sms")
	}
	return h.Logger
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// Ready reports whether the call's page is complete and a caller phone is
// known. While either is missing the record's sms status is set to pending
// and the job waits without spending an attempt; a phone supplied later
// through the send endpoint releases it.
func (h *Handler) Ready(ctx context.Context, job queue.Job) (bool, error) {
	rec, ok := h.Calls.Get(job.WorkItemID)
	if !ok {
		return false, queue.Permanent(fmt.Errorf("%w: %s", calls.ErrNotFound, job.WorkItemID))
	}
	switch {
	case rec.SMS.Status == calls.SMSSent:
		return true, nil
	case rec.PageStatus == calls.PageFailed:
		return false, queue.Permanent(errPageFailed)
	case rec.PageStatus == calls.PageCompleted && rec.CallerPhone != "":
		return true, nil
	}
	_, err := h.Calls.Update(ctx, job.WorkItemID, func(r *calls.Record) error {
		if r.SMS.Status == calls.SMSPending {
			return docstore.ErrSkipWrite
		}
		r.SMS.Status = calls.SMSPending
		return nil
	})
	return false, err
}

// Handle sends the message unless it was already sent.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	callID := job.WorkItemID
	rec, ok := h.Calls.Get(callID)
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %s", calls.ErrNotFound, callID))
	}
	if rec.SMS.Status == calls.SMSSent {
		return nil
	}
	body := Render(h.Template, *rec)
	sid, sendErr := h.Sender.Send(ctx, rec.CallerPhone, body)
	_, err := h.Calls.Update(context.WithoutCancel(ctx), callID, func(r *calls.Record) error {
		r.SMS.To = rec.CallerPhone
		if sendErr != nil {
			r.SMS.Status = calls.SMSPending
			r.SMS.Error = sendErr.Error()
			return nil
		}
		r.SMS = calls.SMS{
			Status:     calls.SMSSent,
			SentAt:     h.clock().UTC().Format(time.RFC3339),
			MessageSID: sid,
			To:         rec.CallerPhone,
		}
		return nil
	})
	if sendErr != nil {
		return fmt.Errorf("send sms %s: %w", callID, sendErr)
	}
	if err != nil {
		// the message went out; a retry would send it twice
		h.logger().Error("record sms sent failed", "call_id", callID, "sid", sid, "err", err)
		return nil
	}
	h.logger().Info("sms sent", "call_id", callID, "sid", sid)
	return nil
}

// OnDead records the permanent failure on the call record.
func (h *Handler) OnDead(ctx context.Context, job queue.Job, cause error) {
	_, err := h.Calls.Update(ctx, job.WorkItemID, func(r *calls.Record) error {
		if r.SMS.Status == calls.SMSSent {
			return docstore.ErrSkipWrite
		}
		r.SMS.Status = calls.SMSFailed
		r.SMS.Error = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, calls.ErrNotFound) {
		h.logger().Error("mark sms failed", "call_id", job.WorkItemID, "err", err)
	}
}
