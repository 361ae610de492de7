// Package pagegen generates the personalised page for a completed call. Jobs
// run on the "pages" queue keyed by call id.
package pagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/queue"
)

// ErrArtifactMissing is returned when generation finished without writing the
// page. The job is retried.
var ErrArtifactMissing = errors.New("page artifact missing after generation")

// Generator produces the page for a call at outputPath, reporting progress
// to the activity log at activityPath.
type Generator interface {
	Generate(ctx context.Context, call calls.Record, outputPath, activityPath string) error
}

// Handler is the queue handler of the pages queue.
type Handler struct {
	Calls       *calls.Store
	Generator   Generator
	PagesDir    string
	PageURLBase string
	Lock        docstore.LockOptions
	ActivityCap int
	Logger      *slog.Logger
}

// ArtifactPath is where the page of callID is written.
func (h *Handler) ArtifactPath(callID string) string {
	return filepath.Join(h.PagesDir, callID+".html")
}

// PageURL is the public URL of the page of callID.
func (h *Handler) PageURL(callID string) string {
	base := h.PageURLBase
	if base == "" {
		base = "/pages/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + callID + ".html"
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default().With("component", "pagegen")
	}
	return h.Logger
}

func (h *Handler) note(ctx context.Context, callID string, typ activity.MessageType, text string) {
	_, err := activity.AppendFile(ctx, h.Calls.PostCallActivityPath(callID), h.Lock, h.ActivityCap,
		activity.Message{Type: typ, Text: text, Source: "pagegen"})
	if err != nil {
		h.logger().Warn("post-call activity append failed", "call_id", callID, "err", err)
	}
}

// Handle generates the page unless it already exists and marks the call
// record completed.
func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	callID := job.WorkItemID
	rec, ok := h.Calls.Get(callID)
	if !ok {
		return queue.Permanent(fmt.Errorf("%w: %s", calls.ErrNotFound, callID))
	}
	artifact := h.ArtifactPath(callID)
	if rec.PageStatus == calls.PageCompleted && docstore.Exists(artifact) {
		return nil
	}

	if !docstore.Exists(artifact) {
		if err := activity.SetStatus(ctx, h.Calls.PostCallActivityPath(callID), h.Lock, activity.StatusActive); err != nil {
			h.logger().Warn("post-call activity status failed", "call_id", callID, "err", err)
		}
		h.note(ctx, callID, activity.TypeAgent, fmt.Sprintf("Generating page for %s (attempt %d)", displayName(rec), job.Attempts))
		if err := h.Generator.Generate(ctx, *rec, artifact, h.Calls.PostCallActivityPath(callID)); err != nil {
			return fmt.Errorf("generate page %s: %w", callID, err)
		}
		if !docstore.Exists(artifact) {
			return ErrArtifactMissing
		}
	}

	url := h.PageURL(callID)
	if _, err := h.Calls.Update(ctx, callID, func(r *calls.Record) error {
		r.PageStatus = calls.PageCompleted
		r.PageURL = url
		r.PageError = ""
		return nil
	}); err != nil {
		return fmt.Errorf("mark page completed: %w", err)
	}
	h.note(ctx, callID, activity.TypeResults, "Page ready: "+url)
	if err := activity.SetStatus(ctx, h.Calls.PostCallActivityPath(callID), h.Lock, activity.StatusComplete); err != nil {
		h.logger().Warn("post-call activity status failed", "call_id", callID, "err", err)
	}
	h.logger().Info("page generated", "call_id", callID, "url", url)
	return nil
}

// OnDead records the permanent failure on the call record.
func (h *Handler) OnDead(ctx context.Context, job queue.Job, cause error) {
	callID := job.WorkItemID
	_, err := h.Calls.Update(ctx, callID, func(r *calls.Record) error {
		if r.PageStatus == calls.PageCompleted {
			return docstore.ErrSkipWrite
		}
		r.PageStatus = calls.PageFailed
		r.PageError = cause.Error()
		return nil
	})
	if err != nil && !errors.Is(err, calls.ErrNotFound) {
		h.logger().Error("mark page failed", "call_id", callID, "err", err)
	}
	h.note(ctx, callID, activity.TypeWarning, "Page generation failed: "+cause.Error())
	if err := activity.SetStatus(ctx, h.Calls.PostCallActivityPath(callID), h.Lock, activity.StatusComplete); err != nil {
		h.logger().Warn("post-call activity status failed", "call_id", callID, "err", err)
	}
}

func displayName(rec *calls.Record) string {
	switch {
	case rec.AgencyName != "":
		return rec.AgencyName
	case rec.CallerName != "":
		return rec.CallerName
	}
	return rec.CallID
}
