package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/agent"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"github.com/mohammad-safakhou/agencyscout/internal/prompts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var runnerTracer = otel.Tracer("agencyscout/pipeline")

// ErrInvalidRequest is returned by Start for unusable input.
var ErrInvalidRequest = errors.New("invalid pipeline request")

const (
	defaultCount  = 10
	maxCount      = 50
	maxSuburbLen  = 100
	runnerSource  = "orchestrator"
	maxAgentChars = 500
)

// Archiver folds a finished run into history.
type Archiver interface {
	Archive(ctx context.Context, sid string) error
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Store       *Store
	Registry    *Registry
	Agent       agent.Agent
	Prompts     *prompts.Set
	Archiver    Archiver
	Logger      *slog.Logger
	ActivityCap int
	WorkDir     string
	Env         map[string]string
}

// Runner starts pipeline runs, drains their agent streams and reconciles the
// pipeline document when the stream ends.
type Runner struct {
	opts RunnerOptions
	log  *slog.Logger
	wg   sync.WaitGroup
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.Default()
	}
	if opts.ActivityCap <= 0 {
		opts.ActivityCap = activity.DefaultCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{opts: opts, log: logger.With("component", "runner")}
}

// Registry of in-flight runs.
func (r *Runner) Registry() *Registry { return r.opts.Registry }

// StartRequest is the input of a discovery run.
type StartRequest struct {
	Suburb string `json:"suburb"`
	Count  int    `json:"count"`
}

func (req *StartRequest) normalize() error {
	req.Suburb = strings.TrimSpace(req.Suburb)
	if req.Suburb == "" {
		return fmt.Errorf("%w: suburb is required", ErrInvalidRequest)
	}
	if len(req.Suburb) > maxSuburbLen {
		return fmt.Errorf("%w: suburb too long", ErrInvalidRequest)
	}
	if req.Count == 0 {
		req.Count = defaultCount
	}
	if req.Count < 1 || req.Count > maxCount {
		return fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, maxCount)
	}
	return nil
}

// Start creates the run documents, invokes the agent and returns the initial
// record. The agent stream is drained in the background.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*Record, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if r.opts.Agent == nil {
		return nil, errors.New("no agent configured")
	}
	ctx, span := runnerTracer.Start(ctx, "pipeline.start")
	defer span.End()

	sid := ids.NewSessionID()
	span.SetAttributes(attribute.String("session_id", sid), attribute.String("suburb", req.Suburb))
	rec := Record{SessionID: sid, Suburb: req.Suburb, RequestedCount: req.Count}
	if err := r.opts.Store.CreatePipeline(rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	instruction, err := r.opts.Prompts.Pipeline(prompts.PipelineData{
		SessionID:    sid,
		Suburb:       req.Suburb,
		Count:        req.Count,
		ProgressDir:  r.opts.Store.ProgressDir(),
		PipelinePath: r.opts.Store.PipelinePath(sid),
		ActivityPath: r.opts.Store.ActivityPath(sid),
		DemosDir:     r.opts.Store.DemosDir(),
	})
	if err != nil {
		r.fail(sid, err)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run, err := r.opts.Agent.Invoke(runCtx, agent.Invocation{Instruction: instruction, WorkDir: r.opts.WorkDir, Env: r.opts.Env})
	if err != nil {
		cancel()
		span.RecordError(err)
		r.fail(sid, err)
		return nil, fmt.Errorf("invoke agent: %w", err)
	}
	entry := r.opts.Registry.Register(sid, func() {
		if err := run.Interrupt(); err != nil {
			r.log.Warn("agent interrupt failed", "session_id", sid, "err", err)
		}
		cancel()
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.drain(runCtx, sid, run, entry)
	}()

	r.log.Info("pipeline started", "session_id", sid, "suburb", req.Suburb, "count", req.Count)
	created, _ := r.opts.Store.Pipeline(sid)
	if created == nil {
		created = &rec
	}
	return created, nil
}

// Wait blocks until every background drain has returned.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) drain(ctx context.Context, sid string, run agent.Run, entry *Run) {
	var runErr error
	defer func() {
		if p := recover(); p != nil {
			runErr = fmt.Errorf("drain panic: %v", p)
		}
		r.finish(sid, entry, runErr)
	}()
	for ev := range run.Events() {
		if msg, ok := eventMessage(ev); ok {
			if err := r.opts.Store.AppendActivity(ctx, sid, r.opts.ActivityCap, msg); err != nil && ctx.Err() == nil {
				r.log.Warn("append activity failed", "session_id", sid, "err", err)
			}
		}
	}
	runErr = run.Wait()
}

func eventMessage(ev agent.Event) (activity.Message, bool) {
	m := activity.Message{Source: runnerSource}
	switch ev.Type {
	case agent.EventToolUse:
		m.Type = activity.TypeTool
		m.Text = agent.ToolSummary(ev)
	case agent.EventText, agent.EventResult:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return m, false
		}
		m.Type = activity.TypeAgent
		if r := []rune(text); len(r) > maxAgentChars {
			m.Text = string(r[:maxAgentChars])
			m.Detail = text
		} else {
			m.Text = text
		}
	case agent.EventError:
		m.Type = activity.TypeWarning
		m.Text = strings.TrimSpace(ev.Text)
		if m.Text == "" {
			m.Text = "agent reported an error"
		}
	default:
		return m, false
	}
	return m, true
}

// finish reconciles the pipeline document with how the stream ended and
// archives the run. It runs even when draining failed.
func (r *Runner) finish(sid string, entry *Run, runErr error) {
	ctx := context.Background()
	defer r.opts.Registry.Remove(sid, entry)
	entry.setErr(runErr)

	status, msg := StatusComplete, ""
	switch {
	case entry.Cancelled():
		status = StatusCancelled
	case runErr != nil:
		status, msg = StatusError, runErr.Error()
	}
	_, changed, err := r.opts.Store.Finalize(ctx, sid, status, msg)
	if err != nil {
		r.log.Error("reconcile pipeline failed", "session_id", sid, "err", err)
	} else if changed {
		r.log.Info("pipeline reconciled", "session_id", sid, "status", status)
	}
	r.archive(ctx, sid)
}

func (r *Runner) fail(sid string, cause error) {
	ctx := context.Background()
	if _, _, err := r.opts.Store.Finalize(ctx, sid, StatusError, cause.Error()); err != nil {
		r.log.Error("mark pipeline failed", "session_id", sid, "err", err)
	}
	r.archive(ctx, sid)
}

func (r *Runner) archive(ctx context.Context, sid string) {
	if r.opts.Archiver == nil {
		return
	}
	if err := r.opts.Archiver.Archive(ctx, sid); err != nil {
		r.log.Warn("archive failed", "session_id", sid, "err", err)
	}
}

// Cancel interrupts the run if this process owns it and then writes the
// cancelled state whether or not the agent stopped.
func (r *Runner) Cancel(ctx context.Context, sid string) (*Record, error) {
	if err := ids.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	interrupted := r.opts.Registry.Cancel(sid)
	rec, changed, err := r.opts.Store.Cancel(ctx, sid)
	if err != nil {
		return nil, err
	}
	r.log.Info("pipeline cancel", "session_id", sid, "interrupted", interrupted, "changed", changed)
	r.archive(ctx, sid)
	return rec, nil
}
