// Package queue implements an at-least-once job queue backed by a directory of
// job files. A job is claimed by renaming "<id>.json" to "<id>.processing";
// the rename is the only mutual exclusion between workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("agencyscout/queue")

// Options configures a Queue. Zero values fall back to the defaults below.
type Options struct {
	Name         string
	Dir          string
	ErrorLogPath string
	MaxAttempts  int
	StaleAfter   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	ErrorLogCap  int
	Lock         docstore.LockOptions
	Metrics      *Metrics
	Notifier     Notifier
	Logger       *slog.Logger
}

const (
	defaultMaxAttempts  = 3
	defaultStaleAfter   = 10 * time.Minute
	defaultTimeout      = 90 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultErrorLogCap  = 100
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ErrorLogCap <= 0 {
		o.ErrorLogCap = defaultErrorLogCap
	}
	if o.ErrorLogPath == "" {
		o.ErrorLogPath = filepath.Join(filepath.Dir(o.Dir), o.Name+"-errors.json")
	}
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", "queue", "queue", o.Name)
	return o
}

// Queue is one job directory plus the handler that executes its jobs.
type Queue struct {
	opts    Options
	handler Handler
	now     func() time.Time

	running    atomic.Bool
	loopActive atomic.Bool
	again      atomic.Bool // a nudge arrived during a background pass
	wake       chan struct{}
}

// New creates a queue over opts.Dir executing jobs with h.
func New(opts Options, h Handler) *Queue {
	return &Queue{
		opts:    opts.withDefaults(),
		handler: h,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Name of the queue.
func (q *Queue) Name() string { return q.opts.Name }

// Dir holds the queued and claimed job files.
func (q *Queue) Dir() string { return q.opts.Dir }

// MaxAttempts is the number of attempts allowed before a job is dead.
func (q *Queue) MaxAttempts() int { return q.opts.MaxAttempts }

// ErrorLogPath is the path of the capped terminal-failure log.
func (q *Queue) ErrorLogPath() string { return q.opts.ErrorLogPath }

func (q *Queue) queuedPath(id string) string  { return filepath.Join(q.opts.Dir, id+QueuedExt) }
func (q *Queue) claimedPath(id string) string { return filepath.Join(q.opts.Dir, id+ClaimedExt) }

// Enqueue adds a job for workItemID unless one is already queued or claimed.
// It reports whether a new job file was created.
func (q *Queue) Enqueue(ctx context.Context, workItemID string, payload any) (bool, error) {
	if err := ids.ValidateWorkItemID(workItemID); err != nil {
		return false, err
	}
	if docstore.Exists(q.claimedPath(workItemID)) {
		return false, nil
	}
	job := Job{WorkItemID: workItemID, CreatedAt: q.now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("marshal payload: %w", err)
		}
		job.Payload = raw
	}
	created, err := docstore.CreateExclusive(q.queuedPath(workItemID), job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", workItemID, err)
	}
	if created {
		q.opts.Logger.Info("job enqueued", "work_item", workItemID)
		if err := q.opts.Notifier.Publish(ctx, q.opts.Name); err != nil {
			q.opts.Logger.Warn("nudge publish failed", "err", err)
		}
	}
	return created, nil
}

// Stats summarises one processing pass.
type Stats struct {
	Skipped   bool
	Recovered int
	Claimed   int
	Succeeded int
	Requeued  int
	Deferred  int
	Dead      int
}

// ProcessOnce recovers stale claims and then claims and executes every queued
// job once. A call made while another pass of the same queue is running in
// this process returns immediately with Stats.Skipped set.
func (q *Queue) ProcessOnce(ctx context.Context) (Stats, error) {
	if !q.running.CompareAndSwap(false, true) {
		return Stats{Skipped: true}, nil
	}
	defer q.running.Store(false)

	var st Stats
	if err := os.MkdirAll(q.opts.Dir, 0o755); err != nil {
		return st, fmt.Errorf("queue dir: %w", err)
	}
	st.Recovered = q.recoverStale()

	for _, name := range docstore.List(q.opts.Dir, "", QueuedExt) {
		if ctx.Err() != nil {
			break
		}
		id := strings.TrimSuffix(name, QueuedExt)
		if !q.claim(id) {
			continue
		}
		st.Claimed++
		switch q.execute(ctx, id) {
		case OutcomeSucceeded:
			st.Succeeded++
		case OutcomeRequeued:
			st.Requeued++
		case OutcomeDeferred:
			st.Deferred++
		case OutcomeDead:
			st.Dead++
		}
	}
	queued, claimed := q.Depth()
	q.opts.Metrics.setDepth(q.opts.Name, queued, claimed)
	return st, ctx.Err()
}

// claim renames the queued file to its claimed name. A failed rename means
// another worker won the race or the job vanished.
func (q *Queue) claim(id string) bool {
	claimed := q.claimedPath(id)
	if err := os.Rename(q.queuedPath(id), claimed); err != nil {
		return false
	}
	// rename keeps the old mtime; refresh it so the claim is not seen as stale
	now := q.now()
	_ = os.Chtimes(claimed, now, now)
	return true
}

func (q *Queue) release(id string) {
	if err := os.Rename(q.claimedPath(id), q.queuedPath(id)); err != nil {
		q.opts.Logger.Warn("release claim failed", "work_item", id, "err", err)
	}
}

func (q *Queue) recoverStale() int {
	n := 0
	for _, name := range docstore.List(q.opts.Dir, "", ClaimedExt) {
		id := strings.TrimSuffix(name, ClaimedExt)
		path := q.claimedPath(id)
		mt := docstore.ModTime(path)
		if mt.IsZero() || q.now().Sub(mt) <= q.opts.StaleAfter {
			continue
		}
		if err := os.Rename(path, q.queuedPath(id)); err != nil {
			continue
		}
		n++
		q.opts.Metrics.observe(q.opts.Name, OutcomeRecovered)
		q.opts.Logger.Warn("recovered stale claim", "work_item", id, "age", q.now().Sub(mt).Truncate(time.Second))
	}
	return n
}

func (q *Queue) execute(ctx context.Context, id string) string {
	ctx, span := tracer.Start(ctx, "queue.execute")
	defer span.End()
	span.SetAttributes(attribute.String("queue", q.opts.Name), attribute.String("work_item", id))

	path := q.claimedPath(id)
	job, ok := docstore.Read[Job](path)
	if !ok {
		err := errors.New("unreadable job file")
		q.dead(ctx, Job{WorkItemID: id}, err)
		span.SetStatus(codes.Error, err.Error())
		return OutcomeDead
	}
	if job.WorkItemID == "" {
		job.WorkItemID = id
	}

	if rc, ok := q.handler.(ReadinessChecker); ok {
		ready, err := rc.Ready(ctx, *job)
		switch {
		case err != nil && IsPermanent(err):
			q.dead(ctx, *job, err)
			span.RecordError(err)
			return OutcomeDead
		case err != nil:
			q.opts.Logger.Warn("readiness check failed", "work_item", id, "err", err)
			q.release(id)
			q.opts.Metrics.observe(q.opts.Name, OutcomeDeferred)
			return OutcomeDeferred
		case !ready:
			q.release(id)
			q.opts.Metrics.observe(q.opts.Name, OutcomeDeferred)
			q.opts.Logger.Debug("job not ready", "work_item", id)
			return OutcomeDeferred
		}
	}

	job.Attempts++
	if err := docstore.WriteAtomic(path, job); err != nil {
		q.opts.Logger.Error("persist attempt failed", "work_item", id, "err", err)
		q.release(id)
		q.opts.Metrics.observe(q.opts.Name, OutcomeRequeued)
		return OutcomeRequeued
	}

	err := q.run(ctx, *job)
	switch {
	case err == nil:
		if rmErr := docstore.Remove(path); rmErr != nil {
			q.opts.Logger.Warn("remove finished job failed", "work_item", id, "err", rmErr)
		}
		q.opts.Metrics.observe(q.opts.Name, OutcomeSucceeded)
		q.opts.Logger.Info("job succeeded", "work_item", id, "attempts", job.Attempts)
		return OutcomeSucceeded
	case IsPermanent(err) || job.Attempts > q.opts.MaxAttempts:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.dead(ctx, *job, err)
		return OutcomeDead
	default:
		span.RecordError(err)
		q.release(id)
		q.opts.Metrics.observe(q.opts.Name, OutcomeRequeued)
		q.opts.Logger.Warn("job failed, requeued", "work_item", id, "attempts", job.Attempts, "err", err)
		return OutcomeRequeued
	}
}

func (q *Queue) run(ctx context.Context, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	err = q.handler.Handle(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// dead records the terminal failure, notifies the handler and removes the job.
func (q *Queue) dead(ctx context.Context, job Job, cause error) {
	entry := ErrorEntry{
		Queue:      q.opts.Name,
		WorkItemID: job.WorkItemID,
		Attempts:   job.Attempts,
		Error:      cause.Error(),
		FailedAt:   q.now().UTC(),
	}
	if err := q.appendError(ctx, entry); err != nil {
		q.opts.Logger.Error("append error log failed", "work_item", job.WorkItemID, "err", err)
	}
	if dl, ok := q.handler.(DeadLetterHandler); ok {
		dl.OnDead(context.WithoutCancel(ctx), job, cause)
	}
	if err := docstore.Remove(q.claimedPath(job.WorkItemID)); err != nil {
		q.opts.Logger.Warn("remove dead job failed", "work_item", job.WorkItemID, "err", err)
	}
	q.opts.Metrics.observe(q.opts.Name, OutcomeDead)
	q.opts.Logger.Error("job dead", "work_item", job.WorkItemID, "attempts", job.Attempts, "err", cause)
}

func (q *Queue) appendError(ctx context.Context, entry ErrorEntry) error {
	_, err := docstore.Update(context.WithoutCancel(ctx), q.opts.ErrorLogPath, q.opts.Lock, func(cur *[]ErrorEntry) (*[]ErrorEntry, error) {
		var entries []ErrorEntry
		if cur != nil {
			entries = *cur
		}
		entries = append(entries, entry)
		if over := len(entries) - q.opts.ErrorLogCap; over > 0 {
			entries = entries[over:]
		}
		return &entries, nil
	})
	return err
}

// ErrorLog returns the terminal-failure entries, oldest first.
func (q *Queue) ErrorLog() []ErrorEntry {
	entries, ok := docstore.Read[[]ErrorEntry](q.opts.ErrorLogPath)
	if !ok {
		return nil
	}
	return *entries
}

// Depth counts queued and claimed job files.
func (q *Queue) Depth() (queued, claimed int) {
	return len(docstore.List(q.opts.Dir, "", QueuedExt)), len(docstore.List(q.opts.Dir, "", ClaimedExt))
}

// Pending reports whether a job for workItemID is queued or claimed.
func (q *Queue) Pending(workItemID string) bool {
	return docstore.Exists(q.queuedPath(workItemID)) || docstore.Exists(q.claimedPath(workItemID))
}

// Nudge asks for a processing pass soon. With Run active the loop is woken;
// otherwise a pass starts in the background, and a nudge landing during that
// pass schedules one more.
func (q *Queue) Nudge() {
	if q.loopActive.Load() {
		select {
		case q.wake <- struct{}{}:
		default:
		}
		return
	}
	if q.running.Load() {
		q.again.Store(true)
		return
	}
	go func() {
		for {
			q.again.Store(false)
			st, err := q.ProcessOnce(context.Background())
			if err != nil {
				q.opts.Logger.Warn("nudged pass failed", "err", err)
			}
			if st.Skipped || !q.again.Load() {
				return
			}
		}
	}()
}

// Run polls the queue until ctx is done. Nudges from this process and from the
// configured Notifier trigger an immediate pass.
func (q *Queue) Run(ctx context.Context) error {
	q.loopActive.Store(true)
	defer q.loopActive.Store(false)

	remote, err := q.opts.Notifier.Subscribe(ctx, q.opts.Name)
	if err != nil {
		q.opts.Logger.Warn("nudge subscription unavailable, polling only", "err", err)
		remote = nil
	}
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	q.opts.Logger.Info("queue worker started", "dir", q.opts.Dir, "poll", q.opts.PollInterval)
	for {
		q.pass(ctx)
		select {
		case <-ctx.Done():
			q.opts.Logger.Info("queue worker stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
		case <-q.wake:
		case _, ok := <-remote:
			if !ok {
				remote = nil
			}
		}
	}
}

func (q *Queue) pass(ctx context.Context) {
	st, err := q.ProcessOnce(ctx)
	if err != nil && ctx.Err() == nil {
		q.opts.Logger.Warn("processing pass failed", "err", err)
		return
	}
	if st.Claimed > 0 || st.Recovered > 0 {
		q.opts.Logger.Debug("processing pass", "claimed", st.Claimed, "succeeded", st.Succeeded,
			"requeued", st.Requeued, "deferred", st.Deferred, "dead", st.Dead, "recovered", st.Recovered)
	}
}
