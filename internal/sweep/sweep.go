// Package sweep deletes documents that outlived their usefulness.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/history"
	"github.com/mohammad-safakhou/agencyscout/internal/queue"
)

const (
	DefaultCron   = "0 * * * *"
	DefaultMaxAge = 72 * time.Hour

	lockKey = "agencyscout:sweep:lock"
	lockTTL = 10 * time.Minute
)

type Options struct {
	Cron   string
	MaxAge time.Duration
	// Dirs are swept by modification time; nested directories are left alone.
	Dirs []string
	// Calls is swept like Dirs; deleted records are also dropped from Index.
	Calls    *calls.Store
	Index    *calls.Index
	Contexts *calls.Contexts
	History  *history.Archive
	// Queues lose job files, queued or claimed, older than MaxAge.
	Queues []*queue.Queue
	// Redis, when set, keeps concurrent processes from sweeping at once.
	Redis  *redis.Client
	Tick   time.Duration
	Logger *slog.Logger
}

// Result counts what one pass removed.
type Result struct {
	Files    int
	Jobs     int
	Calls    int
	Contexts int
	History  int
}

type Sweeper struct {
	opts Options
	expr *cronexpr.Expression
	log  *slog.Logger
	now  func() time.Time
}

func New(opts Options) (*Sweeper, error) {
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	expr, err := cronexpr.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("sweep cron %q: %w", opts.Cron, err)
	}
	return &Sweeper{opts: opts, expr: expr, log: opts.Logger.With("component", "sweep"), now: time.Now}, nil
}

// Run sweeps whenever the schedule is due until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	last := s.now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.now()
			if !isDue(s.expr, last, now) {
				continue
			}
			last = now
			if _, err := s.Once(ctx); err != nil {
				s.log.Warn("sweep failed", "err", err)
			}
		}
	}
}

// isDue reports whether the schedule fired between last and now.
func isDue(expr *cronexpr.Expression, last, now time.Time) bool {
	next := expr.Next(last)
	return !next.IsZero() && !next.After(now)
}

// Once runs a single pass. With Redis configured, a pass that finds another
// process sweeping returns a zero Result.
func (s *Sweeper) Once(ctx context.Context) (Result, error) {
	var res Result
	if s.opts.Redis != nil {
		ok, err := s.opts.Redis.SetNX(ctx, lockKey, "1", lockTTL).Result()
		if err != nil {
			return res, fmt.Errorf("sweep lock: %w", err)
		}
		if !ok {
			s.log.Debug("another process is sweeping")
			return res, nil
		}
		defer s.opts.Redis.Del(context.WithoutCancel(ctx), lockKey)
	}

	cutoff := s.now().Add(-s.opts.MaxAge)
	for _, dir := range s.opts.Dirs {
		removed, _ := s.sweepDir(dir, cutoff, nil)
		res.Files += len(removed)
	}
	for _, q := range s.opts.Queues {
		removed, _ := s.sweepDir(q.Dir(), cutoff, isJobFile)
		res.Jobs += len(removed)
	}
	if s.opts.Calls != nil {
		removed, _ := s.sweepDir(s.opts.Calls.Dir(), cutoff, nil)
		gone := map[string]bool{}
		for _, name := range removed {
			if id, postCall, ok := calls.CallIDFromFile(name); ok && !postCall {
				gone[id] = true
			}
		}
		res.Calls = len(gone)
		if s.opts.Index != nil {
			if err := s.opts.Index.Forget(ctx, gone); err != nil {
				s.log.Warn("forget swept calls failed", "err", err)
			}
		}
	}
	if s.opts.Contexts != nil {
		n, err := s.opts.Contexts.Prune(ctx)
		if err != nil {
			s.log.Warn("prune contexts failed", "err", err)
		}
		res.Contexts = n
	}
	if s.opts.History != nil {
		res.History = s.opts.History.Prune()
	}
	s.log.Info("sweep done", "files", res.Files, "jobs", res.Jobs, "calls", res.Calls, "contexts", res.Contexts, "history", res.History)
	return res, nil
}

func isJobFile(name string) bool {
	return strings.HasSuffix(name, queue.QueuedExt) || strings.HasSuffix(name, queue.ClaimedExt)
}

// sweepDir removes regular files in dir modified before cutoff and returns
// their names. A non-nil match limits the files considered.
func (s *Sweeper) sweepDir(dir string, cutoff time.Time, match func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.log.Warn("read dir failed", "dir", dir, "err", err)
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || (match != nil && !match(e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove failed", "file", e.Name(), "err", err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
