package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultHeartbeat = 15 * time.Second
	defaultDebounce  = 50 * time.Millisecond

	// fullRefresh is the key scheduled for notifications that cannot be
	// attributed to a single document.
	fullRefresh = "*"
)

// Options tunes every subscriber of an Engine.
type Options struct {
	Heartbeat time.Duration
	Debounce  time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// subscription describes what a subscriber watches and how it reacts. All
// callbacks run on the subscriber's loop goroutine.
type subscription struct {
	kind string
	dirs []string
	// classify maps a changed path to a refresh key; ok=false ignores it.
	classify func(path string) (key string, ok bool)
	// start emits the initial snapshot.
	start func() (done bool, err error)
	// refresh re-reads the documents behind key.
	refresh func(key string) (done bool, err error)
}

// loop owns the watcher, heartbeat and debounce timers of one subscriber.
type loop struct {
	watcher   *fsnotify.Watcher
	heartbeat *time.Ticker
	timers    map[string]*time.Timer
	fired     chan string
	stop      chan struct{}
	debounce  time.Duration
	closeOnce sync.Once
}

// schedule (re)arms the debounce timer of key.
func (l *loop) schedule(key string) {
	if t, ok := l.timers[key]; ok {
		t.Reset(l.debounce)
		return
	}
	l.timers[key] = time.AfterFunc(l.debounce, func() {
		select {
		case l.fired <- key:
		case <-l.stop:
		}
	})
}

// shutdown stops the heartbeat, then every pending debounce timer, then the
// watcher. It is safe to call more than once.
func (l *loop) shutdown() {
	l.closeOnce.Do(func() {
		if l.heartbeat != nil {
			l.heartbeat.Stop()
		}
		for key, t := range l.timers {
			t.Stop()
			delete(l.timers, key)
		}
		close(l.stop)
		_ = l.watcher.Close()
	})
}

// notify schedules the refresh a watcher event calls for. An event without a
// name cannot be attributed and refreshes everything.
func (l *loop) notify(ev fsnotify.Event, classify func(string) (string, bool)) {
	if ev.Name == "" {
		l.schedule(fullRefresh)
		return
	}
	if key, ok := classify(ev.Name); ok {
		l.schedule(key)
	}
}

func (e *Engine) run(ctx context.Context, em Emitter, sub subscription) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l := &loop{
		watcher:  watcher,
		timers:   make(map[string]*time.Timer),
		fired:    make(chan string, 16),
		stop:     make(chan struct{}),
		debounce: e.opts.Debounce,
	}
	defer l.shutdown()
	for _, dir := range sub.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("watch dir: %w", err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	e.opts.Metrics.connected(sub.kind, 1)
	defer e.opts.Metrics.connected(sub.kind, -1)
	logger := e.log.With("kind", sub.kind)

	// the watch is armed before the snapshot so no write falls in between
	done, err := sub.start()
	if err != nil || done {
		return clientGone(err)
	}

	l.heartbeat = time.NewTicker(e.opts.Heartbeat)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.heartbeat.C:
			if err := em.Heartbeat(); err != nil {
				return clientGone(err)
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.notify(ev, sub.classify)
		case ev := <-e.notices:
			l.notify(ev, sub.classify)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error, refreshing everything", "err", werr)
			l.schedule(fullRefresh)
		case key := <-l.fired:
			delete(l.timers, key)
			done, err := sub.refresh(key)
			if err != nil || done {
				return clientGone(err)
			}
		}
	}
}

// errClientGone marks emitter failures; the subscriber just ends.
var errClientGone = errors.New("subscriber gone")

type emitError struct{ err error }

func (e *emitError) Error() string { return "emit: " + e.err.Error() }
func (e *emitError) Unwrap() error { return errClientGone }

// clientGone turns emitter failures into a clean end of the subscription.
func clientGone(err error) error {
	if errors.Is(err, errClientGone) {
		return nil
	}
	return err
}

func (e *Engine) send(kind string, em Emitter, f Frame) error {
	if err := em.Send(f); err != nil {
		return &emitError{err: err}
	}
	e.opts.Metrics.emitted(kind, f.Type)
	return nil
}

func contentHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
