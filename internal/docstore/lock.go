package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// LockOptions tunes lock acquisition.
type LockOptions struct {
	// Timeout bounds the total time spent waiting for the lock.
	Timeout time.Duration
	// StaleAfter is the age after which an existing lock file is assumed abandoned.
	StaleAfter time.Duration
	// RetryDelay is the wait between acquisition attempts.
	RetryDelay time.Duration
}

// DefaultLockOptions are used for any zero field of a caller's LockOptions.
var DefaultLockOptions = LockOptions{
	Timeout:    5 * time.Second,
	StaleAfter: 30 * time.Second,
	RetryDelay: 25 * time.Millisecond,
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultLockOptions.Timeout
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultLockOptions.StaleAfter
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultLockOptions.RetryDelay
	}
	return o
}

// LockTimeoutError is returned when a lock could not be acquired in time.
type LockTimeoutError struct {
	LockPath string
	Waited   time.Duration
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: path=%s waited=%s attempts=%d", e.LockPath, e.Waited.Truncate(time.Millisecond), e.Attempts)
}

// ErrLockTimeout matches any *LockTimeoutError with errors.Is.
var ErrLockTimeout = errors.New("lock timeout")

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// goroutines of one process queue on a mutex first so they do not burn
// filesystem polls against each other.
var processLocks sync.Map

func processLock(lockPath string) *sync.Mutex {
	actual, _ := processLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// WithLock runs fn while holding an exclusive "<path>.lock" marker. A lock file
// older than StaleAfter is removed and acquisition retried. Exceeding Timeout
// returns a *LockTimeoutError.
func WithLock(ctx context.Context, path string, opts LockOptions, fn func() error) error {
	opts = opts.withDefaults()
	lockPath := path + LockSuffix
	if err := os.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return fmt.Errorf("prepare lock dir: %w", err)
	}

	mu := processLock(lockPath)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			meta, _ := json.Marshal(map[string]any{
				"pid":        os.Getpid(),
				"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			_, _ = f.Write(meta)
			_ = f.Close()
			defer func() { _ = os.Remove(lockPath) }()
			return fn()
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("acquire lock %s: %w", filepath.Base(lockPath), err)
		}
		if isStale(lockPath, opts.StaleAfter) {
			breakStale(lockPath, opts.StaleAfter)
			continue
		}
		if time.Since(start) >= opts.Timeout {
			return &LockTimeoutError{LockPath: lockPath, Waited: time.Since(start), Attempts: attempts}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
}

func isStale(lockPath string, staleAfter time.Duration) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		// vanished between open and stat; retry immediately
		return errors.Is(err, os.ErrNotExist)
	}
	return time.Since(info.ModTime()) > staleAfter
}

var asideSeq atomic.Uint64

// breakStale moves the lock at lockPath aside under a unique scratch name and
// deletes it. Another waiter may have broken the same stale lock and taken a
// fresh one in between; a moved lock that is not stale is linked back.
func breakStale(lockPath string, staleAfter time.Duration) {
	aside := fmt.Sprintf("%s.%d-%d%s", lockPath, os.Getpid(), asideSeq.Add(1), TempSuffix)
	if err := os.Rename(lockPath, aside); err != nil {
		return
	}
	if info, err := os.Stat(aside); err == nil && time.Since(info.ModTime()) <= staleAfter {
		_ = os.Link(aside, lockPath)
	}
	_ = os.Remove(aside)
}

// Update performs a locked read-modify-write of the document at path. fn
// receives the current document, or nil when it is missing or unreadable, and
// returns the value to store. Returning ErrSkipWrite leaves the document as is.
func Update[T any](ctx context.Context, path string, opts LockOptions, fn func(current *T) (*T, error)) (*T, error) {
	var out *T
	err := WithLock(ctx, path, opts, func() error {
		current, _ := Read[T](path)
		next, err := fn(current)
		if errors.Is(err, ErrSkipWrite) {
			out = current
			return nil
		}
		if err != nil {
			return err
		}
		if next == nil {
			out = current
			return nil
		}
		if err := WriteAtomic(path, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ErrSkipWrite may be returned by an Update callback to abort without writing.
var ErrSkipWrite = errors.New("docstore: skip write")
