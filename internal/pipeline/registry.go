package pipeline

import (
	"sort"
	"sync"
	"time"
)

// Run tracks one in-flight agent invocation of this process.
type Run struct {
	SessionID string
	StartedAt time.Time

	cancel func()

	mu        sync.Mutex
	cancelled bool
	err       error
}

// Cancelled reports whether Cancel was requested for the run.
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Err is the error the run ended with, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// RunInfo is a snapshot of a registered run.
type RunInfo struct {
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	Cancelled bool      `json:"cancelled"`
}

// Registry maps session ids to the cancel handles of runs started by this
// process. It is lost on restart; the pipeline document stays the source of
// truth for a run's state.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Register records a run and the function that interrupts it.
func (g *Registry) Register(sid string, cancel func()) *Run {
	r := &Run{SessionID: sid, StartedAt: time.Now().UTC(), cancel: cancel}
	g.mu.Lock()
	g.runs[sid] = r
	g.mu.Unlock()
	return r
}

func (g *Registry) Get(sid string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[sid]
	return r, ok
}

// Remove forgets sid if it is still registered as r.
func (g *Registry) Remove(sid string, r *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.runs[sid]; ok && cur == r {
		delete(g.runs, sid)
	}
}

// Cancel interrupts the run for sid. It reports whether a run was found.
func (g *Registry) Cancel(sid string) bool {
	r, ok := g.Get(sid)
	if !ok {
		return false
	}
	r.mu.Lock()
	already := r.cancelled
	r.cancelled = true
	r.mu.Unlock()
	if !already && r.cancel != nil {
		r.cancel()
	}
	return true
}

// List returns the registered runs, oldest first.
func (g *Registry) List() []RunInfo {
	g.mu.Lock()
	out := make([]RunInfo, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, RunInfo{SessionID: r.SessionID, StartedAt: r.StartedAt, Cancelled: r.Cancelled()})
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
