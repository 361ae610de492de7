package calls

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

// DefaultContextTTL bounds how long a registered context stays resolvable.
const DefaultContextTTL = 24 * time.Hour

// CallContext is what the calling agent needs to know about the agency before
// dialling. It is registered by the UI and resolved when the call completes.
type CallContext struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"sessionId,omitempty"`
	AgencyID       string            `json:"agencyId,omitempty"`
	AgencyName     string            `json:"agencyName,omitempty"`
	AgencyLocation string            `json:"agencyLocation,omitempty"`
	DemoURL        string            `json:"demoUrl,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	ExpiresAt      time.Time         `json:"expiresAt"`
}

type contextsDoc struct {
	Contexts map[string]CallContext `json:"contexts"`
}

// Contexts is the context registry, one locked document shared by all writers.
type Contexts struct {
	path string
	lock docstore.LockOptions
	ttl  time.Duration
	now  func() time.Time
}

func NewContexts(path string, lock docstore.LockOptions, ttl time.Duration) *Contexts {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Contexts{path: path, lock: lock, ttl: ttl, now: time.Now}
}

// Register stores c under a fresh id and prunes expired entries.
func (r *Contexts) Register(ctx context.Context, c CallContext) (CallContext, error) {
	now := r.now().UTC()
	c.ID = ids.NewContextID()
	c.CreatedAt = now
	c.ExpiresAt = now.Add(r.ttl)
	_, err := docstore.Update(ctx, r.path, r.lock, func(cur *contextsDoc) (*contextsDoc, error) {
		if cur == nil || cur.Contexts == nil {
			cur = &contextsDoc{Contexts: map[string]CallContext{}}
		}
		pruneExpired(cur, now)
		cur.Contexts[c.ID] = c
		return cur, nil
	})
	if err != nil {
		return CallContext{}, err
	}
	return c, nil
}

// Get resolves an unexpired context.
func (r *Contexts) Get(id string) (CallContext, bool) {
	if ids.ValidateContextID(id) != nil {
		return CallContext{}, false
	}
	doc, ok := docstore.Read[contextsDoc](r.path)
	if !ok {
		return CallContext{}, false
	}
	c, ok := doc.Contexts[id]
	if !ok || !r.now().Before(c.ExpiresAt) {
		return CallContext{}, false
	}
	return c, true
}

// Prune removes expired contexts and reports how many were dropped.
func (r *Contexts) Prune(ctx context.Context) (int, error) {
	removed := 0
	_, err := docstore.Update(ctx, r.path, r.lock, func(cur *contextsDoc) (*contextsDoc, error) {
		if cur == nil {
			return nil, docstore.ErrSkipWrite
		}
		removed = pruneExpired(cur, r.now().UTC())
		if removed == 0 {
			return nil, docstore.ErrSkipWrite
		}
		return cur, nil
	})
	return removed, err
}

func pruneExpired(doc *contextsDoc, now time.Time) int {
	n := 0
	for id, c := range doc.Contexts {
		if !now.Before(c.ExpiresAt) {
			delete(doc.Contexts, id)
			n++
		}
	}
	return n
}
