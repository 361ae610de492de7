// Package calls persists call records, the conversation to call index and the
// short-lived call contexts registered ahead of outbound calls.
package calls

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

// ErrNotFound is returned by Update for a call without a record.
var ErrNotFound = errors.New("call not found")

const postCallPrefix = "activity-postcall-"

// Store keeps one document per call in a directory.
type Store struct {
	dir  string
	lock docstore.LockOptions
	now  func() time.Time
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, lock docstore.LockOptions) *Store {
	return &Store{dir: dir, lock: lock, now: time.Now}
}

// Dir is the directory holding call and post-call activity documents.
func (s *Store) Dir() string { return s.dir }

// Path of the call record document.
func (s *Store) Path(callID string) string { return filepath.Join(s.dir, callID+".json") }

// PostCallActivityPath is the activity log written while the page is generated.
func (s *Store) PostCallActivityPath(callID string) string {
	return filepath.Join(s.dir, postCallPrefix+callID+".json")
}

// CallIDFromFile maps a file name in Dir to the call it belongs to and whether
// it is the post-call activity log.
func CallIDFromFile(name string) (callID string, postCall bool, ok bool) {
	if docstore.IsScratch(name) || !strings.HasSuffix(name, ".json") {
		return "", false, false
	}
	stem := strings.TrimSuffix(name, ".json")
	if strings.HasPrefix(stem, postCallPrefix) {
		stem = strings.TrimPrefix(stem, postCallPrefix)
		postCall = true
	}
	if ids.ValidateCallID(stem) != nil {
		return "", false, false
	}
	return stem, postCall, true
}

// Get returns the record for callID. Invalid ids read as missing.
func (s *Store) Get(callID string) (*Record, bool) {
	if ids.ValidateCallID(callID) != nil {
		return nil, false
	}
	return docstore.Read[Record](s.Path(callID))
}

// Create writes rec unless a record with the same id exists.
func (s *Store) Create(rec Record) (bool, error) {
	if err := ids.ValidateCallID(rec.CallID); err != nil {
		return false, err
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.PageStatus == "" {
		rec.PageStatus = PageGenerating
	}
	return docstore.CreateExclusive(s.Path(rec.CallID), rec)
}

// Update applies fn to the record under its lock. Returning docstore.ErrSkipWrite
// from fn leaves the record untouched.
func (s *Store) Update(ctx context.Context, callID string, fn func(*Record) error) (*Record, error) {
	if err := ids.ValidateCallID(callID); err != nil {
		return nil, err
	}
	return docstore.Update(ctx, s.Path(callID), s.lock, func(cur *Record) (*Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.UpdatedAt = s.now().UTC()
		return cur, nil
	})
}

// List returns records newest first, restricted to sessionID when non-empty.
func (s *Store) List(sessionID string) []Record {
	var out []Record
	for _, name := range docstore.List(s.dir, "", ".json") {
		if strings.HasPrefix(name, postCallPrefix) {
			continue
		}
		rec, ok := docstore.Read[Record](filepath.Join(s.dir, name))
		if !ok || rec.CallID == "" {
			continue
		}
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
