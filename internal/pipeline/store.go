package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

var (
	// ErrNotFound is returned for a session without a pipeline document.
	ErrNotFound = errors.New("pipeline not found")
	// ErrTerminal is returned when a caller tries to modify a finished run
	// outside of reconciliation.
	ErrTerminal = errors.New("pipeline already terminal")
)

// File name prefixes inside the progress directory.
const (
	PipelinePrefix       = "pipeline-"
	ActivityPrefix       = "activity-"
	AgencyPrefix         = "agency-"
	AgencyActivityPrefix = "agency-activity-"
)

// Store reads and writes the documents of pipeline runs.
type Store struct {
	progressDir string
	demosDir    string
	demoURLBase string
	lock        docstore.LockOptions
	now         func() time.Time
}

// NewStore creates a store. demoURLBase prefixes "<agencyId>.html" to form
// the public demo URL.
func NewStore(progressDir, demosDir, demoURLBase string, lock docstore.LockOptions) *Store {
	if demoURLBase == "" {
		demoURLBase = "/demos/"
	}
	if !strings.HasSuffix(demoURLBase, "/") {
		demoURLBase += "/"
	}
	return &Store{progressDir: progressDir, demosDir: demosDir, demoURLBase: demoURLBase, lock: lock, now: time.Now}
}

func (s *Store) ProgressDir() string { return s.progressDir }
func (s *Store) DemosDir() string    { return s.demosDir }
func (s *Store) Lock() docstore.LockOptions {
	return s.lock
}

func (s *Store) PipelinePath(sid string) string {
	return filepath.Join(s.progressDir, PipelinePrefix+sid+".json")
}

func (s *Store) ActivityPath(sid string) string {
	return filepath.Join(s.progressDir, ActivityPrefix+sid+".json")
}

func (s *Store) AgencyPath(aid string) string {
	return filepath.Join(s.progressDir, AgencyPrefix+aid+".json")
}

func (s *Store) AgencyActivityPath(aid string) string {
	return filepath.Join(s.progressDir, AgencyActivityPrefix+aid+".json")
}

// DemoPath is the generated artifact of an agency worker.
func (s *Store) DemoPath(aid string) string { return filepath.Join(s.demosDir, aid+".html") }

// DemoURL is the public URL of an agency's demo page.
func (s *Store) DemoURL(aid string) string { return s.demoURLBase + aid + ".html" }

// Pipeline reads the pipeline record of sid.
func (s *Store) Pipeline(sid string) (*Record, bool) {
	if ids.ValidateSessionID(sid) != nil {
		return nil, false
	}
	return docstore.Read[Record](s.PipelinePath(sid))
}

// CreatePipeline writes the initial documents of a run: the pipeline record
// and an empty main activity log.
func (s *Store) CreatePipeline(rec Record) error {
	if err := ids.ValidateSessionID(rec.SessionID); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = StatusSearching
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = s.now().UTC()
	}
	if rec.Todos == nil {
		rec.Todos = DefaultTodos()
	}
	if rec.AgencyIDs == nil {
		rec.AgencyIDs = []string{}
	}
	if err := docstore.WriteAtomic(s.PipelinePath(rec.SessionID), rec); err != nil {
		return fmt.Errorf("write pipeline: %w", err)
	}
	log := activity.Log{Status: activity.StatusActive, AgenciesTarget: rec.RequestedCount, Messages: []activity.Message{}}
	if err := docstore.WriteAtomic(s.ActivityPath(rec.SessionID), log); err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

// UpdatePipeline applies fn to a running pipeline under its lock. Agency ids
// only grow: ids dropped by fn are restored and new ids are appended after the
// stored ones. A terminal record is not modified and ErrTerminal is returned.
func (s *Store) UpdatePipeline(ctx context.Context, sid string, fn func(*Record) error) (*Record, error) {
	if err := ids.ValidateSessionID(sid); err != nil {
		return nil, err
	}
	return docstore.Update(ctx, s.PipelinePath(sid), s.lock, func(cur *Record) (*Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sid)
		}
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, sid, cur.Status)
		}
		stored := append([]string(nil), cur.AgencyIDs...)
		if err := fn(cur); err != nil {
			return nil, err
		}
		cur.AgencyIDs = mergeIDs(stored, cur.AgencyIDs)
		return cur, nil
	})
}

// Agency reads an entity record. Invalid ids read as missing.
func (s *Store) Agency(aid string) (*Agency, bool) {
	if ids.ValidateAgencyID(aid) != nil {
		return nil, false
	}
	return docstore.Read[Agency](s.AgencyPath(aid))
}

// WriteAgency replaces an entity record. Each agency has a single writer at
// a time, so no lock is taken.
func (s *Store) WriteAgency(a Agency) error {
	if err := ids.ValidateAgencyID(a.AgencyID); err != nil {
		return err
	}
	return docstore.WriteAtomic(s.AgencyPath(a.AgencyID), a)
}

// Agencies returns the readable entity records listed by rec that belong to
// the same session, in discovery order.
func (s *Store) Agencies(rec *Record) []Agency {
	if rec == nil {
		return nil
	}
	out := make([]Agency, 0, len(rec.AgencyIDs))
	for _, aid := range rec.AgencyIDs {
		a, ok := s.Agency(aid)
		if !ok || a.SessionID != rec.SessionID {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// MainActivity reads the main activity log of a run.
func (s *Store) MainActivity(sid string) (*activity.Log, bool) {
	if ids.ValidateSessionID(sid) != nil {
		return nil, false
	}
	return docstore.Read[activity.Log](s.ActivityPath(sid))
}

// AgencyActivity reads the activity log of one agency worker.
func (s *Store) AgencyActivity(aid string) (*activity.Log, bool) {
	if ids.ValidateAgencyID(aid) != nil {
		return nil, false
	}
	return docstore.Read[activity.Log](s.AgencyActivityPath(aid))
}

// AppendActivity appends to the main activity log of sid.
func (s *Store) AppendActivity(ctx context.Context, sid string, capacity int, msgs ...activity.Message) error {
	if err := ids.ValidateSessionID(sid); err != nil {
		return err
	}
	_, err := activity.AppendFile(ctx, s.ActivityPath(sid), s.lock, capacity, msgs...)
	return err
}

// FileKind classifies a file name found in the progress directory.
type FileKind int

const (
	FileUnknown FileKind = iota
	FilePipeline
	FileMainActivity
	FileAgency
	FileAgencyActivity
)

// ClassifyFile maps a progress directory file name to its document kind and
// id. Scratch files and names that do not carry a valid id are FileUnknown.
// "agency-activity-" is checked before "agency-" since it shares the prefix.
func ClassifyFile(name string) (FileKind, string) {
	if docstore.IsScratch(name) || !strings.HasSuffix(name, ".json") {
		return FileUnknown, ""
	}
	stem := strings.TrimSuffix(name, ".json")
	switch {
	case strings.HasPrefix(stem, AgencyActivityPrefix):
		id := strings.TrimPrefix(stem, AgencyActivityPrefix)
		if ids.ValidateAgencyID(id) == nil {
			return FileAgencyActivity, id
		}
	case strings.HasPrefix(stem, AgencyPrefix):
		id := strings.TrimPrefix(stem, AgencyPrefix)
		if ids.ValidateAgencyID(id) == nil {
			return FileAgency, id
		}
	case strings.HasPrefix(stem, PipelinePrefix):
		id := strings.TrimPrefix(stem, PipelinePrefix)
		if ids.ValidateSessionID(id) == nil {
			return FilePipeline, id
		}
	case strings.HasPrefix(stem, ActivityPrefix):
		id := strings.TrimPrefix(stem, ActivityPrefix)
		if ids.ValidateSessionID(id) == nil {
			return FileMainActivity, id
		}
	}
	return FileUnknown, ""
}
