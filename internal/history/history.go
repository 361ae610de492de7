// Package history folds finished pipeline runs into a per-run detail
// snapshot and a bounded, newest-first index of run summaries.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultMaxEntries caps the index.
const DefaultMaxEntries = 50

// ErrNotTerminal is returned when archiving a run that is still going.
var ErrNotTerminal = errors.New("pipeline not terminal")

// EntryStatus summarises how a run went.
type EntryStatus string

const (
	EntryComplete EntryStatus = "complete"
	EntryPartial  EntryStatus = "partial"
	EntryFailed   EntryStatus = "failed"
)

// Entry is one line of the history index.
type Entry struct {
	SessionID      string          `json:"sessionId"`
	Name           string          `json:"name"`
	Suburb         string          `json:"suburb"`
	RequestedCount int             `json:"requestedCount"`
	Status         EntryStatus     `json:"status"`
	PipelineStatus pipeline.Status `json:"pipelineStatus"`
	AgencyCount    int             `json:"agencyCount"`
	Succeeded      int             `json:"succeeded"`
	Failed         int             `json:"failed"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt"`
	ArchivedAt     time.Time       `json:"archivedAt"`
}

// Index is the history index document.
type Index struct {
	Sessions []Entry `json:"sessions"`
}

// Detail is the full snapshot of one run.
type Detail struct {
	Summary        Entry                    `json:"summary"`
	Pipeline       pipeline.Record          `json:"pipeline"`
	Agencies       []pipeline.Agency        `json:"agencies"`
	Activity       *activity.Log            `json:"activity"`
	AgencyActivity map[string]*activity.Log `json:"agencyActivity"`
}

// Archive owns the history directory.
type Archive struct {
	dir   string
	store *pipeline.Store
	max   int
	lock  docstore.LockOptions
	log   *slog.Logger
	now   func() time.Time
}

func New(dir string, store *pipeline.Store, maxEntries int, lock docstore.LockOptions, logger *slog.Logger) *Archive {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{dir: dir, store: store, max: maxEntries, lock: lock, log: logger.With("component", "history"), now: time.Now}
}

func (a *Archive) indexPath() string { return filepath.Join(a.dir, "index.json") }

func (a *Archive) detailPath(sid string) string { return filepath.Join(a.dir, sid+".json") }

// Archive folds the finished run sid into history. The detail document is
// written once; later calls reuse it, so the index entry they upsert is the
// same every time.
func (a *Archive) Archive(ctx context.Context, sid string) error {
	if err := ids.ValidateSessionID(sid); err != nil {
		return err
	}
	rec, ok := a.store.Pipeline(sid)
	if !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrNotFound, sid)
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, sid, rec.Status)
	}

	detail := a.fold(rec)
	created, err := docstore.CreateExclusive(a.detailPath(sid), detail)
	if err != nil {
		return fmt.Errorf("write history detail: %w", err)
	}
	if !created {
		if existing, ok := docstore.Read[Detail](a.detailPath(sid)); ok {
			detail = *existing
		}
	}
	if err := a.upsert(ctx, detail.Summary); err != nil {
		return fmt.Errorf("update history index: %w", err)
	}
	if created {
		a.log.Info("run archived", "session_id", sid, "status", detail.Summary.Status, "agencies", detail.Summary.AgencyCount)
	}
	return nil
}

func (a *Archive) fold(rec *pipeline.Record) Detail {
	agencies := a.store.Agencies(rec)
	perAgency := make(map[string]*activity.Log, len(agencies))
	for _, ag := range agencies {
		if l, ok := a.store.AgencyActivity(ag.AgencyID); ok {
			perAgency[ag.AgencyID] = l
		}
	}
	main, _ := a.store.MainActivity(rec.SessionID)
	sum := pipeline.Summarize(agencies)
	return Detail{
		Summary: Entry{
			SessionID:      rec.SessionID,
			Name:           entryName(rec.Suburb, rec.StartedAt),
			Suburb:         rec.Suburb,
			RequestedCount: rec.RequestedCount,
			Status:         entryStatus(sum),
			PipelineStatus: rec.Status,
			AgencyCount:    sum.Total,
			Succeeded:      sum.Succeeded,
			Failed:         sum.Failed,
			StartedAt:      rec.StartedAt,
			CompletedAt:    rec.CompletedAt,
			ArchivedAt:     a.now().UTC(),
		},
		Pipeline:       *rec,
		Agencies:       agencies,
		Activity:       main,
		AgencyActivity: perAgency,
	}
}

func entryStatus(sum pipeline.Summary) EntryStatus {
	switch {
	case sum.Succeeded == 0:
		return EntryFailed
	case sum.Succeeded == sum.Total:
		return EntryComplete
	}
	return EntryPartial
}

func entryName(suburb string, started time.Time) string {
	name := cases.Title(language.English).String(strings.TrimSpace(suburb))
	if name == "" {
		name = "Untitled"
	}
	if started.IsZero() {
		return name
	}
	return name + " - " + started.UTC().Format("2 Jan 2006 15:04")
}

func (a *Archive) upsert(ctx context.Context, e Entry) error {
	_, err := docstore.Update(ctx, a.indexPath(), a.lock, func(cur *Index) (*Index, error) {
		if cur == nil {
			cur = &Index{}
		}
		replaced := false
		for i := range cur.Sessions {
			if cur.Sessions[i].SessionID == e.SessionID {
				cur.Sessions[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			cur.Sessions = append([]Entry{e}, cur.Sessions...)
		}
		if len(cur.Sessions) > a.max {
			cur.Sessions = cur.Sessions[:a.max]
		}
		return cur, nil
	})
	return err
}

// List returns the index, newest first.
func (a *Archive) List() []Entry {
	idx, ok := docstore.Read[Index](a.indexPath())
	if !ok {
		return []Entry{}
	}
	return idx.Sessions
}

// Detail returns the snapshot of sid.
func (a *Archive) Detail(sid string) (*Detail, bool) {
	if ids.ValidateSessionID(sid) != nil {
		return nil, false
	}
	return docstore.Read[Detail](a.detailPath(sid))
}

// Prune deletes detail documents of runs no longer in the index.
func (a *Archive) Prune() int {
	keep := map[string]bool{}
	for _, e := range a.List() {
		keep[e.SessionID] = true
	}
	n := 0
	for _, name := range docstore.List(a.dir, "", ".json") {
		sid := strings.TrimSuffix(name, ".json")
		if name == "index.json" || keep[sid] {
			continue
		}
		if err := docstore.Remove(filepath.Join(a.dir, name)); err == nil {
			n++
		}
	}
	return n
}
