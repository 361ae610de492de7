package pipeline

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

// Finalize moves a non-terminal run to the terminal status given. A record
// that is already terminal is left untouched, so repeated calls converge on
// the first terminal state written. changed reports whether this call wrote.
func (s *Store) Finalize(ctx context.Context, sid string, status Status, errMsg string) (rec *Record, changed bool, err error) {
	if !status.Terminal() {
		return nil, false, fmt.Errorf("finalize %s: %q is not terminal", sid, status)
	}
	if err := ids.ValidateSessionID(sid); err != nil {
		return nil, false, err
	}
	rec, err = docstore.Update(ctx, s.PipelinePath(sid), s.lock, func(cur *Record) (*Record, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sid)
		}
		if cur.Status.Terminal() {
			return nil, docstore.ErrSkipWrite
		}
		now := s.now().UTC()
		cur.Status = status
		cur.CompletedAt = &now
		if errMsg != "" {
			cur.Error = errMsg
		}
		switch status {
		case StatusComplete:
			cur.Todos = closeTodos(cur.Todos)
		case StatusCancelled:
			// Cancelling closes the checklist as if it had finished, so the
			// UI cannot tell a cancelled item from a done one.
			// TODO: give todos a "cancelled" state once the UI can render it.
			cur.Todos = closeTodos(cur.Todos)
		}
		changed = true
		return cur, nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		if err := activity.SetStatus(ctx, s.ActivityPath(sid), s.lock, activity.StatusComplete); err != nil {
			return rec, changed, fmt.Errorf("close activity: %w", err)
		}
	}
	return rec, changed, nil
}

// Cancel writes a cancelled record regardless of whether the agent stopped.
func (s *Store) Cancel(ctx context.Context, sid string) (*Record, bool, error) {
	return s.Finalize(ctx, sid, StatusCancelled, "")
}

func closeTodos(todos []Todo) []Todo {
	out := make([]Todo, len(todos))
	for i, t := range todos {
		t.Status = TodoComplete
		out[i] = t
	}
	return out
}

// Summary counts the outcome of a run's agencies.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Summarize counts agencies by outcome. Agencies that are not terminal count
// towards Total only.
func Summarize(agencies []Agency) Summary {
	sum := Summary{Total: len(agencies)}
	for _, a := range agencies {
		switch a.Status {
		case AgencyComplete:
			sum.Succeeded++
		case AgencyError:
			sum.Failed++
		}
	}
	return sum
}

// CompletionResult is the outcome of CheckCompletion.
type CompletionResult struct {
	Record   *Record
	Agencies []Agency
	Summary  Summary
	// Done is set once the record is terminal.
	Done bool
	// Reconciled is set when this check performed the terminal write.
	Reconciled bool
}

// CheckCompletion reads the run from disk and decides whether it is over: a
// terminal record is done; a processing record whose every listed agency is
// terminal is finalized as complete. Everything is derived from the documents
// so concurrent callers reach the same answer.
func (s *Store) CheckCompletion(ctx context.Context, sid string) (CompletionResult, error) {
	rec, ok := s.Pipeline(sid)
	if !ok {
		return CompletionResult{}, nil
	}
	agencies := s.Healed(s.Agencies(rec))
	res := CompletionResult{Record: rec, Agencies: agencies, Summary: Summarize(agencies)}
	if rec.Status.Terminal() {
		res.Done = true
		return res, nil
	}
	if rec.Status != StatusProcessing || len(rec.AgencyIDs) == 0 || len(agencies) < len(rec.AgencyIDs) {
		return res, nil
	}
	for _, a := range agencies {
		if !a.Status.Terminal() {
			return res, nil
		}
	}
	updated, changed, err := s.Finalize(ctx, sid, StatusComplete, "")
	if err != nil {
		return res, err
	}
	res.Record = updated
	res.Done = true
	res.Reconciled = changed
	return res, nil
}

// Heal converges an agency whose demo page exists on disk but whose record
// was never finished: it is rewritten as complete with every step complete.
// A terminal record is only healed while its demoUrl is unset.
// It reports whether the record was rewritten.
func (s *Store) Heal(a *Agency) (*Agency, bool) {
	if a == nil || (a.Status.Terminal() && a.DemoURL != nil) {
		return a, false
	}
	if !docstore.Exists(s.DemoPath(a.AgencyID)) {
		return a, false
	}
	healed := *a
	healed.Status = AgencyComplete
	healed.Steps = completeAllSteps(a.Steps)
	healed.HTMLProgress = 100
	healed.Error = ""
	if healed.DemoURL == nil {
		url := s.DemoURL(a.AgencyID)
		healed.DemoURL = &url
	}
	if err := s.WriteAgency(healed); err != nil {
		return a, false
	}
	return &healed, true
}

// Healed applies Heal to each agency.
func (s *Store) Healed(agencies []Agency) []Agency {
	for i := range agencies {
		if h, ok := s.Heal(&agencies[i]); ok {
			agencies[i] = *h
		}
	}
	return agencies
}
