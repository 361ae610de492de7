package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/agent"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(filepath.Join(root, "progress"), filepath.Join(root, "demos"), "/demos", docstore.LockOptions{})
}

func TestAgencyStepsNormalization(t *testing.T) {
	cases := []struct {
		name string
		json string
		want []StepStatus
	}{
		{"absent skeleton", `{"agencyId":"a","status":"skeleton"}`, []StepStatus{StepPending, StepPending, StepPending, StepPending}},
		{"absent generating", `{"agencyId":"a","status":"generating"}`, []StepStatus{StepComplete, StepComplete, StepInProgress, StepPending}},
		{"null complete", `{"agencyId":"a","status":"complete","steps":null}`, []StepStatus{StepComplete, StepComplete, StepComplete, StepComplete}},
		{"legacy names", `{"agencyId":"a","status":"extracting","steps":["details","Capturing branding"]}`, []StepStatus{StepComplete, StepComplete, StepPending, StepPending}},
		{"legacy map", `{"agencyId":"a","status":"extracting","steps":{"details":"complete","branding":"in_progress","generate":"bogus"}}`, []StepStatus{StepComplete, StepInProgress, StepPending, StepPending}},
		{"current", `{"agencyId":"a","status":"extracting","steps":[{"id":"details","status":"complete"},{"id":"branding","label":"Brand","status":"weird"}]}`, []StepStatus{StepComplete, StepPending}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var a Agency
			if err := json.Unmarshal([]byte(tc.json), &a); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(a.Steps) != len(tc.want) {
				t.Fatalf("steps = %+v", a.Steps)
			}
			for i, s := range a.Steps {
				if s.Status != tc.want[i] {
					t.Fatalf("step %d (%s) = %q, want %q", i, s.ID, s.Status, tc.want[i])
				}
				if s.Label == "" {
					t.Fatalf("step %d has no label", i)
				}
			}
		})
	}
}

func TestAgencyProgressClamped(t *testing.T) {
	var a Agency
	if err := json.Unmarshal([]byte(`{"agencyId":"a","htmlProgress":140}`), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.HTMLProgress != 100 {
		t.Fatalf("progress = %d", a.HTMLProgress)
	}
}

func TestUpdatePipelineAgencyIDsOnlyGrow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi", RequestedCount: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := [][]string{{"a"}, {"a", "b"}, {"c"}, {}, {"b", "d"}}
	prev := 0
	for _, ids := range steps {
		rec, err := s.UpdatePipeline(ctx, "s1", func(r *Record) error {
			r.AgencyIDs = ids
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if len(rec.AgencyIDs) < prev {
			t.Fatalf("agency ids shrank: %v", rec.AgencyIDs)
		}
		prev = len(rec.AgencyIDs)
	}
	rec, _ := s.Pipeline("s1")
	want := []string{"a", "b", "c", "d"}
	if len(rec.AgencyIDs) != len(want) {
		t.Fatalf("ids = %v", rec.AgencyIDs)
	}
	for i := range want {
		if rec.AgencyIDs[i] != want[i] {
			t.Fatalf("ids = %v", rec.AgencyIDs)
		}
	}
}

func TestUpdatePipelineRefusesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.Finalize(ctx, "s1", StatusComplete, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err := s.UpdatePipeline(ctx, "s1", func(r *Record) error {
		r.AgencyIDs = append(r.AgencyIDs, "late")
		return nil
	})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if _, err := s.UpdatePipeline(ctx, "missing", func(*Record) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, changed, err := s.Finalize(ctx, "s1", StatusError, "agent crashed")
	if err != nil || !changed {
		t.Fatalf("first finalize: changed=%v err=%v", changed, err)
	}
	before := docstore.ReadRaw(s.PipelinePath("s1"))
	second, changed, err := s.Finalize(ctx, "s1", StatusComplete, "")
	if err != nil || changed {
		t.Fatalf("second finalize: changed=%v err=%v", changed, err)
	}
	if string(before) != string(docstore.ReadRaw(s.PipelinePath("s1"))) {
		t.Fatalf("terminal record rewritten")
	}
	if second.Status != StatusError || first.CompletedAt == nil || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("record changed: %+v", second)
	}
	log, ok := s.MainActivity("s1")
	if !ok || log.Status != activity.StatusComplete {
		t.Fatalf("activity not closed: %+v", log)
	}
}

func TestCancelClosesTodos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, changed, err := s.Cancel(ctx, "s1")
	if err != nil || !changed {
		t.Fatalf("cancel: %v %v", changed, err)
	}
	if rec.Status != StatusCancelled || rec.CompletedAt == nil {
		t.Fatalf("record %+v", rec)
	}
	for _, todo := range rec.Todos {
		if todo.Status != TodoComplete {
			t.Fatalf("todo %s = %s", todo.ID, todo.Status)
		}
	}
}

func TestCheckCompletionFinalizesWhenAllAgenciesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi", Status: StatusProcessing, AgencyIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, aid := range []string{"a", "b"} {
		if err := s.WriteAgency(Agency{AgencyID: aid, SessionID: "s1", Status: AgencyGenerating}); err != nil {
			t.Fatalf("write agency: %v", err)
		}
	}
	res, err := s.CheckCompletion(ctx, "s1")
	if err != nil || res.Done {
		t.Fatalf("premature completion: %+v %v", res, err)
	}

	if err := s.WriteAgency(Agency{AgencyID: "a", SessionID: "s1", Status: AgencyComplete}); err != nil {
		t.Fatalf("write agency: %v", err)
	}
	if err := s.WriteAgency(Agency{AgencyID: "b", SessionID: "s1", Status: AgencyError}); err != nil {
		t.Fatalf("write agency: %v", err)
	}
	res, err = s.CheckCompletion(ctx, "s1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Done || !res.Reconciled || res.Record.Status != StatusComplete || res.Record.CompletedAt == nil {
		t.Fatalf("not reconciled: %+v", res)
	}
	if res.Summary != (Summary{Succeeded: 1, Failed: 1, Total: 2}) {
		t.Fatalf("summary %+v", res.Summary)
	}
	again, err := s.CheckCompletion(ctx, "s1")
	if err != nil || !again.Done || again.Reconciled {
		t.Fatalf("second check: %+v %v", again, err)
	}
}

func TestCheckCompletionIgnoresForeignAgency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreatePipeline(Record{SessionID: "s1", Suburb: "Bondi", Status: StatusProcessing, AgencyIDs: []string{"a"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.WriteAgency(Agency{AgencyID: "a", SessionID: "other", Status: AgencyComplete}); err != nil {
		t.Fatalf("write agency: %v", err)
	}
	res, err := s.CheckCompletion(ctx, "s1")
	if err != nil || res.Done {
		t.Fatalf("completed on foreign agency: %+v %v", res, err)
	}
}

func TestHealCompletesAgencyWithArtifact(t *testing.T) {
	s := newTestStore(t)
	a := Agency{AgencyID: "ray-white", SessionID: "s1", Status: AgencyGenerating, Steps: derivedSteps(AgencyGenerating), HTMLProgress: 40}
	if err := s.WriteAgency(a); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := s.Heal(&a); ok {
		t.Fatalf("healed without artifact")
	}
	if err := os.MkdirAll(s.DemosDir(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.DemoPath("ray-white"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatalf("write demo: %v", err)
	}
	healed, ok := s.Heal(&a)
	if !ok || healed.Status != AgencyComplete || healed.HTMLProgress != 100 {
		t.Fatalf("heal: %+v %v", healed, ok)
	}
	for _, st := range healed.Steps {
		if st.Status != StepComplete {
			t.Fatalf("step %s = %s", st.ID, st.Status)
		}
	}
	if healed.DemoURL == nil || *healed.DemoURL != "/demos/ray-white.html" {
		t.Fatalf("demo url %v", healed.DemoURL)
	}
	onDisk, _ := s.Agency("ray-white")
	if onDisk.Status != AgencyComplete {
		t.Fatalf("heal not persisted")
	}
	if _, ok := s.Heal(onDisk); ok {
		t.Fatalf("healed twice")
	}
}

func TestHealKeepsFailedAgencyWithDemoURL(t *testing.T) {
	s := newTestStore(t)
	url := "/demos/acme.html"
	a := Agency{AgencyID: "acme", SessionID: "s1", Status: AgencyError, DemoURL: &url, Error: "publish failed"}
	if err := s.WriteAgency(a); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.MkdirAll(s.DemosDir(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.DemoPath("acme"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatalf("write demo: %v", err)
	}
	got, ok := s.Heal(&a)
	if ok || got.Status != AgencyError || got.Error != "publish failed" {
		t.Fatalf("failed agency rewritten: %+v %v", got, ok)
	}
	onDisk, _ := s.Agency("acme")
	if onDisk.Status != AgencyError {
		t.Fatalf("status on disk %s", onDisk.Status)
	}
}

func TestClassifyFile(t *testing.T) {
	cases := []struct {
		name string
		kind FileKind
		id   string
	}{
		{"pipeline-s1.json", FilePipeline, "s1"},
		{"activity-s1.json", FileMainActivity, "s1"},
		{"agency-ray-white.json", FileAgency, "ray-white"},
		{"agency-activity-ray-white.json", FileAgencyActivity, "ray-white"},
		{".agency-a.json.1f2e.tmp", FileUnknown, ""},
		{"agency-a.json.lock", FileUnknown, ""},
		{"agency-Bad.json", FileUnknown, ""},
		{"notes.txt", FileUnknown, ""},
	}
	for _, tc := range cases {
		kind, id := ClassifyFile(tc.name)
		if kind != tc.kind || id != tc.id {
			t.Fatalf("%s: got (%v,%q)", tc.name, kind, id)
		}
	}
}

func TestRegistry(t *testing.T) {
	g := NewRegistry()
	calls := 0
	r := g.Register("s1", func() { calls++ })
	if got, ok := g.Get("s1"); !ok || got != r {
		t.Fatalf("get failed")
	}
	if !g.Cancel("s1") || !g.Cancel("s1") {
		t.Fatalf("cancel did not find run")
	}
	if calls != 1 || !r.Cancelled() {
		t.Fatalf("cancel func called %d times", calls)
	}
	if len(g.List()) != 1 {
		t.Fatalf("list %+v", g.List())
	}
	g.Remove("s1", r)
	if g.Cancel("s1") {
		t.Fatalf("removed run still cancellable")
	}
}

type scriptedAgent struct {
	events []agent.Event
	err    error
	hold   chan struct{}
}

func (a *scriptedAgent) Invoke(ctx context.Context, inv agent.Invocation) (agent.Run, error) {
	r := &scriptedRun{events: make(chan agent.Event), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer close(r.events)
		for _, ev := range a.events {
			r.events <- ev
		}
		if a.hold != nil {
			select {
			case <-a.hold:
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
		}
		r.err = a.err
	}()
	return r, nil
}

type scriptedRun struct {
	events chan agent.Event
	done   chan struct{}
	err    error
}

func (r *scriptedRun) Events() <-chan agent.Event { return r.events }
func (r *scriptedRun) Wait() error                { <-r.done; return r.err }
func (r *scriptedRun) Interrupt() error           { return nil }

type countingArchiver struct {
	mu   sync.Mutex
	sids []string
}

func (a *countingArchiver) Archive(ctx context.Context, sid string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sids = append(a.sids, sid)
	return nil
}

func TestRunnerReconcilesOnStreamEnd(t *testing.T) {
	s := newTestStore(t)
	arch := &countingArchiver{}
	ag := &scriptedAgent{events: []agent.Event{
		{Type: agent.EventToolUse, Tool: "WebSearch", Input: json.RawMessage(`{"query":"agencies bondi"}`)},
		{Type: agent.EventToolResult},
		{Type: agent.EventText, Text: "Found three agencies."},
	}}
	r := NewRunner(RunnerOptions{Store: s, Agent: ag, Archiver: arch})
	rec, err := r.Start(context.Background(), StartRequest{Suburb: " Bondi ", Count: 3})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Wait()

	got, _ := s.Pipeline(rec.SessionID)
	if got.Status != StatusComplete || got.Suburb != "Bondi" {
		t.Fatalf("record %+v", got)
	}
	log, _ := s.MainActivity(rec.SessionID)
	if len(log.Messages) != 2 || log.Messages[0].Type != activity.TypeTool || log.Messages[1].Type != activity.TypeAgent {
		t.Fatalf("activity %+v", log.Messages)
	}
	if log.AgenciesTarget != 3 {
		t.Fatalf("target = %d", log.AgenciesTarget)
	}
	if len(arch.sids) != 1 || arch.sids[0] != rec.SessionID {
		t.Fatalf("archived %v", arch.sids)
	}
	if _, ok := r.Registry().Get(rec.SessionID); ok {
		t.Fatalf("run still registered")
	}
}

func TestRunnerRecordsAgentError(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(RunnerOptions{Store: s, Agent: &scriptedAgent{err: errors.New("rate limited")}})
	rec, err := r.Start(context.Background(), StartRequest{Suburb: "Manly"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Wait()
	got, _ := s.Pipeline(rec.SessionID)
	if got.Status != StatusError || got.Error == "" || got.RequestedCount != defaultCount {
		t.Fatalf("record %+v", got)
	}
}

func TestRunnerCancel(t *testing.T) {
	s := newTestStore(t)
	arch := &countingArchiver{}
	ag := &scriptedAgent{hold: make(chan struct{})}
	r := NewRunner(RunnerOptions{Store: s, Agent: ag, Archiver: arch})
	rec, err := r.Start(context.Background(), StartRequest{Suburb: "Coogee", Count: 2})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	got, err := r.Cancel(context.Background(), rec.SessionID)
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("cancel: %+v %v", got, err)
	}
	done := make(chan struct{})
	go func() { r.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not stop after cancel")
	}
	final, _ := s.Pipeline(rec.SessionID)
	if final.Status != StatusCancelled {
		t.Fatalf("status overwritten: %s", final.Status)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	r := NewRunner(RunnerOptions{Store: newTestStore(t), Agent: &scriptedAgent{}})
	for _, req := range []StartRequest{{Suburb: "  "}, {Suburb: "Bondi", Count: 500}} {
		if _, err := r.Start(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
}
