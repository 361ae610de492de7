package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/history"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

const waitFor = 3 * time.Second

type recorder struct {
	frames     chan Frame
	heartbeats atomic.Int32
}

func newRecorder() *recorder { return &recorder{frames: make(chan Frame, 256)} }

func (r *recorder) Send(f Frame) error {
	select {
	case r.frames <- f:
		return nil
	default:
		return errors.New("recorder full")
	}
}

func (r *recorder) Heartbeat() error {
	r.heartbeats.Add(1)
	return nil
}

// next returns the first frame of type typ, discarding frames of other types.
func (r *recorder) next(t *testing.T, typ string) Frame {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case f := <-r.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame within %s", typ, waitFor)
		}
	}
}

// drain returns every frame received within d.
func (r *recorder) drain(d time.Duration) []Frame {
	var out []Frame
	deadline := time.After(d)
	for {
		select {
		case f := <-r.frames:
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

type fixture struct {
	store   *pipeline.Store
	calls   *calls.Store
	archive *history.Archive
	engine  *Engine
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	store := pipeline.NewStore(filepath.Join(root, "progress"), filepath.Join(root, "demos"), "/demos/", docstore.LockOptions{})
	callStore := calls.NewStore(filepath.Join(root, "calls"), docstore.LockOptions{})
	archive := history.New(filepath.Join(root, "history"), store, 0, docstore.LockOptions{}, nil)
	if opts.Debounce == 0 {
		opts.Debounce = 10 * time.Millisecond
	}
	return &fixture{
		store:   store,
		calls:   callStore,
		archive: archive,
		engine:  NewEngine(store, callStore, archive, opts),
	}
}

func (f *fixture) startRun(t *testing.T, sid string, agencies map[string]pipeline.AgencyStatus, order ...string) {
	t.Helper()
	rec := pipeline.Record{
		SessionID:      sid,
		Suburb:         "newtown",
		RequestedCount: len(order),
		Status:         pipeline.StatusProcessing,
		StartedAt:      time.Now().UTC(),
		Todos:          pipeline.DefaultTodos(),
		AgencyIDs:      order,
	}
	if err := f.store.CreatePipeline(rec); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	for _, aid := range order {
		f.writeAgency(t, sid, aid, agencies[aid])
	}
}

func (f *fixture) writeAgency(t *testing.T, sid, aid string, st pipeline.AgencyStatus) {
	t.Helper()
	name := "Agency " + aid
	if err := f.store.WriteAgency(pipeline.Agency{AgencyID: aid, SessionID: sid, Status: st, Name: &name}); err != nil {
		t.Fatalf("write agency: %v", err)
	}
}

type served struct {
	cancel context.CancelFunc
	done   chan error
}

func serve(fn func(ctx context.Context) error) *served {
	ctx, cancel := context.WithCancel(context.Background())
	s := &served{cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- fn(ctx) }()
	return s
}

func (s *served) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(waitFor):
		t.Fatalf("subscriber did not return")
		return nil
	}
}

func (s *served) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	if err := s.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestSessionSnapshotThenIncrementalMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s1", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyExtracting}, "a1")
	ctx := context.Background()
	if err := f.store.AppendActivity(ctx, "s1", 0, activity.Message{Type: activity.TypeSearch, Text: "searching newtown"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s1", rec) })
	defer s.stop(t)

	if fr := rec.next(t, TypeTodoUpdate); fr.Status != string(pipeline.StatusProcessing) || len(fr.Todos) == 0 {
		t.Fatalf("todo frame %+v", fr)
	}
	if fr := rec.next(t, TypeCardUpdate); fr.AgencyID != "a1" || fr.Agency == nil {
		t.Fatalf("card frame %+v", fr)
	}
	first := rec.next(t, TypeMainActivityMessage)
	if first.Message.Text != "searching newtown" || first.Message.Source != mainSource {
		t.Fatalf("message %+v", first.Message)
	}

	if err := f.store.AppendActivity(ctx, "s1", 0, activity.Message{ID: "m2", Type: activity.TypeResults, Text: "found 3"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := rec.next(t, TypeMainActivityMessage)
	if second.Message.ID != "main:m2" {
		t.Fatalf("second id = %q", second.Message.ID)
	}

	// rewriting an unchanged document emits nothing
	cur, _ := f.store.Pipeline("s1")
	if err := docstore.WriteAtomic(f.store.PipelinePath("s1"), cur); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	for _, fr := range rec.drain(200 * time.Millisecond) {
		t.Fatalf("unexpected frame %s", fr.Type)
	}
}

func TestSessionCompletionArchivesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s2", map[string]pipeline.AgencyStatus{
		"a1": pipeline.AgencyGenerating,
		"a2": pipeline.AgencyGenerating,
	}, "a1", "a2")

	var subs []*served
	var recs []*recorder
	for i := 0; i < 2; i++ {
		rec := newRecorder()
		recs = append(recs, rec)
		subs = append(subs, serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s2", rec) }))
	}
	for _, rec := range recs {
		rec.next(t, TypeTodoUpdate)
	}

	f.writeAgency(t, "s2", "a1", pipeline.AgencyComplete)
	f.writeAgency(t, "s2", "a2", pipeline.AgencyComplete)

	for i, rec := range recs {
		fr := rec.next(t, TypePipelineComplete)
		if fr.Status != string(pipeline.StatusComplete) || *fr.Succeeded != 2 || *fr.Failed != 0 || *fr.Total != 2 {
			t.Fatalf("subscriber %d complete frame %+v", i, fr)
		}
		if err := subs[i].wait(t); err != nil {
			t.Fatalf("subscriber %d: %v", i, err)
		}
	}

	got, _ := f.store.Pipeline("s2")
	if got.Status != pipeline.StatusComplete || got.CompletedAt == nil {
		t.Fatalf("pipeline %+v", got)
	}
	entries := f.archive.List()
	if len(entries) != 1 || entries[0].SessionID != "s2" || entries[0].Succeeded != 2 {
		t.Fatalf("history %+v", entries)
	}
}

func TestSessionOnFinishedRunCompletesImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s3", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyError}, "a1")
	if _, _, err := f.store.Finalize(context.Background(), "s3", pipeline.StatusComplete, ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	rec := newRecorder()
	if err := f.engine.ServeSession(context.Background(), "s3", rec); err != nil {
		t.Fatalf("serve: %v", err)
	}
	fr := rec.next(t, TypePipelineComplete)
	if *fr.Failed != 1 || *fr.Succeeded != 0 {
		t.Fatalf("complete frame %+v", fr)
	}
	if len(f.archive.List()) != 1 {
		t.Fatalf("run not archived")
	}
}

func TestSessionHealsPublishedDemo(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s4", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyGenerating}, "a1")
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s4", rec) })

	if fr := rec.next(t, TypeCardUpdate); fr.Agency.Status != pipeline.AgencyGenerating {
		t.Fatalf("initial card %+v", fr.Agency)
	}
	if err := os.WriteFile(f.store.DemoPath("a1"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatalf("demo: %v", err)
	}
	fr := rec.next(t, TypeCardUpdate)
	if fr.Agency.Status != pipeline.AgencyComplete || fr.Agency.HTMLProgress != 100 || fr.Agency.DemoURL == nil {
		t.Fatalf("healed card %+v", fr.Agency)
	}
	rec.next(t, TypePipelineComplete)
	if err := s.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestSessionRemovesForeignCard(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s5", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyExtracting}, "a1")
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s5", rec) })
	defer s.stop(t)

	rec.next(t, TypeCardUpdate)
	f.writeAgency(t, "other", "a1", pipeline.AgencyExtracting)
	if fr := rec.next(t, TypeCardRemove); fr.AgencyID != "a1" {
		t.Fatalf("remove frame %+v", fr)
	}
}

func TestSessionSubagentMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s6", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyExtracting}, "a1")
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s6", rec) })
	defer s.stop(t)
	rec.next(t, TypeCardUpdate)

	if _, err := activity.AppendFile(context.Background(), f.store.AgencyActivityPath("a1"), docstore.LockOptions{}, 0,
		activity.Message{ID: "x", Type: activity.TypeFetch, Text: "<b>fetching</b> site"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	fr := rec.next(t, TypeSubagentActivityMessage)
	if fr.AgencyID != "a1" || fr.Message.ID != "agency-a1:x" || fr.Message.Text != "fetching site" {
		t.Fatalf("subagent frame %+v", fr.Message)
	}
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, Options{Heartbeat: 20 * time.Millisecond})
	f.startRun(t, "s7", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyExtracting}, "a1")
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s7", rec) })
	defer s.stop(t)

	deadline := time.Now().Add(waitFor)
	for rec.heartbeats.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeats = %d", rec.heartbeats.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type failingEmitter struct{}

func (failingEmitter) Send(Frame) error { return errors.New("broken pipe") }
func (failingEmitter) Heartbeat() error { return errors.New("broken pipe") }

func TestSessionEndsWhenClientGoes(t *testing.T) {
	f := newFixture(t, Options{})
	f.startRun(t, "s8", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyExtracting}, "a1")
	if err := f.engine.ServeSession(context.Background(), "s8", failingEmitter{}); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestServeSessionRejectsBadID(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.engine.ServeSession(context.Background(), "../etc", newRecorder()); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestUnseen(t *testing.T) {
	msgs := func(ids ...string) []activity.Message {
		var out []activity.Message
		for _, id := range ids {
			out = append(out, activity.Message{ID: id, Type: activity.TypeAgent, Text: id})
		}
		return out
	}
	fresh, cur := unseen(msgs("1", "2"), cursor{}, "p")
	if len(fresh) != 2 {
		t.Fatalf("first read = %d", len(fresh))
	}
	fresh, cur = unseen(msgs("1", "2", "3"), cur, "p")
	if len(fresh) != 1 || fresh[0].ID != "3" {
		t.Fatalf("append = %+v", fresh)
	}
	// capped at three: "1" fell off, length unchanged
	fresh, cur = unseen(msgs("2", "3", "4"), cur, "p")
	if len(fresh) != 1 || fresh[0].ID != "4" {
		t.Fatalf("capped = %+v", fresh)
	}
	fresh, _ = unseen(msgs("2", "3", "4"), cur, "p")
	if len(fresh) != 0 {
		t.Fatalf("reread = %+v", fresh)
	}
	fresh, _ = unseen(msgs("7", "8"), cur, "p")
	if len(fresh) != 2 {
		t.Fatalf("rewritten = %+v", fresh)
	}
}

func TestServeCall(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.calls.Create(calls.Record{CallID: "c1", SessionID: "s1", AgencyName: "Acme"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	logPath := f.calls.PostCallActivityPath("c1")
	if _, err := activity.AppendFile(ctx, logPath, docstore.LockOptions{}, 0, activity.Message{Type: activity.TypeThinking, Text: "drafting"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeCall(ctx, "c1", rec) })
	defer s.stop(t)

	if fr := rec.next(t, TypeCallUpdate); fr.Call == nil || fr.Call.PageStatus != calls.PageGenerating {
		t.Fatalf("call frame %+v", fr)
	}
	if fr := rec.next(t, TypePostCallActivityMessage); fr.Message.Source != postCallSource {
		t.Fatalf("message %+v", fr.Message)
	}
	if fr := rec.next(t, TypePostCallActivityStatus); fr.Status != string(activity.StatusActive) {
		t.Fatalf("status frame %+v", fr)
	}

	if _, err := f.calls.Update(ctx, "c1", func(r *calls.Record) error {
		r.PageStatus = calls.PageCompleted
		r.PageURL = "/pages/c1.html"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if fr := rec.next(t, TypeCallUpdate); fr.Call.PageStatus != calls.PageCompleted {
		t.Fatalf("updated call %+v", fr.Call)
	}
	if err := activity.SetStatus(ctx, logPath, docstore.LockOptions{}, activity.StatusComplete); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if fr := rec.next(t, TypePostCallActivityStatus); fr.Status != string(activity.StatusComplete) {
		t.Fatalf("status frame %+v", fr)
	}
}

func TestServeCalls(t *testing.T) {
	f := newFixture(t, Options{})
	for _, r := range []calls.Record{
		{CallID: "c1", SessionID: "s1"},
		{CallID: "c2", SessionID: "s1"},
		{CallID: "c3", SessionID: "s2"},
	} {
		if _, err := f.calls.Create(r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeCalls(ctx, "s1", rec) })
	defer s.stop(t)

	if fr := rec.next(t, TypeCallsUpdate); len(fr.Calls) != 2 {
		t.Fatalf("calls = %d", len(fr.Calls))
	}
	if _, err := f.calls.Create(calls.Record{CallID: "c4", SessionID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if fr := rec.next(t, TypeCallsUpdate); len(fr.Calls) != 3 {
		t.Fatalf("calls = %d", len(fr.Calls))
	}
}

func TestSessionDebounceCollapsesBurst(t *testing.T) {
	f := newFixture(t, Options{Debounce: 80 * time.Millisecond})
	f.startRun(t, "s9", map[string]pipeline.AgencyStatus{"a1": pipeline.AgencyGenerating}, "a1")
	rec := newRecorder()
	s := serve(func(ctx context.Context) error { return f.engine.ServeSession(ctx, "s9", rec) })
	defer s.stop(t)
	rec.next(t, TypeCardUpdate)

	name := "Agency a1"
	for i := 1; i <= 20; i++ {
		ag := pipeline.Agency{AgencyID: "a1", SessionID: "s9", Status: pipeline.AgencyGenerating, Name: &name, HTMLProgress: i}
		if err := f.store.WriteAgency(ag); err != nil {
			t.Fatalf("write agency: %v", err)
		}
	}
	var cards []Frame
	for _, fr := range rec.drain(500 * time.Millisecond) {
		if fr.Type == TypeCardUpdate {
			cards = append(cards, fr)
		}
	}
	if len(cards) != 1 {
		t.Fatalf("card updates = %d, want 1", len(cards))
	}
	if cards[0].Agency.HTMLProgress != 20 {
		t.Fatalf("htmlProgress = %d, want 20", cards[0].Agency.HTMLProgress)
	}
}

// keyRecorder is a subscription that records every refresh key.
func keyRecorder(t *testing.T) (subscription, chan string) {
	keys := make(chan string, 64)
	return subscription{
		kind: KindSession,
		dirs: []string{t.TempDir()},
		classify: func(path string) (string, bool) {
			return keyAgencyPrefix + filepath.Base(path), true
		},
		start: func() (bool, error) { return false, nil },
		refresh: func(key string) (bool, error) {
			keys <- key
			return false, nil
		},
	}, keys
}

func TestRunUnnamedEventRefreshesEverything(t *testing.T) {
	f := newFixture(t, Options{})
	notices := make(chan fsnotify.Event)
	f.engine.notices = notices
	sub, keys := keyRecorder(t)
	s := serve(func(ctx context.Context) error { return f.engine.run(ctx, newRecorder(), sub) })
	defer s.stop(t)

	notices <- fsnotify.Event{Op: fsnotify.Write}
	select {
	case key := <-keys:
		if key != fullRefresh {
			t.Fatalf("key = %q, want %q", key, fullRefresh)
		}
	case <-time.After(waitFor):
		t.Fatalf("no refresh for unnamed event")
	}

	notices <- fsnotify.Event{Name: "/progress/a1", Op: fsnotify.Write}
	select {
	case key := <-keys:
		if key != keyAgencyPrefix+"a1" {
			t.Fatalf("key = %q", key)
		}
	case <-time.After(waitFor):
		t.Fatalf("no refresh for named event")
	}
}

func TestRunDebounceCollapsesNotices(t *testing.T) {
	f := newFixture(t, Options{Debounce: 80 * time.Millisecond})
	notices := make(chan fsnotify.Event)
	f.engine.notices = notices
	sub, keys := keyRecorder(t)
	s := serve(func(ctx context.Context) error { return f.engine.run(ctx, newRecorder(), sub) })
	defer s.stop(t)

	for i := 0; i < 50; i++ {
		notices <- fsnotify.Event{Name: "/progress/a1", Op: fsnotify.Write}
	}
	notices <- fsnotify.Event{Name: "/progress/a2", Op: fsnotify.Write}

	got := map[string]int{}
	deadline := time.After(400 * time.Millisecond)
	for done := false; !done; {
		select {
		case key := <-keys:
			got[key]++
		case <-deadline:
			done = true
		}
	}
	if got[keyAgencyPrefix+"a1"] != 1 || got[keyAgencyPrefix+"a2"] != 1 || len(got) != 2 {
		t.Fatalf("refreshes = %v", got)
	}
}

func TestLoopShutdownTwice(t *testing.T) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	l := &loop{
		watcher:   w,
		heartbeat: time.NewTicker(time.Hour),
		timers:    make(map[string]*time.Timer),
		fired:     make(chan string, 16),
		stop:      make(chan struct{}),
		debounce:  time.Hour,
	}
	l.schedule("a1")
	l.schedule(fullRefresh)

	l.shutdown()
	l.shutdown()

	if len(l.timers) != 0 {
		t.Fatalf("timers left: %d", len(l.timers))
	}
	select {
	case <-l.stop:
	default:
		t.Fatalf("stop channel not closed")
	}
}
