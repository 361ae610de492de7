package calls

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
)

func TestLegacySMSFieldsAreFolded(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"callId":"call-1","pageStatus":"completed","smsStatus":"sent","smsSentAt":"2026-01-02T03:04:05Z","smsMessageSid":"SM1","smsTo":"+61400000000"}`
	if err := os.WriteFile(filepath.Join(dir, "call-1.json"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewStore(dir, docstore.LockOptions{})
	rec, ok := s.Get("call-1")
	if !ok {
		t.Fatalf("record not readable")
	}
	if rec.SMS.Status != SMSSent || rec.SMS.MessageSID != "SM1" || rec.SMS.To != "+61400000000" {
		t.Fatalf("legacy fields not folded: %+v", rec.SMS)
	}
}

func TestNestedSMSWinsOverLegacy(t *testing.T) {
	var rec Record
	err := rec.UnmarshalJSON([]byte(`{"callId":"c","sms":{"status":"pending"},"smsStatus":"sent"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.SMS.Status != SMSPending {
		t.Fatalf("status = %q", rec.SMS.Status)
	}
}

func TestStoreCreateUpdateList(t *testing.T) {
	s := NewStore(t.TempDir(), docstore.LockOptions{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"call-a", "call-b", "call-c"} {
		sid := "s1"
		if id == "call-c" {
			sid = "s2"
		}
		created, err := s.Create(Record{CallID: id, SessionID: sid, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil || !created {
			t.Fatalf("create %s: %v %v", id, created, err)
		}
	}
	if created, _ := s.Create(Record{CallID: "call-a"}); created {
		t.Fatalf("duplicate create succeeded")
	}

	rec, err := s.Update(ctx, "call-a", func(r *Record) error {
		r.PageStatus = PageCompleted
		return nil
	})
	if err != nil || rec.PageStatus != PageCompleted {
		t.Fatalf("update: %+v %v", rec, err)
	}
	if _, err := s.Update(ctx, "call-missing", func(*Record) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// post-call activity must not show up as a call
	if err := docstore.WriteAtomic(s.PostCallActivityPath("call-a"), map[string]any{"status": "active"}); err != nil {
		t.Fatalf("write activity: %v", err)
	}
	list := s.List("s1")
	if len(list) != 2 || list[0].CallID != "call-b" || list[1].CallID != "call-a" {
		t.Fatalf("unexpected list %+v", list)
	}
	if len(s.List("")) != 3 {
		t.Fatalf("expected all calls")
	}
	if len(s.List("unknown")) != 0 {
		t.Fatalf("unknown session should list nothing")
	}
}

func TestCallIDFromFile(t *testing.T) {
	cases := []struct {
		name     string
		id       string
		postCall bool
		ok       bool
	}{
		{"call-1.json", "call-1", false, true},
		{"activity-postcall-call-1.json", "call-1", true, true},
		{".call-1.json.ab12.tmp", "", false, false},
		{"call-1.json.lock", "", false, false},
		{"bad..id.json", "", false, false},
	}
	for _, tc := range cases {
		id, pc, ok := CallIDFromFile(tc.name)
		if id != tc.id || pc != tc.postCall || ok != tc.ok {
			t.Fatalf("%s: got (%q,%v,%v)", tc.name, id, pc, ok)
		}
	}
}

func TestIndexBindIsFirstWriterWins(t *testing.T) {
	idx := NewIndex(filepath.Join(t.TempDir(), "call-index.json"), docstore.LockOptions{})
	ctx := context.Background()
	got, err := idx.Bind(ctx, "conv-1", "call-1")
	if err != nil || got != "call-1" {
		t.Fatalf("bind: %q %v", got, err)
	}
	got, err = idx.Bind(ctx, "conv-1", "call-2")
	if err != nil || got != "call-1" {
		t.Fatalf("rebind: %q %v", got, err)
	}
	if id, ok := idx.Lookup("conv-1"); !ok || id != "call-1" {
		t.Fatalf("lookup: %q %v", id, ok)
	}
	if err := idx.Forget(ctx, map[string]bool{"call-1": true}); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := idx.Lookup("conv-1"); ok {
		t.Fatalf("mapping survived forget")
	}
}

func TestContextsExpire(t *testing.T) {
	r := NewContexts(filepath.Join(t.TempDir(), "contexts.json"), docstore.LockOptions{}, time.Hour)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()
	c, err := r.Register(ctx, CallContext{AgencyName: "Ray White"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got, ok := r.Get(c.ID); !ok || got.AgencyName != "Ray White" {
		t.Fatalf("get: %+v %v", got, ok)
	}
	now = now.Add(2 * time.Hour)
	if _, ok := r.Get(c.ID); ok {
		t.Fatalf("expired context still resolvable")
	}
	n, err := r.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
}
