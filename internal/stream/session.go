package stream

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

const (
	keyPipeline             = "pipeline"
	keyMain                 = "main"
	keyAgencyPrefix         = "agency:"
	keyAgencyActivityPrefix = "agency-activity:"

	mainSource = "orchestrator"
)

// session is the emission state of one session subscriber.
type session struct {
	e   *Engine
	ctx context.Context
	sid string
	em  Emitter

	pipelineHash string
	cards        map[string]string // agency id -> hash of the last card_update
	known        []string
	knownSet     map[string]bool
	main         cursor
	agencyLogs   map[string]cursor
	done         bool
}

// ServeSession streams the run sid to em until the run completes, ctx ends
// or em fails. The first frames are a snapshot of every document of the run.
func (e *Engine) ServeSession(ctx context.Context, sid string, em Emitter) error {
	if err := ids.ValidateSessionID(sid); err != nil {
		return err
	}
	s := &session{
		e:          e,
		ctx:        ctx,
		sid:        sid,
		em:         em,
		cards:      make(map[string]string),
		knownSet:   make(map[string]bool),
		agencyLogs: make(map[string]cursor),
	}
	return e.run(ctx, em, subscription{
		kind:     KindSession,
		dirs:     []string{e.pipelines.ProgressDir(), e.pipelines.DemosDir()},
		classify: s.classify,
		start:    s.refreshAll,
		refresh:  s.refresh,
	})
}

func (s *session) classify(path string) (string, bool) {
	dir, name := filepath.Split(path)
	if filepath.Clean(dir) == filepath.Clean(s.e.pipelines.DemosDir()) {
		aid, ok := strings.CutSuffix(name, ".html")
		if ok && s.knownSet[aid] {
			return keyAgencyPrefix + aid, true
		}
		return "", false
	}
	kind, id := pipeline.ClassifyFile(name)
	switch kind {
	case pipeline.FilePipeline:
		return keyPipeline, id == s.sid
	case pipeline.FileMainActivity:
		return keyMain, id == s.sid
	case pipeline.FileAgency:
		return keyAgencyPrefix + id, s.knownSet[id]
	case pipeline.FileAgencyActivity:
		return keyAgencyActivityPrefix + id, s.knownSet[id]
	}
	if name != "" && docstore.IsScratch(name) {
		return "", false
	}
	return fullRefresh, true
}

func (s *session) refresh(key string) (bool, error) {
	switch {
	case key == fullRefresh:
		return s.refreshAll()
	case key == keyPipeline:
		return s.refreshPipeline()
	case key == keyMain:
		return false, s.refreshMain()
	case strings.HasPrefix(key, keyAgencyActivityPrefix):
		return false, s.refreshAgencyActivity(strings.TrimPrefix(key, keyAgencyActivityPrefix))
	case strings.HasPrefix(key, keyAgencyPrefix):
		terminal, err := s.refreshAgency(strings.TrimPrefix(key, keyAgencyPrefix))
		if err != nil || !terminal {
			return false, err
		}
		return s.checkCompletion()
	}
	return false, nil
}

func (s *session) refreshAll() (bool, error) {
	if done, err := s.refreshPipeline(); err != nil || done {
		return done, err
	}
	if err := s.refreshMain(); err != nil {
		return false, err
	}
	for _, aid := range s.known {
		if _, err := s.refreshAgency(aid); err != nil {
			return false, err
		}
		if err := s.refreshAgencyActivity(aid); err != nil {
			return false, err
		}
	}
	return s.checkCompletion()
}

// refreshPipeline emits a todo_update when the pipeline document changed and
// picks up agencies it lists for the first time.
func (s *session) refreshPipeline() (bool, error) {
	rec, ok := s.e.pipelines.Pipeline(s.sid)
	if !ok {
		return false, nil
	}
	if err := s.emitPipeline(rec); err != nil {
		return false, err
	}
	for _, aid := range rec.AgencyIDs {
		if s.knownSet[aid] {
			continue
		}
		s.knownSet[aid] = true
		s.known = append(s.known, aid)
		if _, err := s.refreshAgency(aid); err != nil {
			return false, err
		}
		if err := s.refreshAgencyActivity(aid); err != nil {
			return false, err
		}
	}
	return s.checkCompletion()
}

func (s *session) emitPipeline(rec *pipeline.Record) error {
	h := contentHash(rec)
	if h == s.pipelineHash {
		return nil
	}
	s.pipelineHash = h
	return s.e.send(KindSession, s.em, todoFrame(rec))
}

// refreshAgency emits a card_update for a changed agency, or card_remove
// when a previously shown agency is gone or belongs to another session. It
// reports whether a terminal card was emitted.
func (s *session) refreshAgency(aid string) (bool, error) {
	a, ok := s.e.pipelines.Agency(aid)
	if !ok || a.SessionID != s.sid {
		if _, shown := s.cards[aid]; !shown {
			return false, nil
		}
		delete(s.cards, aid)
		return false, s.e.send(KindSession, s.em, Frame{Type: TypeCardRemove, SessionID: s.sid, AgencyID: aid})
	}
	if healed, ok := s.e.pipelines.Heal(a); ok {
		s.e.log.Info("healed agency with published demo", "session_id", s.sid, "agency_id", aid)
		a = healed
	}
	h := contentHash(a)
	if s.cards[aid] == h {
		return false, nil
	}
	s.cards[aid] = h
	if err := s.e.send(KindSession, s.em, Frame{Type: TypeCardUpdate, SessionID: s.sid, AgencyID: aid, Agency: a}); err != nil {
		return false, err
	}
	return a.Status.Terminal(), nil
}

func (s *session) refreshMain() error {
	log, ok := s.e.pipelines.MainActivity(s.sid)
	if !ok {
		return nil
	}
	fresh, next := unseen(log.Messages, s.main, activity.MainPrefix)
	s.main = next
	now := s.e.now()
	for _, m := range fresh {
		msg := activity.Normalize(m, activity.MainPrefix, mainSource, now)
		err := s.e.send(KindSession, s.em, Frame{
			Type:           TypeMainActivityMessage,
			SessionID:      s.sid,
			Message:        &msg,
			AgenciesFound:  intPtr(log.AgenciesFound),
			AgenciesTarget: intPtr(log.AgenciesTarget),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *session) refreshAgencyActivity(aid string) error {
	log, ok := s.e.pipelines.AgencyActivity(aid)
	if !ok {
		return nil
	}
	prefix := activity.AgencyPrefix(aid)
	fresh, next := unseen(log.Messages, s.agencyLogs[aid], prefix)
	s.agencyLogs[aid] = next
	now := s.e.now()
	for _, m := range fresh {
		msg := activity.Normalize(m, prefix, aid, now)
		if err := s.e.send(KindSession, s.em, Frame{Type: TypeSubagentActivityMessage, SessionID: s.sid, AgencyID: aid, Message: &msg}); err != nil {
			return err
		}
	}
	return nil
}

// checkCompletion ends the stream once the run is terminal: it flushes the
// final state, archives the run and sends pipeline_complete.
func (s *session) checkCompletion() (bool, error) {
	if s.done {
		return true, nil
	}
	res, err := s.e.pipelines.CheckCompletion(s.ctx, s.sid)
	if err != nil {
		// a busy lock is retried on the next notification
		s.e.log.Warn("completion check failed", "session_id", s.sid, "err", err)
		return false, nil
	}
	if !res.Done {
		return false, nil
	}
	s.done = true
	if res.Reconciled {
		s.e.log.Info("session reconciled as complete", "session_id", s.sid)
	}

	if err := s.emitPipeline(res.Record); err != nil {
		return true, err
	}
	for _, aid := range s.known {
		if _, err := s.refreshAgency(aid); err != nil {
			return true, err
		}
		if err := s.refreshAgencyActivity(aid); err != nil {
			return true, err
		}
	}
	if err := s.refreshMain(); err != nil {
		return true, err
	}
	if s.e.archiver != nil {
		if err := s.e.archiver.Archive(s.ctx, s.sid); err != nil {
			s.e.log.Warn("archive failed", "session_id", s.sid, "err", err)
		}
	}
	return true, s.e.send(KindSession, s.em, completeFrame(res.Record, res.Summary))
}
