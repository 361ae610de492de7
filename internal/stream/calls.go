package stream

import (
	"context"
	"path/filepath"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

const (
	keyCall     = "call"
	keyPostCall = "postcall"
	keyList     = "list"

	postCallSource = "page-builder"
)

type callState struct {
	e      *Engine
	callID string
	em     Emitter

	recordHash string
	status     activity.Status
	log        cursor
}

// ServeCall streams one call record and its post-call activity. Call streams
// have no natural end; they run until ctx ends or em fails.
func (e *Engine) ServeCall(ctx context.Context, callID string, em Emitter) error {
	if err := ids.ValidateCallID(callID); err != nil {
		return err
	}
	c := &callState{e: e, callID: callID, em: em}
	return e.run(ctx, em, subscription{
		kind:     KindCall,
		dirs:     []string{e.calls.Dir()},
		classify: c.classify,
		start: func() (bool, error) {
			if err := c.refreshRecord(); err != nil {
				return false, err
			}
			return false, c.refreshPostCall()
		},
		refresh: func(key string) (bool, error) {
			switch key {
			case keyCall:
				return false, c.refreshRecord()
			case keyPostCall:
				return false, c.refreshPostCall()
			}
			if err := c.refreshRecord(); err != nil {
				return false, err
			}
			return false, c.refreshPostCall()
		},
	})
}

func (c *callState) classify(path string) (string, bool) {
	name := filepath.Base(path)
	id, postCall, ok := calls.CallIDFromFile(name)
	if !ok {
		return fullRefresh, !docstore.IsScratch(name)
	}
	if id != c.callID {
		return "", false
	}
	if postCall {
		return keyPostCall, true
	}
	return keyCall, true
}

func (c *callState) refreshRecord() error {
	rec, ok := c.e.calls.Get(c.callID)
	if !ok {
		return nil
	}
	h := contentHash(rec)
	if h == c.recordHash {
		return nil
	}
	c.recordHash = h
	return c.e.send(KindCall, c.em, Frame{Type: TypeCallUpdate, SessionID: rec.SessionID, CallID: c.callID, Call: rec})
}

func (c *callState) refreshPostCall() error {
	log, ok := docstore.Read[activity.Log](c.e.calls.PostCallActivityPath(c.callID))
	if !ok {
		return nil
	}
	prefix := activity.PostCallPrefix(c.callID)
	fresh, next := unseen(log.Messages, c.log, prefix)
	c.log = next
	now := c.e.now()
	for _, m := range fresh {
		msg := activity.Normalize(m, prefix, postCallSource, now)
		if err := c.e.send(KindCall, c.em, Frame{Type: TypePostCallActivityMessage, CallID: c.callID, Message: &msg}); err != nil {
			return err
		}
	}
	if log.Status != "" && log.Status != c.status {
		c.status = log.Status
		return c.e.send(KindCall, c.em, Frame{Type: TypePostCallActivityStatus, CallID: c.callID, Status: string(log.Status)})
	}
	return nil
}

// ServeCalls streams the list of call records, restricted to sessionID when
// it is non-empty. Every change re-sends the whole list.
func (e *Engine) ServeCalls(ctx context.Context, sessionID string, em Emitter) error {
	if sessionID != "" {
		if err := ids.ValidateSessionID(sessionID); err != nil {
			return err
		}
	}
	var last string
	emit := func() (bool, error) {
		list := e.calls.List(sessionID)
		h := contentHash(list)
		if h == last {
			return false, nil
		}
		last = h
		return false, e.send(KindCallList, em, Frame{Type: TypeCallsUpdate, SessionID: sessionID, Calls: list})
	}
	return e.run(ctx, em, subscription{
		kind: KindCallList,
		dirs: []string{e.calls.Dir()},
		classify: func(path string) (string, bool) {
			name := filepath.Base(path)
			if docstore.IsScratch(name) {
				return "", false
			}
			if _, postCall, ok := calls.CallIDFromFile(name); ok && postCall {
				return "", false
			}
			return keyList, true
		},
		start:   emit,
		refresh: func(string) (bool, error) { return emit() },
	})
}
