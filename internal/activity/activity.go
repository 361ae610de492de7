// Package activity models the capped, append-only activity logs written by the
// agent processes and the normalisation applied before messages reach clients.
package activity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
	"github.com/mohammad-safakhou/agencyscout/internal/ids"
)

// DefaultCap is the number of messages a log keeps before dropping the oldest.
const DefaultCap = 200

// TimestampLayout is the ISO-8601 form written for replacement timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// MessageType classifies an activity message.
type MessageType string

const (
	TypeSearch     MessageType = "search"
	TypeResults    MessageType = "results"
	TypeFetch      MessageType = "fetch"
	TypeIdentified MessageType = "identified"
	TypeWarning    MessageType = "warning"
	TypeThinking   MessageType = "thinking"
	TypeTool       MessageType = "tool"
	TypeAgent      MessageType = "agent"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSearch, TypeResults, TypeFetch, TypeIdentified, TypeWarning, TypeThinking, TypeTool, TypeAgent:
		return true
	}
	return false
}

// Status of a log.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// Message is one activity line.
type Message struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Detail    string      `json:"detail,omitempty"`
	Source    string      `json:"source,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Log is the on-disk activity document.
type Log struct {
	Status         Status    `json:"status"`
	AgenciesFound  int       `json:"agenciesFound"`
	AgenciesTarget int       `json:"agenciesTarget"`
	Messages       []Message `json:"messages"`
}

// Stream prefixes namespace producer ids before they are used for dedup.
const MainPrefix = "main"

// AgencyPrefix is the stream prefix of an agency worker's sub-stream.
func AgencyPrefix(agencyID string) string { return "agency-" + agencyID }

// PostCallPrefix is the stream prefix of a call's post-call stream.
func PostCallPrefix(callID string) string { return "postcall-" + callID }

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

func stripHTML(s string) string {
	textPolicyOnce.Do(func() { textPolicy = bluemonday.StrictPolicy() })
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	return strings.TrimSpace(textPolicy.Sanitize(s))
}

// CanonicalID returns the dedup id of m within the stream prefix. A producer
// id is namespaced as "prefix:id"; otherwise the id is derived from the
// message content so repeated reads converge on the same value.
func CanonicalID(m Message, prefix string) string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return prefix + ":" + id
	}
	h := sha1.New()
	h.Write([]byte(string(m.Type) + "|" + m.Text + "|" + m.Detail + "|" + m.Source + "|" + m.Timestamp))
	return prefix + ":h-" + hex.EncodeToString(h.Sum(nil))[:10]
}

// Normalize converts a raw message into the canonical form sent to clients.
// The id is computed from the raw fields before anything else is touched.
func Normalize(m Message, prefix, fallbackSource string, now time.Time) Message {
	out := m
	out.ID = CanonicalID(m, prefix)
	if !out.Type.Valid() {
		out.Type = TypeAgent
	}
	out.Text = stripHTML(m.Text)
	out.Detail = stripHTML(m.Detail)
	if !trustedTimestamp(m.Timestamp) {
		out.Timestamp = now.UTC().Format(TimestampLayout)
	}
	if strings.TrimSpace(out.Source) == "" {
		out.Source = fallbackSource
	}
	return out
}

// NormalizeFrom normalizes msgs[from:]; it is used by count-based change
// detection so only unseen indices are processed.
func NormalizeFrom(msgs []Message, from int, prefix, fallbackSource string, now time.Time) []Message {
	if from < 0 {
		from = 0
	}
	if from >= len(msgs) {
		return nil
	}
	out := make([]Message, 0, len(msgs)-from)
	for _, m := range msgs[from:] {
		out = append(out, Normalize(m, prefix, fallbackSource, now))
	}
	return out
}

// trustedTimestamp accepts RFC 3339 instants except those falling exactly on
// midnight UTC, which an upstream producer emits for date-only values.
func trustedTimestamp(ts string) bool {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false
	}
	t = t.UTC()
	return !(t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0)
}

// Append adds msgs to the log, counts identified messages towards
// AgenciesFound and trims the oldest entries beyond capacity.
func (l *Log) Append(capacity int, msgs ...Message) {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	for _, m := range msgs {
		l.Messages = append(l.Messages, m)
		if m.Type == TypeIdentified {
			l.AgenciesFound++
			if l.AgenciesTarget > 0 && l.AgenciesFound > l.AgenciesTarget {
				l.AgenciesFound = l.AgenciesTarget
			}
		}
	}
	if over := len(l.Messages) - capacity; over > 0 {
		l.Messages = append([]Message(nil), l.Messages[over:]...)
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
}

// AppendFile appends msgs to the log document at path under the document lock,
// creating the log when it does not exist. Messages without an id get one.
func AppendFile(ctx context.Context, path string, opts docstore.LockOptions, capacity int, msgs ...Message) (*Log, error) {
	now := time.Now()
	return docstore.Update(ctx, path, opts, func(cur *Log) (*Log, error) {
		if cur == nil {
			cur = &Log{Status: StatusActive}
		}
		stamped := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			if m.ID == "" {
				m.ID = ids.NewMessageIDAt(now)
			}
			if m.Timestamp == "" {
				m.Timestamp = now.UTC().Format(TimestampLayout)
			}
			stamped = append(stamped, m)
		}
		cur.Append(capacity, stamped...)
		return cur, nil
	})
}

// SetStatus updates the status of the log at path, creating it if needed.
func SetStatus(ctx context.Context, path string, opts docstore.LockOptions, status Status) error {
	_, err := docstore.Update(ctx, path, opts, func(cur *Log) (*Log, error) {
		if cur == nil {
			cur = &Log{}
		}
		if cur.Status == status {
			return nil, docstore.ErrSkipWrite
		}
		cur.Status = status
		return cur, nil
	})
	return err
}
