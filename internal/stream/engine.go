package stream

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mohammad-safakhou/agencyscout/internal/activity"
	"github.com/mohammad-safakhou/agencyscout/internal/calls"
	"github.com/mohammad-safakhou/agencyscout/internal/pipeline"
)

// Engine serves session, call and call-list subscribers from the documents
// on disk. It holds no per-subscriber state; every Serve call owns its own
// watcher and emission history.
type Engine struct {
	pipelines *pipeline.Store
	calls     *calls.Store
	archiver  pipeline.Archiver
	opts      Options
	log       *slog.Logger
	now       func() time.Time
	// notices is read alongside the watcher events of every subscriber.
	notices <-chan fsnotify.Event
}

// NewEngine creates an engine. archiver may be nil, in which case completed
// sessions are not archived by their subscribers.
func NewEngine(pipelines *pipeline.Store, callStore *calls.Store, archiver pipeline.Archiver, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		pipelines: pipelines,
		calls:     callStore,
		archiver:  archiver,
		opts:      opts,
		log:       opts.Logger.With("component", "stream"),
		now:       time.Now,
	}
}

// cursor remembers how far a log has been emitted: the message count seen
// and the canonical id of the last message.
type cursor struct {
	count  int
	lastID string
}

// unseen returns the messages of msgs that come after cur and the advanced
// cursor. A log trimmed at its cap keeps its length, so the last emitted id
// is located again instead of trusting the count alone.
func unseen(msgs []activity.Message, cur cursor, prefix string) ([]activity.Message, cursor) {
	n := len(msgs)
	if n == 0 {
		return nil, cursor{}
	}
	next := cursor{count: n, lastID: activity.CanonicalID(msgs[n-1], prefix)}
	if cur.lastID == "" {
		return msgs, next
	}
	if cur.count <= n && activity.CanonicalID(msgs[cur.count-1], prefix) == cur.lastID {
		return msgs[cur.count:], next
	}
	for i := n - 1; i >= 0; i-- {
		if activity.CanonicalID(msgs[i], prefix) == cur.lastID {
			return msgs[i+1:], next
		}
	}
	// the last emitted message was trimmed away: everything left is newer
	return msgs, next
}
