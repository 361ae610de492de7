package calls

import (
	"context"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
)

type indexDoc struct {
	Conversations map[string]string `json:"conversations"`
}

// Index maps provider conversation ids to call ids in a single document.
type Index struct {
	path string
	lock docstore.LockOptions
}

func NewIndex(path string, lock docstore.LockOptions) *Index {
	return &Index{path: path, lock: lock}
}

// Lookup returns the call id bound to conversationID.
func (i *Index) Lookup(conversationID string) (string, bool) {
	doc, ok := docstore.Read[indexDoc](i.path)
	if !ok {
		return "", false
	}
	id, ok := doc.Conversations[conversationID]
	return id, ok
}

// Bind maps conversationID to callID unless it is already mapped, and
// returns the call id that is bound after the call.
func (i *Index) Bind(ctx context.Context, conversationID, callID string) (string, error) {
	bound := callID
	_, err := docstore.Update(ctx, i.path, i.lock, func(cur *indexDoc) (*indexDoc, error) {
		if cur == nil {
			cur = &indexDoc{}
		}
		if cur.Conversations == nil {
			cur.Conversations = map[string]string{}
		}
		if existing, ok := cur.Conversations[conversationID]; ok {
			bound = existing
			return nil, docstore.ErrSkipWrite
		}
		cur.Conversations[conversationID] = callID
		return cur, nil
	})
	if err != nil {
		return "", err
	}
	return bound, nil
}

// Forget drops mappings that point at any of callIDs.
func (i *Index) Forget(ctx context.Context, callIDs map[string]bool) error {
	if len(callIDs) == 0 {
		return nil
	}
	_, err := docstore.Update(ctx, i.path, i.lock, func(cur *indexDoc) (*indexDoc, error) {
		if cur == nil {
			return nil, docstore.ErrSkipWrite
		}
		changed := false
		for conv, call := range cur.Conversations {
			if callIDs[call] {
				delete(cur.Conversations, conv)
				changed = true
			}
		}
		if !changed {
			return nil, docstore.ErrSkipWrite
		}
		return cur, nil
	})
	return err
}
