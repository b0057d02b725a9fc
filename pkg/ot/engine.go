package ot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/atelier-run/atelier/pkg/errdefs"
	"github.com/atelier-run/atelier/pkg/metrics"
	"github.com/atelier-run/atelier/pkg/storage"
	"github.com/atelier-run/atelier/pkg/types"
)

var (
	// ErrVersionAhead marks a batch whose base version the server has
	// never seen; the client is confused and must resync.
	ErrVersionAhead = errors.New("base version ahead of document")

	// ErrHistoryGone marks a base version older than the retained
	// history window; the caller falls back to a full snapshot.
	ErrHistoryGone = errors.New("base version older than retained history")
)

// Result is the outcome of applying one batch
type Result struct {
	Batch   *types.OperationBatch // transformed, carrying its assigned version
	Version uint64
	Content string
	Hash    string
}

// Engine owns per-document OT state. All mutation is serialized behind
// the document's lock; persistence goes through the store's atomic
// append.
type Engine struct {
	store  storage.Store
	window int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine retaining window batches of history per
// document
func NewEngine(store storage.Store, window int) *Engine {
	return &Engine{
		store:  store,
		window: window,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lock(docID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[docID] = l
	}
	return l
}

// GetOrCreate returns the document, creating it empty on first touch
func (e *Engine) GetOrCreate(docID string) (*types.Document, error) {
	doc, err := e.store.GetDocument(docID)
	if err == nil {
		return doc, nil
	}
	if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, err
	}
	doc = &types.Document{ID: docID, UpdatedAt: time.Now()}
	if err := e.store.PutDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Apply transforms the batch against the history it has not seen, then
// applies it. The returned batch is the broadcast form: transformed
// operations and the version it produced.
func (e *Engine) Apply(docID string, batch *types.OperationBatch) (*Result, error) {
	l := e.lock(docID)
	l.Lock()
	defer l.Unlock()

	doc, err := e.GetOrCreate(docID)
	if err != nil {
		return nil, err
	}

	if batch.BaseVersion > doc.Version {
		return nil, errdefs.Wrap(errdefs.KindValidation, "rejecting batch", ErrVersionAhead)
	}

	ops := batch.Operations
	if batch.BaseVersion < doc.Version {
		history, err := e.store.DocumentHistory(docID, batch.BaseVersion)
		if err != nil {
			return nil, err
		}
		if uint64(len(history)) < doc.Version-batch.BaseVersion {
			return nil, errdefs.Wrap(errdefs.KindValidation, "rejecting batch", ErrHistoryGone)
		}
		for _, h := range history {
			if h.UserID == batch.UserID {
				continue
			}
			ops = TransformOps(ops, h.Operations, true)
		}
	}

	content, err := Apply(doc.Content, ops)
	if err != nil {
		return nil, err
	}

	doc.Content = content
	doc.Version++

	applied := *batch
	applied.Operations = ops
	applied.BaseVersion = doc.Version
	if err := e.store.AppendDocumentBatch(doc, &applied, e.window); err != nil {
		return nil, err
	}
	metrics.CollabOpsApplied.Inc()

	return &Result{
		Batch:   &applied,
		Version: doc.Version,
		Content: content,
		Hash:    Hash(content),
	}, nil
}

// History returns the batches applied after fromVersion. ErrHistoryGone
// means the window no longer reaches back that far and the caller must
// send a snapshot instead.
func (e *Engine) History(docID string, fromVersion uint64) ([]*types.OperationBatch, error) {
	doc, err := e.store.GetDocument(docID)
	if err != nil {
		return nil, err
	}
	if fromVersion > doc.Version {
		return nil, errdefs.Wrap(errdefs.KindValidation, "rejecting sync", ErrVersionAhead)
	}
	history, err := e.store.DocumentHistory(docID, fromVersion)
	if err != nil {
		return nil, err
	}
	if uint64(len(history)) < doc.Version-fromVersion {
		return nil, errdefs.Wrap(errdefs.KindValidation, "rejecting sync", ErrHistoryGone)
	}
	return history, nil
}

// Hash fingerprints document content for client divergence checks
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// TransformCursor moves a cursor position past an applied batch so
// remote cursors do not drift
func TransformCursor(cursor *types.Cursor, applied []*types.Operation) *types.Cursor {
	out := *cursor
	for _, op := range applied {
		switch op.Type {
		case types.OpInsert:
			if op.Position <= out.Position {
				out.Position += len(op.Text)
			}
		case types.OpDelete:
			switch {
			case op.Position+op.Count <= out.Position:
				out.Position -= op.Count
			case op.Position < out.Position:
				out.Position = op.Position
			}
		}
	}
	return &out
}
